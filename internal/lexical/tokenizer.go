package lexical

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Tokenize splits text into normalized terms. The same function is used for
// indexing and querying: NFKC normalization, Unicode case folding, split on
// anything that is not a letter or digit, and single-rune terms dropped
// unless they are digits.
func Tokenize(text string) []string {
	folded := cases.Fold().String(norm.NFKC.String(text))

	fields := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	terms := fields[:0]
	for _, f := range fields {
		if utf8.RuneCountInString(f) == 1 {
			r, _ := utf8.DecodeRuneInString(f)
			if !unicode.IsDigit(r) {
				continue
			}
		}
		terms = append(terms, f)
	}
	return terms
}
