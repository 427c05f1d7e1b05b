package extractor

import (
	"fmt"
	"log/slog"
	"regexp"
)

// rule is a typed extraction rule: a pattern plus a mapper turning one match
// into an optional result. Rules are evaluated independently of each other.
type rule[T any] struct {
	name    string
	pattern *regexp.Regexp
	mapper  func(text string, match []int) (T, bool)
}

// apply runs the rule over text. A mapper that panics drops only that match.
func (r rule[T]) apply(text string, logger *slog.Logger) []T {
	var results []T
	for _, match := range r.pattern.FindAllStringSubmatchIndex(text, -1) {
		if v, ok := r.mapSafe(text, match, logger); ok {
			results = append(results, v)
		}
	}
	return results
}

func (r rule[T]) mapSafe(text string, match []int, logger *slog.Logger) (v T, ok bool) {
	defer func() {
		if p := recover(); p != nil {
			logger.Warn("extractor rule panicked", "rule", r.name, "panic", fmt.Sprint(p))
			var zero T
			v, ok = zero, false
		}
	}()
	return r.mapper(text, match)
}

// group returns the text of the named capture group, or "" when it did not participate
func group(re *regexp.Regexp, text string, match []int, name string) (string, int, int) {
	i := re.SubexpIndex(name)
	if i < 0 || 2*i+1 >= len(match) || match[2*i] < 0 {
		return "", -1, -1
	}
	return text[match[2*i]:match[2*i+1]], match[2*i], match[2*i+1]
}
