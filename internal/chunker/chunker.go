package chunker

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dshills/newsrag/pkg/types"
)

const (
	// DefaultChunkSize is the token budget per chunk
	DefaultChunkSize = 512

	// DefaultOverlap is the number of tokens shared by consecutive chunks
	DefaultOverlap = 50
)

var (
	paragraphBreak = regexp.MustCompile(`\n\s*\n`)
	sentenceEnd    = regexp.MustCompile(`[.!?]+["'”’)\]]*$`)
)

// Chunker splits document text into token-bounded, overlapping chunks.
// Tokens are whitespace-delimited words.
type Chunker struct {
	size    int
	overlap int
}

// Option configures a Chunker
type Option func(*Chunker)

// WithChunkSize sets the token budget per chunk
func WithChunkSize(size int) Option {
	return func(c *Chunker) {
		c.size = size
	}
}

// WithOverlap sets the token overlap between consecutive chunks
func WithOverlap(overlap int) Option {
	return func(c *Chunker) {
		c.overlap = overlap
	}
}

// New creates a Chunker. The overlap must be smaller than the chunk size.
func New(opts ...Option) (*Chunker, error) {
	c := &Chunker{
		size:    DefaultChunkSize,
		overlap: DefaultOverlap,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.size <= 0 {
		return nil, types.Configuration("chunker.new", fmt.Errorf("chunk size must be positive, got %d", c.size))
	}
	if c.overlap < 0 || c.overlap >= c.size {
		return nil, types.Configuration("chunker.new", fmt.Errorf("overlap %d must be in [0, %d)", c.overlap, c.size))
	}
	return c, nil
}

// Size returns the configured token budget
func (c *Chunker) Size() int {
	return c.size
}

// Overlap returns the configured overlap
func (c *Chunker) Overlap() int {
	return c.overlap
}

// Chunk splits text into chunks for the given document. Output is
// deterministic for identical input and configuration.
func (c *Chunker) Chunk(documentID, contentHash, text string) []*types.Chunk {
	units := c.units(text)
	if len(units) == 0 {
		return nil
	}

	chunks := make([]*types.Chunk, 0, len(units))
	emit := func(tokens []string, overlap int) {
		seq := len(chunks)
		chunks = append(chunks, &types.Chunk{
			ID:              types.ChunkID(documentID, contentHash, seq),
			DocumentID:      documentID,
			SequenceIndex:   seq,
			Text:            strings.Join(tokens, " "),
			TokenCount:      len(tokens),
			OverlapWithPrev: overlap,
		})
	}

	var current []string
	overlap := 0
	hasNew := false

	for _, unit := range units {
		if len(current)+len(unit) > c.size && hasNew {
			emit(current, overlap)
			tail := lastN(current, min(c.overlap, c.size-len(unit)))
			current = append([]string(nil), tail...)
			overlap = len(current)
			hasNew = false
		}
		current = append(current, unit...)
		hasNew = true
	}
	if hasNew {
		emit(current, overlap)
	}

	return chunks
}

// units returns the sentence-level packing units, each at most c.size tokens
func (c *Chunker) units(text string) [][]string {
	var units [][]string
	for _, paragraph := range paragraphBreak.Split(text, -1) {
		for _, sentence := range splitSentences(paragraph) {
			// Hard-split sentences longer than the budget
			for len(sentence) > c.size {
				units = append(units, sentence[:c.size])
				sentence = sentence[c.size:]
			}
			if len(sentence) > 0 {
				units = append(units, sentence)
			}
		}
	}
	return units
}

// splitSentences tokenizes a paragraph and groups tokens into sentences
func splitSentences(paragraph string) [][]string {
	var sentences [][]string
	var current []string
	for _, tok := range strings.Fields(paragraph) {
		current = append(current, tok)
		if sentenceEnd.MatchString(tok) {
			sentences = append(sentences, current)
			current = nil
		}
	}
	if len(current) > 0 {
		sentences = append(sentences, current)
	}
	return sentences
}

func lastN(tokens []string, n int) []string {
	if n <= 0 {
		return nil
	}
	if n >= len(tokens) {
		return tokens
	}
	return tokens[len(tokens)-n:]
}

// CountTokens returns the token count of text under the chunker's tokenization
func CountTokens(text string) int {
	return len(strings.Fields(text))
}
