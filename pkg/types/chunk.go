package types

import "fmt"

// Chunk is a token-bounded segment of a document's text
type Chunk struct {
	ID              string
	DocumentID      string
	SequenceIndex   int
	Text            string
	TokenCount      int
	OverlapWithPrev int // tokens shared with the previous chunk
}

// ChunkID builds the deterministic id of a chunk. The content hash prefix
// gives every reprocessed version of a document a disjoint id set.
func ChunkID(documentID, contentHash string, seq int) string {
	prefix := contentHash
	if len(prefix) > 12 {
		prefix = prefix[:12]
	}
	return fmt.Sprintf("%s:%s:%04d", documentID, prefix, seq)
}

// Validate checks the chunk's structural invariants
func (c *Chunk) Validate() error {
	if c.ID == "" || c.DocumentID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidChunk)
	}
	if c.Text == "" {
		return fmt.Errorf("%w: empty text", ErrInvalidChunk)
	}
	if c.SequenceIndex < 0 {
		return fmt.Errorf("%w: negative sequence index", ErrInvalidChunk)
	}
	if c.OverlapWithPrev > c.TokenCount {
		return fmt.Errorf("%w: overlap exceeds token count", ErrInvalidChunk)
	}
	return nil
}
