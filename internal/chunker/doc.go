// Package chunker divides article text into token-bounded, overlapping chunks
// for embedding and lexical indexing.
//
// # Basic Usage
//
//	c, err := chunker.New(chunker.WithChunkSize(512), chunker.WithOverlap(50))
//	if err != nil {
//	    return err
//	}
//	chunks := c.Chunk(doc.ID, doc.ContentHash, text)
//
// # Chunking Strategy
//
// Tokens are whitespace-delimited words. Text is first split into paragraphs
// at blank lines, then into sentences at terminal punctuation. Sentences are
// packed greedily into a chunk until the next one would exceed the budget.
//
// Each chunk after the first starts with up to Overlap tokens copied from the
// end of the previous chunk. When the overlap plus the next sentence would not
// fit, the overlap shrinks so the budget always holds. A sentence longer than
// the budget is hard-split at the token boundary.
//
// Chunk text is the chunk's tokens joined by single spaces, so whitespace
// differences in the source never change the output. The same text and
// configuration always yield byte-identical chunks.
package chunker
