package types

// RankedResult is one query hit with its per-signal score breakdown.
// It is never persisted.
type RankedResult struct {
	ChunkID    string
	DocumentID string
	Title      string
	SourceURL  string
	Text       string

	LexicalRank int      // 1-based, 0 when absent from the lexical list
	VectorRank  int      // 1-based, 0 when absent from the vector list
	FusedScore  float64  // reciprocal rank fusion score
	RerankScore *float64 // nil when the result was not reranked

	Metadata Metadata
}
