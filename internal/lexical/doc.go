// Package lexical implements an in-memory BM25 inverted index over chunks.
//
// Postings are grouped into one immutable block per document. The index
// state is an immutable snapshot published through an atomic pointer. Terms
// and blocks live in hash shards; replacing a document builds its new block,
// computes one posting delta per term of the old and new blocks, copies only
// the shards those terms and the document fall into, and swaps the pointer.
// Searches load the pointer once and never take a lock, so a concurrent
// reader sees either every old posting of a document or every new
// one.
//
// Scoring is Okapi BM25 with IDF = ln(1 + (N - df + 0.5) / (df + 0.5)),
// which is never negative. Chunks with no query term are not returned. Equal
// scores are ordered by insertion sequence, so results are deterministic.
package lexical
