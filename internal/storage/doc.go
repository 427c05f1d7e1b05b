// Package storage provides SQLite-based persistence for feeds, documents,
// chunks and their vector embeddings.
//
// # Database Schema
//
// Tables:
//   - feeds: registered sources and their polling schedule
//   - documents: one row per feed item with its processing state
//   - staged_chunks: a chunk set and partial embeddings awaiting commit
//   - chunks: the live chunk set of each ready document
//   - embeddings: vectors for live chunks
//   - ingestion_runs: per-run summaries
//
// Timestamps are stored as unix nanoseconds. Document metadata is stored as
// JSON.
//
// # State Transitions
//
// Workers move documents through their lifecycle with TransitionDocument,
// which only writes when the stored status still matches the expected one:
//
//	doc.Status = types.StatusProcessing
//	if err := db.TransitionDocument(ctx, doc, types.StatusPending); errors.Is(err, storage.ErrConflict) {
//	    // another worker claimed it
//	}
//
// # Committing Chunks
//
// UpsertChunks replaces a document's chunks and vectors in one transaction.
// Readers of QueryVectors see either the previous set or the new one.
//
// # Build Tags
//
// CGO Build (sqlite_vec tag):
//
//   - Uses github.com/mattn/go-sqlite3 driver
//
//   - Distances computed in SQL with vec_distance_cosine
//
//     CGO_ENABLED=1 go build -tags "sqlite_vec"
//
// Pure Go Build (default, or purego tag):
//
//   - Uses modernc.org/sqlite driver
//
//   - Distances computed in Go
//
//     CGO_ENABLED=0 go build -tags "purego"
package storage
