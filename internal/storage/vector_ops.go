package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// searchVector performs nearest-neighbour search by cosine distance over
// live chunks of non-tombstoned documents
func searchVector(ctx context.Context, db *sql.DB, queryVector []float32, limit int) ([]VectorHit, error) {
	// Use optimized SQL-based search when sqlite-vec is available
	if VectorExtensionAvailable {
		return searchVectorOptimized(ctx, db, queryVector, limit)
	}
	// Fall back to Go-based computation for purego builds
	return searchVectorFallback(ctx, db, queryVector, limit)
}

// searchVectorOptimized computes distances inside SQLite with sqlite-vec
func searchVectorOptimized(ctx context.Context, db *sql.DB, queryVector []float32, limit int) ([]VectorHit, error) {
	// vec_distance_cosine returns distance (lower is better)
	rows, err := db.QueryContext(ctx, `
		SELECT c.id, c.document_id, vec_distance_cosine(e.vector, ?) AS distance
		FROM chunks c
		INNER JOIN embeddings e ON c.id = e.chunk_id
		INNER JOIN documents d ON d.id = c.document_id
		WHERE d.tombstoned = 0 AND e.dimension = ?
		ORDER BY distance ASC, c.id ASC
		LIMIT ?`, serializeVector(queryVector), len(queryVector), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to execute vector search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	hits := make([]VectorHit, 0, limit)
	for rows.Next() {
		var hit VectorHit
		if err := rows.Scan(&hit.ChunkID, &hit.DocumentID, &hit.Distance); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// searchVectorFallback scans all candidate embeddings and ranks them in Go
func searchVectorFallback(ctx context.Context, db *sql.DB, queryVector []float32, limit int) ([]VectorHit, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT c.id, c.document_id, e.vector
		FROM chunks c
		INNER JOIN embeddings e ON c.id = e.chunk_id
		INNER JOIN documents d ON d.id = c.document_id
		WHERE d.tombstoned = 0`)
	if err != nil {
		return nil, fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	candidates, err := computeDistances(rows, queryVector)
	if err != nil {
		return nil, err
	}
	sortHits(candidates)

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// computeDistances deserializes each row's vector and scores it against
// queryVector, skipping dimension mismatches
func computeDistances(rows *sql.Rows, queryVector []float32) ([]VectorHit, error) {
	candidates := make([]VectorHit, 0, 256)

	for rows.Next() {
		var hit VectorHit
		var blob []byte
		if err := rows.Scan(&hit.ChunkID, &hit.DocumentID, &blob); err != nil {
			return nil, err
		}

		vector := deserializeVector(blob)
		if len(vector) != len(queryVector) {
			continue
		}
		hit.Distance = 1 - cosineSimilarity(queryVector, vector)
		candidates = append(candidates, hit)
	}

	return candidates, rows.Err()
}

// sortHits orders by ascending distance, then chunk id
func sortHits(hits []VectorHit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
}

// serializeVector converts a float32 slice to a byte blob (little-endian)
func serializeVector(vector []float32) []byte {
	blob := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	return blob
}

// deserializeVector converts a byte blob back to a float32 slice
func deserializeVector(blob []byte) []float32 {
	vector := make([]float32, len(blob)/4)
	for i := range vector {
		bits := binary.LittleEndian.Uint32(blob[i*4:])
		vector[i] = math.Float32frombits(bits)
	}
	return vector
}

// cosineSimilarity computes the cosine similarity between two vectors
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// CosineSimilarity is exported for the local reranker and embedder tests
func CosineSimilarity(a, b []float32) float64 {
	return cosineSimilarity(a, b)
}
