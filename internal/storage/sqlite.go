package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dshills/newsrag/pkg/types"
)

var (
	// ErrNotFound is returned when a requested entity doesn't exist
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when trying to create a duplicate entity
	ErrAlreadyExists = errors.New("already exists")
	// ErrConflict is returned when a conditional update lost a race
	ErrConflict = errors.New("conflict")
)

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	db *sql.DB
}

// openDatabase opens a SQLite database with appropriate settings
func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// A single connection serializes writers and keeps :memory: databases alive
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := ApplyMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// scanner is implemented by *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

// withTx runs fn in a transaction, committing on success
func (s *SQLiteStorage) withTx(ctx context.Context, fn func(q querier) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Time helpers. All timestamps are stored as unix nanoseconds.

func unixNano(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func nullUnix(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: unixNano(*t), Valid: true}
}

func fromUnix(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

func fromNullUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromUnix(v.Int64)
	return &t
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

// Feed operations

const feedColumns = `id, name, url, update_frequency, interval_ns, status, last_fetched_at,
	next_due_at, last_error, created_at, updated_at`

func scanFeed(row scanner) (*types.Feed, error) {
	var f types.Feed
	var interval, nextDue, created, updated int64
	var lastFetched sql.NullInt64
	var status string

	err := row.Scan(&f.ID, &f.Name, &f.URL, &f.UpdateFrequency, &interval, &status,
		&lastFetched, &nextDue, &f.LastError, &created, &updated)
	if err != nil {
		return nil, err
	}

	f.Interval = time.Duration(interval)
	f.Status = types.FeedStatus(status)
	f.LastFetchedAt = fromNullUnix(lastFetched)
	f.NextDueAt = fromUnix(nextDue)
	f.CreatedAt = fromUnix(created)
	f.UpdatedAt = fromUnix(updated)
	return &f, nil
}

// CreateFeed inserts a new feed
func (s *SQLiteStorage) CreateFeed(ctx context.Context, feed *types.Feed) error {
	now := time.Now().UTC()
	if feed.CreatedAt.IsZero() {
		feed.CreatedAt = now
	}
	feed.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `INSERT INTO feeds (`+feedColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		feed.ID, feed.Name, feed.URL, feed.UpdateFrequency, int64(feed.Interval), string(feed.Status),
		nullUnix(feed.LastFetchedAt), unixNano(feed.NextDueAt), feed.LastError,
		unixNano(feed.CreatedAt), unixNano(feed.UpdatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("feed %s: %w", feed.URL, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to create feed: %w", err)
	}
	return nil
}

// GetFeed retrieves a feed by id
func (s *SQLiteStorage) GetFeed(ctx context.Context, id string) (*types.Feed, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+feedColumns+` FROM feeds WHERE id = ?`, id)
	feed, err := scanFeed(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feed: %w", err)
	}
	return feed, nil
}

// GetFeedByURL retrieves a feed by its source URL
func (s *SQLiteStorage) GetFeedByURL(ctx context.Context, url string) (*types.Feed, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+feedColumns+` FROM feeds WHERE url = ?`, url)
	feed, err := scanFeed(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feed: %w", err)
	}
	return feed, nil
}

// ListFeeds returns all feeds ordered by creation time
func (s *SQLiteStorage) ListFeeds(ctx context.Context) ([]*types.Feed, error) {
	return s.queryFeeds(ctx, `SELECT `+feedColumns+` FROM feeds ORDER BY created_at, id`)
}

// ListDueFeeds returns feeds that are not paused and whose next poll is due
func (s *SQLiteStorage) ListDueFeeds(ctx context.Context, now time.Time) ([]*types.Feed, error) {
	return s.queryFeeds(ctx, `SELECT `+feedColumns+` FROM feeds
		WHERE status != ? AND next_due_at <= ? ORDER BY next_due_at, id`,
		string(types.FeedPaused), unixNano(now))
}

func (s *SQLiteStorage) queryFeeds(ctx context.Context, query string, args ...interface{}) ([]*types.Feed, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list feeds: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var feeds []*types.Feed
	for rows.Next() {
		feed, err := scanFeed(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan feed: %w", err)
		}
		feeds = append(feeds, feed)
	}
	return feeds, rows.Err()
}

// UpdateFeed persists all mutable feed fields
func (s *SQLiteStorage) UpdateFeed(ctx context.Context, feed *types.Feed) error {
	feed.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `UPDATE feeds SET name = ?, update_frequency = ?, interval_ns = ?,
		status = ?, last_fetched_at = ?, next_due_at = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		feed.Name, feed.UpdateFrequency, int64(feed.Interval), string(feed.Status),
		nullUnix(feed.LastFetchedAt), unixNano(feed.NextDueAt), feed.LastError, unixNano(feed.UpdatedAt), feed.ID)
	if err != nil {
		return fmt.Errorf("failed to update feed: %w", err)
	}
	return expectOneRow(result, ErrNotFound)
}

// DeleteFeed removes a feed and tombstones its documents
func (s *SQLiteStorage) DeleteFeed(ctx context.Context, id string) ([]string, error) {
	var tombstoned []string
	err := s.withTx(ctx, func(q querier) error {
		result, err := q.ExecContext(ctx, `DELETE FROM feeds WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete feed: %w", err)
		}
		if err := expectOneRow(result, ErrNotFound); err != nil {
			return err
		}

		rows, err := q.QueryContext(ctx, `SELECT id FROM documents WHERE feed_id = ? AND tombstoned = 0 ORDER BY id`, id)
		if err != nil {
			return fmt.Errorf("failed to list feed documents: %w", err)
		}
		for rows.Next() {
			var docID string
			if err := rows.Scan(&docID); err != nil {
				_ = rows.Close()
				return err
			}
			tombstoned = append(tombstoned, docID)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		_, err = q.ExecContext(ctx, `UPDATE documents SET tombstoned = 1, updated_at = ? WHERE feed_id = ?`,
			unixNano(time.Now()), id)
		if err != nil {
			return fmt.Errorf("failed to tombstone documents: %w", err)
		}
		return nil
	})
	return tombstoned, err
}

func expectOneRow(result sql.Result, missing error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}

// Document operations

const documentColumns = `id, feed_id, source_url, title, summary, raw_content, published_raw, published_at,
	content_hash, ready_hash, status, retry_count, terminal, failure_reason, failure_message,
	failed_at, next_retry_at, metadata, chunk_count, tombstoned, created_at, updated_at`

func scanDocument(row scanner) (*types.Document, error) {
	var d types.Document
	var publishedAt, failedAt, nextRetry sql.NullInt64
	var status, reason, metadata string
	var terminal, tombstoned int
	var created, updated int64

	err := row.Scan(&d.ID, &d.FeedID, &d.SourceURL, &d.Title, &d.Summary, &d.RawContent, &d.PublishedRaw,
		&publishedAt, &d.ContentHash, &d.ReadyHash, &status, &d.RetryCount, &terminal, &reason,
		&d.FailureMessage, &failedAt, &nextRetry, &metadata, &d.ChunkCount, &tombstoned, &created, &updated)
	if err != nil {
		return nil, err
	}

	d.PublishedAt = fromNullUnix(publishedAt)
	d.Status = types.DocumentStatus(status)
	d.Terminal = terminal != 0
	d.FailureReason = types.FailureReason(reason)
	d.FailedAt = fromNullUnix(failedAt)
	d.NextRetryAt = fromNullUnix(nextRetry)
	d.Tombstoned = tombstoned != 0
	d.CreatedAt = fromUnix(created)
	d.UpdatedAt = fromUnix(updated)

	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &d.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata for %s: %w", d.ID, err)
		}
	}
	return &d, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// CreateDocument inserts a new document
func (s *SQLiteStorage) CreateDocument(ctx context.Context, doc *types.Document) error {
	metadata, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `INSERT INTO documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.FeedID, doc.SourceURL, doc.Title, doc.Summary, doc.RawContent, doc.PublishedRaw,
		nullUnix(doc.PublishedAt), doc.ContentHash, doc.ReadyHash, string(doc.Status), doc.RetryCount,
		boolInt(doc.Terminal), string(doc.FailureReason), doc.FailureMessage, nullUnix(doc.FailedAt),
		nullUnix(doc.NextRetryAt), string(metadata), doc.ChunkCount, boolInt(doc.Tombstoned),
		unixNano(doc.CreatedAt), unixNano(doc.UpdatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("document %s: %w", doc.SourceURL, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

// GetDocument retrieves a document by id
func (s *SQLiteStorage) GetDocument(ctx context.Context, id string) (*types.Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

// GetDocumentBySource retrieves the document for a feed item link
func (s *SQLiteStorage) GetDocumentBySource(ctx context.Context, feedID, sourceURL string) (*types.Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents
		WHERE feed_id = ? AND source_url = ?`, feedID, sourceURL)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

// GetDocuments retrieves documents by id. Missing ids are absent from the map.
func (s *SQLiteStorage) GetDocuments(ctx context.Context, ids []string) (map[string]*types.Document, error) {
	docs := make(map[string]*types.Document, len(ids))
	if len(ids) == 0 {
		return docs, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents
		WHERE id IN (`+placeholders(len(ids))+`)`, stringArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("failed to get documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs[doc.ID] = doc
	}
	return docs, rows.Err()
}

// UpdateDocument persists all mutable document fields unconditionally
func (s *SQLiteStorage) UpdateDocument(ctx context.Context, doc *types.Document) error {
	return s.updateDocument(ctx, s.db, doc, "")
}

// TransitionDocument persists doc only if its stored status is still from
func (s *SQLiteStorage) TransitionDocument(ctx context.Context, doc *types.Document, from types.DocumentStatus) error {
	return s.updateDocument(ctx, s.db, doc, from)
}

func (s *SQLiteStorage) updateDocument(ctx context.Context, q querier, doc *types.Document, from types.DocumentStatus) error {
	metadata, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	doc.UpdatedAt = time.Now().UTC()

	query := `UPDATE documents SET title = ?, summary = ?, raw_content = ?, published_raw = ?, published_at = ?,
		content_hash = ?, ready_hash = ?, status = ?, retry_count = ?, terminal = ?, failure_reason = ?,
		failure_message = ?, failed_at = ?, next_retry_at = ?, metadata = ?, chunk_count = ?, tombstoned = ?,
		updated_at = ? WHERE id = ?`
	args := []interface{}{
		doc.Title, doc.Summary, doc.RawContent, doc.PublishedRaw, nullUnix(doc.PublishedAt),
		doc.ContentHash, doc.ReadyHash, string(doc.Status), doc.RetryCount, boolInt(doc.Terminal),
		string(doc.FailureReason), doc.FailureMessage, nullUnix(doc.FailedAt), nullUnix(doc.NextRetryAt),
		string(metadata), doc.ChunkCount, boolInt(doc.Tombstoned), unixNano(doc.UpdatedAt), doc.ID,
	}

	missing := ErrNotFound
	if from != "" {
		query += ` AND status = ?`
		args = append(args, string(from))
		missing = ErrConflict
	}

	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}
	if err := expectOneRow(result, missing); err != nil {
		if from != "" {
			return fmt.Errorf("document %s not in state %s: %w", doc.ID, from, err)
		}
		return err
	}
	return nil
}

// ListDocuments returns documents matching filter, newest first unless
// OldestFirst is set
func (s *SQLiteStorage) ListDocuments(ctx context.Context, filter DocumentFilter) ([]*types.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE 1=1`
	var args []interface{}

	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*filter.Status))
	}
	if filter.FeedID != "" {
		query += ` AND feed_id = ?`
		args = append(args, filter.FeedID)
	}
	if !filter.IncludeTombstoned {
		query += ` AND tombstoned = 0`
	}

	if filter.OldestFirst {
		query += ` ORDER BY created_at ASC, id ASC`
	} else {
		query += ` ORDER BY created_at DESC, id ASC`
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, max(filter.Offset, 0))

	return s.queryDocuments(ctx, query, args...)
}

// ListRetryDue returns failed, non-terminal documents whose retry is due
func (s *SQLiteStorage) ListRetryDue(ctx context.Context, now time.Time) ([]*types.Document, error) {
	return s.queryDocuments(ctx, `SELECT `+documentColumns+` FROM documents
		WHERE status = ? AND terminal = 0 AND tombstoned = 0 AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		ORDER BY next_retry_at, id`, string(types.StatusFailed), unixNano(now))
}

func (s *SQLiteStorage) queryDocuments(ctx context.Context, query string, args ...interface{}) ([]*types.Document, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var docs []*types.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Staging operations

// StageChunks replaces the staged chunk set of a document
func (s *SQLiteStorage) StageChunks(ctx context.Context, documentID, contentHash string, chunks []*types.Chunk) error {
	return s.withTx(ctx, func(q querier) error {
		if _, err := q.ExecContext(ctx, `DELETE FROM staged_chunks WHERE document_id = ?`, documentID); err != nil {
			return fmt.Errorf("failed to clear staged chunks: %w", err)
		}
		for _, c := range chunks {
			_, err := q.ExecContext(ctx, `INSERT INTO staged_chunks
				(document_id, seq, chunk_id, content_hash, text, token_count, overlap) VALUES (?, ?, ?, ?, ?, ?, ?)`,
				documentID, c.SequenceIndex, c.ID, contentHash, c.Text, c.TokenCount, c.OverlapWithPrev)
			if err != nil {
				return fmt.Errorf("failed to stage chunk %s: %w", c.ID, err)
			}
		}
		return nil
	})
}

// GetStagedChunks returns the staged chunks of a document in sequence order
func (s *SQLiteStorage) GetStagedChunks(ctx context.Context, documentID string) ([]*StagedChunk, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, chunk_id, content_hash, text, token_count, overlap, vector
		FROM staged_chunks WHERE document_id = ? ORDER BY seq`, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get staged chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var staged []*StagedChunk
	for rows.Next() {
		sc := &StagedChunk{Chunk: types.Chunk{DocumentID: documentID}}
		var vector []byte
		if err := rows.Scan(&sc.Chunk.SequenceIndex, &sc.Chunk.ID, &sc.ContentHash, &sc.Chunk.Text,
			&sc.Chunk.TokenCount, &sc.Chunk.OverlapWithPrev, &vector); err != nil {
			return nil, fmt.Errorf("failed to scan staged chunk: %w", err)
		}
		if len(vector) > 0 {
			sc.Vector = deserializeVector(vector)
		}
		staged = append(staged, sc)
	}
	return staged, rows.Err()
}

// SetStagedVectors stores embeddings for staged chunks, keyed by sequence index
func (s *SQLiteStorage) SetStagedVectors(ctx context.Context, documentID string, vectors map[int][]float32) error {
	return s.withTx(ctx, func(q querier) error {
		for seq, vec := range vectors {
			result, err := q.ExecContext(ctx, `UPDATE staged_chunks SET vector = ? WHERE document_id = ? AND seq = ?`,
				serializeVector(vec), documentID, seq)
			if err != nil {
				return fmt.Errorf("failed to store staged vector: %w", err)
			}
			if err := expectOneRow(result, ErrNotFound); err != nil {
				return fmt.Errorf("staged chunk %s/%d: %w", documentID, seq, err)
			}
		}
		return nil
	})
}

// ClearStagedChunks drops the staged chunk set of a document
func (s *SQLiteStorage) ClearStagedChunks(ctx context.Context, documentID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM staged_chunks WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("failed to clear staged chunks: %w", err)
	}
	return nil
}

// Live chunk operations

// UpsertChunks atomically replaces the live chunk set and vectors of a document
func (s *SQLiteStorage) UpsertChunks(ctx context.Context, documentID string, chunks []ChunkWithVector, model string) error {
	return s.withTx(ctx, func(q querier) error {
		if _, err := q.ExecContext(ctx, `DELETE FROM embeddings WHERE chunk_id IN
			(SELECT id FROM chunks WHERE document_id = ?)`, documentID); err != nil {
			return fmt.Errorf("failed to delete old embeddings: %w", err)
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, documentID); err != nil {
			return fmt.Errorf("failed to delete old chunks: %w", err)
		}

		now := unixNano(time.Now())
		for _, cv := range chunks {
			c := cv.Chunk
			if c.DocumentID != documentID {
				return fmt.Errorf("chunk %s belongs to %s, not %s: %w", c.ID, c.DocumentID, documentID, types.ErrInvalidChunk)
			}
			if len(cv.Vector) == 0 {
				return fmt.Errorf("chunk %s has no vector: %w", c.ID, types.ErrInvalidChunk)
			}

			_, err := q.ExecContext(ctx, `INSERT INTO chunks (id, document_id, seq, text, token_count, overlap, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				c.ID, documentID, c.SequenceIndex, c.Text, c.TokenCount, c.OverlapWithPrev, now)
			if err != nil {
				return fmt.Errorf("failed to insert chunk %s: %w", c.ID, err)
			}
			_, err = q.ExecContext(ctx, `INSERT INTO embeddings (chunk_id, vector, dimension, model, created_at)
				VALUES (?, ?, ?, ?, ?)`, c.ID, serializeVector(cv.Vector), len(cv.Vector), model, now)
			if err != nil {
				return fmt.Errorf("failed to insert embedding %s: %w", c.ID, err)
			}
		}
		return nil
	})
}

const chunkColumns = `id, document_id, seq, text, token_count, overlap`

func scanChunk(row scanner) (*types.Chunk, error) {
	var c types.Chunk
	if err := row.Scan(&c.ID, &c.DocumentID, &c.SequenceIndex, &c.Text, &c.TokenCount, &c.OverlapWithPrev); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLiteStorage) queryChunks(ctx context.Context, query string, args ...interface{}) ([]*types.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var chunks []*types.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// GetChunks retrieves live chunks by id. Missing ids are absent from the map.
func (s *SQLiteStorage) GetChunks(ctx context.Context, ids []string) (map[string]*types.Chunk, error) {
	result := make(map[string]*types.Chunk, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	chunks, err := s.queryChunks(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE id IN (`+placeholders(len(ids))+`)`,
		stringArgs(ids)...)
	if err != nil {
		return nil, err
	}
	for _, c := range chunks {
		result[c.ID] = c
	}
	return result, nil
}

// ListChunksByDocument returns the live chunks of a document in order
func (s *SQLiteStorage) ListChunksByDocument(ctx context.Context, documentID string) ([]*types.Chunk, error) {
	return s.queryChunks(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE document_id = ? ORDER BY seq`, documentID)
}

// ListLiveChunks returns every live chunk of a non-tombstoned document,
// grouped by document in commit order
func (s *SQLiteStorage) ListLiveChunks(ctx context.Context) ([]*types.Chunk, error) {
	return s.queryChunks(ctx, `SELECT c.id, c.document_id, c.seq, c.text, c.token_count, c.overlap
		FROM chunks c INNER JOIN documents d ON d.id = c.document_id
		WHERE d.tombstoned = 0
		ORDER BY c.created_at, c.document_id, c.seq`)
}

// QueryVectors returns the topN live chunks closest to vector
func (s *SQLiteStorage) QueryVectors(ctx context.Context, vector []float32, topN int) ([]VectorHit, error) {
	if topN <= 0 {
		return []VectorHit{}, nil
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("empty query vector")
	}
	return searchVector(ctx, s.db, vector, topN)
}

// Run history operations

// RecordRun inserts or updates an ingestion run summary
func (s *SQLiteStorage) RecordRun(ctx context.Context, run *RunRecord) error {
	errs := run.Errors
	if errs == nil {
		errs = []string{}
	}
	encoded, err := json.Marshal(errs)
	if err != nil {
		return fmt.Errorf("failed to encode run errors: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO ingestion_runs
		(id, feed_id, started_at, finished_at, items_seen, documents_created, documents_updated,
		 documents_unchanged, items_failed, errors)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET finished_at = excluded.finished_at, items_seen = excluded.items_seen,
		 documents_created = excluded.documents_created, documents_updated = excluded.documents_updated,
		 documents_unchanged = excluded.documents_unchanged, items_failed = excluded.items_failed,
		 errors = excluded.errors`,
		run.ID, run.FeedID, unixNano(run.StartedAt), nullUnix(run.FinishedAt), run.ItemsSeen,
		run.DocumentsCreated, run.DocumentsUpdated, run.DocumentsUnchanged, run.ItemsFailed, string(encoded))
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs of a feed, newest first. An empty
// feedID lists runs of every feed.
func (s *SQLiteStorage) ListRuns(ctx context.Context, feedID string, limit int) ([]*RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, feed_id, started_at, finished_at, items_seen, documents_created,
		documents_updated, documents_unchanged, items_failed, errors
		FROM ingestion_runs WHERE ? = '' OR feed_id = ? ORDER BY started_at DESC, id LIMIT ?`, feedID, feedID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*RunRecord
	for rows.Next() {
		var r RunRecord
		var started int64
		var finished sql.NullInt64
		var errs string
		if err := rows.Scan(&r.ID, &r.FeedID, &started, &finished, &r.ItemsSeen, &r.DocumentsCreated,
			&r.DocumentsUpdated, &r.DocumentsUnchanged, &r.ItemsFailed, &errs); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.StartedAt = fromUnix(started)
		r.FinishedAt = fromNullUnix(finished)
		if err := json.Unmarshal([]byte(errs), &r.Errors); err != nil {
			return nil, fmt.Errorf("failed to decode run errors: %w", err)
		}
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}

// Status operations

// GetStats returns counts of stored entities
func (s *SQLiteStorage) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{DocumentsByState: make(map[types.DocumentStatus]int)}

	counts := []struct {
		query string
		dest  *int
	}{
		{`SELECT COUNT(*) FROM feeds`, &stats.Feeds},
		{`SELECT COUNT(*) FROM documents`, &stats.Documents},
		{`SELECT COUNT(*) FROM documents WHERE tombstoned = 1`, &stats.Tombstoned},
		{`SELECT COUNT(*) FROM chunks`, &stats.Chunks},
		{`SELECT COUNT(*) FROM embeddings`, &stats.Embeddings},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("failed to count: %w", err)
		}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM documents WHERE tombstoned = 0 GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count documents by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats.DocumentsByState[types.DocumentStatus(status)] = n
	}
	return stats, rows.Err()
}
