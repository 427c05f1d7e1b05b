package types

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// DocumentStatus is a state of the ingestion state machine
type DocumentStatus string

const (
	StatusPending    DocumentStatus = "pending"
	StatusProcessing DocumentStatus = "processing"
	StatusChunked    DocumentStatus = "chunked"
	StatusEmbedded   DocumentStatus = "embedded"
	StatusReady      DocumentStatus = "ready"
	StatusFailed     DocumentStatus = "failed"
)

// ParseDocumentStatus validates a status string
func ParseDocumentStatus(s string) (DocumentStatus, error) {
	switch st := DocumentStatus(strings.ToLower(s)); st {
	case StatusPending, StatusProcessing, StatusChunked, StatusEmbedded, StatusReady, StatusFailed:
		return st, nil
	}
	return "", ErrInvalidStatus
}

// FailureReason is the reason code recorded on a failed document
type FailureReason string

const (
	ReasonContent        FailureReason = "content_error"
	ReasonExtraction     FailureReason = "extraction_failed"
	ReasonEmbedding      FailureReason = "embedding_failed"
	ReasonIndexWrite     FailureReason = "index_write_failed"
	ReasonLockExpired    FailureReason = "lock_expired"
	ReasonRetryExhausted FailureReason = "retry_exhausted"
	ReasonInternal       FailureReason = "internal_error"
)

// Document is one ingested feed item and its processing state
type Document struct {
	ID        string
	FeedID    string // weak reference, may point at a removed feed
	SourceURL string
	Title     string
	Summary   string

	// Raw item payload kept so a worker can (re)process without re-polling
	RawContent   string
	PublishedRaw string
	PublishedAt  *time.Time // from feed metadata, when present

	ContentHash string // hash of the current raw item
	ReadyHash   string // hash of the last successful run

	Status         DocumentStatus
	RetryCount     int
	Terminal       bool
	FailureReason  FailureReason
	FailureMessage string
	FailedAt       *time.Time
	NextRetryAt    *time.Time

	Metadata   Metadata
	ChunkCount int
	Tombstoned bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Metadata is the structured information extracted from an article
type Metadata struct {
	Companies     []string        `json:"companies,omitempty"`
	Investors     []string        `json:"investors,omitempty"`
	Sectors       []string        `json:"sectors,omitempty"`
	FundingEvents []FundingEvent  `json:"funding_events,omitempty"`
	Mentions      []EntityMention `json:"mentions,omitempty"`
	PublishedAt   *time.Time      `json:"published_at,omitempty"`
	DateSource    string          `json:"date_source,omitempty"`
}

// EntityType classifies an entity mention
type EntityType string

const (
	EntityCompany  EntityType = "company"
	EntityInvestor EntityType = "investor"
	EntitySector   EntityType = "sector"
)

// Span is a byte range into the source text
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// EntityMention is one recognized entity with its confidence
type EntityMention struct {
	Type       EntityType `json:"type"`
	Value      string     `json:"value"`
	Confidence float64    `json:"confidence"`
	Span       Span       `json:"span"`
}

// FundingEvent describes a single funding announcement
type FundingEvent struct {
	Company   string   `json:"company"`
	Amount    int64    `json:"amount,omitempty"`
	Currency  string   `json:"currency,omitempty"`
	Round     string   `json:"round,omitempty"`
	Investors []string `json:"investors,omitempty"`
}

// ComputeContentHash fingerprints a raw feed item for dedup.
// Whitespace differences do not change the hash.
func ComputeContentHash(title, link, summary, content string) string {
	h := sha256.New()
	for _, part := range []string{title, link, summary, content} {
		h.Write([]byte(strings.Join(strings.Fields(part), " ")))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
