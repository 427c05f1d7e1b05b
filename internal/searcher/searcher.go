package searcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dshills/newsrag/internal/embedder"
	"github.com/dshills/newsrag/internal/filter"
	"github.com/dshills/newsrag/internal/reranker"
	"github.com/dshills/newsrag/pkg/types"
)

// SearchMode defines how candidates are retrieved
type SearchMode string

const (
	SearchModeHybrid  SearchMode = "hybrid"  // BM25 + vector with RRF
	SearchModeVector  SearchMode = "vector"  // Vector similarity only
	SearchModeLexical SearchMode = "lexical" // BM25 only
)

// Query limits
const (
	DefaultTopK         = 10
	MaxTopK             = 100
	DefaultRerankTopN   = 20
	DefaultCacheSize    = 1000
	DefaultQueryTimeout = 15 * time.Second
)

var validate = validator.New()

// SearchRequest contains parameters for a search operation
type SearchRequest struct {
	Query        string     `validate:"required"`
	TopK         int        `validate:"min=1,max=100"`
	Mode         SearchMode `validate:"oneof=hybrid vector lexical"`
	UseReranking bool
	RerankTopN   int `validate:"min=1,max=500"`
	Filters      filter.Spec
	UseCache     bool
	// Now anchors relative date presets. Zero means time.Now().
	Now time.Time
}

// SearchResponse contains ranked results and how they were produced
type SearchResponse struct {
	Results         []types.RankedResult
	TotalResults    int
	SearchMode      SearchMode
	Reranked        bool
	Degraded        bool
	DegradedReasons []string
	LexicalResults  int
	VectorResults   int
	Duration        time.Duration
	CacheHit        bool
}

// Config tunes a Searcher. Zero values take defaults.
type Config struct {
	RRFConstant  float64
	RerankTopN   int
	CacheSize    int
	QueryTimeout time.Duration
	Logger       *slog.Logger
}

// Searcher runs hybrid retrieval over the lexical index and the vector store
type Searcher struct {
	store    Store
	lexical  LexicalIndex
	embedder embedder.Embedder
	reranker reranker.Reranker

	rrfK         float64
	rerankTopN   int
	queryTimeout time.Duration
	logger       *slog.Logger

	cache   *lru.Cache[[32]byte, *SearchResponse]
	cacheMu sync.RWMutex
}

// NewSearcher creates a Searcher. emb and rr may be nil, in which case
// vector retrieval and reranking report themselves unavailable.
func NewSearcher(store Store, lex LexicalIndex, emb embedder.Embedder, rr reranker.Reranker, cfg Config) *Searcher {
	if cfg.RRFConstant <= 0 {
		cfg.RRFConstant = DefaultRRFConstant
	}
	if cfg.RerankTopN <= 0 {
		cfg.RerankTopN = DefaultRerankTopN
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultQueryTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	cache, err := lru.New[[32]byte, *SearchResponse](cfg.CacheSize)
	if err != nil {
		// Only possible with a non-positive size
		panic(fmt.Sprintf("failed to create LRU cache: %v", err))
	}

	return &Searcher{
		store:        store,
		lexical:      lex,
		embedder:     emb,
		reranker:     rr,
		rrfK:         cfg.RRFConstant,
		rerankTopN:   cfg.RerankTopN,
		queryTimeout: cfg.QueryTimeout,
		logger:       cfg.Logger.With("component", "searcher"),
		cache:        cache,
	}
}

// Search retrieves, fuses, filters and optionally reranks chunks for a query.
// Vector or reranker outages degrade the response instead of failing it.
func (s *Searcher) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	startTime := time.Now()

	if err := s.validateRequest(&req); err != nil {
		return nil, err
	}

	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	resolved, err := filter.Resolve(req.Filters, now)
	if err != nil {
		return nil, err
	}

	hash := computeQueryHash(req, resolved.Key(), s.lexical.Generation())
	if req.UseCache {
		if cached := s.checkCache(hash); cached != nil {
			cached.CacheHit = true
			cached.Duration = time.Since(startTime)
			return cached, nil
		}
	}

	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	response := &SearchResponse{SearchMode: req.Mode}

	depth := req.TopK * 2
	if req.UseReranking && req.RerankTopN > depth {
		depth = req.RerankTopN
	}
	if resolved.Active() {
		depth *= 3
	}

	lexIDs, vecIDs, err := s.retrieve(ctx, queryCtx, req, depth, response)
	if err != nil {
		return nil, err
	}
	response.LexicalResults = len(lexIDs)
	response.VectorResults = len(vecIDs)

	// Fusion runs for single-list modes too so ordering rules stay uniform
	fused := FuseRRF(s.rrfK, lexIDs, vecIDs)

	want := req.TopK
	if req.UseReranking && req.RerankTopN > want {
		want = req.RerankTopN
	}
	candidates, err := s.hydrate(ctx, fused, resolved, want)
	if err != nil {
		return nil, err
	}

	if req.UseReranking && len(candidates) > 0 {
		if queryCtx.Err() != nil {
			s.degrade(response, ReasonDeadlineExceeded)
		} else {
			reranked, reason, err := rerank(queryCtx, s.reranker, req.Query, candidates, req.RerankTopN)
			if reason != "" {
				s.logger.Warn("rerank skipped, keeping fused order", "reason", reason, "err", err)
				s.degrade(response, reason)
			} else {
				response.Reranked = true
			}
			candidates = reranked
		}
	}

	if len(candidates) > req.TopK {
		candidates = candidates[:req.TopK]
	}
	response.Results = candidates
	response.TotalResults = len(candidates)
	response.Duration = time.Since(startTime)

	if req.UseCache && !response.Degraded && len(response.Results) > 0 {
		s.storeInCache(hash, response)
	}

	return response, nil
}

// retrieve runs the retrieval legs for the mode concurrently. The vector
// leg's failure or a passed deadline degrades the response; only
// cancellation of the caller's ctx is an error.
func (s *Searcher) retrieve(ctx, queryCtx context.Context, req SearchRequest, depth int, response *SearchResponse) ([]string, []string, error) {
	wantLexical := req.Mode != SearchModeVector
	wantVector := req.Mode != SearchModeLexical

	lexicalChan := make(chan searchResult, 1)
	vectorChan := make(chan searchResult, 1)

	if wantLexical {
		go s.runLexicalSearch(queryCtx, req.Query, depth, lexicalChan)
	}
	if wantVector {
		go s.runVectorSearch(queryCtx, req.Query, depth, vectorChan)
	}

	var lexicalRes, vectorRes searchResult
	lexicalDone, vectorDone := !wantLexical, !wantVector
	for !lexicalDone || !vectorDone {
		select {
		case lexicalRes = <-lexicalChan:
			lexicalDone = true
		case vectorRes = <-vectorChan:
			vectorDone = true
		case <-queryCtx.Done():
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
			// Keep whatever already arrived
			if !lexicalDone {
				select {
				case lexicalRes = <-lexicalChan:
					lexicalDone = true
				default:
				}
			}
			if !vectorDone {
				select {
				case vectorRes = <-vectorChan:
					vectorDone = true
				default:
				}
			}
			if !lexicalDone || !vectorDone {
				s.logger.Warn("query deadline passed during retrieval", "lexical_done", lexicalDone, "vector_done", vectorDone)
				s.degrade(response, ReasonDeadlineExceeded)
			}
			if !vectorDone {
				vectorRes.err = queryCtx.Err()
			}
			lexicalDone, vectorDone = true, true
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	if wantVector && vectorRes.err != nil {
		reason := ReasonVectorUnavailable
		if errors.Is(queryCtx.Err(), context.DeadlineExceeded) {
			reason = ReasonDeadlineExceeded
		}
		s.logger.Warn("vector retrieval unavailable, using lexical only", "reason", reason, "err", vectorRes.err)
		s.degrade(response, reason)
		if !wantLexical {
			// Vector-only mode falls back to the lexical ranking
			hits := s.lexical.Search(req.Query, depth)
			lexicalRes.ids = make([]string, len(hits))
			for i, h := range hits {
				lexicalRes.ids[i] = h.ChunkID
			}
		}
	}

	return lexicalRes.ids, vectorRes.ids, nil
}

// hydrate loads chunks and documents for fused candidates, dropping those
// that are missing, tombstoned, not ready or rejected by the filter. At most
// limit results are returned, in fused order.
func (s *Searcher) hydrate(ctx context.Context, fused []Fused, resolved *filter.Resolved, limit int) ([]types.RankedResult, error) {
	if len(fused) == 0 {
		return []types.RankedResult{}, nil
	}

	chunkIDs := make([]string, len(fused))
	for i, f := range fused {
		chunkIDs[i] = f.ChunkID
	}
	chunks, err := s.store.GetChunks(ctx, chunkIDs)
	if err != nil {
		return nil, types.DependencyUnavailable("searcher.hydrate", fmt.Errorf("get chunks: %w", err))
	}

	docIDs := make([]string, 0, len(chunks))
	seen := make(map[string]struct{}, len(chunks))
	for _, c := range chunks {
		if _, ok := seen[c.DocumentID]; !ok {
			seen[c.DocumentID] = struct{}{}
			docIDs = append(docIDs, c.DocumentID)
		}
	}
	docs, err := s.store.GetDocuments(ctx, docIDs)
	if err != nil {
		return nil, types.DependencyUnavailable("searcher.hydrate", fmt.Errorf("get documents: %w", err))
	}

	results := make([]types.RankedResult, 0, min(limit, len(fused)))
	for _, f := range fused {
		if len(results) >= limit {
			break
		}
		chunk, ok := chunks[f.ChunkID]
		if !ok {
			continue
		}
		doc, ok := docs[chunk.DocumentID]
		if !ok || !searchable(doc) {
			continue
		}
		if !resolved.Match(doc) {
			continue
		}
		results = append(results, types.RankedResult{
			ChunkID:     chunk.ID,
			DocumentID:  doc.ID,
			Title:       doc.Title,
			SourceURL:   doc.SourceURL,
			Text:        chunk.Text,
			LexicalRank: f.Ranks[0],
			VectorRank:  f.Ranks[1],
			FusedScore:  f.Score,
			Metadata:    doc.Metadata,
		})
	}
	return results, nil
}

func (s *Searcher) degrade(response *SearchResponse, reason string) {
	response.Degraded = true
	for _, r := range response.DegradedReasons {
		if r == reason {
			return
		}
	}
	response.DegradedReasons = append(response.DegradedReasons, reason)
}

// validateRequest applies defaults and validates the request
func (s *Searcher) validateRequest(req *SearchRequest) error {
	const op = "searcher.validate"

	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return types.Configuration(op, types.ErrEmptyQuery)
	}
	if req.TopK == 0 {
		req.TopK = DefaultTopK
	}
	if req.Mode == "" {
		req.Mode = SearchModeHybrid
	}
	if req.RerankTopN == 0 {
		req.RerankTopN = s.rerankTopN
	}

	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				if fe.Field() == "TopK" {
					return types.Configuration(op, fmt.Errorf("%w: %d (must be 1-%d)", types.ErrInvalidTopK, req.TopK, MaxTopK))
				}
			}
		}
		return types.Configuration(op, err)
	}
	return nil
}

// searchable reports whether doc has a committed chunk set. A document being
// reprocessed keeps serving its previous set until the new one is committed.
func searchable(doc *types.Document) bool {
	if doc.Tombstoned {
		return false
	}
	return doc.Status == types.StatusReady || doc.ReadyHash != ""
}
