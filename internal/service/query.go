package service

import (
	"context"

	"github.com/dshills/newsrag/internal/filter"
	"github.com/dshills/newsrag/internal/searcher"
)

// QueryRequest is a retrieval request as received from a client
type QueryRequest struct {
	Text string `json:"text"`
	TopK int    `json:"top_k,omitempty"`
	// UseHybridSearch defaults to true. false runs vector retrieval only.
	UseHybridSearch   *bool              `json:"use_hybrid_search,omitempty"`
	UseReranking      bool               `json:"use_reranking,omitempty"`
	RerankTopN        int                `json:"rerank_top_n,omitempty"`
	DateFilter        *filter.DateFilter `json:"date_filter,omitempty"`
	CompanyFilter     []string           `json:"company_filter,omitempty"`
	InvestorFilter    []string           `json:"investor_filter,omitempty"`
	SectorFilter      []string           `json:"sector_filter,omitempty"`
	FilterDocumentIDs []string           `json:"filter_document_ids,omitempty"`
	// Mode, when set, overrides UseHybridSearch
	Mode searcher.SearchMode `json:"search_mode,omitempty"`
}

// Query runs hybrid retrieval. Invalid input is reported as
// types.ErrConfiguration; vector or reranker outages degrade the response
// instead of failing it.
func (s *Service) Query(ctx context.Context, req QueryRequest) (*searcher.SearchResponse, error) {
	mode := req.Mode
	if mode == "" {
		mode = searcher.SearchModeHybrid
		if req.UseHybridSearch != nil && !*req.UseHybridSearch {
			mode = searcher.SearchModeVector
		}
	}
	topK := req.TopK
	if topK == 0 {
		topK = s.cfg.Search.DefaultTopK
	}

	return s.searcher.Search(ctx, searcher.SearchRequest{
		Query:        req.Text,
		TopK:         topK,
		Mode:         mode,
		UseReranking: req.UseReranking,
		RerankTopN:   req.RerankTopN,
		Filters: filter.Spec{
			Date:        req.DateFilter,
			Companies:   req.CompanyFilter,
			Investors:   req.InvestorFilter,
			Sectors:     req.SectorFilter,
			DocumentIDs: req.FilterDocumentIDs,
		},
		UseCache: true,
		Now:      s.now(),
	})
}
