package searcher

import (
	"crypto/sha256"
	"fmt"
	"slices"
	"strings"

	"github.com/dshills/newsrag/pkg/types"
)

// checkCache returns a copy of a cached response, or nil on a miss
func (s *Searcher) checkCache(hash [32]byte) *SearchResponse {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()

	entry, found := s.cache.Get(hash)
	if !found {
		return nil
	}
	// Copy while holding the read lock so callers can't mutate the entry
	return copySearchResponse(entry)
}

// storeInCache saves a copy of response under hash
func (s *Searcher) storeInCache(hash [32]byte, response *SearchResponse) {
	entry := copySearchResponse(response)

	s.cacheMu.Lock()
	s.cache.Add(hash, entry)
	s.cacheMu.Unlock()
}

// InvalidateCache drops every cached response. Called after ingestion
// commits and feed removal.
func (s *Searcher) InvalidateCache() {
	s.cacheMu.Lock()
	s.cache.Purge()
	s.cacheMu.Unlock()
}

// CacheLen reports the number of cached responses
func (s *Searcher) CacheLen() int {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return s.cache.Len()
}

// copySearchResponse creates a deep copy of a SearchResponse
func copySearchResponse(src *SearchResponse) *SearchResponse {
	if src == nil {
		return nil
	}

	dst := *src
	dst.DegradedReasons = slices.Clone(src.DegradedReasons)
	dst.Results = make([]types.RankedResult, len(src.Results))
	for i, r := range src.Results {
		dst.Results[i] = r
		if r.RerankScore != nil {
			score := *r.RerankScore
			dst.Results[i].RerankScore = &score
		}
		dst.Results[i].Metadata = copyMetadata(r.Metadata)
	}
	return &dst
}

func copyMetadata(m types.Metadata) types.Metadata {
	out := m
	out.Companies = slices.Clone(m.Companies)
	out.Investors = slices.Clone(m.Investors)
	out.Sectors = slices.Clone(m.Sectors)
	out.Mentions = slices.Clone(m.Mentions)
	if m.FundingEvents != nil {
		out.FundingEvents = make([]types.FundingEvent, len(m.FundingEvents))
		for i, ev := range m.FundingEvents {
			out.FundingEvents[i] = ev
			out.FundingEvents[i].Investors = slices.Clone(ev.Investors)
		}
	}
	if m.PublishedAt != nil {
		t := *m.PublishedAt
		out.PublishedAt = &t
	}
	return out
}

// computeQueryHash computes a cache key for a normalized request. The
// lexical generation changes on every index write, so stale entries stop
// matching as soon as the corpus changes.
func computeQueryHash(req SearchRequest, filterKey string, generation uint64) [32]byte {
	var data strings.Builder
	data.WriteString(req.Query)
	data.WriteString("|")
	data.WriteString(string(req.Mode))
	fmt.Fprintf(&data, "|%d|%t|%d|%d|", req.TopK, req.UseReranking, req.RerankTopN, generation)
	data.WriteString(filterKey)

	return sha256.Sum256([]byte(data.String()))
}
