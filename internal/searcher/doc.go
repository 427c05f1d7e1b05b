// Package searcher implements hybrid article search combining BM25 keyword
// matching with vector similarity.
//
// The searcher provides three modes:
//   - Hybrid: BM25 + vector fused with Reciprocal Rank Fusion (default)
//   - Vector: semantic search only, falling back to BM25 when the embedding
//     service or vector store is down
//   - Lexical: BM25 only, no embedding required
//
// # Basic Usage
//
//	s := searcher.NewSearcher(store, index, emb, rr, searcher.Config{})
//
//	resp, err := s.Search(ctx, searcher.SearchRequest{
//	    Query:        "series a fintech funding",
//	    TopK:         10,
//	    UseReranking: true,
//	    Filters: filter.Spec{
//	        Date:    &filter.DateFilter{Preset: filter.PresetLastMonth},
//	        Sectors: []string{"fintech"},
//	    },
//	})
//
//	for _, r := range resp.Results {
//	    fmt.Printf("%.4f %s\n", r.FusedScore, r.Title)
//	}
//
// # Reciprocal Rank Fusion (RRF)
//
//	For each list L, for each chunk at 1-based rank r in L:
//	    score[chunk] += 1 / (k + r)
//
//	Sort by score descending, then best single-list rank, then chunk id.
//
// Where k = 60 by default.
//
// # Pipeline
//
//  1. Lexical and vector retrieval run concurrently to a depth of
//     max(top_k*2, rerank_top_n), tripled when filters are active.
//  2. The lists are fused.
//  3. Candidates are hydrated from storage. Chunks of missing, tombstoned
//     or not-yet-ready documents are dropped, then filters apply.
//  4. The first rerank_top_n candidates are re-scored by the reranker.
//  5. Results are truncated to top_k.
//
// # Degradation
//
// Only invalid requests return an error. When the vector leg fails the
// response carries Degraded=true and the reason "vector_unavailable"; when
// the reranker fails the fused order is kept with "reranker_unavailable";
// when the query deadline passes first the reason is "deadline_exceeded".
//
// # Caching
//
// Responses are cached in an LRU keyed by the normalized request, the
// resolved filter and the lexical index generation. Degraded responses are
// never cached.
package searcher
