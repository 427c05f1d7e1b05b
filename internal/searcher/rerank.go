package searcher

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dshills/newsrag/internal/reranker"
	"github.com/dshills/newsrag/pkg/types"
)

// Degradation reasons reported in SearchResponse.DegradedReasons
const (
	ReasonVectorUnavailable   = "vector_unavailable"
	ReasonRerankerUnavailable = "reranker_unavailable"
	ReasonDeadlineExceeded    = "deadline_exceeded"
)

// rerank re-scores the first topN candidates and orders them by score,
// leaving the remainder in fused order after them. On failure candidates
// are returned unchanged along with the degradation reason.
func rerank(ctx context.Context, rr reranker.Reranker, query string, candidates []types.RankedResult, topN int) ([]types.RankedResult, string, error) {
	if len(candidates) == 0 {
		return candidates, "", nil
	}
	if rr == nil {
		return candidates, ReasonRerankerUnavailable, reranker.ErrNoProvider
	}
	if topN <= 0 || topN > len(candidates) {
		topN = len(candidates)
	}

	head := candidates[:topN]
	passages := make([]string, len(head))
	for i, c := range head {
		passages[i] = c.Text
	}

	scores, err := rr.Score(ctx, query, passages)
	if err == nil && len(scores) != len(head) {
		err = fmt.Errorf("%w: got %d, want %d", reranker.ErrCountMismatch, len(scores), len(head))
	}
	if err != nil {
		reason := ReasonRerankerUnavailable
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = ReasonDeadlineExceeded
		}
		return candidates, reason, err
	}

	out := make([]types.RankedResult, len(candidates))
	copy(out, candidates)
	for i := range scores {
		score := scores[i]
		out[i].RerankScore = &score
	}
	// Equal scores keep their fused order
	sort.SliceStable(out[:topN], func(i, j int) bool {
		return *out[i].RerankScore > *out[j].RerankScore
	})
	return out, "", nil
}
