package reranker

import (
	"context"

	"github.com/dshills/newsrag/internal/lexical"
)

// LocalModel names the offline scorer
const LocalModel = "local-overlap-v1"

// Local is an offline reranker. A passage scores by the fraction of
// distinct query terms it contains, plus a bonus for each query bigram that
// appears verbatim. It needs no model files.
type Local struct{}

// NewLocal creates the offline reranker
func NewLocal() *Local {
	return &Local{}
}

func (l *Local) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	qTerms := lexical.Tokenize(query)
	distinct := make(map[string]struct{}, len(qTerms))
	for _, t := range qTerms {
		distinct[t] = struct{}{}
	}
	var bigrams []string
	for i := 1; i < len(qTerms); i++ {
		bigrams = append(bigrams, qTerms[i-1]+" "+qTerms[i])
	}

	scores := make([]float64, len(passages))
	if len(distinct) == 0 {
		return scores, nil
	}

	for i, passage := range passages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		pTerms := lexical.Tokenize(passage)
		present := make(map[string]struct{}, len(pTerms))
		pairs := make(map[string]struct{}, len(pTerms))
		for j, t := range pTerms {
			present[t] = struct{}{}
			if j > 0 {
				pairs[pTerms[j-1]+" "+t] = struct{}{}
			}
		}

		var hit int
		for t := range distinct {
			if _, ok := present[t]; ok {
				hit++
			}
		}
		score := float64(hit) / float64(len(distinct))

		if len(bigrams) > 0 {
			var phrase int
			for _, b := range bigrams {
				if _, ok := pairs[b]; ok {
					phrase++
				}
			}
			score += 0.5 * float64(phrase) / float64(len(bigrams))
		}
		scores[i] = score
	}
	return scores, nil
}

func (l *Local) Model() string {
	return LocalModel
}
