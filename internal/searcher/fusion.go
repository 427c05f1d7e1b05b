package searcher

import (
	"sort"
)

// DefaultRRFConstant is the k in 1/(k + rank)
const DefaultRRFConstant = 60.0

// Fused is a chunk after reciprocal rank fusion. Ranks holds the 1-based
// position of the chunk in each input list, 0 when absent.
type Fused struct {
	ChunkID string
	Score   float64
	Ranks   []int
}

// bestRank is the lowest non-zero rank across lists
func (f Fused) bestRank() int {
	best := 0
	for _, r := range f.Ranks {
		if r > 0 && (best == 0 || r < best) {
			best = r
		}
	}
	return best
}

// FuseRRF combines ranked lists of chunk ids using Reciprocal Rank Fusion:
// score(d) = sum over lists of 1/(k + rank(d)). Ties are broken by the best
// individual rank, then by chunk id. A chunk repeated within one list counts
// only at its first position.
func FuseRRF(k float64, lists ...[]string) []Fused {
	if k <= 0 {
		k = DefaultRRFConstant
	}

	index := make(map[string]int)
	var fused []Fused

	for li, list := range lists {
		for pos, id := range list {
			i, ok := index[id]
			if !ok {
				i = len(fused)
				index[id] = i
				fused = append(fused, Fused{ChunkID: id, Ranks: make([]int, len(lists))})
			}
			if fused[i].Ranks[li] != 0 {
				continue
			}
			rank := pos + 1
			fused[i].Ranks[li] = rank
			fused[i].Score += 1.0 / (k + float64(rank))
		}
	}

	sort.Slice(fused, func(i, j int) bool {
		a, b := fused[i], fused[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if ra, rb := a.bestRank(), b.bestRank(); ra != rb {
			return ra < rb
		}
		return a.ChunkID < b.ChunkID
	})

	return fused
}
