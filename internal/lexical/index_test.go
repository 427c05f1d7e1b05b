package lexical

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/newsrag/pkg/types"
)

func chunk(docID string, seq int, text string) *types.Chunk {
	return &types.Chunk{
		ID:            fmt.Sprintf("%s-%d", docID, seq),
		DocumentID:    docID,
		SequenceIndex: seq,
		Text:          text,
		TokenCount:    len(strings.Fields(text)),
	}
}

func TestTokenize(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"Acme raised $10M!", []string{"acme", "raised", "10m"}},
		{"A16Z-backed FinTech", []string{"a16z", "backed", "fintech"}},
		{"Straße ＡＢＣ", []string{"strasse", "abc"}},
		{"a 1 b 2", []string{"1", "2"}},
		{"", nil},
	}
	for _, tt := range tests {
		got := Tokenize(tt.in)
		if len(tt.want) == 0 {
			assert.Empty(t, got, tt.in)
			continue
		}
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestSearch_MatchingTermOutranksNonMatching(t *testing.T) {
	idx := New()
	// Equal lengths keep length normalization constant
	idx.Replace("d1", []*types.Chunk{chunk("d1", 0, "quarterly revenue grew strongly")})
	idx.Replace("d2", []*types.Chunk{chunk("d2", 0, "acme closed funding round")})

	hits := idx.Search("acme", 10)
	require.Len(t, hits, 1)
	assert.Equal(t, "d2-0", hits[0].ChunkID)
	assert.Equal(t, "d2", hits[0].DocumentID)
	assert.Equal(t, 1, hits[0].Rank)
	assert.Greater(t, hits[0].Score, 0.0)
}

func TestSearch_RarerTermsWeighMore(t *testing.T) {
	idx := New()
	idx.Replace("d1", []*types.Chunk{
		chunk("d1", 0, "startup funding news"),
		chunk("d1", 1, "startup hiring news"),
		chunk("d1", 2, "startup acme news"),
	})

	hits := idx.Search("startup acme", 10)
	require.Len(t, hits, 3)
	assert.Equal(t, "d1-2", hits[0].ChunkID)
}

func TestSearch_LengthNormalization(t *testing.T) {
	idx := New()
	idx.Replace("short", []*types.Chunk{chunk("short", 0, "acme funding")})
	idx.Replace("long", []*types.Chunk{chunk("long", 0, "acme funding plus many other unrelated words padding this chunk out")})

	hits := idx.Search("acme", 10)
	require.Len(t, hits, 2)
	assert.Equal(t, "short-0", hits[0].ChunkID)
}

func TestSearch_TiesBrokenByInsertionOrder(t *testing.T) {
	idx := New()
	idx.Replace("b", []*types.Chunk{chunk("b", 0, "identical text here")})
	idx.Replace("a", []*types.Chunk{chunk("a", 0, "identical text here")})
	idx.Replace("c", []*types.Chunk{chunk("c", 0, "identical text here")})

	hits := idx.Search("identical", 10)
	require.Len(t, hits, 3)
	assert.Equal(t, []string{"b-0", "a-0", "c-0"}, []string{hits[0].ChunkID, hits[1].ChunkID, hits[2].ChunkID})
}

func TestSearch_Limit(t *testing.T) {
	idx := New()
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("d%d", i)
		idx.Replace(id, []*types.Chunk{chunk(id, 0, "common term")})
	}
	assert.Len(t, idx.Search("common", 3), 3)
	assert.Empty(t, idx.Search("common", 0))
	assert.Empty(t, idx.Search("absent", 10))
	assert.Empty(t, idx.Search("   ", 10))
}

func TestReplace_RemovesOldPostings(t *testing.T) {
	idx := New()
	idx.Replace("d1", []*types.Chunk{chunk("d1", 0, "old content about acme")})
	require.Len(t, idx.Search("acme", 10), 1)

	idx.Replace("d1", []*types.Chunk{
		chunk("d1", 0, "new content about globex"),
		chunk("d1", 1, "second chunk about globex"),
	})

	assert.Empty(t, idx.Search("acme", 10))
	assert.Len(t, idx.Search("globex", 10), 2)

	st := idx.Stats()
	assert.Equal(t, 1, st.Documents)
	assert.Equal(t, 2, st.Chunks)
}

func TestReplace_SharedTermsAcrossVersions(t *testing.T) {
	idx := New()
	idx.Replace("d1", []*types.Chunk{chunk("d1", 0, "acme raised funding")})
	idx.Replace("d1", []*types.Chunk{chunk("d1", 0, "acme raised more funding")})

	hits := idx.Search("acme funding", 10)
	require.Len(t, hits, 1)
	assert.Equal(t, "d1-0", hits[0].ChunkID)
	assert.Len(t, idx.Search("more", 10), 1)

	st := idx.Stats()
	assert.Equal(t, 1, st.Documents)
	assert.Equal(t, 1, st.Chunks)
	assert.Equal(t, 4, st.Terms)

	// Reverting drops the term only the second version had
	idx.Replace("d1", []*types.Chunk{chunk("d1", 0, "acme raised funding")})
	assert.Empty(t, idx.Search("more", 10))
	assert.Equal(t, 3, idx.Stats().Terms)
}

func TestReplace_DocumentFrequencyTracksChunks(t *testing.T) {
	idx := New()
	idx.Replace("d1", []*types.Chunk{
		chunk("d1", 0, "acme robotics"),
		chunk("d1", 1, "acme logistics"),
	})
	idx.Replace("d2", []*types.Chunk{chunk("d2", 0, "acme payments")})
	assert.Equal(t, 3, idx.current.Load().posting(idx.seed, "acme").df)

	idx.Replace("d1", []*types.Chunk{chunk("d1", 0, "acme robotics")})
	p := idx.current.Load().posting(idx.seed, "acme")
	require.NotNil(t, p)
	assert.Equal(t, 2, p.df)
	assert.Len(t, p.docs, 2)

	idx.Remove("d1")
	idx.Remove("d2")
	assert.Nil(t, idx.current.Load().posting(idx.seed, "acme"))
	assert.Zero(t, idx.Stats().Terms)
	assert.Zero(t, idx.Stats().Documents)
}

func TestPublish_LeavesUntouchedShardsShared(t *testing.T) {
	idx := New()
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("d%d", i)
		idx.Replace(id, []*types.Chunk{chunk(id, 0, fmt.Sprintf("term%d shared", i))})
	}
	before := idx.current.Load()

	idx.Replace("d0", []*types.Chunk{chunk("d0", 0, "term0 shared")})
	after := idx.current.Load()

	changed := 0
	for i := range before.postings {
		if fmt.Sprintf("%p", before.postings[i]) != fmt.Sprintf("%p", after.postings[i]) {
			changed++
		}
	}
	// Only the shards of "term0" and "shared" are copied
	assert.LessOrEqual(t, changed, 2)
	assert.Equal(t, 50, idx.Stats().Documents)
	assert.Len(t, idx.Search("shared", 100), 50)
}

func TestRemove(t *testing.T) {
	idx := New()
	idx.Replace("d1", []*types.Chunk{chunk("d1", 0, "acme")})
	idx.Replace("d2", []*types.Chunk{chunk("d2", 0, "acme")})
	gen := idx.Generation()

	idx.Remove("d1")
	assert.False(t, idx.Contains("d1"))
	assert.True(t, idx.Contains("d2"))
	assert.Greater(t, idx.Generation(), gen)

	hits := idx.Search("acme", 10)
	require.Len(t, hits, 1)
	assert.Equal(t, "d2-0", hits[0].ChunkID)

	// Removing an unknown document is a no-op
	gen = idx.Generation()
	idx.Remove("missing")
	assert.Equal(t, gen, idx.Generation())
}

func TestReplace_EmptyChunkSetRemoves(t *testing.T) {
	idx := New()
	idx.Replace("d1", []*types.Chunk{chunk("d1", 0, "acme")})
	idx.Replace("d1", nil)
	assert.False(t, idx.Contains("d1"))
	assert.Zero(t, idx.Stats().Chunks)
}

func TestWithParams(t *testing.T) {
	idx := New(WithParams(2.0, 0))
	assert.Equal(t, 2.0, idx.k1)
	assert.Equal(t, 0.0, idx.b)
}

// Readers must always see a whole document: either both chunks of the old
// version or both chunks of the new one.
func TestConcurrentReadersSeeWholeDocuments(t *testing.T) {
	idx := New()
	idx.Replace("doc", []*types.Chunk{
		chunk("doc", 0, "shared alpha"),
		chunk("doc", 1, "shared alpha"),
	})

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			word := "alpha"
			if i%2 == 0 {
				word = "beta"
			}
			idx.Replace("doc", []*types.Chunk{
				chunk("doc", 0, "shared "+word),
				chunk("doc", 1, "shared "+word),
			})
		}
		close(stop)
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				hits := idx.Search("shared", 10)
				assert.Len(t, hits, 2)
			}
		}()
	}

	wg.Wait()
}
