package lexical

import (
	"hash/maphash"
	"maps"
	"math"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dshills/newsrag/pkg/types"
)

const (
	// DefaultK1 controls term frequency saturation
	DefaultK1 = 1.2
	// DefaultB controls document length normalization
	DefaultB = 0.75
)

// Hit is one scored chunk
type Hit struct {
	ChunkID    string
	DocumentID string
	Score      float64
	Rank       int // 1-based
}

// Stats describes the current index contents
type Stats struct {
	Documents  int
	Chunks     int
	Terms      int
	AvgLength  float64
	Generation uint64
}

// indexedChunk is the immutable posting data of one chunk
type indexedChunk struct {
	id     string
	seq    uint64 // insertion order, used for deterministic tie-breaking
	length int
	tf     map[string]int
}

// block holds all postings of one document. Blocks are never mutated after
// publication; replacing a document publishes a new block.
type block struct {
	documentID string
	chunks     []indexedChunk
	terms      map[string][]int // term -> indexes into chunks
}

// shardCount splits the term and block tables so a write copies only the
// shards its terms fall into
const shardCount = 1024

// posting is the immutable entry of one term
type posting struct {
	df   int             // number of chunks containing the term
	docs map[string]bool // documents containing the term
}

// snapshot is an immutable view of the whole index. Shard maps are shared
// between snapshots and are copied before any write.
type snapshot struct {
	blocks   []map[string]*block  // shard -> document id -> block
	postings []map[string]*posting // shard -> term -> posting
	docs     int
	terms    int
	chunks   int
	tokens   int
	gen      uint64
}

func (s *snapshot) block(seed maphash.Seed, documentID string) *block {
	return s.blocks[shardOf(seed, documentID)][documentID]
}

func (s *snapshot) posting(seed maphash.Seed, term string) *posting {
	return s.postings[shardOf(seed, term)][term]
}

func shardOf(seed maphash.Seed, key string) int {
	return int(maphash.String(seed, key) % shardCount)
}

func emptyShards[V any]() []map[string]V {
	shards := make([]map[string]V, shardCount)
	for i := range shards {
		shards[i] = map[string]V{}
	}
	return shards
}

// Index is an in-memory BM25 inverted index over chunks. Readers are lock
// free and always see either the old or the new postings of a document,
// never a mix. Writers are serialized.
type Index struct {
	k1 float64
	b  float64

	seed    maphash.Seed
	current atomic.Pointer[snapshot]
	writeMu sync.Mutex
	nextSeq uint64 // guarded by writeMu
}

// Option configures an Index
type Option func(*Index)

// WithParams sets the BM25 k1 and b parameters
func WithParams(k1, b float64) Option {
	return func(idx *Index) {
		idx.k1 = k1
		idx.b = b
	}
}

// New creates an empty index
func New(opts ...Option) *Index {
	idx := &Index{k1: DefaultK1, b: DefaultB, seed: maphash.MakeSeed()}
	for _, opt := range opts {
		opt(idx)
	}
	idx.current.Store(&snapshot{
		blocks:   emptyShards[*block](),
		postings: emptyShards[*posting](),
	})
	return idx
}

// Replace swaps in the chunk set of a document, removing all postings of its
// previous chunks. An empty chunk set removes the document.
func (idx *Index) Replace(documentID string, chunks []*types.Chunk) {
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	var nb *block
	if len(chunks) > 0 {
		nb = idx.buildBlock(documentID, chunks)
	}
	idx.publish(documentID, nb)
}

// Remove drops all postings of a document
func (idx *Index) Remove(documentID string) {
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	if idx.current.Load().block(idx.seed, documentID) == nil {
		return
	}
	idx.publish(documentID, nil)
}

// buildBlock tokenizes chunks into a new block. Must hold writeMu.
func (idx *Index) buildBlock(documentID string, chunks []*types.Chunk) *block {
	nb := &block{
		documentID: documentID,
		chunks:     make([]indexedChunk, 0, len(chunks)),
		terms:      make(map[string][]int),
	}

	ordered := make([]*types.Chunk, len(chunks))
	copy(ordered, chunks)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].SequenceIndex < ordered[j].SequenceIndex
	})

	for _, c := range ordered {
		terms := Tokenize(c.Text)
		tf := make(map[string]int, len(terms))
		for _, term := range terms {
			tf[term]++
		}

		idx.nextSeq++
		pos := len(nb.chunks)
		nb.chunks = append(nb.chunks, indexedChunk{
			id:     c.ID,
			seq:    idx.nextSeq,
			length: len(terms),
			tf:     tf,
		})
		for term := range tf {
			nb.terms[term] = append(nb.terms[term], pos)
		}
	}
	return nb
}

// termDelta is the change one write makes to a term's posting
type termDelta struct {
	df      int
	present bool // the document contains the term after the write
}

// publish builds the next snapshot with documentID mapped to nb (nil
// removes it) and stores it atomically. Only the shards holding the
// document and the terms of its old and new blocks are copied. Must hold
// writeMu.
func (idx *Index) publish(documentID string, nb *block) {
	old := idx.current.Load()
	next := &snapshot{
		blocks:   slices.Clone(old.blocks),
		postings: slices.Clone(old.postings),
		docs:     old.docs,
		terms:    old.terms,
		chunks:   old.chunks,
		tokens:   old.tokens,
		gen:      old.gen + 1,
	}

	deltas := make(map[string]termDelta)
	ob := old.block(idx.seed, documentID)
	if ob != nil {
		for term, positions := range ob.terms {
			deltas[term] = termDelta{df: -len(positions)}
		}
		for _, c := range ob.chunks {
			next.chunks--
			next.tokens -= c.length
		}
		next.docs--
	}
	if nb != nil {
		for term, positions := range nb.terms {
			d := deltas[term]
			d.df += len(positions)
			d.present = true
			deltas[term] = d
		}
		for _, c := range nb.chunks {
			next.chunks++
			next.tokens += c.length
		}
		next.docs++
	}

	shard := shardOf(idx.seed, documentID)
	next.blocks[shard] = maps.Clone(old.blocks[shard])
	if nb != nil {
		next.blocks[shard][documentID] = nb
	} else {
		delete(next.blocks[shard], documentID)
	}

	copied := make(map[int]bool)
	for term, d := range deltas {
		shard := shardOf(idx.seed, term)
		if !copied[shard] {
			next.postings[shard] = maps.Clone(old.postings[shard])
			copied[shard] = true
		}
		prev := next.postings[shard][term]

		p := &posting{docs: make(map[string]bool)}
		if prev != nil {
			p.df = prev.df
			maps.Copy(p.docs, prev.docs)
		}
		p.df += d.df
		if d.present {
			p.docs[documentID] = true
		} else {
			delete(p.docs, documentID)
		}

		switch {
		case p.df > 0 && len(p.docs) > 0:
			if prev == nil {
				next.terms++
			}
			next.postings[shard][term] = p
		case prev != nil:
			next.terms--
			delete(next.postings[shard], term)
		}
	}

	idx.current.Store(next)
}

// Search scores every chunk sharing at least one term with the query and
// returns up to limit hits by descending BM25 score. Equal scores keep
// insertion order.
func (idx *Index) Search(query string, limit int) []Hit {
	snap := idx.current.Load()
	terms := Tokenize(query)
	if len(terms) == 0 || snap.chunks == 0 || limit <= 0 {
		return nil
	}

	n := float64(snap.chunks)
	avgLen := float64(snap.tokens) / n
	if avgLen == 0 {
		avgLen = 1
	}

	type scored struct {
		hit Hit
		seq uint64
	}
	type chunkKey struct {
		blk *block
		pos int
	}
	scores := make(map[chunkKey]float64)

	for _, term := range terms {
		p := snap.posting(idx.seed, term)
		if p == nil {
			continue
		}
		df := float64(p.df)
		idf := math.Log(1 + (n-df+0.5)/(df+0.5))

		for docID := range p.docs {
			blk := snap.block(idx.seed, docID)
			for _, pos := range blk.terms[term] {
				c := blk.chunks[pos]
				tf := float64(c.tf[term])
				norm := idx.k1 * (1 - idx.b + idx.b*float64(c.length)/avgLen)
				scores[chunkKey{blk, pos}] += idf * tf * (idx.k1 + 1) / (tf + norm)
			}
		}
	}

	results := make([]scored, 0, len(scores))
	for key, score := range scores {
		if score <= 0 {
			continue
		}
		c := key.blk.chunks[key.pos]
		results = append(results, scored{
			hit: Hit{ChunkID: c.id, DocumentID: key.blk.documentID, Score: score},
			seq: c.seq,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].hit.Score != results[j].hit.Score {
			return results[i].hit.Score > results[j].hit.Score
		}
		return results[i].seq < results[j].seq
	})

	if len(results) > limit {
		results = results[:limit]
	}
	hits := make([]Hit, len(results))
	for i, r := range results {
		hits[i] = r.hit
		hits[i].Rank = i + 1
	}
	return hits
}

// Contains reports whether a document is indexed
func (idx *Index) Contains(documentID string) bool {
	return idx.current.Load().block(idx.seed, documentID) != nil
}

// Generation changes on every write; callers use it to invalidate caches
func (idx *Index) Generation() uint64 {
	return idx.current.Load().gen
}

// Stats returns a summary of the current snapshot
func (idx *Index) Stats() Stats {
	snap := idx.current.Load()
	st := Stats{
		Documents:  snap.docs,
		Chunks:     snap.chunks,
		Terms:      snap.terms,
		Generation: snap.gen,
	}
	if snap.chunks > 0 {
		st.AvgLength = float64(snap.tokens) / float64(snap.chunks)
	}
	return st
}
