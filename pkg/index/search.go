package index

import (
	"fmt"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"

	"github.com/burrowkit/burrow/pkg/types"
)

// overFetchFactor widens KNN so scalar predicates applied after the vector
// pass still fill k results.
const overFetchFactor = 3

// Filters restricts a vector or FTS search by scalar predicates
type Filters struct {
	RepoPath  string
	Namespace types.Namespace
	Spec      string
	Status    types.Status
	Since     time.Time
	Until     time.Time
	TagsAny   []string
}

func (f *Filters) match(mem *types.Memory) bool {
	if f == nil {
		return true
	}
	if f.RepoPath != "" && mem.RepoPath != f.RepoPath {
		return false
	}
	if f.Namespace != "" && mem.Namespace != f.Namespace {
		return false
	}
	if f.Spec != "" && mem.Spec != f.Spec {
		return false
	}
	if f.Status != "" && mem.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && mem.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && mem.Timestamp.After(f.Until) {
		return false
	}
	if len(f.TagsAny) > 0 {
		found := false
		for _, want := range f.TagsAny {
			for _, have := range mem.Tags {
				if want == have {
					found = true
					break
				}
			}
			if found {
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// KNN runs nearest-neighbour search over the vector table, over-fetching
// and applying scalar filters post hoc, truncated to k ascending by
// distance.
func (s *Store) KNN(embedding []float32, k int, filters *Filters) ([]*types.MemoryResult, error) {
	if len(embedding) != s.dimension {
		return nil, &types.IndexError{
			Kind: types.IndexConstraint,
			Op:   "knn",
			Err:  fmt.Errorf("query dimension %d does not match index dimension %d", len(embedding), s.dimension),
		}
	}
	if k <= 0 {
		k = 10
	}

	vecData, err := sqlite_vec.SerializeFloat32(embedding)
	if err != nil {
		return nil, &types.IndexError{Kind: types.IndexConstraint, Op: "knn", Err: err}
	}

	rows, err := s.conn.Query(
		"SELECT id, distance FROM vec_memories WHERE embedding MATCH ? AND k = ? ORDER BY distance",
		vecData, k*overFetchFactor,
	)
	if err != nil {
		return nil, &types.IndexError{Kind: types.IndexSchema, Op: "knn", Err: err}
	}
	defer rows.Close()

	type hit struct {
		id       string
		distance float64
	}
	var hits []hit
	for rows.Next() {
		var h hit
		if err := rows.Scan(&h.id, &h.distance); err != nil {
			return nil, &types.IndexError{Kind: types.IndexSchema, Op: "knn", Err: err}
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, &types.IndexError{Kind: types.IndexSchema, Op: "knn", Err: err}
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.id
	}
	mems, err := s.GetBatch(ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*types.Memory, len(mems))
	for _, m := range mems {
		byID[m.ID] = m
	}

	var results []*types.MemoryResult
	for _, h := range hits {
		mem, ok := byID[h.id]
		if !ok || !filters.match(mem) {
			continue
		}
		results = append(results, &types.MemoryResult{Memory: *mem, Distance: h.distance})
		if len(results) >= k {
			break
		}
	}
	return results, nil
}

// TextSearch runs ranked FTS over summaries and bodies with the same
// filter surface as KNN. Distance is the bm25 rank shifted non-negative.
func (s *Store) TextSearch(query string, k int, filters *Filters) ([]*types.MemoryResult, error) {
	if k <= 0 {
		k = 10
	}
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	rows, err := s.conn.Query(
		`SELECT id, rank FROM fts_memories WHERE fts_memories MATCH ? ORDER BY rank LIMIT ?`,
		ftsQuote(query), k*overFetchFactor,
	)
	if err != nil {
		return nil, &types.IndexError{Kind: types.IndexSchema, Op: "text-search", Err: err}
	}
	defer rows.Close()

	type hit struct {
		id   string
		rank float64
	}
	var hits []hit
	for rows.Next() {
		var h hit
		if err := rows.Scan(&h.id, &h.rank); err != nil {
			return nil, &types.IndexError{Kind: types.IndexSchema, Op: "text-search", Err: err}
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, &types.IndexError{Kind: types.IndexSchema, Op: "text-search", Err: err}
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.id
	}
	mems, err := s.GetBatch(ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*types.Memory, len(mems))
	for _, m := range mems {
		byID[m.ID] = m
	}

	var results []*types.MemoryResult
	for _, h := range hits {
		mem, ok := byID[h.id]
		if !ok || !filters.match(mem) {
			continue
		}
		// bm25 rank is negative-better in FTS5; normalize so lower = closer
		// and the surface stays non-negative like vector distance.
		results = append(results, &types.MemoryResult{Memory: *mem, Distance: h.rank + 1000})
		if len(results) >= k {
			break
		}
	}
	return results, nil
}

// ftsQuote wraps each whitespace token in double quotes so user queries
// cannot inject FTS5 syntax.
func ftsQuote(query string) string {
	fields := strings.Fields(query)
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		quoted = append(quoted, `"`+strings.ReplaceAll(f, `"`, ``)+`"`)
	}
	return strings.Join(quoted, " ")
}
