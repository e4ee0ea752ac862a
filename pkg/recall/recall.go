package recall

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/burrowkit/burrow/pkg/config"
	"github.com/burrowkit/burrow/pkg/embedder"
	"github.com/burrowkit/burrow/pkg/gitstore"
	"github.com/burrowkit/burrow/pkg/index"
	"github.com/burrowkit/burrow/pkg/log"
	"github.com/burrowkit/burrow/pkg/metrics"
	"github.com/burrowkit/burrow/pkg/types"
)

// RankOptions tunes the optional re-ranking pass. Boosts are additive
// deltas applied to a copy of the distance; lowest still wins.
type RankOptions struct {
	RecencyBoost      bool
	RecencyHalfLife   time.Duration
	NamespacePriority map[types.Namespace]float64
	TagBoost          map[string]float64
}

// Engine answers queries over captured memories with progressive hydration
type Engine struct {
	cfg    *config.Config
	embed  embedder.Provider
	idx    *index.Store
	git    *gitstore.Store
	cache  *queryCache
	logger zerolog.Logger
}

// NewEngine wires a recall engine for one repository
func NewEngine(cfg *config.Config, embed embedder.Provider, idx *index.Store, git *gitstore.Store) *Engine {
	return &Engine{
		cfg:    cfg,
		embed:  embed,
		idx:    idx,
		git:    git,
		cache:  newQueryCache(cfg.RecallCacheEntries, cfg.RecallCacheTTL),
		logger: log.WithComponent("recall"),
	}
}

// Search embeds the query and runs filtered KNN, falling back to text
// search when the embedding layer is down. Results come back ascending by
// (possibly re-ranked) distance.
func (e *Engine) Search(ctx context.Context, query string, filters *index.Filters, limit int, rank *RankOptions) ([]*types.MemoryResult, error) {
	if limit <= 0 {
		limit = 10
	}

	if cached, ok := e.cache.get(query, filters, limit); ok {
		metrics.RecallCacheHits.Inc()
		return cached, nil
	}

	var results []*types.MemoryResult
	vec, err := e.embed.Embed(ctx, query)
	if err != nil {
		e.logger.Warn().Err(err).Msg("query embedding failed, falling back to text search")
		metrics.RecallsTotal.WithLabelValues("text").Inc()
		results, err = e.idx.TextSearch(query, limit, filters)
		if err != nil {
			return nil, err
		}
	} else {
		metrics.RecallsTotal.WithLabelValues("vector").Inc()
		results, err = e.idx.KNN(vec, limit, filters)
		if err != nil {
			return nil, err
		}
	}

	if rank != nil {
		results = rerank(results, rank, time.Now())
	}

	e.cache.put(query, filters, limit, results)
	return results, nil
}

// rerank applies additive deltas to a copy of each distance and re-sorts
func rerank(results []*types.MemoryResult, opts *RankOptions, now time.Time) []*types.MemoryResult {
	adjusted := make([]*types.MemoryResult, len(results))
	for i, r := range results {
		c := *r
		if opts.RecencyBoost {
			halfLife := opts.RecencyHalfLife
			if halfLife <= 0 {
				halfLife = 30 * 24 * time.Hour
			}
			age := now.Sub(r.Timestamp)
			if age < 0 {
				age = 0
			}
			// Older memories drift further away, bounded by one half-life.
			penalty := float64(age) / float64(halfLife)
			if penalty > 1 {
				penalty = 1
			}
			c.Distance += penalty * 0.1
		}
		if delta, ok := opts.NamespacePriority[r.Namespace]; ok {
			c.Distance += delta
		}
		for _, tag := range r.Tags {
			if delta, ok := opts.TagBoost[tag]; ok {
				c.Distance += delta
			}
		}
		adjusted[i] = &c
	}

	// Insertion sort: result sets are small and mostly ordered.
	for i := 1; i < len(adjusted); i++ {
		for j := i; j > 0 && adjusted[j].Distance < adjusted[j-1].Distance; j-- {
			adjusted[j], adjusted[j-1] = adjusted[j-1], adjusted[j]
		}
	}
	return adjusted
}

// Context returns every memory for a spec grouped by namespace
func (e *Engine) Context(spec string) (map[types.Namespace][]*types.Memory, error) {
	mems, err := e.idx.ListBySpec(spec)
	if err != nil {
		return nil, err
	}
	grouped := make(map[types.Namespace][]*types.Memory)
	for _, m := range mems {
		grouped[m.Namespace] = append(grouped[m.Namespace], m)
	}
	return grouped, nil
}

// Recent returns the latest memories, optionally for one namespace
func (e *Engine) Recent(limit int, ns types.Namespace) ([]*types.Memory, error) {
	return e.idx.ListRecent(ns, limit)
}

// Similar finds the k nearest memories to an existing one, excluding it
func (e *Engine) Similar(ctx context.Context, id string, k int) ([]*types.MemoryResult, error) {
	vec, err := e.idx.GetVector(id)
	if types.IsNotFound(err) {
		// No stored vector; embed the memory's own text instead.
		mem, gerr := e.idx.Get(id)
		if gerr != nil {
			return nil, gerr
		}
		vec, err = e.embed.Embed(ctx, mem.Summary+"\n\n"+mem.Content)
	}
	if err != nil {
		return nil, err
	}

	results, err := e.idx.KNN(vec, k+1, nil)
	if err != nil {
		return nil, err
	}
	out := make([]*types.MemoryResult, 0, k)
	for _, r := range results {
		if r.ID == id {
			continue
		}
		out = append(out, r)
		if len(out) >= k {
			break
		}
	}
	return out, nil
}

// ByCommit returns all memories attached to a commit
func (e *Engine) ByCommit(sha string) ([]*types.Memory, error) {
	if err := gitstore.ValidateSHA(sha); err != nil {
		return nil, err
	}
	return e.idx.ListByCommit(sha)
}
