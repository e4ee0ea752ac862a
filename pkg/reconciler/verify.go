package reconciler

import (
	"context"

	"github.com/burrowkit/burrow/pkg/metrics"
	"github.com/burrowkit/burrow/pkg/types"
)

// NamespaceDiff counts drift for one namespace
type NamespaceDiff struct {
	InGitNotIndex int
	InIndexNotGit int
	HashMismatch  int
}

// Report is the symmetric-difference summary between git and the index
type Report struct {
	ByNamespace map[types.Namespace]*NamespaceDiff
}

// Clean reports whether no drift was found
func (r *Report) Clean() bool {
	for _, d := range r.ByNamespace {
		if d.InGitNotIndex != 0 || d.InIndexNotGit != 0 || d.HashMismatch != 0 {
			return false
		}
	}
	return true
}

// Totals sums drift across namespaces
func (r *Report) Totals() (gitOnly, indexOnly, mismatch int) {
	for _, d := range r.ByNamespace {
		gitOnly += d.InGitNotIndex
		indexOnly += d.InIndexNotGit
		mismatch += d.HashMismatch
	}
	return
}

// gitBlockState is the decoded view of one note block in a namespace
type gitBlockState struct {
	mem       *types.Memory
	tombstone bool
}

// scanGit decodes every block of a namespace into indexed-memory form
func (e *Engine) scanGit(ctx context.Context, ns types.Namespace) (map[string]*gitBlockState, error) {
	listed, err := e.git.List(ctx, ns)
	if err != nil {
		return nil, err
	}

	state := make(map[string]*gitBlockState)
	for _, ref := range listed {
		note, err := e.git.Read(ctx, ref.CommitSHA, ns)
		if err != nil {
			if types.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		blocks, derr := e.codec.Decode(note)
		if derr != nil {
			continue
		}
		for _, block := range blocks {
			mem := blockToMemory(block, ref.CommitSHA, e.git.RepoPath(), ns)
			state[mem.ID] = &gitBlockState{
				mem:       mem,
				tombstone: block.Meta.Status == types.StatusTombstone,
			}
		}
	}
	return state, nil
}

// headerEqual compares the fields I1 requires to match at rest
func headerEqual(a, b *types.Memory) bool {
	if a.Summary != b.Summary || a.Status != b.Status ||
		a.Spec != b.Spec || a.Phase != b.Phase ||
		!a.Timestamp.Equal(b.Timestamp) {
		return false
	}
	if len(a.Tags) != len(b.Tags) {
		return false
	}
	for i := range a.Tags {
		if a.Tags[i] != b.Tags[i] {
			return false
		}
	}
	return true
}

// VerifyConsistency compares both stores block by block. Tombstoned git
// blocks without an index row are consistent: garbage collection removes
// rows while git retains the marked block.
func (e *Engine) VerifyConsistency(ctx context.Context) (*Report, error) {
	metrics.SyncCyclesTotal.WithLabelValues("verify").Inc()

	report := &Report{ByNamespace: make(map[types.Namespace]*NamespaceDiff)}
	for _, ns := range types.Namespaces {
		diff := &NamespaceDiff{}
		report.ByNamespace[ns] = diff

		gitState, err := e.scanGit(ctx, ns)
		if err != nil {
			return nil, err
		}

		indexed := make(map[string]*types.Memory)
		rows, err := e.idx.ListRecent(ns, 0)
		if err != nil {
			return nil, err
		}
		for _, mem := range rows {
			if mem.RepoPath == e.git.RepoPath() {
				indexed[mem.ID] = mem
			}
		}

		for id, gs := range gitState {
			row, ok := indexed[id]
			if !ok {
				if !gs.tombstone {
					diff.InGitNotIndex++
				}
				continue
			}
			if !headerEqual(gs.mem, row) {
				diff.HashMismatch++
			}
		}
		for id := range indexed {
			if _, ok := gitState[id]; !ok {
				diff.InIndexNotGit++
			}
		}
	}

	gitOnly, indexOnly, mismatch := report.Totals()
	metrics.SyncDrift.WithLabelValues("git_only").Set(float64(gitOnly))
	metrics.SyncDrift.WithLabelValues("index_only").Set(float64(indexOnly))
	metrics.SyncDrift.WithLabelValues("mismatch").Set(float64(mismatch))
	return report, nil
}

// VerifyAndRepair drives the diff to zero with the minimal set of index
// upserts and deletes. Git is never written. Idempotent: a second run on a
// repaired store is a no-op.
func (e *Engine) VerifyAndRepair(ctx context.Context) (*Report, error) {
	before, err := e.VerifyConsistency(ctx)
	if err != nil {
		return nil, err
	}
	if before.Clean() {
		return before, nil
	}

	for _, ns := range types.Namespaces {
		diff := before.ByNamespace[ns]
		if diff.InGitNotIndex == 0 && diff.InIndexNotGit == 0 && diff.HashMismatch == 0 {
			continue
		}

		gitState, err := e.scanGit(ctx, ns)
		if err != nil {
			return nil, err
		}

		indexed := make(map[string]*types.Memory)
		rows, err := e.idx.ListRecent(ns, 0)
		if err != nil {
			return nil, err
		}
		for _, mem := range rows {
			if mem.RepoPath == e.git.RepoPath() {
				indexed[mem.ID] = mem
			}
		}

		for id, gs := range gitState {
			row, ok := indexed[id]
			if ok && headerEqual(gs.mem, row) {
				continue
			}
			if !ok && gs.tombstone {
				continue
			}

			var embedding []float32
			if vec, eerr := e.embed.Embed(ctx, gs.mem.Summary+"\n\n"+gs.mem.Content); eerr == nil {
				embedding = vec
			}
			if err := e.idx.Upsert(gs.mem, embedding); err != nil {
				return nil, err
			}
		}
		for id := range indexed {
			if _, ok := gitState[id]; !ok {
				if err := e.idx.Delete(id); err != nil {
					return nil, err
				}
			}
		}
	}

	return e.VerifyConsistency(ctx)
}
