package lifecycle

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/burrowkit/burrow/pkg/config"
	"github.com/burrowkit/burrow/pkg/gitstore"
	"github.com/burrowkit/burrow/pkg/index"
	"github.com/burrowkit/burrow/pkg/log"
	"github.com/burrowkit/burrow/pkg/notecodec"
	"github.com/burrowkit/burrow/pkg/types"
)

// Engine drives temporal decay, status transitions, archival compaction
// and garbage collection. Status lives in the note header, so every
// transition updates both git and the index to keep them equal at rest.
type Engine struct {
	cfg    *config.Config
	idx    *index.Store
	git    *gitstore.Store
	codec  *notecodec.Codec
	logger zerolog.Logger

	now func() time.Time
}

// NewEngine wires a lifecycle engine for one repository
func NewEngine(cfg *config.Config, idx *index.Store, git *gitstore.Store) *Engine {
	return &Engine{
		cfg:    cfg,
		idx:    idx,
		git:    git,
		codec:  notecodec.NewCodec(cfg.MaxSummaryChars, cfg.MaxContentBytes),
		logger: log.WithComponent("lifecycle"),
		now:    time.Now,
	}
}

// Decay scores a memory's freshness: 2^(-age_days / half_life_days)
func (e *Engine) Decay(timestamp time.Time) float64 {
	ageDays := e.now().UTC().Sub(timestamp).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return math.Exp2(-ageDays / float64(e.cfg.DecayHalfLifeDays))
}

// SweepResult counts transitions applied by one sweep
type SweepResult struct {
	Aged       int
	Archived   int
	Tombstoned int
}

// transition is one planned status change
type transition struct {
	mem      *types.Memory
	to       types.Status
	nullBody bool
	compress bool
}

// Sweep applies the periodic transition rules:
//
//	active    -> aging      when decay < 0.5
//	aging     -> archived   when age >= archive threshold (blockers exempt)
//	resolved / archived -> tombstone when age >= GC horizon
func (e *Engine) Sweep(ctx context.Context) (*SweepResult, error) {
	now := e.now().UTC()
	var planned []transition

	active, err := e.idx.ListByStatus(types.StatusActive, 0)
	if err != nil {
		return nil, err
	}
	for _, mem := range active {
		if mem.RepoPath != e.git.RepoPath() {
			continue
		}
		if e.Decay(mem.Timestamp) < 0.5 {
			planned = append(planned, transition{mem: mem, to: types.StatusAging})
		}
	}

	aging, err := e.idx.ListByStatus(types.StatusAging, 0)
	if err != nil {
		return nil, err
	}
	archiveAge := time.Duration(e.cfg.ArchiveAfterDays) * 24 * time.Hour
	for _, mem := range aging {
		if mem.RepoPath != e.git.RepoPath() {
			continue
		}
		if mem.Namespace == types.NamespaceBlockers {
			continue // unresolved blockers never age out
		}
		if now.Sub(mem.Timestamp) >= archiveAge {
			planned = append(planned, transition{mem: mem, to: types.StatusArchived, compress: true})
		}
	}

	gcAge := time.Duration(e.cfg.GCHorizonDays) * 24 * time.Hour
	for _, status := range []types.Status{types.StatusResolved, types.StatusArchived} {
		rows, err := e.idx.ListByStatus(status, 0)
		if err != nil {
			return nil, err
		}
		for _, mem := range rows {
			if mem.RepoPath != e.git.RepoPath() {
				continue
			}
			if now.Sub(mem.Timestamp) >= gcAge {
				planned = append(planned, transition{mem: mem, to: types.StatusTombstone, nullBody: true})
			}
		}
	}

	result := &SweepResult{}
	if len(planned) == 0 {
		return result, nil
	}

	if err := e.applyTransitions(ctx, planned); err != nil {
		return nil, err
	}

	for _, t := range planned {
		switch t.to {
		case types.StatusAging:
			result.Aged++
		case types.StatusArchived:
			result.Archived++
		case types.StatusTombstone:
			result.Tombstoned++
		}
	}
	e.logger.Info().Int("aged", result.Aged).Int("archived", result.Archived).
		Int("tombstoned", result.Tombstoned).Msg("lifecycle sweep complete")
	return result, nil
}

// applyTransitions groups planned changes per note, rewrites each note once
// with the new headers, then updates the index rows.
func (e *Engine) applyTransitions(ctx context.Context, planned []transition) error {
	type noteKey struct {
		commit string
		ns     types.Namespace
	}
	grouped := make(map[noteKey][]transition)
	for _, t := range planned {
		key := noteKey{commit: t.mem.CommitSHA, ns: t.mem.Namespace}
		grouped[key] = append(grouped[key], t)
	}

	for key, changes := range grouped {
		note, err := e.git.Read(ctx, key.commit, key.ns)
		if err != nil {
			if types.IsNotFound(err) {
				continue // reconciler owns this drift
			}
			return err
		}
		blocks, err := e.codec.Decode(note)
		if err != nil {
			e.logger.Warn().Err(err).Str("commit", key.commit).Msg("skipping unparseable note in sweep")
			continue
		}

		byOrdinal := make(map[int]transition, len(changes))
		for _, t := range changes {
			_, _, ordinal, perr := types.ParseID(t.mem.ID)
			if perr != nil {
				continue
			}
			byOrdinal[ordinal] = t
		}

		var encoded []string
		for _, block := range blocks {
			if t, ok := byOrdinal[block.Ordinal]; ok {
				block.Meta.Status = t.to
				if t.nullBody {
					block.Body = ""
				}
			}
			text, eerr := e.codec.Encode(block.Meta, block.Body)
			if eerr != nil {
				return eerr
			}
			encoded = append(encoded, strings.TrimRight(text, "\n"))
		}

		if err := e.git.Write(ctx, key.commit, strings.Join(encoded, "\n\n")+"\n", key.ns); err != nil {
			return err
		}
	}

	for _, t := range planned {
		to := t.to
		patch := index.Patch{Status: &to}
		if t.nullBody {
			empty := ""
			patch.Body = &empty
		}
		if err := e.idx.Update(t.mem.ID, patch); err != nil && !types.IsNotFound(err) {
			return err
		}
		if t.compress {
			if err := e.idx.ArchiveBody(t.mem.ID); err != nil && !types.IsNotFound(err) {
				return err
			}
		}
	}
	return nil
}

// GC physically removes tombstones older than the GC horizon from the
// index. The git blocks keep their tombstone headers; notes are never
// history-rewritten. Returns the count (that would be) removed.
func (e *Engine) GC(ctx context.Context, dryRun bool) (int, error) {
	horizon := time.Duration(e.cfg.GCHorizonDays) * 24 * time.Hour
	now := e.now().UTC()

	rows, err := e.idx.ListByStatus(types.StatusTombstone, 0)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, mem := range rows {
		if mem.RepoPath != e.git.RepoPath() {
			continue
		}
		if now.Sub(mem.Timestamp) < horizon {
			continue
		}
		if !dryRun {
			if err := e.idx.Delete(mem.ID); err != nil {
				return removed, err
			}
		}
		removed++
	}

	e.logger.Info().Int("removed", removed).Bool("dry_run", dryRun).Msg("gc pass complete")
	return removed, nil
}

// String renders a sweep result for operator output
func (r *SweepResult) String() string {
	return fmt.Sprintf("aged=%d archived=%d tombstoned=%d", r.Aged, r.Archived, r.Tombstoned)
}
