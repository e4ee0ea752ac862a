package reconciler

import (
	"context"
	"os"

	"github.com/rs/zerolog"

	"github.com/burrowkit/burrow/pkg/config"
	"github.com/burrowkit/burrow/pkg/embedder"
	"github.com/burrowkit/burrow/pkg/gitstore"
	"github.com/burrowkit/burrow/pkg/hints"
	"github.com/burrowkit/burrow/pkg/index"
	"github.com/burrowkit/burrow/pkg/log"
	"github.com/burrowkit/burrow/pkg/metrics"
	"github.com/burrowkit/burrow/pkg/notecodec"
	"github.com/burrowkit/burrow/pkg/types"
)

// chunkSize bounds the notes processed between checkpoints
const chunkSize = 1000

// Engine reconciles the derived index against git notes. Git is
// authoritative: the engine freely rewrites index rows but never deletes a
// git note as remediation. Re-running converges; repeated repair is
// idempotent.
type Engine struct {
	cfg    *config.Config
	git    *gitstore.Store
	idx    *index.Store
	embed  embedder.Provider
	hints  *hints.Store
	codec  *notecodec.Codec
	logger zerolog.Logger
}

// NewEngine wires a sync engine for one repository
func NewEngine(cfg *config.Config, git *gitstore.Store, idx *index.Store, embed embedder.Provider, hintStore *hints.Store) *Engine {
	return &Engine{
		cfg:    cfg,
		git:    git,
		idx:    idx,
		embed:  embed,
		hints:  hintStore,
		codec:  notecodec.NewCodec(cfg.MaxSummaryChars, cfg.MaxContentBytes),
		logger: log.WithComponent("reconciler"),
	}
}

// Index exposes the engine's current index handle; FullReindex swaps it
func (e *Engine) Index() *index.Store { return e.idx }

// Incremental reconciles notes whose blob sha changed since the last pass.
// Work proceeds in chunks with checkpointing so an interrupted run resumes
// without rescanning. Pending repair hints are consumed first.
func (e *Engine) Incremental(ctx context.Context) error {
	metrics.SyncCyclesTotal.WithLabelValues("incremental").Inc()

	if err := e.consumeHints(ctx); err != nil {
		return err
	}

	repoPath := e.git.RepoPath()
	for _, ns := range types.Namespaces {
		listed, err := e.git.List(ctx, ns)
		if err != nil {
			return err
		}

		inGit := make(map[string]string, len(listed))
		for _, ref := range listed {
			inGit[ref.CommitSHA] = ref.NoteBlobSHA
		}

		seen, err := e.idx.NoteRefsFor(repoPath, ns)
		if err != nil {
			return err
		}

		cp, err := e.hints.GetCheckpoint(repoPath, string(ns))
		if err != nil {
			return err
		}
		skip := 0
		if cp != nil {
			skip = cp.Processed
		}

		processed := 0
		for _, ref := range listed {
			if seen[ref.CommitSHA] == ref.NoteBlobSHA {
				continue // unchanged since last pass
			}
			if processed < skip {
				processed++
				continue
			}

			if err := e.reconcileNote(ctx, ref.CommitSHA, ns, ref.NoteBlobSHA); err != nil {
				return err
			}

			processed++
			if processed%chunkSize == 0 {
				if err := e.hints.PutCheckpoint(&hints.Checkpoint{
					RepoPath: repoPath, Namespace: string(ns), Processed: processed,
				}); err != nil {
					return err
				}
			}
		}

		// Notes that vanished from git take their index rows with them.
		for commitSHA := range seen {
			if _, stillThere := inGit[commitSHA]; stillThere {
				continue
			}
			if err := e.removeCommitRows(commitSHA, ns, 0); err != nil {
				return err
			}
			if err := e.idx.NoteRefDelete(repoPath, commitSHA, ns); err != nil {
				return err
			}
		}

		if err := e.hints.DeleteCheckpoint(repoPath, string(ns)); err != nil {
			return err
		}
	}

	return e.backfillVectors(ctx)
}

// backfillVectors re-embeds memories that landed scalar-only while the
// embedding layer was down.
func (e *Engine) backfillVectors(ctx context.Context) error {
	missing, err := e.idx.ListMissingVectors(e.git.RepoPath())
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		return nil
	}

	type noteKey struct {
		commit string
		ns     types.Namespace
	}
	seen := make(map[noteKey]struct{})
	for _, mem := range missing {
		key := noteKey{commit: mem.CommitSHA, ns: mem.Namespace}
		if _, done := seen[key]; done {
			continue
		}
		seen[key] = struct{}{}
		if err := e.reconcileNote(ctx, mem.CommitSHA, mem.Namespace, ""); err != nil {
			return err
		}
	}
	return nil
}

// consumeHints reconciles every note a capture left a repair hint for
func (e *Engine) consumeHints(ctx context.Context) error {
	pending, err := e.hints.ListHints()
	if err != nil {
		return err
	}
	for _, hint := range pending {
		if hint.RepoPath != e.git.RepoPath() {
			continue
		}
		if err := e.reconcileNote(ctx, hint.CommitSHA, hint.Namespace, ""); err != nil {
			return err
		}
		if err := e.hints.DeleteHint(hint.ID); err != nil {
			return err
		}
		e.logger.Info().Str("memory_id", hint.MemoryID).Msg("repair hint consumed")
	}
	return nil
}

// reconcileNote re-derives all index rows for one (commit, namespace) note
// from the git text. blobSHA may be empty; it is then looked up.
func (e *Engine) reconcileNote(ctx context.Context, commitSHA string, ns types.Namespace, blobSHA string) error {
	note, err := e.git.Read(ctx, commitSHA, ns)
	if types.IsNotFound(err) {
		if rerr := e.removeCommitRows(commitSHA, ns, 0); rerr != nil {
			return rerr
		}
		return e.idx.NoteRefDelete(e.git.RepoPath(), commitSHA, ns)
	}
	if err != nil {
		return err
	}

	blocks, err := e.codec.Decode(note)
	if err != nil {
		e.logger.Warn().Err(err).Str("commit", commitSHA).Str("namespace", string(ns)).
			Msg("skipping unparseable note")
		return nil
	}

	mems := make([]*types.Memory, len(blocks))
	texts := make([]string, len(blocks))
	for i, block := range blocks {
		mems[i] = blockToMemory(block, commitSHA, e.git.RepoPath(), ns)
		texts[i] = block.Meta.Summary + "\n\n" + block.Body
	}

	// Embedding the whole note is best-effort; scalar rows land either way.
	var embeddings [][]float32
	if vecs, eerr := e.embed.EmbedBatch(ctx, texts); eerr != nil {
		metrics.EmbeddingFailuresTotal.Inc()
		e.logger.Warn().Err(eerr).Str("commit", commitSHA).Msg("sync embedding failed, indexing scalar-only")
	} else {
		embeddings = vecs
	}

	if err := e.idx.UpsertBatch(mems, embeddings); err != nil {
		return err
	}

	// Rows beyond the current block count belong to removed blocks.
	if err := e.removeCommitRows(commitSHA, ns, len(blocks)); err != nil {
		return err
	}

	if blobSHA == "" {
		listed, lerr := e.git.List(ctx, ns)
		if lerr == nil {
			for _, ref := range listed {
				if ref.CommitSHA == commitSHA {
					blobSHA = ref.NoteBlobSHA
					break
				}
			}
		}
	}
	if blobSHA != "" {
		return e.idx.NoteRefPut(e.git.RepoPath(), commitSHA, ns, blobSHA)
	}
	return nil
}

// removeCommitRows deletes index rows for (commit, ns) with ordinal >= from
func (e *Engine) removeCommitRows(commitSHA string, ns types.Namespace, from int) error {
	rows, err := e.idx.ListByCommit(commitSHA)
	if err != nil {
		return err
	}
	for _, mem := range rows {
		memNS, _, ordinal, perr := types.ParseID(mem.ID)
		if perr != nil || memNS != ns {
			continue
		}
		if ordinal >= from {
			if err := e.idx.Delete(mem.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// blockToMemory builds the indexed form of one decoded block
func blockToMemory(block notecodec.Block, commitSHA, repoPath string, ns types.Namespace) *types.Memory {
	return &types.Memory{
		ID:        types.FormatID(ns, commitSHA, block.Ordinal),
		CommitSHA: commitSHA,
		RepoPath:  repoPath,
		Namespace: ns,
		Summary:   block.Meta.Summary,
		Content:   block.Body,
		Timestamp: block.Meta.Timestamp,
		Spec:      block.Meta.Spec,
		Phase:     block.Meta.Phase,
		Tags:      block.Meta.Tags,
		Status:    block.Meta.Status,
		RelatesTo: block.Meta.RelatesTo,
	}
}

// FullReindex rebuilds the index from scratch by scanning every note in
// every namespace into a staging file, then atomically renaming it over
// the live index. The previous index stays readable until the swap, so an
// interrupted rebuild leaves it untouched. Returns the fresh store.
func (e *Engine) FullReindex(ctx context.Context) (*index.Store, error) {
	metrics.SyncCyclesTotal.WithLabelValues("full").Inc()

	livePath := e.idx.Path()
	stagingPath := livePath + ".rebuild"
	os.Remove(stagingPath)

	staging, err := index.Open(stagingPath, e.idx.Dimension())
	if err != nil {
		return nil, err
	}

	repoPath := e.git.RepoPath()
	for _, ns := range types.Namespaces {
		listed, err := e.git.List(ctx, ns)
		if err != nil {
			staging.Close()
			os.Remove(stagingPath)
			return nil, err
		}

		for _, ref := range listed {
			note, err := e.git.Read(ctx, ref.CommitSHA, ns)
			if err != nil {
				if types.IsNotFound(err) {
					continue
				}
				staging.Close()
				os.Remove(stagingPath)
				return nil, err
			}

			blocks, derr := e.codec.Decode(note)
			if derr != nil {
				e.logger.Warn().Err(derr).Str("commit", ref.CommitSHA).Msg("skipping unparseable note in reindex")
				continue
			}

			mems := make([]*types.Memory, len(blocks))
			texts := make([]string, len(blocks))
			for i, block := range blocks {
				mems[i] = blockToMemory(block, ref.CommitSHA, repoPath, ns)
				texts[i] = block.Meta.Summary + "\n\n" + block.Body
			}

			var embeddings [][]float32
			if vecs, eerr := e.embed.EmbedBatch(ctx, texts); eerr == nil {
				embeddings = vecs
			} else {
				metrics.EmbeddingFailuresTotal.Inc()
			}

			if err := staging.UpsertBatch(mems, embeddings); err != nil {
				staging.Close()
				os.Remove(stagingPath)
				return nil, err
			}
			if err := staging.NoteRefPut(repoPath, ref.CommitSHA, ns, ref.NoteBlobSHA); err != nil {
				staging.Close()
				os.Remove(stagingPath)
				return nil, err
			}
		}
	}

	// Commit the rebuild: close both stores and swap files.
	if err := staging.Close(); err != nil {
		return nil, &types.IndexError{Kind: types.IndexTxn, Op: "full-reindex", Err: err}
	}
	if err := e.idx.Close(); err != nil {
		return nil, &types.IndexError{Kind: types.IndexTxn, Op: "full-reindex", Err: err}
	}
	// Drop WAL sidecars of the old index before the rename.
	os.Remove(livePath + "-wal")
	os.Remove(livePath + "-shm")
	if err := os.Rename(stagingPath, livePath); err != nil {
		return nil, &types.IndexError{Kind: types.IndexTxn, Op: "full-reindex", Err: err}
	}

	fresh, err := index.Open(livePath, e.idx.Dimension())
	if err != nil {
		return nil, err
	}
	e.idx = fresh
	e.logger.Info().Msg("full reindex complete")
	return fresh, nil
}
