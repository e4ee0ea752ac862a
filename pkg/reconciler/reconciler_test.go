package reconciler

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowkit/burrow/pkg/capture"
	"github.com/burrowkit/burrow/pkg/config"
	"github.com/burrowkit/burrow/pkg/gitstore"
	"github.com/burrowkit/burrow/pkg/hints"
	"github.com/burrowkit/burrow/pkg/index"
	"github.com/burrowkit/burrow/pkg/notecodec"
	"github.com/burrowkit/burrow/pkg/types"
)

const testDim = 8

type fakeEmbedder struct {
	mu   sync.Mutex
	fail bool
}

func (f *fakeEmbedder) Dimension() int { return testDim }

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, &types.EmbeddingError{Kind: types.EmbeddingLoad, Err: fmt.Errorf("forced failure")}
	}
	vec := make([]float32, testDim)
	for i, r := range text {
		vec[i%testDim] += float32(r) / 1000
	}
	return vec, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := f.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func gitCmd(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

type fixture struct {
	cfg     *config.Config
	git     *gitstore.Store
	idx     *index.Store
	embed   *fakeEmbedder
	hints   *hints.Store
	codec   *notecodec.Codec
	capture *capture.Engine
	sync    *Engine
	sha     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.EmbeddingDim = testDim
	require.NoError(t, cfg.EnsureDataDir())

	repo := t.TempDir()
	gitCmd(t, repo, "init")
	gitCmd(t, repo, "config", "user.name", "Test User")
	gitCmd(t, repo, "config", "user.email", "test@example.com")
	require.NoError(t, os.WriteFile(filepath.Join(repo, "main.go"), []byte("package main\n"), 0o644))
	gitCmd(t, repo, "add", ".")
	gitCmd(t, repo, "commit", "-m", "initial commit")

	git := gitstore.NewStore(repo)
	sha, err := git.ResolveCommit(context.Background(), "")
	require.NoError(t, err)

	idx, err := index.Open(cfg.IndexPath(), testDim)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	hintStore, err := hints.Open(cfg.StatePath())
	require.NoError(t, err)
	t.Cleanup(func() { hintStore.Close() })

	embed := &fakeEmbedder{}
	return &fixture{
		cfg:     cfg,
		git:     git,
		idx:     idx,
		embed:   embed,
		hints:   hintStore,
		codec:   notecodec.NewCodec(cfg.MaxSummaryChars, cfg.MaxContentBytes),
		capture: capture.NewEngine(cfg, git, embed, idx, hintStore),
		sync:    NewEngine(cfg, git, idx, embed, hintStore),
		sha:     sha,
	}
}

// appendBlock writes a block straight into git, bypassing the index the
// way an out-of-band writer (or interrupted capture) would.
func (f *fixture) appendBlock(t *testing.T, ns types.Namespace, summary string) {
	t.Helper()
	block, err := f.codec.Encode(notecodec.Meta{
		Namespace: ns,
		Timestamp: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		Summary:   summary,
		Status:    types.StatusActive,
	}, "body of "+summary)
	require.NoError(t, err)
	require.NoError(t, f.git.Append(context.Background(), f.sha, block, ns))
}

func TestIncrementalIndexesOutOfBandNotes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.appendBlock(t, types.NamespaceDecisions, "written behind the index's back")
	require.NoError(t, f.sync.Incremental(ctx))

	id := types.FormatID(types.NamespaceDecisions, f.sha, 0)
	mem, err := f.idx.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "written behind the index's back", mem.Summary)

	has, err := f.idx.HasVector(id)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestIncrementalSkipsUnchangedNotes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.appendBlock(t, types.NamespaceProgress, "first pass")
	require.NoError(t, f.sync.Incremental(ctx))

	// Delete the row but keep the bookkeeping: an unchanged blob is skipped,
	// proving the diff is driven by note_refs.
	id := types.FormatID(types.NamespaceProgress, f.sha, 0)
	require.NoError(t, f.idx.Delete(id))
	require.NoError(t, f.sync.Incremental(ctx))
	_, err := f.idx.Get(id)
	assert.True(t, types.IsNotFound(err))

	// A changed blob is picked up again.
	f.appendBlock(t, types.NamespaceProgress, "second pass")
	require.NoError(t, f.sync.Incremental(ctx))
	_, err = f.idx.Get(id)
	assert.NoError(t, err)
}

func TestIncrementalRemovesVanishedNotes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.appendBlock(t, types.NamespaceLearnings, "will vanish")
	require.NoError(t, f.sync.Incremental(ctx))

	require.NoError(t, f.git.Remove(ctx, f.sha, types.NamespaceLearnings))
	require.NoError(t, f.sync.Incremental(ctx))

	_, err := f.idx.Get(types.FormatID(types.NamespaceLearnings, f.sha, 0))
	assert.True(t, types.IsNotFound(err))
}

func TestIncrementalConsumesRepairHints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.appendBlock(t, types.NamespaceBlockers, "interrupted capture")
	id := types.FormatID(types.NamespaceBlockers, f.sha, 0)
	require.NoError(t, f.hints.PutHint(&hints.RepairHint{
		RepoPath:  f.git.RepoPath(),
		CommitSHA: f.sha,
		Namespace: types.NamespaceBlockers,
		MemoryID:  id,
	}))

	require.NoError(t, f.sync.Incremental(ctx))

	_, err := f.idx.Get(id)
	require.NoError(t, err)
	pending, err := f.hints.ListHints()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestIncrementalBackfillsVectorsAfterEmbedderRecovery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Capture while the embedder is down: success, scalar-only.
	f.embed.fail = true
	res, err := f.capture.Capture(ctx, capture.Request{
		Namespace: types.NamespaceLearnings, Summary: "captured while embedder down", Body: "body",
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	has, err := f.idx.HasVector(res.ID)
	require.NoError(t, err)
	require.False(t, has)

	// Embedder recovers; incremental backfills the vector row.
	f.embed.fail = false
	require.NoError(t, f.sync.Incremental(ctx))

	has, err = f.idx.HasVector(res.ID)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestVerifyConsistencyReportsDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	report, err := f.sync.VerifyConsistency(ctx)
	require.NoError(t, err)
	assert.True(t, report.Clean())

	f.appendBlock(t, types.NamespaceDecisions, "only in git")
	report, err = f.sync.VerifyConsistency(ctx)
	require.NoError(t, err)
	assert.False(t, report.Clean())
	assert.Equal(t, 1, report.ByNamespace[types.NamespaceDecisions].InGitNotIndex)

	// A row with no git counterpart counts the other way.
	orphan := &types.Memory{
		ID:        types.FormatID(types.NamespaceResearch, f.sha, 0),
		CommitSHA: f.sha,
		RepoPath:  f.git.RepoPath(),
		Namespace: types.NamespaceResearch,
		Summary:   "only in index",
		Content:   "body",
		Timestamp: time.Now().UTC(),
		Status:    types.StatusActive,
	}
	require.NoError(t, f.idx.Upsert(orphan, nil))
	report, err = f.sync.VerifyConsistency(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ByNamespace[types.NamespaceResearch].InIndexNotGit)
}

func TestVerifyAndRepairConverges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Drift in both directions plus a real capture.
	_, err := f.capture.Capture(ctx, capture.Request{
		Namespace: types.NamespaceProgress, Summary: "clean capture", Body: "body",
	})
	require.NoError(t, err)
	f.appendBlock(t, types.NamespaceDecisions, "missing from index")
	orphan := &types.Memory{
		ID:        types.FormatID(types.NamespaceResearch, f.sha, 0),
		CommitSHA: f.sha,
		RepoPath:  f.git.RepoPath(),
		Namespace: types.NamespaceResearch,
		Summary:   "orphan row",
		Content:   "body",
		Timestamp: time.Now().UTC(),
		Status:    types.StatusActive,
	}
	require.NoError(t, f.idx.Upsert(orphan, nil))

	report, err := f.sync.VerifyAndRepair(ctx)
	require.NoError(t, err)
	assert.True(t, report.Clean())

	// Idempotence: a second repair finds nothing to do.
	report, err = f.sync.VerifyAndRepair(ctx)
	require.NoError(t, err)
	assert.True(t, report.Clean())

	// The git-only block landed in the index, the orphan is gone.
	_, err = f.idx.Get(types.FormatID(types.NamespaceDecisions, f.sha, 0))
	assert.NoError(t, err)
	_, err = f.idx.Get(orphan.ID)
	assert.True(t, types.IsNotFound(err))
}

func TestFullReindexRebuildsFromGit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ids := make([]string, 0, 3)
	for i, ns := range []types.Namespace{types.NamespaceDecisions, types.NamespaceLearnings, types.NamespaceProgress} {
		res, err := f.capture.Capture(ctx, capture.Request{
			Namespace: ns, Summary: fmt.Sprintf("memory %d", i), Body: "body",
		})
		require.NoError(t, err)
		ids = append(ids, res.ID)
	}

	fresh, err := f.sync.FullReindex(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { fresh.Close() })

	for _, id := range ids {
		mem, err := fresh.Get(id)
		require.NoError(t, err)
		assert.NotEmpty(t, mem.Summary)
		has, err := fresh.HasVector(id)
		require.NoError(t, err)
		assert.True(t, has)
	}

	stats, err := fresh.Stats()
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.False(t, strings.HasSuffix(fresh.Path(), ".rebuild"))
}

func TestCaptureInterruptedBetweenGitAndIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Simulate a kill between capture steps 5 and 8: note in git, index
	// missing, repair hint present.
	f.appendBlock(t, types.NamespaceDecisions, "orphaned by crash")
	id := types.FormatID(types.NamespaceDecisions, f.sha, 0)
	require.NoError(t, f.hints.PutHint(&hints.RepairHint{
		RepoPath:  f.git.RepoPath(),
		CommitSHA: f.sha,
		Namespace: types.NamespaceDecisions,
		MemoryID:  id,
	}))

	report, err := f.sync.VerifyAndRepair(ctx)
	require.NoError(t, err)
	assert.True(t, report.Clean())

	mem, err := f.idx.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "orphaned by crash", mem.Summary)
}
