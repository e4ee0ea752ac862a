package recall

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
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
		return nil, &types.EmbeddingError{Kind: types.EmbeddingInference, Err: fmt.Errorf("forced failure")}
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
	capture *capture.Engine
	recall  *Engine
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
	require.NoError(t, os.WriteFile(filepath.Join(repo, "api.go"), []byte("package api\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "db.go"), []byte("package api // db\n"), 0o644))
	gitCmd(t, repo, "add", ".")
	gitCmd(t, repo, "commit", "-m", "initial commit")

	git := gitstore.NewStore(repo)
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
		capture: capture.NewEngine(cfg, git, embed, idx, hintStore),
		recall:  NewEngine(cfg, embed, idx, git),
	}
}

func TestCaptureThenSearch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.capture.Capture(ctx, capture.Request{
		Namespace: types.NamespaceDecisions,
		Summary:   "Use PostgreSQL for persistence",
		Body:      "Relational model fits the query patterns.",
	})
	require.NoError(t, err)
	require.True(t, res.Indexed)

	results, err := f.recall.Search(ctx, "Use PostgreSQL for persistence",
		&index.Filters{Namespace: types.NamespaceDecisions}, 5, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, res.ID, results[0].ID)
	assert.GreaterOrEqual(t, results[0].Distance, 0.0)
}

func TestSearchFallsBackToTextOnEmbeddingFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.capture.Capture(ctx, capture.Request{
		Namespace: types.NamespaceLearnings,
		Summary:   "pgbouncer smooths connection churn",
		Body:      "Pooling keeps postgres steady under load.",
	})
	require.NoError(t, err)

	f.embed.fail = true
	results, err := f.recall.Search(ctx, "pgbouncer churn", nil, 5, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, res.ID, results[0].ID)
}

func TestSearchCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.capture.Capture(ctx, capture.Request{
		Namespace: types.NamespaceDecisions, Summary: "cached decision", Body: "body",
	})
	require.NoError(t, err)

	first, err := f.recall.Search(ctx, "cached decision", nil, 5, nil)
	require.NoError(t, err)

	// Break the embedder: a cache hit never reaches it.
	f.embed.fail = true
	second, err := f.recall.Search(ctx, "cached decision", nil, 5, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Invalidate and the degraded path takes over.
	f.recall.Invalidate()
	third, err := f.recall.Search(ctx, "cached decision", nil, 5, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, third)
}

func TestHydrationLevels(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.capture.Capture(ctx, capture.Request{
		Namespace: types.NamespaceDecisions,
		Summary:   "hydration target",
		Body:      "## Detail\n\nthe full body lives in git",
	})
	require.NoError(t, err)
	mem, err := f.idx.Get(res.ID)
	require.NoError(t, err)

	summary, err := f.recall.Hydrate(ctx, mem, types.HydrateSummary)
	require.NoError(t, err)
	assert.Empty(t, summary.Body)
	assert.Nil(t, summary.Files)

	full, err := f.recall.Hydrate(ctx, mem, types.HydrateFull)
	require.NoError(t, err)
	assert.Equal(t, "## Detail\n\nthe full body lives in git", full.Body)
	assert.Nil(t, full.Files)

	files, err := f.recall.Hydrate(ctx, mem, types.HydrateFiles)
	require.NoError(t, err)
	assert.Equal(t, full.Body, files.Body)
	require.NotEmpty(t, files.Files)
	for path := range files.Files {
		assert.Contains(t, []string{"api.go", "db.go"}, path)
	}
	assert.LessOrEqual(t, len(files.Files), f.cfg.MaxHydrationFiles)
}

func TestHydrateMissingNoteDegrades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.capture.Capture(ctx, capture.Request{
		Namespace: types.NamespaceProgress, Summary: "will lose its note", Body: "body",
	})
	require.NoError(t, err)
	mem, err := f.idx.Get(res.ID)
	require.NoError(t, err)

	require.NoError(t, f.git.Remove(ctx, mem.CommitSHA, mem.Namespace))

	hydrated, err := f.recall.Hydrate(ctx, mem, types.HydrateFull)
	require.NoError(t, err)
	assert.Empty(t, hydrated.Body)
	assert.NotEmpty(t, hydrated.Warnings)
}

func TestRecentAndByCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.capture.Capture(ctx, capture.Request{
		Namespace: types.NamespaceProgress, Summary: "step one", Body: "body",
	})
	require.NoError(t, err)
	_, err = f.capture.Capture(ctx, capture.Request{
		Namespace: types.NamespaceLearnings, Summary: "step two", Body: "body",
	})
	require.NoError(t, err)

	recent, err := f.recall.Recent(10, "")
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	progressOnly, err := f.recall.Recent(10, types.NamespaceProgress)
	require.NoError(t, err)
	require.Len(t, progressOnly, 1)
	assert.Equal(t, first.ID, progressOnly[0].ID)

	_, sha, _, err := types.ParseID(first.ID)
	require.NoError(t, err)
	byCommit, err := f.recall.ByCommit(sha)
	require.NoError(t, err)
	assert.Len(t, byCommit, 2)
}

func TestSimilarExcludesSelf(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.capture.Capture(ctx, capture.Request{
		Namespace: types.NamespaceLearnings, Summary: "retry with backoff helps", Body: "backoff",
	})
	require.NoError(t, err)
	_, err = f.capture.Capture(ctx, capture.Request{
		Namespace: types.NamespaceLearnings, Summary: "retry with jitter helps", Body: "jitter",
	})
	require.NoError(t, err)

	similar, err := f.recall.Similar(ctx, a.ID, 3)
	require.NoError(t, err)
	require.NotEmpty(t, similar)
	for _, r := range similar {
		assert.NotEqual(t, a.ID, r.ID)
	}
}

func TestContextGroupsByNamespace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.capture.Capture(ctx, capture.Request{
		Namespace: types.NamespaceDecisions, Summary: "a decision", Body: "b", Spec: "svc",
	})
	require.NoError(t, err)
	_, err = f.capture.Capture(ctx, capture.Request{
		Namespace: types.NamespaceBlockers, Summary: "a blocker", Body: "b", Spec: "svc",
	})
	require.NoError(t, err)
	_, err = f.capture.Capture(ctx, capture.Request{
		Namespace: types.NamespaceDecisions, Summary: "other spec", Body: "b", Spec: "other",
	})
	require.NoError(t, err)

	grouped, err := f.recall.Context("svc")
	require.NoError(t, err)
	assert.Len(t, grouped[types.NamespaceDecisions], 1)
	assert.Len(t, grouped[types.NamespaceBlockers], 1)
}

func TestRerankAppliesDeltas(t *testing.T) {
	now := time.Now()
	results := []*types.MemoryResult{
		{Memory: types.Memory{ID: "a", Namespace: types.NamespaceResearch, Timestamp: now}, Distance: 0.10},
		{Memory: types.Memory{ID: "b", Namespace: types.NamespaceDecisions, Timestamp: now}, Distance: 0.12},
	}

	ranked := rerank(results, &RankOptions{
		NamespacePriority: map[types.Namespace]float64{types.NamespaceDecisions: -0.05},
	}, now)

	require.Len(t, ranked, 2)
	assert.Equal(t, "b", ranked[0].ID)
	// Originals untouched.
	assert.Equal(t, 0.12, results[1].Distance)
}
