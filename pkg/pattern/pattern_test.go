package pattern

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowkit/burrow/pkg/index"
	"github.com/burrowkit/burrow/pkg/types"
)

const testDim = 8

var frozenNow = time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *index.Store {
	t.Helper()
	store, err := index.Open(t.TempDir()+"/index.db", testDim)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seed(t *testing.T, idx *index.Store, ns types.Namespace, ordinal int, summary, body string, tags []string) {
	t.Helper()
	require.NoError(t, idx.Upsert(&types.Memory{
		ID:        types.FormatID(ns, "aaaa1111aaaa1111aaaa1111aaaa1111aaaa1111", ordinal),
		CommitSHA: "aaaa1111aaaa1111aaaa1111aaaa1111aaaa1111",
		RepoPath:  "/repo/alpha",
		Namespace: ns,
		Summary:   summary,
		Content:   body,
		Timestamp: frozenNow.AddDate(0, 0, -3),
		Status:    types.StatusActive,
		Tags:      tags,
	}, nil))
}

func newEngine(idx *index.Store) *Engine {
	e := NewEngine(idx, nil)
	e.now = func() time.Time { return frozenNow }
	return e
}

func TestMineClustersSimilarMemories(t *testing.T) {
	idx := openStore(t)

	seed(t, idx, types.NamespaceLearnings, 0,
		"connection pooling stabilizes postgres latency",
		"Adding pgbouncer connection pooling stopped the postgres latency spikes.", nil)
	seed(t, idx, types.NamespaceLearnings, 1,
		"postgres latency fixed by connection pooling",
		"Latency flattened once connection pooling fronted postgres.", nil)
	seed(t, idx, types.NamespaceLearnings, 2,
		"css grid beats flexbox for dashboards",
		"Dashboard layout became trivial after switching to css grid.", nil)

	patterns, err := newEngine(idx).Mine(context.Background(), 30)
	require.NoError(t, err)
	require.Len(t, patterns, 1)

	p := patterns[0]
	assert.Len(t, p.Evidence, 2)
	assert.Equal(t, types.PatternCandidate, p.PatternStat)
	assert.Equal(t, types.PatternSuccess, p.PatternType)
	assert.Greater(t, p.Confidence, 0.0)
	assert.LessOrEqual(t, p.Confidence, 1.0)
	assert.Equal(t, types.NamespacePatterns, p.Namespace)
	assert.LessOrEqual(t, len(p.Summary), 100)
}

func TestMineRespectsWindow(t *testing.T) {
	idx := openStore(t)

	for i := 0; i < 2; i++ {
		require.NoError(t, idx.Upsert(&types.Memory{
			ID:        types.FormatID(types.NamespaceLearnings, "bbbb2222bbbb2222bbbb2222bbbb2222bbbb2222", i),
			CommitSHA: "bbbb2222bbbb2222bbbb2222bbbb2222bbbb2222",
			RepoPath:  "/repo/alpha",
			Namespace: types.NamespaceLearnings,
			Summary:   "stale postgres pooling memory",
			Content:   "connection pooling postgres",
			Timestamp: frozenNow.AddDate(0, 0, -90),
			Status:    types.StatusActive,
		}, nil))
	}

	patterns, err := newEngine(idx).Mine(context.Background(), 30)
	require.NoError(t, err)
	assert.Empty(t, patterns)
}

func TestMineIgnoresTombstones(t *testing.T) {
	idx := openStore(t)

	seed(t, idx, types.NamespaceLearnings, 0, "postgres pooling one", "connection pooling postgres", nil)
	require.NoError(t, idx.Upsert(&types.Memory{
		ID:        types.FormatID(types.NamespaceLearnings, "aaaa1111aaaa1111aaaa1111aaaa1111aaaa1111", 1),
		CommitSHA: "aaaa1111aaaa1111aaaa1111aaaa1111aaaa1111",
		RepoPath:  "/repo/alpha",
		Namespace: types.NamespaceLearnings,
		Summary:   "postgres pooling two",
		Content:   "connection pooling postgres",
		Timestamp: frozenNow.AddDate(0, 0, -1),
		Status:    types.StatusTombstone,
	}, nil))

	patterns, err := newEngine(idx).Mine(context.Background(), 30)
	require.NoError(t, err)
	assert.Empty(t, patterns)
}

func TestContradictionDemotes(t *testing.T) {
	idx := openStore(t)

	seed(t, idx, types.NamespaceLearnings, 0,
		"microservices simplified the deploys",
		"Splitting the monolith into microservices simplified deploys.", nil)
	seed(t, idx, types.NamespaceLearnings, 1,
		"microservices complicated the deploys",
		"The microservices split actually complicated deploys.", []string{"contradicted"})

	patterns, err := newEngine(idx).Mine(context.Background(), 30)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, types.PatternDemoted, patterns[0].PatternStat)
	assert.Equal(t, types.PatternAnti, patterns[0].PatternType)
}

func TestDecisionClusterYieldsDecisionPattern(t *testing.T) {
	idx := openStore(t)

	seed(t, idx, types.NamespaceDecisions, 0,
		"choose postgres over mysql",
		"We keep choosing postgres for relational workloads.", nil)
	seed(t, idx, types.NamespaceDecisions, 1,
		"postgres chosen again for billing",
		"Billing service also standardizes on postgres relational storage.", nil)

	patterns, err := newEngine(idx).Mine(context.Background(), 30)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, types.PatternDecision, patterns[0].PatternType)
}

func TestTokenize(t *testing.T) {
	tokens := tokenize("The Postgres pool: retry-with-backoff, retry again!")
	assert.Equal(t, 2, tokens["retry"])
	assert.Equal(t, 1, tokens["postgres"])
	assert.Equal(t, 1, tokens["backoff"])
	_, hasStop := tokens["the"]
	assert.False(t, hasStop)
	_, hasShort := tokens["of"]
	assert.False(t, hasShort)
}

func TestCosineBounds(t *testing.T) {
	docs := []*document{
		{tokens: tokenize("postgres connection pooling latency")},
		{tokens: tokenize("postgres connection pooling latency")},
		{tokens: tokenize("css grid dashboard layout")},
	}
	weighTFIDF(docs)

	assert.InDelta(t, 1.0, cosine(docs[0], docs[1]), 0.001)
	assert.InDelta(t, 0.0, cosine(docs[0], docs[2]), 0.001)
}
