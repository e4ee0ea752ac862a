package embedder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowkit/burrow/pkg/types"
)

const testDim = 4

// embedServer fakes the /api/embed protocol
func embedServer(t *testing.T, handler func(req embedRequest) (int, embedResponse)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embed", r.URL.Path)
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		status, resp := handler(req)
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(server.Close)
	return server
}

func constantVectors(req embedRequest) (int, embedResponse) {
	vecs := make([][]float32, len(req.Input))
	for i := range vecs {
		vecs[i] = []float32{1, 2, 3, 4}
	}
	return http.StatusOK, embedResponse{Embeddings: vecs}
}

func TestEmbed(t *testing.T) {
	server := embedServer(t, constantVectors)
	client := NewClient(server.URL, "test-model", testDim)

	vec, err := client.Embed(context.Background(), "some text")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, vec)
	assert.Equal(t, testDim, client.Dimension())
}

func TestEmbedBatch(t *testing.T) {
	server := embedServer(t, constantVectors)
	client := NewClient(server.URL, "test-model", testDim)

	vecs, err := client.EmbedBatch(context.Background(), []string{"one", "two", "three"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for _, vec := range vecs {
		assert.Len(t, vec, testDim)
	}
}

func TestLazyLoadProbesOnce(t *testing.T) {
	calls := 0
	server := embedServer(t, func(req embedRequest) (int, embedResponse) {
		calls++
		return constantVectors(req)
	})
	client := NewClient(server.URL, "test-model", testDim)

	// No network activity at construction.
	assert.Equal(t, 0, calls)

	_, err := client.Embed(context.Background(), "first")
	require.NoError(t, err)
	_, err = client.Embed(context.Background(), "second")
	require.NoError(t, err)

	// Warmup probe + two real calls.
	assert.Equal(t, 3, calls)
}

func TestServerUnreachableIsLoadError(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", "test-model", testDim)

	_, err := client.Embed(context.Background(), "text")
	require.Error(t, err)
	var ee *types.EmbeddingError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, types.EmbeddingLoad, ee.Kind)
}

func TestModelMissingIsLoadError(t *testing.T) {
	server := embedServer(t, func(req embedRequest) (int, embedResponse) {
		return http.StatusNotFound, embedResponse{Error: `model "test-model" not found, try pulling it first`}
	})
	client := NewClient(server.URL, "test-model", testDim)

	_, err := client.Embed(context.Background(), "text")
	var ee *types.EmbeddingError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, types.EmbeddingLoad, ee.Kind)
}

func TestOOMKind(t *testing.T) {
	probed := false
	server := embedServer(t, func(req embedRequest) (int, embedResponse) {
		if !probed {
			probed = true
			return constantVectors(req)
		}
		return http.StatusInternalServerError, embedResponse{Error: "model requires more system memory"}
	})
	client := NewClient(server.URL, "test-model", testDim)

	_, err := client.Embed(context.Background(), "text")
	var ee *types.EmbeddingError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, types.EmbeddingOOM, ee.Kind)
}

func TestDimensionMismatchRejected(t *testing.T) {
	server := embedServer(t, func(req embedRequest) (int, embedResponse) {
		vecs := make([][]float32, len(req.Input))
		for i := range vecs {
			vecs[i] = []float32{1, 2} // wrong dimension
		}
		return http.StatusOK, embedResponse{Embeddings: vecs}
	})
	client := NewClient(server.URL, "test-model", testDim)

	_, err := client.Embed(context.Background(), "text")
	require.Error(t, err)
	var ee *types.EmbeddingError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, types.EmbeddingLoad, ee.Kind)
}

func TestEmptyBatchIsNoop(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", "test-model", testDim)
	vecs, err := client.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
}
