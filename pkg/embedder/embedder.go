package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/burrowkit/burrow/pkg/log"
	"github.com/burrowkit/burrow/pkg/types"
)

// Provider is the capability needed to vectorize text. Engines depend on
// this interface so tests can inject deterministic fakes.
type Provider interface {
	Dimension() int
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Client embeds text through a local embedding server speaking the
// Ollama-style /api/embed protocol. The model is probed lazily on first
// use; all failures surface as EmbeddingError so callers can degrade.
type Client struct {
	baseURL   string
	model     string
	dimension int
	http      *http.Client
	logger    zerolog.Logger

	loadOnce sync.Once
	loadErr  error
}

// NewClient creates an embedding client; no network activity happens until
// the first Embed call.
func NewClient(baseURL, model string, dimension int) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		model:     model,
		dimension: dimension,
		http:      &http.Client{Timeout: 60 * time.Second},
		logger:    log.WithComponent("embedder"),
	}
}

// Dimension returns the fixed vector dimension
func (c *Client) Dimension() int { return c.dimension }

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

// ensureLoaded performs the one-time model probe
func (c *Client) ensureLoaded(ctx context.Context) error {
	c.loadOnce.Do(func() {
		vecs, err := c.request(ctx, []string{"warmup"})
		if err != nil {
			c.loadErr = err
			return
		}
		if len(vecs) != 1 || len(vecs[0]) != c.dimension {
			c.loadErr = &types.EmbeddingError{
				Kind: types.EmbeddingLoad,
				Err:  fmt.Errorf("model %s produced dimension %d, want %d", c.model, len(vecs[0]), c.dimension),
			}
			return
		}
		c.logger.Debug().Str("model", c.model).Int("dimension", c.dimension).Msg("embedding model ready")
	})
	return c.loadErr
}

// Embed maps one text to a fixed-dimension vector
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch maps texts to vectors in one round-trip
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := c.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	vecs, err := c.request(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, &types.EmbeddingError{
			Kind: types.EmbeddingInference,
			Err:  fmt.Errorf("server returned %d vectors for %d inputs", len(vecs), len(texts)),
		}
	}
	for _, v := range vecs {
		if len(v) != c.dimension {
			return nil, &types.EmbeddingError{
				Kind: types.EmbeddingInference,
				Err:  fmt.Errorf("vector dimension %d, want %d", len(v), c.dimension),
			}
		}
	}
	return vecs, nil
}

func (c *Client) request(ctx context.Context, texts []string) ([][]float32, error) {
	payload, err := json.Marshal(embedRequest{Model: c.model, Input: texts})
	if err != nil {
		return nil, &types.EmbeddingError{Kind: types.EmbeddingInference, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embed", bytes.NewReader(payload))
	if err != nil {
		return nil, &types.EmbeddingError{Kind: types.EmbeddingInference, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &types.EmbeddingError{Kind: types.EmbeddingLoad, Err: fmt.Errorf("embedding server unreachable: %w", err)}
	}
	defer resp.Body.Close()

	var decoded embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, &types.EmbeddingError{Kind: types.EmbeddingInference, Err: fmt.Errorf("bad embed response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		kind := types.EmbeddingInference
		msg := decoded.Error
		if msg == "" {
			msg = resp.Status
		}
		lower := strings.ToLower(msg)
		switch {
		case strings.Contains(lower, "memory") || strings.Contains(lower, "oom"):
			kind = types.EmbeddingOOM
		case strings.Contains(lower, "not found") || strings.Contains(lower, "pull"):
			kind = types.EmbeddingLoad
		}
		return nil, &types.EmbeddingError{Kind: kind, Err: fmt.Errorf("embedding server: %s", msg)}
	}

	return decoded.Embeddings, nil
}

// Close releases the underlying HTTP connections
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}
