package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/remedyops/remedy/internal/types"
)

// EmbeddingDim is the vector dimensionality for both embedding families, so
// stored vectors stay comparable within a family.
const EmbeddingDim = 1536

// Embedder produces a vector for a normalized failure signature.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Family() types.EmbeddingFamily
}

// RemoteEmbedder calls an OpenAI-compatible embeddings endpoint.
type RemoteEmbedder struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

// NewRemoteEmbedder creates a remote embedder against an OpenAI-compatible
// /v1/embeddings endpoint.
func NewRemoteEmbedder(endpoint, apiKey, model string) *RemoteEmbedder {
	return &RemoteEmbedder{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

// Family identifies vectors from this embedder as remote.
func (e *RemoteEmbedder) Family() types.EmbeddingFamily { return types.EmbeddingRemote }

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed requests one embedding vector for text.
func (e *RemoteEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embeddingRequest{Model: e.model, Input: []string{text}})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: embeddings endpoint returned 429", ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: embeddings endpoint returned %d", ErrUpstreamRejected, resp.StatusCode)
	}

	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(parsed.Data) == 0 || len(parsed.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("%w: empty embedding", ErrMalformedResponse)
	}
	return parsed.Data[0].Embedding, nil
}

// LocalEmbedder is the deterministic fallback when no remote endpoint is
// configured: hashed token frequencies, L2-normalized. Vectors from this
// family are never compared against remote ones.
type LocalEmbedder struct{}

// Family identifies vectors from this embedder as local.
func (LocalEmbedder) Family() types.EmbeddingFamily { return types.EmbeddingLocal }

// Embed produces a hashed bag-of-tokens vector for text. Never fails.
func (LocalEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, EmbeddingDim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		v[h.Sum32()%EmbeddingDim]++
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range v {
			v[i] *= inv
		}
	}
	return v, nil
}
