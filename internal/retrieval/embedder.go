package retrieval

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/memoir/internal/engine"
	"github.com/kalambet/memoir/internal/provider"
)

// ErrEmptyInput is returned when asked to embed blank text. No provider call
// is made in that case.
var ErrEmptyInput = errors.New("empty input")

// Embedder wraps an Engine to generate text embeddings. Vectors are cached by
// text when a cache size is given, so repeated questions skip the provider.
type Embedder struct {
	engine engine.Engine
	model  string
	cache  *lru.Cache[string, []float32]
}

// NewEmbedder creates an Embedder using the given Engine and model name.
// cacheSize <= 0 disables caching.
func NewEmbedder(e engine.Engine, model string, cacheSize int) *Embedder {
	emb := &Embedder{engine: e, model: model}
	if cacheSize > 0 {
		// lru.New only fails for a non-positive size.
		emb.cache, _ = lru.New[string, []float32](cacheSize)
	}
	return emb
}

// Model returns the embedding model name.
func (e *Embedder) Model() string { return e.model }

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}
	if e.cache != nil {
		if vec, ok := e.cache.Get(text); ok {
			return slices.Clone(vec), nil
		}
	}

	vec, err := e.engine.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	if len(vec) == 0 {
		return nil, provider.Malformed("embedder", "embed", "empty vector from model %s", e.model)
	}

	if e.cache != nil {
		e.cache.Add(text, slices.Clone(vec))
	}
	return vec, nil
}

// EmbedBatch returns embedding vectors for multiple texts concurrently.
// Returns nil (not error) for empty/nil input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.Embed(gCtx, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
