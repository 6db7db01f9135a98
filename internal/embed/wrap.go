package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/TobiSchelling/qapintel/internal/cache"
	"github.com/TobiSchelling/qapintel/internal/retry"
)

// Retrying retries failed Embed calls under a policy.
type Retrying struct {
	inner  Embedder
	policy retry.Policy
}

// WithRetry wraps e with policy p.
func WithRetry(e Embedder, p retry.Policy) *Retrying {
	return &Retrying{inner: e, policy: p}
}

func (r *Retrying) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	var out [][]float64
	_, err := r.policy.Do(ctx, func(ctx context.Context) error {
		v, err := r.inner.Embed(ctx, texts)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Cached memoizes vectors per (model, text). Only texts missing from the
// cache reach the inner embedder.
type Cached struct {
	inner Embedder
	cache cache.Cache
	model string
}

// WithCache wraps e. model scopes the cache keys so vectors from different
// models never mix.
func WithCache(e Embedder, c cache.Cache, model string) *Cached {
	return &Cached{inner: e, cache: c, model: model}
}

func (c *Cached) key(text string) string {
	sum := sha256.Sum256([]byte(c.model + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

func (c *Cached) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	var missing []string
	var missingIdx []int
	for i, t := range texts {
		blob, ok, err := c.cache.Get(ctx, c.key(t))
		if err != nil {
			return nil, fmt.Errorf("reading embedding cache: %w", err)
		}
		if ok {
			if v, err := DecodeVector(blob); err == nil {
				out[i] = v
				continue
			}
		}
		missing = append(missing, t)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	vecs, err := c.inner.Embed(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missing) {
		return nil, fmt.Errorf("embedding count mismatch: got %d, expected %d", len(vecs), len(missing))
	}
	for j, v := range vecs {
		out[missingIdx[j]] = v
		if err := c.cache.Set(ctx, c.key(missing[j]), EncodeVector(v)); err != nil {
			return nil, fmt.Errorf("writing embedding cache: %w", err)
		}
	}
	return out, nil
}
