// Package embed turns text into vectors for corpus search.
package embed

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

// Embedder is the interface for generating embeddings.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// Options selects and configures an embedder.
type Options struct {
	Provider   string
	Model      string
	BaseURL    string
	APIKey     string
	Dimensions int
}

// New creates the embedder named by opts.Provider: hash (default), ollama,
// or gemini.
func New(ctx context.Context, opts Options) (Embedder, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Provider)) {
	case "", "hash":
		return NewHashEmbedder(opts.Dimensions), nil
	case "ollama":
		model := opts.Model
		if model == "" {
			model = "nomic-embed-text"
		}
		baseURL := opts.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		return NewOllamaEmbedder(model, baseURL), nil
	case "gemini":
		if opts.APIKey == "" {
			return nil, fmt.Errorf("gemini embedder requires an API key")
		}
		model := opts.Model
		if model == "" {
			model = "text-embedding-004"
		}
		return NewGeminiEmbedder(ctx, opts.APIKey, model)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", opts.Provider)
	}
}

// Cosine returns the cosine similarity of a and b, or 0 when either is zero
// or their lengths differ.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// EncodeVector packs a vector as little-endian float32 values.
func EncodeVector(v []float64) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(float32(f)))
	}
	return buf
}

// DecodeVector unpacks a vector written by EncodeVector.
func DecodeVector(b []byte) ([]float64, error) {
	if len(b)%4 != 0 {
		return nil, errors.New("vector blob length is not a multiple of 4")
	}
	v := make([]float64, len(b)/4)
	for i := range v {
		v[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:])))
	}
	return v, nil
}
