package embed

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const geminiBatchSize = 100

// GeminiEmbedder generates embeddings with the Gemini embedding API.
type GeminiEmbedder struct {
	client *genai.Client
	model  *genai.EmbeddingModel
}

// NewGeminiEmbedder creates a client for the given embedding model.
func NewGeminiEmbedder(ctx context.Context, apiKey, model string) (*GeminiEmbedder, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	em := client.EmbeddingModel(model)
	em.TaskType = genai.TaskTypeRetrievalDocument
	return &GeminiEmbedder{client: client, model: em}, nil
}

// Embed embeds texts in batches of up to 100.
func (g *GeminiEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, 0, len(texts))
	for i := 0; i < len(texts); i += geminiBatchSize {
		end := min(i+geminiBatchSize, len(texts))
		batch := g.model.NewBatch()
		for _, t := range texts[i:end] {
			batch.AddContent(genai.Text(t))
		}

		res, err := g.model.BatchEmbedContents(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("gemini embed: %w", err)
		}
		if len(res.Embeddings) != end-i {
			return nil, fmt.Errorf("embedding count mismatch: got %d, expected %d", len(res.Embeddings), end-i)
		}
		for _, e := range res.Embeddings {
			v := make([]float64, len(e.Values))
			for j, f := range e.Values {
				v[j] = float64(f)
			}
			out = append(out, v)
		}
	}
	return out, nil
}

// Close releases the client.
func (g *GeminiEmbedder) Close() error {
	return g.client.Close()
}
