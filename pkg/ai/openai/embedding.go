package openai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/ai"

	"github.com/openai/openai-go/v3"
)

const defaultDimensions = 1536

// GenerateEmbedding creates a vector embedding for input using the
// configured embedding model. Vectors are truncated or zero-padded to the
// configured dimension so they fit a fixed-width vector column.
func (c *GraphOpenAIClient) GenerateEmbedding(ctx context.Context, input string) ([]float32, error) {
	dim := c.embeddingDim
	if strings.TrimSpace(input) == "" {
		return make([]float32, dim), nil
	}
	if c.EmbeddingClient == nil {
		return nil, errNoClient
	}

	body := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: []string{input}},
		Model: c.embeddingModel,
	}

	start := time.Now()
	response, err := c.EmbeddingClient.Embeddings.New(ctx, body)
	if err != nil {
		return nil, err
	}
	c.modifyMetrics(ai.ModelMetrics{
		InputTokens: int(response.Usage.PromptTokens),
		TotalTokens: int(response.Usage.TotalTokens),
		DurationMs:  time.Since(start).Milliseconds(),
	})

	if len(response.Data) != 1 {
		return nil, fmt.Errorf("embedding response size mismatch: got %d want 1", len(response.Data))
	}
	return fitDimensions(response.Data[0].Embedding, dim), nil
}

func fitDimensions(values []float64, dim int) []float32 {
	vec := make([]float32, dim)
	for i := 0; i < dim && i < len(values); i++ {
		vec[i] = float32(values[i])
	}
	return vec
}
