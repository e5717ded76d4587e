package llm

import (
	"context"
	"errors"
)

// CaptionPrompt is sent with every image to the vision model.
const CaptionPrompt = "what does the image describe?"

var (
	// ErrEmptyCaption is returned when the model produced no usable caption.
	ErrEmptyCaption = errors.New("llm: empty caption")
	// ErrEmptyEmbedding is returned when the embedding response has no vectors.
	ErrEmptyEmbedding = errors.New("llm: empty embedding")
	// ErrEmbeddingUnsupported is returned by providers without an embeddings API.
	ErrEmbeddingUnsupported = errors.New("llm: embedding not supported by provider")
)

// Captioner describes an image in natural language.
type Captioner interface {
	// Caption returns the single best caption for img.
	Caption(ctx context.Context, img *Image) (string, error)
}

// Embedder maps texts to dense vectors.
type Embedder interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Provider is the interface all model backends implement.
type Provider interface {
	Captioner
	Embedder
	// Name returns the provider identifier (e.g. "anthropic", "openai").
	Name() string
}

// EmbedOne embeds a single text and returns its vector.
func EmbedOne(ctx context.Context, e Embedder, text string) ([]float32, error) {
	vecs, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil, ErrEmptyEmbedding
	}
	return vecs[0], nil
}
