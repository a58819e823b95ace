package llm

import (
	"context"
	"os"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/m4xw311/acpbridge/errors"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GeminiModels lists models from the Google Gemini API.
type GeminiModels struct {
	client *genai.Client
}

// NewGeminiModels creates a lister authenticated with GEMINI_API_KEY, or
// GOOGLE_API_KEY when that is the one set.
func NewGeminiModels(ctx context.Context, opts ...option.ClientOption) (*GeminiModels, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("GOOGLE_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.New("GEMINI_API_KEY environment variable not set")
	}
	client, err := genai.NewClient(ctx, append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create genai client")
	}
	return &GeminiModels{client: client}, nil
}

func (g *GeminiModels) Provider() string { return "gemini" }

func (g *GeminiModels) ListModels(ctx context.Context) ([]Model, error) {
	var models []Model
	it := g.client.ListModels(ctx)
	for {
		m, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list Gemini models")
		}
		models = append(models, Model{
			ID:       strings.TrimPrefix(m.Name, "models/"),
			Name:     m.DisplayName,
			Provider: g.Provider(),
		})
	}
	return models, nil
}

// Close releases the underlying connection.
func (g *GeminiModels) Close() error { return g.client.Close() }
