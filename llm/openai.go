package llm

import (
	"context"
	"os"

	"github.com/m4xw311/acpbridge/errors"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// OpenAIModels lists models from the OpenAI API or a compatible endpoint.
type OpenAIModels struct {
	client *openai.Client
}

// NewOpenAIModels creates a lister authenticated with OPENAI_API_KEY. It
// also supports OPENAI_BASE_URL for custom API endpoints.
func NewOpenAIModels(opts ...option.RequestOption) (*OpenAIModels, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY environment variable not set")
	}
	options := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}
	// The SDK returns a value; the lister keeps a pointer to it.
	c := openai.NewClient(append(options, opts...)...)
	return &OpenAIModels{client: &c}, nil
}

func (o *OpenAIModels) Provider() string { return "openai" }

func (o *OpenAIModels) ListModels(ctx context.Context) ([]Model, error) {
	page, err := o.client.Models.List(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list OpenAI models")
	}
	// The models endpoint is not paginated.
	models := make([]Model, 0, len(page.Data))
	for _, m := range page.Data {
		models = append(models, Model{ID: m.ID, Name: m.ID, Provider: o.Provider()})
	}
	return models, nil
}
