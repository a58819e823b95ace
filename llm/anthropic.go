package llm

import (
	"context"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/m4xw311/acpbridge/errors"
)

// AnthropicModels lists models from the Anthropic API.
type AnthropicModels struct {
	client *anthropic.Client
}

// NewAnthropicModels creates a lister authenticated with ANTHROPIC_API_KEY.
// ANTHROPIC_BASE_URL overrides the endpoint.
func NewAnthropicModels(opts ...option.RequestOption) (*AnthropicModels, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY environment variable not set")
	}
	options := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := os.Getenv("ANTHROPIC_BASE_URL"); baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}
	client := anthropic.NewClient(append(options, opts...)...)
	return &AnthropicModels{client: &client}, nil
}

func (a *AnthropicModels) Provider() string { return "anthropic" }

func (a *AnthropicModels) ListModels(ctx context.Context) ([]Model, error) {
	page, err := a.client.Models.List(ctx, anthropic.ModelListParams{})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list Anthropic models")
	}
	var models []Model
	for page != nil {
		for _, m := range page.Data {
			models = append(models, Model{ID: m.ID, Name: m.DisplayName, Provider: a.Provider()})
		}
		if !page.HasMore {
			break
		}
		page, err = page.GetNextPage()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list Anthropic models")
		}
	}
	return models, nil
}
