// Package llm lists the models a client can pick from and reports whether
// the credentials the backend agent needs are present. The bridge never
// calls a model itself; the agent does.
package llm

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/m4xw311/acpbridge/errors"
	"go.uber.org/zap"
)

// Model is one entry of models.list.
type Model struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider,omitempty"`
}

// ModelLister lists the models of one provider.
type ModelLister interface {
	Provider() string
	ListModels(ctx context.Context) ([]Model, error)
}

// NewModelLister returns the lister for the configured llm client. Providers
// whose credentials are missing fall back to a static list holding the
// configured model.
func NewModelLister(ctx context.Context, llmClient, model string, logger *zap.Logger) ModelLister {
	if logger == nil {
		logger = zap.NewNop()
	}
	static := NewStatic(llmClient, model)

	var (
		lister ModelLister
		err    error
	)
	switch llmClient {
	case "anthropic":
		lister, err = NewAnthropicModels()
	case "openai":
		lister, err = NewOpenAIModels()
	case "gemini":
		lister, err = NewGeminiModels(ctx)
	case "bedrock":
		return static
	case "", "mock":
		return static
	default:
		err = errors.New("unknown llm client '%s'", llmClient)
	}
	if err != nil {
		logger.Warn("model listing unavailable, using configured model", zap.String("llm", llmClient), zap.Error(err))
		return static
	}
	return NewCatalog(lister, static, 10*time.Minute, logger)
}

// Static lists a fixed set of models.
type Static struct {
	provider string
	models   []Model
}

func NewStatic(provider string, models ...string) *Static {
	s := &Static{provider: provider}
	for _, m := range models {
		if m != "" {
			s.models = append(s.models, Model{ID: m, Name: m, Provider: provider})
		}
	}
	return s
}

func (s *Static) Provider() string { return s.provider }

func (s *Static) ListModels(context.Context) ([]Model, error) {
	return append([]Model(nil), s.models...), nil
}

// Catalog caches a provider's model list and falls back to another lister
// when the provider cannot be reached.
type Catalog struct {
	primary  ModelLister
	fallback ModelLister
	ttl      time.Duration
	log      *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	models  []Model
	fetched time.Time
}

func NewCatalog(primary, fallback ModelLister, ttl time.Duration, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{primary: primary, fallback: fallback, ttl: ttl, log: logger, now: time.Now}
}

func (c *Catalog) Provider() string { return c.primary.Provider() }

func (c *Catalog) ListModels(ctx context.Context) ([]Model, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.models != nil && c.now().Sub(c.fetched) < c.ttl {
		return append([]Model(nil), c.models...), nil
	}
	models, err := c.primary.ListModels(ctx)
	if err != nil {
		c.log.Warn("listing models failed", zap.String("provider", c.primary.Provider()), zap.Error(err))
		if c.fallback == nil {
			return nil, err
		}
		return c.fallback.ListModels(ctx)
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	c.models = models
	c.fetched = c.now()
	return append([]Model(nil), models...), nil
}
