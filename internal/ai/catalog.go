package ai

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/immergo/server/pkg/logger"
)

// catalogTTL is how long a fetched model list is served from cache. The
// catalog changes rarely and the endpoint backing it is rate limited.
const catalogTTL = time.Hour

// liveAction is the generation method that marks a model as usable for
// realtime bidirectional sessions.
const liveAction = "bidiGenerateContent"

// ModelInfo describes one model from the provider catalog.
type ModelInfo struct {
	Name             string   `json:"name"`
	DisplayName      string   `json:"displayName,omitempty"`
	Description      string   `json:"description,omitempty"`
	InputTokenLimit  int32    `json:"inputTokenLimit,omitempty"`
	OutputTokenLimit int32    `json:"outputTokenLimit,omitempty"`
	SupportedActions []string `json:"supportedActions,omitempty"`
	Live             bool     `json:"live"`
}

// Catalog lists the models available to the configured API key, cached
// with a TTL.
type Catalog struct {
	apiKey string
	logger *logger.Logger

	mu        sync.Mutex
	cached    []ModelInfo
	fetchedAt time.Time
}

// NewCatalog creates a model catalog backed by the Gemini API.
func NewCatalog(apiKey string, log *logger.Logger) *Catalog {
	return &Catalog{
		apiKey: apiKey,
		logger: log.Named("model-catalog"),
	}
}

// List returns the model catalog, fetching it when the cache is cold or
// stale. A stale cache is served as fallback when the fetch fails.
func (c *Catalog) List(ctx context.Context) ([]ModelInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil && time.Since(c.fetchedAt) < catalogTTL {
		return c.cached, nil
	}

	models, err := c.fetch(ctx)
	if err != nil {
		if c.cached != nil {
			c.logger.Warn("Model catalog refresh failed, serving stale cache", logger.Error(err))
			return c.cached, nil
		}
		return nil, err
	}

	c.cached = models
	c.fetchedAt = time.Now()
	return models, nil
}

func (c *Catalog) fetch(ctx context.Context) ([]ModelInfo, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("google api key is required to list models")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  c.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	var models []ModelInfo
	for model, err := range client.Models.All(ctx) {
		if err != nil {
			return nil, fmt.Errorf("failed to list models: %w", err)
		}
		info := ModelInfo{
			Name:             strings.TrimPrefix(model.Name, "models/"),
			DisplayName:      model.DisplayName,
			Description:      model.Description,
			InputTokenLimit:  model.InputTokenLimit,
			OutputTokenLimit: model.OutputTokenLimit,
			SupportedActions: model.SupportedActions,
		}
		for _, action := range model.SupportedActions {
			if action == liveAction {
				info.Live = true
				break
			}
		}
		models = append(models, info)
	}

	c.logger.Info("Fetched model catalog", logger.Int("count", len(models)))
	return models, nil
}
