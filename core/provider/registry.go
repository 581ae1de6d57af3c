package provider

import (
	"context"
	"sync"

	"github.com/mudler/LocalDesk/core/types"
	"github.com/mudler/LocalDesk/pkg/llm"
	"github.com/mudler/xlog"
)

// Registry resolves the active provider configuration and keeps a
// client instance cached until the configuration's update marker moves.
// This is the only place that branches on provider identity.
type Registry struct {
	mu        sync.Mutex
	store     types.ProviderConfigStore
	timeout   string
	clientFor func(cfg *types.ProviderConfig) llm.LLMClient

	cached *types.ProviderConfig
	client llm.LLMClient
}

type RegistryOption func(*Registry)

// WithClientFactory overrides how clients are built. Tests inject
// llm.MockClient through this.
func WithClientFactory(f func(cfg *types.ProviderConfig) llm.LLMClient) RegistryOption {
	return func(r *Registry) {
		r.clientFor = f
	}
}

func NewRegistry(store types.ProviderConfigStore, timeout string, opts ...RegistryOption) *Registry {
	r := &Registry{store: store, timeout: timeout}
	r.clientFor = func(cfg *types.ProviderConfig) llm.LLMClient {
		return llm.NewClient(cfg.APIKey, BaseURLFor(cfg), r.timeout)
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve returns the active configuration and a client for it. The
// cached client is reused unless the configuration changed since the
// last resolution, compared by id and update marker rather than by the
// secret itself.
func (r *Registry) Resolve(ctx context.Context) (*types.ProviderConfig, llm.LLMClient, error) {
	cfg, err := r.store.GetActive(ctx)
	if err != nil {
		return nil, nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cached == nil || r.cached.ID != cfg.ID || !r.cached.UpdatedAt.Equal(cfg.UpdatedAt) {
		xlog.Debug("Building provider client", "provider", cfg.Provider, "model", cfg.Model)
		r.client = r.clientFor(cfg)
	}
	r.cached = cfg

	return cfg, r.client, nil
}

// ReportHealth records the provider's health both in the store and on
// the cached copy.
func (r *Registry) ReportHealth(ctx context.Context, cfg *types.ProviderConfig, status types.HealthStatus) {
	if err := r.store.UpdateHealth(ctx, cfg.ID, status); err != nil {
		xlog.Error("Failed to update provider health", "provider", cfg.Provider, "error", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	cfg.HealthStatus = status
	if r.cached != nil && r.cached.ID == cfg.ID {
		r.cached.HealthStatus = status
	}
}

// Snapshot returns a copy of the last resolved configuration, for the
// admin health endpoint. May be nil before the first resolution.
func (r *Registry) Snapshot() *types.ProviderConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cached == nil {
		return nil
	}
	cp := *r.cached
	return &cp
}

// BaseURLFor maps a provider name onto its OpenAI-compatible endpoint.
// An explicit BaseURL on the configuration always wins, which is how
// self-hosted deployments point at LocalAI.
func BaseURLFor(cfg *types.ProviderConfig) string {
	if cfg.BaseURL != "" {
		return cfg.BaseURL
	}
	switch cfg.Provider {
	case "openai":
		return "https://api.openai.com/v1"
	case "gemini":
		return "https://generativelanguage.googleapis.com/v1beta/openai"
	case "anthropic":
		return "https://api.anthropic.com/v1"
	}
	return ""
}
