package provider

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Router manages multiple LLM providers and routes completion requests.
// A single Router is safe to share across concurrent strategy executions;
// registration is expected to happen before serving begins.
type Router struct {
	providers map[string]Provider
	bindings  map[string]string   // strategy name -> providerID
	fallbacks map[string][]string // strategy name -> fallback provider chain
	defaults  string              // default provider ID
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewRouter creates a new provider router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		providers: make(map[string]Provider),
		bindings:  make(map[string]string),
		fallbacks: make(map[string][]string),
		logger:    logger,
	}
}

// Register adds a provider to the router.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	if r.defaults == "" {
		r.defaults = p.ID()
	}
	r.logger.Info("registered provider", zap.String("id", p.ID()), zap.String("name", p.Name()))
}

// SetDefault sets the default provider.
func (r *Router) SetDefault(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = providerID
}

// DefaultID returns the current default provider ID.
func (r *Router) DefaultID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults
}

// Bind associates a strategy with a specific provider.
func (r *Router) Bind(strategy, providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[strategy] = providerID
}

// SetFallbacks configures fallback providers for a strategy.
func (r *Router) SetFallbacks(strategy string, providerIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[strategy] = providerIDs
}

// Route sends a chat request through the provider bound to the strategy,
// trying configured fallbacks when the primary fails.
func (r *Router) Route(ctx context.Context, strategy string, req *ChatRequest) (*ChatResponse, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	primary := r.getProvider(strategy)
	if primary == nil {
		return nil, fmt.Errorf("no provider available for strategy %s", strategy)
	}

	resp, err := primary.Chat(ctx, req)
	if err == nil {
		return resp, nil
	}
	r.logger.Warn("primary provider failed, trying fallbacks",
		zap.String("strategy", strategy), zap.Error(err))

	for _, fbID := range r.fallbacks[strategy] {
		fb, ok := r.providers[fbID]
		if !ok {
			continue
		}
		resp, err = fb.Chat(ctx, req)
		if err == nil {
			return resp, nil
		}
		r.logger.Warn("fallback provider failed", zap.String("provider", fbID), zap.Error(err))
	}

	return nil, fmt.Errorf("all providers failed for strategy %s: %w", strategy, err)
}

// Complete implements Completer via the default provider binding.
func (r *Router) Complete(ctx context.Context, req *ChatRequest) (string, error) {
	resp, err := r.Route(ctx, "", req)
	if err != nil {
		return "", err
	}
	if resp.Content == "" {
		return "", fmt.Errorf("no text content in response")
	}
	return resp.Content, nil
}

// Named returns a Completer bound to the given strategy name, so each
// strategy can route through its own provider binding and fallbacks.
func (r *Router) Named(strategy string) Completer {
	return &namedCompleter{router: r, strategy: strategy}
}

type namedCompleter struct {
	router   *Router
	strategy string
}

func (c *namedCompleter) Complete(ctx context.Context, req *ChatRequest) (string, error) {
	resp, err := c.router.Route(ctx, c.strategy, req)
	if err != nil {
		return "", err
	}
	if resp.Content == "" {
		return "", fmt.Errorf("no text content in response")
	}
	return resp.Content, nil
}

func (r *Router) getProvider(strategy string) Provider {
	if pid, ok := r.bindings[strategy]; ok {
		if p, ok := r.providers[pid]; ok {
			return p
		}
	}
	if p, ok := r.providers[r.defaults]; ok {
		return p
	}
	return nil
}

// GetProvider returns a provider by ID.
func (r *Router) GetProvider(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// ListProviders returns all registered providers.
func (r *Router) ListProviders() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		result = append(result, p)
	}
	return result
}
