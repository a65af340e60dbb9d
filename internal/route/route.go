// Package route classifies inputs with a completion call and
// dispatches them to registered handlers.
package route

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/gambit/internal/jsonx"
	"github.com/nidhogg/gambit/internal/provider"
)

var (
	// ErrLowConfidence reports a classification below the caller's
	// threshold with no fallback handler registered.
	ErrLowConfidence = errors.New("classification confidence below threshold")
	// ErrNoHandler reports a classified category with no registered
	// handler and no fallback.
	ErrNoHandler = errors.New("no handler for category")
)

// Classification is the classifier's structured verdict.
type Classification struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Handler processes an input routed to its category.
type Handler[T any] interface {
	Handle(ctx context.Context, input string) (T, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc[T any] func(ctx context.Context, input string) (T, error)

func (f HandlerFunc[T]) Handle(ctx context.Context, input string) (T, error) {
	return f(ctx, input)
}

// Route binds a category and its prompt-facing description to a
// handler.
type Route[T any] struct {
	Category    string
	Description string
	Handler     Handler[T]
}

// Router dispatches inputs to category handlers chosen by an LLM
// classifier. Routes are registered once and read-only during routing.
type Router[T any] struct {
	llm      provider.Completer
	model    string
	routes   map[string]Route[T]
	order    []string // registration order, for the prompt
	fallback Handler[T]
	logger   *zap.Logger
}

// NewRouter creates a router that classifies with the given model.
func NewRouter[T any](llm provider.Completer, model string, logger *zap.Logger) *Router[T] {
	return &Router[T]{
		llm:    llm,
		model:  model,
		routes: make(map[string]Route[T]),
		logger: logger,
	}
}

// AddRoute registers a route under its category.
func (r *Router[T]) AddRoute(route Route[T]) *Router[T] {
	if _, seen := r.routes[route.Category]; !seen {
		r.order = append(r.order, route.Category)
	}
	r.routes[route.Category] = route
	return r
}

// SetFallback registers the handler used when classification confidence
// is too low or names an unknown category.
func (r *Router[T]) SetFallback(h Handler[T]) *Router[T] {
	r.fallback = h
	return r
}

// Route classifies the input and dispatches it. Below-threshold
// confidence or an unregistered category go to the fallback when one is
// set; otherwise the call fails with ErrLowConfidence or ErrNoHandler.
// The classification is returned alongside the result either way.
func (r *Router[T]) Route(ctx context.Context, input string, confidenceThreshold float64) (T, *Classification, error) {
	var zero T

	classification, err := r.Classify(ctx, input)
	if err != nil {
		return zero, nil, fmt.Errorf("classify input: %w", err)
	}
	r.logger.Debug("classified input",
		zap.String("category", classification.Category),
		zap.Float64("confidence", classification.Confidence))

	if classification.Confidence < confidenceThreshold {
		if r.fallback != nil {
			result, err := r.fallback.Handle(ctx, input)
			return result, classification, err
		}
		return zero, classification, fmt.Errorf("%w: %.2f", ErrLowConfidence, classification.Confidence)
	}

	route, ok := r.routes[classification.Category]
	if !ok {
		if r.fallback != nil {
			result, err := r.fallback.Handle(ctx, input)
			return result, classification, err
		}
		return zero, classification, fmt.Errorf("%w: %s", ErrNoHandler, classification.Category)
	}

	result, err := route.Handler.Handle(ctx, input)
	return result, classification, err
}

// Classify runs the classification call without dispatching. An
// undecodable response degrades to confidence 0.5 rather than failing.
func (r *Router[T]) Classify(ctx context.Context, input string) (*Classification, error) {
	categories := make([]string, 0, len(r.order))
	for _, cat := range r.order {
		categories = append(categories, fmt.Sprintf("- %s: %s", cat, r.routes[cat].Description))
	}
	sort.Strings(categories)

	prompt := fmt.Sprintf(`Classify the following input into one of these categories:
%s

Input: %s

Respond with JSON in this exact format:
{
    "category": "<category_name>",
    "confidence": <0.0-1.0>,
    "reasoning": "<brief explanation>"
}`, strings.Join(categories, "\n"), input)

	resp, err := r.llm.Complete(ctx, &provider.ChatRequest{
		Model:     r.model,
		Messages:  []provider.Message{{Role: "user", Content: prompt}},
		MaxTokens: 256,
	})
	if err != nil {
		return nil, err
	}

	var decoded struct {
		Category   string   `json:"category"`
		Confidence *float64 `json:"confidence"`
		Reasoning  string   `json:"reasoning"`
	}
	classification := &Classification{Confidence: 0.5}
	if err := jsonx.UnmarshalObject(resp, &decoded); err != nil {
		r.logger.Warn("unparseable classification, using defaults", zap.Error(err))
		return classification, nil
	}
	classification.Category = decoded.Category
	classification.Reasoning = decoded.Reasoning
	if decoded.Confidence != nil {
		classification.Confidence = *decoded.Confidence
	}
	return classification, nil
}
