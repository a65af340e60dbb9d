package route

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/gambit/internal/provider"
)

// Complexity is a coarse task-difficulty tier.
type Complexity int

const (
	ComplexitySimple Complexity = iota
	ComplexityModerate
	ComplexityComplex
)

func (c Complexity) String() string {
	switch c {
	case ComplexitySimple:
		return "Simple"
	case ComplexityModerate:
		return "Moderate"
	case ComplexityComplex:
		return "Complex"
	default:
		return "Unknown"
	}
}

// ModelTiers maps complexity tiers to model identifiers.
type ModelTiers struct {
	Simple   string
	Moderate string
	Complex  string
}

// ModelRouter selects a model per input by assessed complexity. It has
// no handler registration; it only picks the model and completes.
type ModelRouter struct {
	llm                 provider.Completer
	classificationModel string
	tiers               ModelTiers
	logger              *zap.Logger
}

// NewModelRouter creates a complexity-based model selector.
func NewModelRouter(llm provider.Completer, classificationModel string, tiers ModelTiers, logger *zap.Logger) *ModelRouter {
	return &ModelRouter{
		llm:                 llm,
		classificationModel: classificationModel,
		tiers:               tiers,
		logger:              logger,
	}
}

// SelectModel maps a complexity tier to its configured model.
func (r *ModelRouter) SelectModel(c Complexity) string {
	switch c {
	case ComplexitySimple:
		return r.tiers.Simple
	case ComplexityComplex:
		return r.tiers.Complex
	default:
		return r.tiers.Moderate
	}
}

// RouteByComplexity assesses the input's complexity and completes it on
// the tier's model.
func (r *ModelRouter) RouteByComplexity(ctx context.Context, input string) (string, error) {
	complexity, err := r.AssessComplexity(ctx, input)
	if err != nil {
		return "", err
	}
	model := r.SelectModel(complexity)
	r.logger.Debug("routing by complexity",
		zap.Stringer("complexity", complexity),
		zap.String("model", model))

	return r.llm.Complete(ctx, &provider.ChatRequest{
		Model:     model,
		Messages:  []provider.Message{{Role: "user", Content: input}},
		MaxTokens: 4096,
	})
}

// AssessComplexity classifies the input into a tier. Anything the
// classifier does not clearly call Simple or Complex reads as Moderate.
func (r *ModelRouter) AssessComplexity(ctx context.Context, input string) (Complexity, error) {
	prompt := fmt.Sprintf(`Assess the complexity of this task on a scale:
- Simple: Factual lookup, simple formatting, basic questions
- Moderate: Analysis, summarization, code review
- Complex: Multi-step reasoning, creative writing, complex coding

Task: %s

Respond with just one word: Simple, Moderate, or Complex`, input)

	resp, err := r.llm.Complete(ctx, &provider.ChatRequest{
		Model:     r.classificationModel,
		Messages:  []provider.Message{{Role: "user", Content: prompt}},
		MaxTokens: 10,
	})
	if err != nil {
		return ComplexityModerate, err
	}

	switch strings.ToLower(strings.TrimSpace(resp)) {
	case "simple":
		return ComplexitySimple, nil
	case "complex":
		return ComplexityComplex, nil
	default:
		return ComplexityModerate, nil
	}
}
