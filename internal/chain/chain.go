// Package chain runs an ordered sequence of completion calls with
// programmatic checkpoints between steps.
package chain

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/gambit/internal/provider"
	"github.com/nidhogg/gambit/internal/trace"
)

// ErrValidation is returned when a step's validator rejects its output.
// The whole chain invocation fails; later steps never run.
var ErrValidation = fmt.Errorf("step validation failed")

// PromptFunc builds a step prompt from the accumulated context.
type PromptFunc func(ctx map[string]string) string

// TemplatePrompt builds a PromptFunc from a template with {key}
// placeholders resolved against the accumulated context.
func TemplatePrompt(template string) PromptFunc {
	return func(ctx map[string]string) string {
		out := template
		for k, v := range ctx {
			out = strings.ReplaceAll(out, "{"+k+"}", v)
		}
		return out
	}
}

// ValidatorFunc inspects a step's raw output. Returning false fails the
// whole chain.
type ValidatorFunc func(output string) bool

// ContainsValidator accepts output containing the given substring,
// case-insensitively.
func ContainsValidator(substr string) ValidatorFunc {
	return func(output string) bool {
		return strings.Contains(strings.ToLower(output), strings.ToLower(substr))
	}
}

// MinWordsValidator accepts output with at least n whitespace-separated
// words.
func MinWordsValidator(n int) ValidatorFunc {
	return func(output string) bool {
		return len(strings.Fields(output)) >= n
	}
}

// ProcessorFunc transforms a step's output before it is merged into the
// context under the step's name.
type ProcessorFunc func(output string) string

// Step is a single link in the chain.
type Step struct {
	Name     string
	Prompt   PromptFunc
	Validate ValidatorFunc
	Process  ProcessorFunc
}

// Executor runs steps in order against one accumulating context.
// Configure once, invoke many times; each Run owns its own state.
type Executor struct {
	llm       provider.Completer
	model     string
	maxTokens int
	steps     []Step
	logger    *zap.Logger
}

// New creates a chain executor.
func New(llm provider.Completer, model string, logger *zap.Logger) *Executor {
	return &Executor{
		llm:       llm,
		model:     model,
		maxTokens: 4096,
		logger:    logger,
	}
}

// AddStep appends a step to the chain.
func (e *Executor) AddStep(step Step) *Executor {
	e.steps = append(e.steps, step)
	return e
}

// Result holds the outcome of one chain invocation.
type Result struct {
	Output  string            `json:"output"`
	Context map[string]string `json:"context"`
	Steps   int               `json:"steps"`
	History []trace.Record    `json:"history"`
}

// Run executes every step in order. The first client error or rejected
// validation fails the invocation; there is no retry at this layer.
func (e *Executor) Run(ctx context.Context, initial map[string]string) (*Result, error) {
	values := make(map[string]string, len(initial))
	for k, v := range initial {
		values[k] = v
	}

	var history trace.History
	var output string

	for _, step := range e.steps {
		prompt := step.Prompt(values)

		resp, err := e.llm.Complete(ctx, &provider.ChatRequest{
			Model:     e.model,
			Messages:  []provider.Message{{Role: "user", Content: prompt}},
			MaxTokens: e.maxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("step %q: %w", step.Name, err)
		}
		output = resp

		if step.Validate != nil && !step.Validate(output) {
			return nil, fmt.Errorf("step %q: %w: output %q",
				step.Name, ErrValidation, trace.Truncate(output, 100))
		}

		merged := output
		if step.Process != nil {
			merged = step.Process(output)
		}
		values[step.Name] = merged

		history.Append(trace.Record{
			Kind:   trace.KindChainStep,
			Name:   step.Name,
			Result: output,
		})

		e.logger.Debug("chain step complete",
			zap.String("step", step.Name),
			zap.Int("output_len", len(output)))
	}

	return &Result{
		Output:  output,
		Context: values,
		Steps:   len(e.steps),
		History: history.Records(),
	}, nil
}
