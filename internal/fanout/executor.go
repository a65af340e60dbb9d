// Package fanout dispatches independent completion subtasks
// concurrently and aggregates every outcome, successful or not.
package fanout

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/gambit/internal/provider"
)

// Subtask is one independent unit of work. Model overrides the
// executor's default model when set.
type Subtask struct {
	Name   string `json:"name"`
	Prompt string `json:"prompt"`
	Model  string `json:"model,omitempty"`
}

// Outcome captures one subtask's result. A failed subtask never cancels
// or blocks its siblings.
type Outcome struct {
	Name     string        `json:"name"`
	Result   string        `json:"result,omitempty"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Executor runs subtasks concurrently through a bounded worker pool.
type Executor struct {
	llm         provider.Completer
	model       string
	maxTokens   int
	temperature float64
	pool        chan struct{} // semaphore-based pool
	logger      *zap.Logger
}

// NewExecutor creates an executor with a bounded concurrency pool.
func NewExecutor(llm provider.Completer, model string, poolSize int, logger *zap.Logger) *Executor {
	if poolSize <= 0 {
		poolSize = 10
	}
	return &Executor{
		llm:       llm,
		model:     model,
		maxTokens: 2048,
		pool:      make(chan struct{}, poolSize),
		logger:    logger,
	}
}

// WithTemperature sets the sampling temperature for all subtasks.
func (e *Executor) WithTemperature(t float64) *Executor {
	e.temperature = t
	return e
}

// WithMaxTokens sets the per-subtask output limit.
func (e *Executor) WithMaxTokens(n int) *Executor {
	e.maxTokens = n
	return e
}

// Execute dispatches all subtasks and waits for every one of them.
// The returned slice preserves submission order: outcome i belongs to
// subtasks[i] regardless of completion order.
func (e *Executor) Execute(ctx context.Context, subtasks []Subtask) []Outcome {
	outcomes := make([]Outcome, len(subtasks))
	var wg sync.WaitGroup

	for i, st := range subtasks {
		wg.Add(1)
		go func(idx int, st Subtask) {
			defer wg.Done()
			e.pool <- struct{}{}        // acquire slot
			defer func() { <-e.pool }() // release slot

			outcomes[idx] = e.run(ctx, st)
		}(i, st)
	}

	wg.Wait()
	return outcomes
}

func (e *Executor) run(ctx context.Context, st Subtask) Outcome {
	start := time.Now()

	model := st.Model
	if model == "" {
		model = e.model
	}

	result, err := e.llm.Complete(ctx, &provider.ChatRequest{
		Model:       model,
		Messages:    []provider.Message{{Role: "user", Content: st.Prompt}},
		MaxTokens:   e.maxTokens,
		Temperature: e.temperature,
	})
	duration := time.Since(start)

	if err != nil {
		e.logger.Debug("subtask failed",
			zap.String("subtask", st.Name), zap.Error(err))
		return Outcome{
			Name:     st.Name,
			Success:  false,
			Error:    err.Error(),
			Duration: duration,
		}
	}

	return Outcome{
		Name:     st.Name,
		Result:   result,
		Success:  true,
		Duration: duration,
	}
}
