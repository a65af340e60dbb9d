package fanout

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/nidhogg/gambit/internal/provider"
)

// Check is one independent boolean policy check. Prompt may contain the
// {input} placeholder, substituted with the guarded input. Model
// overrides the coordinator's check model when set.
type Check struct {
	Name   string `json:"name"`
	Prompt string `json:"prompt"`
	Model  string `json:"model,omitempty"`
}

// CheckResult records one check's verdict.
type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
}

// GuardedResult is the outcome of a guardrailed execution. When any
// check fails the primary result is withheld: Result is nil, not merely
// flagged. A blocked outcome is not an error.
type GuardedResult struct {
	Result        *string       `json:"result"`
	Blocked       bool          `json:"blocked"`
	Checks        []CheckResult `json:"checks"`
	FailingChecks []string      `json:"failing_checks,omitempty"`
}

// Guardrail races one primary task against independent policy checks
// and releases the primary's output only if every check passes.
type Guardrail struct {
	llm        provider.Completer
	taskModel  string
	checkModel string
	logger     *zap.Logger
}

// NewGuardrail creates a guardrail coordinator. Checks run on
// checkModel, typically a cheaper model than the primary task's.
func NewGuardrail(llm provider.Completer, taskModel, checkModel string, logger *zap.Logger) *Guardrail {
	return &Guardrail{
		llm:        llm,
		taskModel:  taskModel,
		checkModel: checkModel,
		logger:     logger,
	}
}

// Execute runs the primary task concurrently with every check. The
// primary always runs to completion, even when a check has already
// failed, so the audit trail stays intact; its output is simply never
// surfaced. A primary transport error is returned as an error.
func (g *Guardrail) Execute(ctx context.Context, input, taskPrompt string, checks []Check) (*GuardedResult, error) {
	var wg sync.WaitGroup
	var mainResult string
	var mainErr error
	checkResults := make([]CheckResult, len(checks))

	wg.Add(1)
	go func() {
		defer wg.Done()
		mainResult, mainErr = g.llm.Complete(ctx, &provider.ChatRequest{
			Model:     g.taskModel,
			Messages:  []provider.Message{{Role: "user", Content: taskPrompt}},
			MaxTokens: 4096,
		})
	}()

	for i, check := range checks {
		wg.Add(1)
		go func(idx int, c Check) {
			defer wg.Done()
			checkResults[idx] = g.runCheck(ctx, input, c, idx)
		}(i, check)
	}

	wg.Wait()

	if mainErr != nil {
		return nil, fmt.Errorf("primary task: %w", mainErr)
	}

	allPassed := true
	var failing []string
	for _, cr := range checkResults {
		if !cr.Passed {
			allPassed = false
			failing = append(failing, cr.Name)
		}
	}

	res := &GuardedResult{
		Blocked:       !allPassed,
		Checks:        checkResults,
		FailingChecks: failing,
	}
	if allPassed {
		res.Result = &mainResult
	} else {
		g.logger.Info("guardrail blocked result",
			zap.Strings("failing_checks", failing))
	}
	return res, nil
}

func (g *Guardrail) runCheck(ctx context.Context, input string, c Check, idx int) CheckResult {
	name := c.Name
	if name == "" {
		name = fmt.Sprintf("guardrail_%d", idx)
	}
	model := c.Model
	if model == "" {
		model = g.checkModel
	}

	prompt := strings.ReplaceAll(c.Prompt, "{input}", input) +
		"\n\nRespond with only 'PASS' or 'FAIL'."
	resp, err := g.llm.Complete(ctx, &provider.ChatRequest{
		Model:     model,
		Messages:  []provider.Message{{Role: "user", Content: prompt}},
		MaxTokens: 10,
	})

	// A check that errors fails closed.
	passed := err == nil && strings.Contains(strings.ToUpper(resp), "PASS")
	return CheckResult{Name: name, Passed: passed}
}
