package agent

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/gambit/internal/jsonx"
	"github.com/nidhogg/gambit/internal/provider"
	"github.com/nidhogg/gambit/internal/trace"
)

// action is the model's per-step decision on the wire. The reserved
// action "complete" ends the run; result carries the final answer.
type action struct {
	Thought string                 `json:"thought"`
	Action  string                 `json:"action"`
	Args    map[string]interface{} `json:"args"`
	Result  string                 `json:"result"`
}

// State is the loop's mutable run state, exposed to stop predicates.
type State struct {
	TotalSteps  int
	ToolCalls   int
	IsComplete  bool
	FinalResult string
	History     *trace.History
}

// StopFunc lets the caller halt the loop before a step spends a
// completion call.
type StopFunc func(*State) bool

// Result is the outcome of one agent run. Success false with a
// populated FinalResult means the step budget ran out; that is an
// incomplete result, not an error.
type Result struct {
	Success     bool           `json:"success"`
	FinalResult string         `json:"final_result"`
	TotalSteps  int            `json:"total_steps"`
	ToolCalls   int            `json:"tool_calls"`
	History     *trace.History `json:"history"`
}

// Agent drives the think-act loop against a completion service and a
// tool registry. One Agent value serves one run at a time.
type Agent struct {
	llm      provider.Completer
	model    string
	registry *ToolRegistry
	logger   *zap.Logger
}

// New creates an agent over the given tool registry. Tools must be
// registered before Run; the registry is read-only during a run.
func New(llm provider.Completer, model string, registry *ToolRegistry, logger *zap.Logger) *Agent {
	return &Agent{
		llm:      llm,
		model:    model,
		registry: registry,
		logger:   logger,
	}
}

// Run executes the task with a step budget and no extra stop condition.
func (a *Agent) Run(ctx context.Context, task string, maxSteps int) (*Result, error) {
	return a.RunWithStop(ctx, task, maxSteps, nil)
}

// RunWithStop executes the task, consulting shouldStop at the top of
// every step before any completion call is made.
func (a *Agent) RunWithStop(ctx context.Context, task string, maxSteps int, shouldStop StopFunc) (*Result, error) {
	if maxSteps <= 0 {
		return nil, fmt.Errorf("agent run requires a positive step budget")
	}

	state := &State{History: &trace.History{}}
	systemPrompt := a.buildSystemPrompt()
	conversation := []provider.Message{
		{Role: "user", Content: fmt.Sprintf("Task: %s", task)},
	}

	for state.TotalSteps < maxSteps && !state.IsComplete {
		state.TotalSteps++

		if shouldStop != nil && shouldStop(state) {
			break
		}

		resp, err := a.llm.Complete(ctx, &provider.ChatRequest{
			Model:     a.model,
			Messages:  conversation,
			System:    systemPrompt,
			MaxTokens: 2048,
		})
		if err != nil {
			return nil, fmt.Errorf("agent step %d: %w", state.TotalSteps, err)
		}

		conversation = a.processResponse(ctx, state, conversation, resp)
	}

	finalResult := state.FinalResult
	if finalResult == "" {
		finalResult = "Task not completed within step limit"
	}

	a.logger.Info("agent run finished",
		zap.Bool("complete", state.IsComplete),
		zap.Int("steps", state.TotalSteps),
		zap.Int("tool_calls", state.ToolCalls))

	return &Result{
		Success:     state.IsComplete,
		FinalResult: finalResult,
		TotalSteps:  state.TotalSteps,
		ToolCalls:   state.ToolCalls,
		History:     state.History,
	}, nil
}

func (a *Agent) buildSystemPrompt() string {
	return fmt.Sprintf(`You are an autonomous agent that can use tools to complete tasks.

Available tools:
%s

To use a tool, respond with JSON in this format:
{
    "thought": "Your reasoning about what to do next",
    "action": "tool_name",
    "args": { "param": "value" }
}

When you have completed the task, respond with:
{
    "thought": "Task is complete because...",
    "action": "complete",
    "result": "Your final answer"
}

Always think step by step and use tools to gather information before providing a final answer.`,
		a.registry.Describe())
}

// processResponse interprets one model turn and returns the extended
// conversation. Unreadable or off-protocol turns get a corrective user
// message instead of failing the run.
func (a *Agent) processResponse(ctx context.Context, state *State, conversation []provider.Message, resp string) []provider.Message {
	var act action
	if err := jsonx.UnmarshalObject(resp, &act); err != nil {
		return a.handleTextResponse(state, conversation, resp)
	}

	if act.Thought != "" {
		state.History.Append(trace.Record{
			Kind:    trace.KindThought,
			Thought: act.Thought,
		})
	}

	if strings.ToLower(act.Action) == "complete" {
		state.IsComplete = true
		state.FinalResult = act.Result
		if state.FinalResult == "" {
			state.FinalResult = resp
		}
		return conversation
	}

	tool, ok := a.registry.Get(act.Action)
	if !ok {
		// Let the model self-correct on the next turn.
		return append(conversation,
			provider.Message{Role: "assistant", Content: resp},
			provider.Message{Role: "user", Content: fmt.Sprintf(
				"Unknown action: %s. Available tools: %s",
				act.Action, strings.Join(a.registry.Names(), ", "))},
		)
	}

	state.ToolCalls++
	args := act.Args
	if args == nil {
		args = make(map[string]interface{})
	}

	toolResult, err := tool.Execute(ctx, args)
	if err != nil {
		// Tool failures go back to the model as text, never abort
		// the loop.
		toolResult = fmt.Sprintf("Error: %s", err.Error())
	}

	state.History.Append(trace.Record{
		Kind:   trace.KindToolCall,
		Name:   act.Action,
		Args:   args,
		Result: toolResult,
	})

	return append(conversation,
		provider.Message{Role: "assistant", Content: resp},
		provider.Message{Role: "user", Content: fmt.Sprintf("Tool result: %s", toolResult)},
	)
}

func (a *Agent) handleTextResponse(state *State, conversation []provider.Message, resp string) []provider.Message {
	state.History.Append(trace.Record{
		Kind:    trace.KindTextResponse,
		Thought: trace.Truncate(resp, 200),
	})
	return append(conversation,
		provider.Message{Role: "assistant", Content: resp},
		provider.Message{Role: "user", Content: "Please respond with a JSON action or mark the task as complete."},
	)
}
