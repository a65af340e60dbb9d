// Package taskgraph decomposes a task into a dependency graph of typed
// subtasks, executes it in topological waves through registered
// workers, and synthesizes one final result.
package taskgraph

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/gambit/internal/jsonx"
	"github.com/nidhogg/gambit/internal/provider"
	"github.com/nidhogg/gambit/internal/trace"
)

// NodeResult is one node's execution record. A node whose dependency
// failed still runs; it just sees an absent dependency result.
type NodeResult struct {
	NodeID   string        `json:"node_id"`
	Result   string        `json:"result,omitempty"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Result is the aggregated outcome of one orchestration.
type Result struct {
	FinalResult string         `json:"final_result"`
	Nodes       []Node         `json:"nodes"`
	NodeResults []NodeResult   `json:"node_results"`
	History     *trace.History `json:"history"`
}

// Orchestrator plans a task graph with one completion call, delegates
// nodes to capability-tagged workers, and merges the outputs.
type Orchestrator struct {
	llm     provider.Completer
	model   string
	workers map[string]Worker
	pool    chan struct{} // bounds concurrent node execution
	logger  *zap.Logger
}

// New creates an orchestrator. poolSize bounds how many sibling nodes
// run at once; values <= 0 fall back to 10.
func New(llm provider.Completer, model string, poolSize int, logger *zap.Logger) *Orchestrator {
	if poolSize <= 0 {
		poolSize = 10
	}
	return &Orchestrator{
		llm:     llm,
		model:   model,
		workers: make(map[string]Worker),
		pool:    make(chan struct{}, poolSize),
		logger:  logger,
	}
}

// RegisterWorker adds a worker under its capability tag. Registration
// must finish before Execute is called; the worker table is read-only
// during a run.
func (o *Orchestrator) RegisterWorker(w Worker) *Orchestrator {
	o.workers[w.Capability()] = w
	return o
}

// Execute decomposes the task, runs every node in dependency order, and
// synthesizes a final result. A cycle in the planned graph fails the
// whole run before any node executes. Individual node failures do not
// halt independent nodes.
func (o *Orchestrator) Execute(ctx context.Context, task string) (*Result, error) {
	history := &trace.History{}

	nodes, err := o.decompose(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("decompose task: %w", err)
	}
	o.logger.Info("decomposed task",
		zap.Int("nodes", len(nodes)))

	sorted, err := topoSort(nodes)
	if err != nil {
		return nil, err
	}

	results := make(map[string]string, len(sorted))
	nodeResults := make([]NodeResult, 0, len(sorted))
	var mu sync.Mutex

	for _, wave := range levels(sorted) {
		var wg sync.WaitGroup
		waveResults := make([]NodeResult, len(wave))

		for i, node := range wave {
			wg.Add(1)
			go func(idx int, n Node) {
				defer wg.Done()
				o.pool <- struct{}{}
				defer func() { <-o.pool }()

				deps := make(map[string]string, len(n.Dependencies))
				mu.Lock()
				for _, dep := range n.Dependencies {
					if r, ok := results[dep]; ok {
						deps[dep] = r
					}
				}
				mu.Unlock()

				waveResults[idx] = o.runNode(ctx, n, deps)
			}(i, node)
		}
		wg.Wait()

		for _, nr := range waveResults {
			if nr.Success {
				mu.Lock()
				results[nr.NodeID] = nr.Result
				mu.Unlock()
			}
			nodeResults = append(nodeResults, nr)
			history.Append(trace.Record{
				Kind:   trace.KindNode,
				Name:   nr.NodeID,
				Result: nr.Result,
			})
		}
	}

	final, err := o.synthesize(ctx, task, sorted, results)
	if err != nil {
		return nil, fmt.Errorf("synthesize results: %w", err)
	}

	return &Result{
		FinalResult: final,
		Nodes:       nodes,
		NodeResults: nodeResults,
		History:     history,
	}, nil
}

func (o *Orchestrator) runNode(ctx context.Context, n Node, deps map[string]string) NodeResult {
	start := time.Now()

	worker, ok := o.workers[n.WorkerType]
	if !ok {
		// Generic stand-in parameterized by the capability tag.
		worker = NewLLMWorker(o.llm, n.WorkerType,
			fmt.Sprintf("You are a %s specialist.", n.WorkerType), o.model)
	}

	out, err := worker.Execute(ctx, &n, deps)
	if err != nil {
		o.logger.Warn("node failed",
			zap.String("node", n.ID), zap.Error(err))
		return NodeResult{
			NodeID:   n.ID,
			Success:  false,
			Error:    err.Error(),
			Duration: time.Since(start),
		}
	}
	return NodeResult{
		NodeID:   n.ID,
		Result:   out,
		Success:  true,
		Duration: time.Since(start),
	}
}

func (o *Orchestrator) decompose(ctx context.Context, task string) ([]Node, error) {
	capabilities := make([]string, 0, len(o.workers))
	for tag := range o.workers {
		capabilities = append(capabilities, tag)
	}
	sort.Strings(capabilities)

	prompt := fmt.Sprintf(`Break down this task into subtasks that can be delegated to specialized workers.

Task: %s

Available worker types: %s

Respond with JSON array of subtasks:
[
  {
    "id": "subtask_1",
    "description": "What needs to be done",
    "worker_type": "worker_type",
    "dependencies": []
  },
  {
    "id": "subtask_2",
    "description": "Another task",
    "worker_type": "worker_type",
    "dependencies": ["subtask_1"]
  }
]

Only include the JSON array, no other text.`, task, strings.Join(capabilities, ", "))

	resp, err := o.llm.Complete(ctx, &provider.ChatRequest{
		Model:     o.model,
		Messages:  []provider.Message{{Role: "user", Content: prompt}},
		MaxTokens: 2048,
	})
	if err != nil {
		return nil, err
	}

	var nodes []Node
	if err := jsonx.UnmarshalArray(resp, &nodes); err != nil {
		// Degraded mode: the whole task becomes one node under an
		// arbitrary registered capability.
		o.logger.Warn("unparseable task graph, falling back to single node",
			zap.Error(err))
		capability := "general"
		if len(capabilities) > 0 {
			capability = capabilities[0]
		}
		return []Node{{
			ID:           "main",
			Description:  task,
			WorkerType:   capability,
			Dependencies: []string{},
		}}, nil
	}
	return nodes, nil
}

func (o *Orchestrator) synthesize(ctx context.Context, task string, sorted []Node, results map[string]string) (string, error) {
	var parts []string
	for _, n := range sorted {
		if r, ok := results[n.ID]; ok {
			parts = append(parts, fmt.Sprintf("### %s\n%s", n.ID, r))
		}
	}

	prompt := fmt.Sprintf(`Synthesize these subtask results into a cohesive final result.

Original Task: %s

Subtask Results:
%s

Provide a well-organized final result that addresses the original task:`, task, strings.Join(parts, "\n\n"))

	return o.llm.Complete(ctx, &provider.ChatRequest{
		Model:     o.model,
		Messages:  []provider.Message{{Role: "user", Content: prompt}},
		MaxTokens: 4096,
	})
}
