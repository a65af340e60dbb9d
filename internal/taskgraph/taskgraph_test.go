package taskgraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/gambit/internal/provider"
)

// graphLLM returns a fixed decomposition for the planning prompt and a
// canned answer for everything else.
type graphLLM struct {
	mu        sync.Mutex
	graphJSON string
	calls     []string
}

func (g *graphLLM) Complete(_ context.Context, req *provider.ChatRequest) (string, error) {
	prompt := req.Messages[len(req.Messages)-1].Content
	g.mu.Lock()
	g.calls = append(g.calls, prompt)
	g.mu.Unlock()
	if strings.Contains(prompt, "Break down this task") {
		return g.graphJSON, nil
	}
	if strings.Contains(prompt, "Synthesize these subtask results") {
		return "synthesized", nil
	}
	return "worker output", nil
}

// recordingWorker notes execution order so dependency ordering can be
// asserted.
type recordingWorker struct {
	capability string
	mu         *sync.Mutex
	order      *[]string
	fail       map[string]bool
}

func (w *recordingWorker) Capability() string { return w.capability }

func (w *recordingWorker) Execute(_ context.Context, node *Node, deps map[string]string) (string, error) {
	w.mu.Lock()
	*w.order = append(*w.order, node.ID)
	w.mu.Unlock()
	if w.fail[node.ID] {
		return "", errors.New("worker exploded")
	}
	return "done:" + node.ID, nil
}

func TestExecuteRespectsDependencyOrder(t *testing.T) {
	llm := &graphLLM{graphJSON: `[
		{"id":"a","description":"first","worker_type":"w","dependencies":[]},
		{"id":"b","description":"second","worker_type":"w","dependencies":["a"]},
		{"id":"c","description":"third","worker_type":"w","dependencies":["a"]},
		{"id":"d","description":"fourth","worker_type":"w","dependencies":["b","c"]}
	]`}

	var mu sync.Mutex
	var order []string
	o := New(llm, "test-model", 4, zap.NewNop())
	o.RegisterWorker(&recordingWorker{capability: "w", mu: &mu, order: &order})

	res, err := o.Execute(context.Background(), "do the thing")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.FinalResult != "synthesized" {
		t.Errorf("final result = %q", res.FinalResult)
	}

	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	deps := map[string][]string{"b": {"a"}, "c": {"a"}, "d": {"b", "c"}}
	for id, dd := range deps {
		for _, dep := range dd {
			if pos[id] <= pos[dep] {
				t.Errorf("node %s ran at %d before its dependency %s at %d",
					id, pos[id], dep, pos[dep])
			}
		}
	}
}

func TestExecuteFailsOnCycleBeforeAnyNodeRuns(t *testing.T) {
	llm := &graphLLM{graphJSON: `[
		{"id":"a","description":"x","worker_type":"w","dependencies":["b"]},
		{"id":"b","description":"y","worker_type":"w","dependencies":["a"]}
	]`}

	var mu sync.Mutex
	var order []string
	o := New(llm, "test-model", 4, zap.NewNop())
	o.RegisterWorker(&recordingWorker{capability: "w", mu: &mu, order: &order})

	_, err := o.Execute(context.Background(), "do the thing")
	if err == nil {
		t.Fatal("expected circular dependency error")
	}
	if !strings.Contains(err.Error(), "circular dependency") {
		t.Errorf("error = %v, want circular dependency", err)
	}
	if len(order) != 0 {
		t.Errorf("nodes executed despite cycle: %v", order)
	}
}

func TestExecuteNodeFailureDoesNotHaltIndependents(t *testing.T) {
	llm := &graphLLM{graphJSON: `[
		{"id":"a","description":"x","worker_type":"w","dependencies":[]},
		{"id":"b","description":"y","worker_type":"w","dependencies":[]},
		{"id":"c","description":"z","worker_type":"w","dependencies":["a"]}
	]`}

	var mu sync.Mutex
	var order []string
	o := New(llm, "test-model", 4, zap.NewNop())
	o.RegisterWorker(&recordingWorker{
		capability: "w", mu: &mu, order: &order,
		fail: map[string]bool{"a": true},
	})

	res, err := o.Execute(context.Background(), "do the thing")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	byID := map[string]NodeResult{}
	for _, nr := range res.NodeResults {
		byID[nr.NodeID] = nr
	}
	if byID["a"].Success {
		t.Error("node a should have failed")
	}
	if !byID["b"].Success {
		t.Error("independent node b should have succeeded")
	}
	// c still ran; its dependency result was simply absent.
	if _, ran := byID["c"]; !ran {
		t.Error("dependent node c never executed")
	}
}

func TestDecomposeFallsBackToSingleNode(t *testing.T) {
	llm := &graphLLM{graphJSON: "I cannot answer in JSON, sorry."}

	var mu sync.Mutex
	var order []string
	o := New(llm, "test-model", 4, zap.NewNop())
	o.RegisterWorker(&recordingWorker{capability: "analyst", mu: &mu, order: &order})

	res, err := o.Execute(context.Background(), "summarize the report")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(res.Nodes) != 1 {
		t.Fatalf("nodes = %d, want single fallback node", len(res.Nodes))
	}
	n := res.Nodes[0]
	if n.ID != "main" || n.WorkerType != "analyst" || n.Description != "summarize the report" {
		t.Errorf("fallback node = %+v", n)
	}
}

func TestUnregisteredCapabilityUsesGenericWorker(t *testing.T) {
	llm := &graphLLM{graphJSON: `[
		{"id":"a","description":"investigate","worker_type":"archaeologist","dependencies":[]}
	]`}
	o := New(llm, "test-model", 4, zap.NewNop())

	res, err := o.Execute(context.Background(), "dig")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.NodeResults[0].Success {
		t.Fatalf("generic worker failed: %s", res.NodeResults[0].Error)
	}

	found := false
	llm.mu.Lock()
	for _, c := range llm.calls {
		if strings.Contains(c, "You are a archaeologist specialist.") {
			found = true
		}
	}
	llm.mu.Unlock()
	if !found {
		t.Error("generic worker did not use the capability-derived system prompt")
	}
}

func TestTopoSortProperty(t *testing.T) {
	// A wider generated graph: node i depends on i/2 and i/3.
	var nodes []Node
	for i := 0; i < 30; i++ {
		n := Node{ID: fmt.Sprintf("n%d", i), Description: "x", WorkerType: "w"}
		if i > 0 {
			n.Dependencies = append(n.Dependencies, fmt.Sprintf("n%d", i/2))
			if i/3 != i/2 {
				n.Dependencies = append(n.Dependencies, fmt.Sprintf("n%d", i/3))
			}
		}
		nodes = append(nodes, n)
	}

	sorted, err := topoSort(nodes)
	if err != nil {
		t.Fatalf("toposort: %v", err)
	}
	if len(sorted) != len(nodes) {
		t.Fatalf("sorted %d of %d nodes", len(sorted), len(nodes))
	}
	pos := make(map[string]int, len(sorted))
	for i, n := range sorted {
		pos[n.ID] = i
	}
	for _, n := range nodes {
		for _, dep := range n.Dependencies {
			if pos[n.ID] <= pos[dep] {
				t.Errorf("%s sorted before its dependency %s", n.ID, dep)
			}
		}
	}
}

func TestTopoSortSelfCycle(t *testing.T) {
	_, err := topoSort([]Node{
		{ID: "a", Dependencies: []string{"a"}},
	})
	if err == nil {
		t.Fatal("expected self-cycle to be rejected")
	}
}

func TestResultHistorySurvivesJSON(t *testing.T) {
	llm := &graphLLM{graphJSON: `[{"id":"only","description":"do it","worker_type":"general","dependencies":[]}]`}
	o := New(llm, "test-model", 2, zap.NewNop())

	res, err := o.Execute(context.Background(), "small job")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.History.Len() == 0 {
		t.Fatal("expected node records in history")
	}

	data, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	var decoded struct {
		History []struct {
			Kind string `json:"kind"`
			Name string `json:"name"`
		} `json:"history"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(decoded.History) != res.History.Len() {
		t.Fatalf("serialized %d history records, want %d", len(decoded.History), res.History.Len())
	}
	if decoded.History[0].Name != "only" || decoded.History[0].Kind != "node" {
		t.Errorf("first record = %+v", decoded.History[0])
	}
}
