package fanout

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/gambit/internal/provider"
)

// promptLLM answers each request by matching a substring of the prompt
// against a reply table. Unmatched prompts fall through to def.
type promptLLM struct {
	mu      sync.Mutex
	replies map[string]string
	errs    map[string]error
	def     string
	calls   []string
}

func (p *promptLLM) Complete(_ context.Context, req *provider.ChatRequest) (string, error) {
	prompt := req.Messages[len(req.Messages)-1].Content
	p.mu.Lock()
	p.calls = append(p.calls, prompt)
	p.mu.Unlock()
	for k, err := range p.errs {
		if strings.Contains(prompt, k) {
			return "", err
		}
	}
	for k, v := range p.replies {
		if strings.Contains(prompt, k) {
			return v, nil
		}
	}
	return p.def, nil
}

// voteLLM hands out scripted answers in call order.
type voteLLM struct {
	mu      sync.Mutex
	answers []string
	next    int
}

func (v *voteLLM) Complete(_ context.Context, _ *provider.ChatRequest) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.next >= len(v.answers) {
		return "", errors.New("no more answers")
	}
	a := v.answers[v.next]
	v.next++
	return a, nil
}

func TestExecutorPreservesSubmissionOrder(t *testing.T) {
	llm := &promptLLM{replies: map[string]string{
		"alpha": "A", "beta": "B", "gamma": "C",
	}}
	ex := NewExecutor(llm, "test-model", 4, zap.NewNop())

	outcomes := ex.Execute(context.Background(), []Subtask{
		{Name: "first", Prompt: "alpha"},
		{Name: "second", Prompt: "beta"},
		{Name: "third", Prompt: "gamma"},
	})
	want := []string{"A", "B", "C"}
	for i, o := range outcomes {
		if !o.Success {
			t.Fatalf("outcome %d failed: %v", i, o.Error)
		}
		if o.Result != want[i] {
			t.Errorf("outcome %d = %q, want %q", i, o.Result, want[i])
		}
	}
}

func TestExecutorPartialFailure(t *testing.T) {
	llm := &promptLLM{
		replies: map[string]string{"good": "ok"},
		errs:    map[string]error{"bad": errors.New("provider down")},
	}
	ex := NewExecutor(llm, "test-model", 4, zap.NewNop())

	outcomes := ex.Execute(context.Background(), []Subtask{
		{Name: "a", Prompt: "good"},
		{Name: "b", Prompt: "bad"},
		{Name: "c", Prompt: "good"},
	})
	if outcomes[1].Success {
		t.Error("failed subtask reported success")
	}
	if outcomes[1].Error == "" {
		t.Error("failed subtask has no error message")
	}
	if !outcomes[0].Success || !outcomes[2].Success {
		t.Error("failure of one subtask affected its siblings")
	}
}

func TestExecutorModelOverride(t *testing.T) {
	var mu sync.Mutex
	var models []string
	llm := completerFunc(func(_ context.Context, req *provider.ChatRequest) (string, error) {
		mu.Lock()
		models = append(models, req.Model)
		mu.Unlock()
		return "ok", nil
	})
	ex := NewExecutor(llm, "default-model", 1, zap.NewNop())

	ex.Execute(context.Background(), []Subtask{
		{Name: "a", Prompt: "x"},
		{Name: "b", Prompt: "y", Model: "cheap-model"},
	})
	seen := map[string]bool{}
	for _, m := range models {
		seen[m] = true
	}
	if !seen["default-model"] || !seen["cheap-model"] {
		t.Errorf("models used = %v, want both default and override", models)
	}
}

type completerFunc func(context.Context, *provider.ChatRequest) (string, error)

func (f completerFunc) Complete(ctx context.Context, req *provider.ChatRequest) (string, error) {
	return f(ctx, req)
}

func TestVotingConsensus(t *testing.T) {
	llm := &voteLLM{answers: []string{"1", "1", "2"}}
	v := NewVoting(llm, "test-model", 1, zap.NewNop())

	res, err := v.Vote(context.Background(), "pick", []string{"red", "blue"}, 3)
	if err != nil {
		t.Fatalf("vote: %v", err)
	}
	if res.WinningOption != "red" || res.WinningIndex != 0 {
		t.Errorf("winner = %q (index %d), want red (0)", res.WinningOption, res.WinningIndex)
	}
	if !res.Consensus {
		t.Error("2 of 3 valid votes should be consensus")
	}
	if res.TotalVotes != 3 {
		t.Errorf("total votes = %d, want 3", res.TotalVotes)
	}
}

func TestVotingNoConsensusAndTieBreak(t *testing.T) {
	llm := &voteLLM{answers: []string{"2", "1"}}
	v := NewVoting(llm, "test-model", 1, zap.NewNop())

	res, err := v.Vote(context.Background(), "pick", []string{"red", "blue"}, 2)
	if err != nil {
		t.Fatalf("vote: %v", err)
	}
	if res.Consensus {
		t.Error("1 of 2 votes is not a majority")
	}
	// Tied counts resolve to the lowest option index.
	if res.WinningIndex != 0 {
		t.Errorf("tie broke to index %d, want 0", res.WinningIndex)
	}
}

func TestVotingDiscardsInvalidBallots(t *testing.T) {
	llm := &voteLLM{answers: []string{"7", "not a number", "2"}}
	v := NewVoting(llm, "test-model", 1, zap.NewNop())

	res, err := v.Vote(context.Background(), "pick", []string{"red", "blue"}, 3)
	if err != nil {
		t.Fatalf("vote: %v", err)
	}
	if res.WinningOption != "blue" {
		t.Errorf("winner = %q, want blue", res.WinningOption)
	}
	if res.TotalVotes != 1 {
		t.Errorf("valid votes = %d, want 1", res.TotalVotes)
	}
	if !res.Consensus {
		t.Error("1 of 1 valid votes is consensus")
	}
}

func TestVotingInputValidation(t *testing.T) {
	v := NewVoting(&voteLLM{}, "test-model", 1, zap.NewNop())
	if _, err := v.Vote(context.Background(), "q", nil, 3); err == nil {
		t.Error("expected error for empty options")
	}
	if _, err := v.Vote(context.Background(), "q", []string{"a"}, 0); err == nil {
		t.Error("expected error for zero voters")
	}
}

func TestSafetyVote(t *testing.T) {
	tests := []struct {
		name      string
		answers   []string
		safe      bool
		unanimous bool
	}{
		{"all safe", []string{"SAFE", "SAFE", "SAFE"}, true, true},
		{"split", []string{"SAFE", "UNSAFE", "SAFE"}, false, false},
		{"all unsafe", []string{"UNSAFE", "UNSAFE"}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			llm := &voteLLM{answers: tt.answers}
			v := NewVoting(llm, "test-model", 1, zap.NewNop())

			res, err := v.SafetyVote(context.Background(), "content", len(tt.answers))
			if err != nil {
				t.Fatalf("safety vote: %v", err)
			}
			if res.IsSafe != tt.safe {
				t.Errorf("IsSafe = %v, want %v", res.IsSafe, tt.safe)
			}
			if res.Unanimous != tt.unanimous {
				t.Errorf("Unanimous = %v, want %v", res.Unanimous, tt.unanimous)
			}
		})
	}
}

func TestGuardrailReleasesOnAllPass(t *testing.T) {
	llm := &promptLLM{
		replies: map[string]string{
			"write a haiku": "autumn leaves falling",
			"PASS' or":      "PASS",
		},
	}
	g := NewGuardrail(llm, "big-model", "small-model", zap.NewNop())

	res, err := g.Execute(context.Background(), "haiku request", "write a haiku", []Check{
		{Name: "safety", Prompt: "Is {input} safe?"},
		{Name: "topical", Prompt: "Is {input} on topic?"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Blocked {
		t.Fatal("result blocked despite all checks passing")
	}
	if res.Result == nil || *res.Result != "autumn leaves falling" {
		t.Errorf("result = %v, want primary output", res.Result)
	}
}

func TestGuardrailWithholdsOnFailure(t *testing.T) {
	llm := &promptLLM{
		replies: map[string]string{
			"write a haiku": "autumn leaves falling",
			"Is it safe":    "PASS",
			"Is it legal":   "FAIL",
		},
	}
	g := NewGuardrail(llm, "big-model", "small-model", zap.NewNop())

	res, err := g.Execute(context.Background(), "haiku request", "write a haiku", []Check{
		{Name: "safety", Prompt: "Is it safe? {input}"},
		{Name: "legal", Prompt: "Is it legal? {input}"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Blocked {
		t.Fatal("result not blocked despite failing check")
	}
	if res.Result != nil {
		t.Error("blocked result must be withheld, not returned")
	}
	if len(res.FailingChecks) != 1 || res.FailingChecks[0] != "legal" {
		t.Errorf("failing checks = %v, want [legal]", res.FailingChecks)
	}
	// The primary task still ran to completion.
	found := false
	llm.mu.Lock()
	for _, c := range llm.calls {
		if strings.Contains(c, "write a haiku") {
			found = true
		}
	}
	llm.mu.Unlock()
	if !found {
		t.Error("primary task was never executed")
	}
}

func TestGuardrailCheckErrorFailsClosed(t *testing.T) {
	llm := &promptLLM{
		replies: map[string]string{"write": "output"},
		errs:    map[string]error{"flaky": errors.New("timeout")},
	}
	g := NewGuardrail(llm, "big-model", "small-model", zap.NewNop())

	res, err := g.Execute(context.Background(), "in", "write", []Check{
		{Name: "flaky", Prompt: "flaky {input}"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Blocked {
		t.Error("errored check must block the result")
	}
}
