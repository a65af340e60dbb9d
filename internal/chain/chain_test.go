package chain

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/gambit/internal/provider"
)

// scriptedLLM returns queued responses in order.
type scriptedLLM struct {
	responses []string
	err       error
	calls     int
	prompts   []string
}

func (s *scriptedLLM) Complete(_ context.Context, req *provider.ChatRequest) (string, error) {
	s.prompts = append(s.prompts, req.Messages[len(req.Messages)-1].Content)
	if s.err != nil {
		return "", s.err
	}
	if s.calls >= len(s.responses) {
		return "", fmt.Errorf("no scripted response for call %d", s.calls)
	}
	out := s.responses[s.calls]
	s.calls++
	return out, nil
}

func TestRunMergesStepOutputs(t *testing.T) {
	llm := &scriptedLLM{responses: []string{"1. intro\n2. body", "full draft"}}
	e := New(llm, "test-model", zap.NewNop())
	e.AddStep(Step{
		Name: "outline",
		Prompt: func(ctx map[string]string) string {
			return "Outline: " + ctx["topic"]
		},
	}).AddStep(Step{
		Name: "draft",
		Prompt: func(ctx map[string]string) string {
			return "Expand: " + ctx["outline"]
		},
	})

	res, err := e.Run(context.Background(), map[string]string{"topic": "caching"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Output != "full draft" {
		t.Errorf("output = %q, want last step output", res.Output)
	}
	if res.Context["outline"] != "1. intro\n2. body" {
		t.Errorf("context missing outline output: %q", res.Context["outline"])
	}
	// Second prompt must see the first step's output.
	if !strings.Contains(llm.prompts[1], "1. intro") {
		t.Errorf("second prompt did not receive outline: %q", llm.prompts[1])
	}
	if len(res.History) != 2 {
		t.Errorf("history has %d records, want 2", len(res.History))
	}
}

func TestRunValidationFailureStopsChain(t *testing.T) {
	llm := &scriptedLLM{responses: []string{"bad output", "never requested"}}
	e := New(llm, "test-model", zap.NewNop())
	e.AddStep(Step{
		Name:     "check",
		Prompt:   func(map[string]string) string { return "go" },
		Validate: func(string) bool { return false },
	}).AddStep(Step{
		Name:   "after",
		Prompt: func(map[string]string) string { return "more" },
	})

	_, err := e.Run(context.Background(), nil)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "check") {
		t.Errorf("error should name the failing step: %v", err)
	}
	if llm.calls != 1 {
		t.Errorf("LLM called %d times, want 1 (no step after failure)", llm.calls)
	}
}

func TestRunProcessorTransformsContext(t *testing.T) {
	llm := &scriptedLLM{responses: []string{"  padded  ", "done"}}
	e := New(llm, "test-model", zap.NewNop())
	e.AddStep(Step{
		Name:    "clean",
		Prompt:  func(map[string]string) string { return "go" },
		Process: strings.TrimSpace,
	}).AddStep(Step{
		Name:   "use",
		Prompt: func(ctx map[string]string) string { return "got:" + ctx["clean"] },
	})

	res, err := e.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Context["clean"] != "padded" {
		t.Errorf("processor not applied to context: %q", res.Context["clean"])
	}
	// History keeps the raw output, not the processed value.
	if res.History[0].Result != "  padded  " {
		t.Errorf("history should record raw output, got %q", res.History[0].Result)
	}
}

func TestRunClientErrorFailsFast(t *testing.T) {
	llm := &scriptedLLM{err: fmt.Errorf("service unavailable")}
	e := New(llm, "test-model", zap.NewNop())
	e.AddStep(Step{Name: "only", Prompt: func(map[string]string) string { return "go" }})

	if _, err := e.Run(context.Background(), nil); err == nil {
		t.Fatal("expected client error to propagate")
	}
}

func TestRunDoesNotMutateInitialContext(t *testing.T) {
	llm := &scriptedLLM{responses: []string{"out"}}
	e := New(llm, "test-model", zap.NewNop())
	e.AddStep(Step{Name: "s", Prompt: func(map[string]string) string { return "go" }})

	initial := map[string]string{"topic": "x"}
	if _, err := e.Run(context.Background(), initial); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok := initial["s"]; ok {
		t.Error("initial context was mutated by Run")
	}
}

func TestTemplatePromptSubstitutesContextKeys(t *testing.T) {
	llm := &scriptedLLM{responses: []string{"the outline", "a draft of the outline"}}
	e := New(llm, "test-model", zap.NewNop())
	e.AddStep(Step{Name: "outline", Prompt: TemplatePrompt("outline {topic}")})
	e.AddStep(Step{Name: "draft", Prompt: TemplatePrompt("draft from {outline}")})

	res, err := e.Run(context.Background(), map[string]string{"topic": "whales"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if llm.prompts[0] != "outline whales" {
		t.Errorf("first prompt = %q", llm.prompts[0])
	}
	if llm.prompts[1] != "draft from the outline" {
		t.Errorf("second prompt = %q", llm.prompts[1])
	}
	if res.Output != "a draft of the outline" {
		t.Errorf("output = %q", res.Output)
	}
}

func TestTemplatePromptLeavesUnknownPlaceholders(t *testing.T) {
	p := TemplatePrompt("use {present} and {absent}")
	got := p(map[string]string{"present": "x"})
	if got != "use x and {absent}" {
		t.Errorf("prompt = %q", got)
	}
}

func TestContainsValidatorIsCaseInsensitive(t *testing.T) {
	v := ContainsValidator("Chapter")
	if !v("CHAPTER ONE") {
		t.Error("expected case-insensitive match")
	}
	if v("prologue only") {
		t.Error("expected mismatch to fail")
	}
}

func TestMinWordsValidator(t *testing.T) {
	v := MinWordsValidator(3)
	if !v("one two three four") {
		t.Error("expected four words to pass")
	}
	if v("too short") {
		t.Error("expected two words to fail")
	}
}
