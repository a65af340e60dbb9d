package taskgraph

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/nidhogg/gambit/internal/provider"
)

// Worker executes one graph node given the outputs of its declared
// dependencies. Implementations are registered under a capability tag.
type Worker interface {
	Capability() string
	Execute(ctx context.Context, node *Node, depResults map[string]string) (string, error)
}

// LLMWorker answers a node through a single completion call, priming it
// with a capability-specific system prompt and its dependency outputs.
type LLMWorker struct {
	llm          provider.Completer
	capability   string
	systemPrompt string
	model        string
}

// NewLLMWorker creates a completion-backed worker for a capability tag.
func NewLLMWorker(llm provider.Completer, capability, systemPrompt, model string) *LLMWorker {
	return &LLMWorker{
		llm:          llm,
		capability:   capability,
		systemPrompt: systemPrompt,
		model:        model,
	}
}

func (w *LLMWorker) Capability() string {
	return w.capability
}

func (w *LLMWorker) Execute(ctx context.Context, node *Node, depResults map[string]string) (string, error) {
	var contextInfo string
	if len(depResults) > 0 {
		ids := make([]string, 0, len(depResults))
		for id := range depResults {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		var parts []string
		for _, id := range ids {
			parts = append(parts, fmt.Sprintf("[%s]: %s", id, depResults[id]))
		}
		contextInfo = "\n\nContext from previous tasks:\n" + strings.Join(parts, "\n")
	}

	prompt := fmt.Sprintf("%s\n\nTask: %s%s\n\nProvide your result:",
		w.systemPrompt, node.Description, contextInfo)

	return w.llm.Complete(ctx, &provider.ChatRequest{
		Model:     w.model,
		Messages:  []provider.Message{{Role: "user", Content: prompt}},
		MaxTokens: 4096,
	})
}
