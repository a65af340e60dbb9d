package refine

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/gambit/internal/provider"
)

// Attempt records one confidence-scored generation.
type Attempt struct {
	Attempt    int     `json:"attempt"`
	Output     string  `json:"output"`
	Confidence float64 `json:"confidence"`
}

// ConfidenceResult is the outcome of a confidence-gated run.
type ConfidenceResult struct {
	Output       string    `json:"output"`
	Confidence   float64   `json:"confidence"`
	Attempts     []Attempt `json:"attempts"`
	MetThreshold bool      `json:"met_threshold"`
}

// ConfidenceOptimizer retries generation until the model's
// self-reported confidence clears a threshold. It needs no separate
// evaluator call, trading rigor for cost.
type ConfidenceOptimizer struct {
	llm    provider.Completer
	model  string
	logger *zap.Logger
}

// NewConfidenceOptimizer creates a confidence-gated generator.
func NewConfidenceOptimizer(llm provider.Completer, model string, logger *zap.Logger) *ConfidenceOptimizer {
	return &ConfidenceOptimizer{llm: llm, model: model, logger: logger}
}

var confidenceRe = regexp.MustCompile(`(?i)CONFIDENCE:\s*([0-9.]+)`)

// Generate attempts the task up to maxAttempts times, returning the
// first output whose self-assessed confidence reaches threshold, or the
// most confident attempt when the budget runs out.
func (c *ConfidenceOptimizer) Generate(ctx context.Context, task string, threshold float64, maxAttempts int) (*ConfidenceResult, error) {
	if maxAttempts <= 0 {
		return nil, fmt.Errorf("confidence generation requires a positive attempt budget")
	}

	prompt := fmt.Sprintf(`Complete this task and assess your confidence:

%s

After your response, on a new line, provide your confidence level (0.0-1.0) that your answer is correct and complete.

Format:
[Your response here]

CONFIDENCE: [0.0-1.0]`, task)

	var attempts []Attempt
	bestOutput := ""
	bestConfidence := 0.0

	for i := 0; i < maxAttempts; i++ {
		resp, err := c.llm.Complete(ctx, &provider.ChatRequest{
			Model:     c.model,
			Messages:  []provider.Message{{Role: "user", Content: prompt}},
			MaxTokens: 4096,
		})
		if err != nil {
			return nil, fmt.Errorf("attempt %d: %w", i+1, err)
		}

		output, confidence := splitConfidence(resp)
		attempts = append(attempts, Attempt{
			Attempt:    i + 1,
			Output:     output,
			Confidence: confidence,
		})
		c.logger.Debug("confidence attempt",
			zap.Int("attempt", i+1),
			zap.Float64("confidence", confidence))

		if confidence > bestConfidence {
			bestConfidence = confidence
			bestOutput = output
		}
		if confidence >= threshold {
			return &ConfidenceResult{
				Output:       output,
				Confidence:   confidence,
				Attempts:     attempts,
				MetThreshold: true,
			}, nil
		}
	}

	return &ConfidenceResult{
		Output:       bestOutput,
		Confidence:   bestConfidence,
		Attempts:     attempts,
		MetThreshold: false,
	}, nil
}

// splitConfidence strips the trailing CONFIDENCE line and returns the
// cleaned output with the reported value clamped to [0, 1]. A missing
// or unreadable value reads as 0.5.
func splitConfidence(text string) (string, float64) {
	confidence := 0.5
	if m := confidenceRe.FindStringSubmatch(text); len(m) > 1 {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			if v > 1.0 {
				v = 1.0
			}
			if v < 0.0 {
				v = 0.0
			}
			confidence = v
		}
	}
	output := strings.TrimSpace(confidenceRe.ReplaceAllString(text, ""))
	return output, confidence
}
