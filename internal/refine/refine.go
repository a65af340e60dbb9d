// Package refine implements generate-evaluate loops: an optimizer that
// rewrites output against scored feedback until a quality threshold is
// met, and a lighter variant driven by the model's own confidence.
package refine

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/gambit/internal/jsonx"
	"github.com/nidhogg/gambit/internal/provider"
)

// Criterion is one weighted evaluation dimension. Weights are advisory
// context for the evaluator prompt, not arithmetic applied to scores.
type Criterion struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Weight      float64 `json:"weight"`
}

// Evaluation is the evaluator's structured verdict on one output.
type Evaluation struct {
	OverallScore   float64            `json:"overall_score"`
	CriteriaScores map[string]float64 `json:"criteria_scores"`
	Feedback       string             `json:"feedback"`
	Suggestions    []string           `json:"suggestions"`
}

// Iteration records one generate-evaluate round.
type Iteration struct {
	Iteration  int         `json:"iteration"`
	Output     string      `json:"output"`
	Evaluation *Evaluation `json:"evaluation"`
}

// Result is the outcome of an optimization run. MetThreshold false
// means the budget ran out; the best-scoring iteration is still
// returned, so exhaustion is an incomplete result, not an error.
type Result struct {
	FinalOutput  string      `json:"final_output"`
	FinalScore   float64     `json:"final_score"`
	Iterations   int         `json:"iterations"`
	MetThreshold bool        `json:"met_threshold"`
	History      []Iteration `json:"history"`
}

// Optimizer refines output through alternating generator and evaluator
// completion calls.
type Optimizer struct {
	llm            provider.Completer
	generatorModel string
	evaluatorModel string
	criteria       []Criterion
	logger         *zap.Logger
}

// New creates an optimizer that generates and evaluates with the same
// model until overridden by WithEvaluatorModel.
func New(llm provider.Completer, model string, logger *zap.Logger) *Optimizer {
	return &Optimizer{
		llm:            llm,
		generatorModel: model,
		evaluatorModel: model,
		logger:         logger,
	}
}

// WithEvaluatorModel routes evaluation calls to a different model.
func (o *Optimizer) WithEvaluatorModel(model string) *Optimizer {
	o.evaluatorModel = model
	return o
}

// AddCriterion registers a weighted evaluation criterion. Three generic
// criteria apply when none are registered.
func (o *Optimizer) AddCriterion(c Criterion) *Optimizer {
	o.criteria = append(o.criteria, c)
	return o
}

// Optimize runs up to maxIterations generate-evaluate rounds and stops
// at the first iteration whose overall score reaches threshold. When
// the budget is exhausted the highest-scoring iteration wins, earliest
// iteration breaking ties.
func (o *Optimizer) Optimize(ctx context.Context, task string, maxIterations int, threshold float64) (*Result, error) {
	if maxIterations <= 0 {
		return nil, fmt.Errorf("optimize requires a positive iteration budget")
	}

	var history []Iteration
	currentOutput := ""
	var lastEval *Evaluation

	for i := 0; i < maxIterations; i++ {
		output, err := o.generate(ctx, task, currentOutput, lastEval)
		if err != nil {
			return nil, fmt.Errorf("generate iteration %d: %w", i+1, err)
		}
		currentOutput = output

		eval, err := o.evaluate(ctx, output)
		if err != nil {
			return nil, fmt.Errorf("evaluate iteration %d: %w", i+1, err)
		}

		history = append(history, Iteration{
			Iteration:  i + 1,
			Output:     output,
			Evaluation: eval,
		})
		o.logger.Debug("refinement iteration",
			zap.Int("iteration", i+1),
			zap.Float64("score", eval.OverallScore))

		if eval.OverallScore >= threshold {
			return &Result{
				FinalOutput:  output,
				FinalScore:   eval.OverallScore,
				Iterations:   i + 1,
				MetThreshold: true,
				History:      history,
			}, nil
		}
		lastEval = eval
	}

	// Strict greater-than keeps the earliest iteration on ties.
	best := &history[0]
	for i := 1; i < len(history); i++ {
		if history[i].Evaluation.OverallScore > best.Evaluation.OverallScore {
			best = &history[i]
		}
	}

	return &Result{
		FinalOutput:  best.Output,
		FinalScore:   best.Evaluation.OverallScore,
		Iterations:   maxIterations,
		MetThreshold: false,
		History:      history,
	}, nil
}

func (o *Optimizer) generate(ctx context.Context, task, previousOutput string, previousEval *Evaluation) (string, error) {
	var prompt string
	if previousOutput == "" {
		prompt = fmt.Sprintf(`Complete this task:

%s

Provide your best output:`, task)
	} else {
		var feedback string
		if previousEval != nil {
			var suggestions []string
			for _, s := range previousEval.Suggestions {
				suggestions = append(suggestions, "- "+s)
			}
			feedback = fmt.Sprintf(`Previous evaluation feedback:
%s

Specific suggestions:
%s`, previousEval.Feedback, strings.Join(suggestions, "\n"))
		}
		prompt = fmt.Sprintf(`Improve this output based on the feedback:

Original task: %s

Previous output:
%s

%s

Provide an improved version:`, task, previousOutput, feedback)
	}

	return o.llm.Complete(ctx, &provider.ChatRequest{
		Model:     o.generatorModel,
		Messages:  []provider.Message{{Role: "user", Content: prompt}},
		MaxTokens: 4096,
	})
}

func (o *Optimizer) evaluate(ctx context.Context, output string) (*Evaluation, error) {
	var criteriaList string
	if len(o.criteria) > 0 {
		var parts []string
		for _, c := range o.criteria {
			parts = append(parts, fmt.Sprintf("- %s (weight: %.1f): %s", c.Name, c.Weight, c.Description))
		}
		criteriaList = strings.Join(parts, "\n")
	} else {
		criteriaList = `- quality: Overall quality and correctness
- clarity: Clear and understandable
- completeness: Addresses all aspects`
	}

	prompt := fmt.Sprintf(`Evaluate this output against the following criteria:

%s

Output to evaluate:
%s

Respond with JSON in this exact format:
{
    "overall_score": 0.0-1.0,
    "criteria_scores": {
        "criterion_name": 0.0-1.0
    },
    "feedback": "Overall assessment",
    "suggestions": ["specific improvement 1", "specific improvement 2"]
}`, criteriaList, output)

	resp, err := o.llm.Complete(ctx, &provider.ChatRequest{
		Model:     o.evaluatorModel,
		Messages:  []provider.Message{{Role: "user", Content: prompt}},
		MaxTokens: 1024,
	})
	if err != nil {
		return nil, err
	}

	return parseEvaluation(resp, o.logger), nil
}

// parseEvaluation decodes an evaluator verdict, degrading to a neutral
// 0.5 score when the response cannot be decoded.
func parseEvaluation(raw string, logger *zap.Logger) *Evaluation {
	var decoded struct {
		OverallScore   *float64           `json:"overall_score"`
		CriteriaScores map[string]float64 `json:"criteria_scores"`
		Feedback       string             `json:"feedback"`
		Suggestions    []string           `json:"suggestions"`
	}
	eval := &Evaluation{
		OverallScore:   0.5,
		CriteriaScores: map[string]float64{},
		Suggestions:    []string{},
	}
	if err := jsonx.UnmarshalObject(raw, &decoded); err != nil {
		logger.Warn("unparseable evaluation, using neutral score", zap.Error(err))
		return eval
	}
	if decoded.OverallScore != nil {
		eval.OverallScore = *decoded.OverallScore
	}
	if decoded.CriteriaScores != nil {
		eval.CriteriaScores = decoded.CriteriaScores
	}
	eval.Feedback = decoded.Feedback
	if decoded.Suggestions != nil {
		eval.Suggestions = decoded.Suggestions
	}
	return eval
}
