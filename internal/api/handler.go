// Package api exposes the strategy engines over HTTP. Every strategy
// endpoint runs one invocation per request; finished runs are archived
// and announced on the event bus when those are configured.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/gambit/internal/agent"
	"github.com/nidhogg/gambit/internal/bus"
	"github.com/nidhogg/gambit/internal/chain"
	"github.com/nidhogg/gambit/internal/config"
	"github.com/nidhogg/gambit/internal/fanout"
	"github.com/nidhogg/gambit/internal/provider"
	"github.com/nidhogg/gambit/internal/refine"
	"github.com/nidhogg/gambit/internal/route"
	"github.com/nidhogg/gambit/internal/store"
	"github.com/nidhogg/gambit/internal/taskgraph"
)

// RunArchive is the subset of the run store the handler needs.
type RunArchive interface {
	SaveRun(ctx context.Context, run *store.Run) error
	GetRun(ctx context.Context, id string) (*store.Run, error)
	ListRuns(ctx context.Context, strategy string, limit int) ([]*store.Run, error)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	providers *provider.Router
	strategy  config.StrategyConfig
	archive   RunArchive
	events    *bus.Bus
	registry  *agent.ToolRegistry
	logger    *zap.Logger
}

// NewHandler creates a new API handler. archive and events may be nil;
// runs are then served from memory of the request only.
func NewHandler(providers *provider.Router, strategy config.StrategyConfig, archive RunArchive, events *bus.Bus, registry *agent.ToolRegistry, logger *zap.Logger) *Handler {
	return &Handler{
		providers: providers,
		strategy:  strategy,
		archive:   archive,
		events:    events,
		registry:  registry,
		logger:    logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/providers", h.listProviders)

		r.Post("/chain", h.runChain)
		r.Post("/fanout", h.runFanout)
		r.Post("/vote", h.runVote)
		r.Post("/safety", h.runSafetyVote)
		r.Post("/guardrail", h.runGuardrail)
		r.Post("/taskgraph", h.runTaskGraph)
		r.Post("/refine", h.runRefine)
		r.Post("/confidence", h.runConfidence)
		r.Post("/route", h.runRoute)
		r.Post("/complexity", h.runComplexity)
		r.Post("/agent", h.runAgent)

		r.Get("/runs", h.listRuns)
		r.Get("/runs/{id}", h.getRun)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) listProviders(w http.ResponseWriter, r *http.Request) {
	type info struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	list := []info{}
	for _, p := range h.providers.ListProviders() {
		list = append(list, info{ID: p.ID(), Name: p.Name()})
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) model(override string) string {
	if override != "" {
		return override
	}
	return h.strategy.DefaultModel
}

type chainStepRequest struct {
	Name        string `json:"name"`
	Prompt      string `json:"prompt"`
	MustContain string `json:"must_contain,omitempty"`
	MinWords    int    `json:"min_words,omitempty"`
}

type chainRequest struct {
	Model   string             `json:"model,omitempty"`
	Context map[string]string  `json:"context,omitempty"`
	Steps   []chainStepRequest `json:"steps"`
}

func (h *Handler) runChain(w http.ResponseWriter, r *http.Request) {
	var req chainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if len(req.Steps) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "steps are required"})
		return
	}

	ex := chain.New(h.providers.Named("chain"), h.model(req.Model), h.logger)
	for _, s := range req.Steps {
		step := chain.Step{Name: s.Name, Prompt: chain.TemplatePrompt(s.Prompt)}
		if s.MustContain != "" {
			step.Validate = chain.ContainsValidator(s.MustContain)
		} else if s.MinWords > 0 {
			step.Validate = chain.MinWordsValidator(s.MinWords)
		}
		ex.AddStep(step)
	}

	start := time.Now()
	result, err := ex.Run(r.Context(), req.Context)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, chain.ErrValidation) {
			status = http.StatusUnprocessableEntity
		}
		h.recordRun(r, "chain", "", "", false, nil, time.Since(start))
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	h.recordRun(r, "chain", firstStepPrompt(req), result.Output, true, result, time.Since(start))
	writeJSON(w, http.StatusOK, result)
}

func firstStepPrompt(req chainRequest) string {
	if len(req.Steps) == 0 {
		return ""
	}
	return req.Steps[0].Prompt
}

type fanoutRequest struct {
	Model    string           `json:"model,omitempty"`
	Subtasks []fanout.Subtask `json:"subtasks"`
}

func (h *Handler) runFanout(w http.ResponseWriter, r *http.Request) {
	var req fanoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if len(req.Subtasks) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "subtasks are required"})
		return
	}

	ex := fanout.NewExecutor(h.providers.Named("fanout"), h.model(req.Model), h.strategy.PoolSize, h.logger)
	start := time.Now()
	outcomes := ex.Execute(r.Context(), req.Subtasks)

	allOK := true
	for _, o := range outcomes {
		if !o.Success {
			allOK = false
		}
	}
	h.recordRun(r, "fanout", "", "", allOK, outcomes, time.Since(start))
	writeJSON(w, http.StatusOK, map[string]interface{}{"outcomes": outcomes})
}

type voteRequest struct {
	Model    string   `json:"model,omitempty"`
	Question string   `json:"question"`
	Options  []string `json:"options"`
	Voters   int      `json:"voters"`
}

func (h *Handler) runVote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	v := fanout.NewVoting(h.providers.Named("vote"), h.model(req.Model), h.strategy.PoolSize, h.logger)
	start := time.Now()
	result, err := v.Vote(r.Context(), req.Question, req.Options, req.Voters)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	h.recordRun(r, "vote", req.Question, result.WinningOption, true, result, time.Since(start))
	writeJSON(w, http.StatusOK, result)
}

type safetyRequest struct {
	Model   string `json:"model,omitempty"`
	Content string `json:"content"`
	Voters  int    `json:"voters"`
}

func (h *Handler) runSafetyVote(w http.ResponseWriter, r *http.Request) {
	var req safetyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	v := fanout.NewVoting(h.providers.Named("safety"), h.model(req.Model), h.strategy.PoolSize, h.logger)
	start := time.Now()
	result, err := v.SafetyVote(r.Context(), req.Content, req.Voters)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	h.recordRun(r, "safety", req.Content, "", result.IsSafe, result, time.Since(start))
	writeJSON(w, http.StatusOK, result)
}

type guardrailRequest struct {
	TaskModel  string         `json:"task_model,omitempty"`
	CheckModel string         `json:"check_model,omitempty"`
	Input      string         `json:"input"`
	TaskPrompt string         `json:"task_prompt"`
	Checks     []fanout.Check `json:"checks"`
}

func (h *Handler) runGuardrail(w http.ResponseWriter, r *http.Request) {
	var req guardrailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.TaskPrompt == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "task_prompt is required"})
		return
	}

	g := fanout.NewGuardrail(h.providers.Named("guardrail"), h.model(req.TaskModel), h.model(req.CheckModel), h.logger)
	start := time.Now()
	result, err := g.Execute(r.Context(), req.Input, req.TaskPrompt, req.Checks)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	output := ""
	if result.Result != nil {
		output = *result.Result
	}
	h.recordRun(r, "guardrail", req.Input, output, !result.Blocked, result, time.Since(start))
	writeJSON(w, http.StatusOK, result)
}

type taskGraphRequest struct {
	Model string `json:"model,omitempty"`
	Task  string `json:"task"`
}

func (h *Handler) runTaskGraph(w http.ResponseWriter, r *http.Request) {
	var req taskGraphRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Task == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "task is required"})
		return
	}

	o := taskgraph.New(h.providers.Named("taskgraph"), h.model(req.Model), h.strategy.PoolSize, h.logger)
	start := time.Now()
	result, err := o.Execute(r.Context(), req.Task)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	h.recordRun(r, "taskgraph", req.Task, result.FinalResult, true, result, time.Since(start))
	writeJSON(w, http.StatusOK, result)
}

type refineRequest struct {
	Model          string             `json:"model,omitempty"`
	EvaluatorModel string             `json:"evaluator_model,omitempty"`
	Task           string             `json:"task"`
	MaxIterations  int                `json:"max_iterations,omitempty"`
	Threshold      float64            `json:"threshold,omitempty"`
	Criteria       []refine.Criterion `json:"criteria,omitempty"`
}

func (h *Handler) runRefine(w http.ResponseWriter, r *http.Request) {
	var req refineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Task == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "task is required"})
		return
	}
	if req.MaxIterations == 0 {
		req.MaxIterations = h.strategy.MaxIterations
	}
	if req.Threshold == 0 {
		req.Threshold = h.strategy.ScoreThreshold
	}

	o := refine.New(h.providers.Named("refine"), h.model(req.Model), h.logger)
	if req.EvaluatorModel != "" {
		o.WithEvaluatorModel(req.EvaluatorModel)
	}
	for _, c := range req.Criteria {
		o.AddCriterion(c)
	}

	start := time.Now()
	result, err := o.Optimize(r.Context(), req.Task, req.MaxIterations, req.Threshold)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	h.recordRun(r, "refine", req.Task, result.FinalOutput, result.MetThreshold, result, time.Since(start))
	writeJSON(w, http.StatusOK, result)
}

type confidenceRequest struct {
	Model       string  `json:"model,omitempty"`
	Task        string  `json:"task"`
	Threshold   float64 `json:"threshold,omitempty"`
	MaxAttempts int     `json:"max_attempts,omitempty"`
}

func (h *Handler) runConfidence(w http.ResponseWriter, r *http.Request) {
	var req confidenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Task == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "task is required"})
		return
	}
	if req.Threshold == 0 {
		req.Threshold = h.strategy.ConfidenceThreshold
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = h.strategy.MaxIterations
	}

	c := refine.NewConfidenceOptimizer(h.providers.Named("confidence"), h.model(req.Model), h.logger)
	start := time.Now()
	result, err := c.Generate(r.Context(), req.Task, req.Threshold, req.MaxAttempts)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	h.recordRun(r, "confidence", req.Task, result.Output, result.MetThreshold, result, time.Since(start))
	writeJSON(w, http.StatusOK, result)
}

type routeDefRequest struct {
	Category    string `json:"category"`
	Description string `json:"description"`
	Prompt      string `json:"prompt"`
}

type routeRequest struct {
	Model          string            `json:"model,omitempty"`
	Input          string            `json:"input"`
	Threshold      float64           `json:"threshold,omitempty"`
	Routes         []routeDefRequest `json:"routes"`
	FallbackPrompt string            `json:"fallback_prompt,omitempty"`
}

func (h *Handler) runRoute(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Input == "" || len(req.Routes) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "input and routes are required"})
		return
	}
	if req.Threshold == 0 {
		req.Threshold = h.strategy.ConfidenceThreshold
	}

	llm := h.providers.Named("route")
	model := h.model(req.Model)

	promptHandler := func(template string) route.HandlerFunc[string] {
		return func(ctx context.Context, input string) (string, error) {
			prompt := strings.ReplaceAll(template, "{input}", input)
			return llm.Complete(ctx, &provider.ChatRequest{
				Model:     model,
				Messages:  []provider.Message{{Role: "user", Content: prompt}},
				MaxTokens: 4096,
			})
		}
	}

	router := route.NewRouter[string](llm, model, h.logger)
	for _, rd := range req.Routes {
		router.AddRoute(route.Route[string]{
			Category:    rd.Category,
			Description: rd.Description,
			Handler:     promptHandler(rd.Prompt),
		})
	}
	if req.FallbackPrompt != "" {
		router.SetFallback(promptHandler(req.FallbackPrompt))
	}

	start := time.Now()
	output, classification, err := router.Route(r.Context(), req.Input, req.Threshold)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, route.ErrLowConfidence) || errors.Is(err, route.ErrNoHandler) {
			status = http.StatusUnprocessableEntity
		}
		h.recordRun(r, "route", req.Input, "", false, classification, time.Since(start))
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	h.recordRun(r, "route", req.Input, output, true, classification, time.Since(start))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"output":         output,
		"classification": classification,
	})
}

type complexityRequest struct {
	Input string `json:"input"`
}

func (h *Handler) runComplexity(w http.ResponseWriter, r *http.Request) {
	var req complexityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Input == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "input is required"})
		return
	}

	tiers := route.ModelTiers{
		Simple:   h.strategy.ModelTiers.Simple,
		Moderate: h.strategy.ModelTiers.Moderate,
		Complex:  h.strategy.ModelTiers.Complex,
	}
	mr := route.NewModelRouter(h.providers.Named("complexity"), h.strategy.DefaultModel, tiers, h.logger)

	start := time.Now()
	complexity, err := mr.AssessComplexity(r.Context(), req.Input)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	model := mr.SelectModel(complexity)
	output, err := h.providers.Named("complexity").Complete(r.Context(), &provider.ChatRequest{
		Model:     model,
		Messages:  []provider.Message{{Role: "user", Content: req.Input}},
		MaxTokens: 4096,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	h.recordRun(r, "complexity", req.Input, output, true, nil, time.Since(start))
	writeJSON(w, http.StatusOK, map[string]string{
		"complexity": complexity.String(),
		"model":      model,
		"output":     output,
	})
}

type agentRequest struct {
	Model    string `json:"model,omitempty"`
	Task     string `json:"task"`
	MaxSteps int    `json:"max_steps,omitempty"`
}

func (h *Handler) runAgent(w http.ResponseWriter, r *http.Request) {
	var req agentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Task == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "task is required"})
		return
	}
	if req.MaxSteps == 0 {
		req.MaxSteps = h.strategy.MaxAgentSteps
	}

	a := agent.New(h.providers.Named("agent"), h.model(req.Model), h.registry, h.logger)
	start := time.Now()
	result, err := a.Run(r.Context(), req.Task, req.MaxSteps)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	h.recordRun(r, "agent", req.Task, result.FinalResult, result.Success, result, time.Since(start))
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "run archive not configured"})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := h.archive.ListRuns(r.Context(), r.URL.Query().Get("strategy"), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "run archive not configured"})
		return
	}
	run, err := h.archive.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// recordRun archives and announces a finished invocation. Both sinks
// are best effort; a sink failure is logged and never fails the
// request.
func (h *Handler) recordRun(r *http.Request, strategy, input, output string, success bool, detail interface{}, duration time.Duration) {
	id := uuid.New().String()

	if h.archive != nil {
		var raw json.RawMessage
		if detail != nil {
			raw, _ = json.Marshal(detail)
		}
		run := &store.Run{
			ID:       id,
			Strategy: strategy,
			Input:    input,
			Output:   output,
			Success:  success,
			Detail:   raw,
			Duration: duration,
		}
		if err := h.archive.SaveRun(r.Context(), run); err != nil {
			h.logger.Warn("archive run", zap.Error(err))
		}
	}
	if h.events != nil {
		status := "finished"
		if !success {
			status = "failed"
		}
		if err := h.events.Publish(r.Context(), &bus.RunEvent{
			RunID:    id,
			Strategy: strategy,
			Status:   status,
		}); err != nil {
			h.logger.Warn("publish run event", zap.Error(err))
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
