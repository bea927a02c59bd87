package clubchat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// Orchestrator defaults.
const (
	defaultConfidenceThreshold = 0.6
	defaultMaxIterations       = 2
)

// confidenceSchema is the structured-output shape of the confidence
// check.
const confidenceSchema = `{
  "type": "object",
  "properties": {
    "score": {"type": "number", "minimum": 0, "maximum": 1},
    "retry_needed": {"type": "boolean"}
  },
  "required": ["score", "retry_needed"]
}`

// Orchestrator is the per-process state machine driving one chat
// request: gate → planner → context → worker fan-out → aggregator →
// confidence loop. One long-lived instance serves all requests; each
// request owns its own plan, context, task set, and result collector.
type Orchestrator struct {
	gate      *SafetyGate
	planner   *Planner
	provider  Provider
	providers map[string]ContextProvider // keyed by context type
	workers   map[string]Worker          // keyed by worker kind

	confidenceThreshold float64
	maxIterations       int
	requestTimeout      time.Duration

	tracer Tracer
	logger *slog.Logger
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithContextProvider routes a context type to a provider. The mixed
// type composes the three single-source providers automatically when
// any of them is registered; register it explicitly to override.
func WithContextProvider(contextType string, p ContextProvider) OrchestratorOption {
	return func(o *Orchestrator) { o.providers[contextType] = p }
}

// WithWorker routes a worker kind to a worker.
func WithWorker(kind string, w Worker) OrchestratorOption {
	return func(o *Orchestrator) { o.workers[kind] = w }
}

// WithConfidenceThreshold sets the retry threshold θ. Default 0.6.
func WithConfidenceThreshold(t float64) OrchestratorOption {
	return func(o *Orchestrator) { o.confidenceThreshold = t }
}

// WithMaxIterations caps plan→retry rounds. Default 2.
func WithMaxIterations(n int) OrchestratorOption {
	return func(o *Orchestrator) { o.maxIterations = n }
}

// WithRequestTimeout sets the request-level deadline across the whole
// orchestration. Zero (default) disables it.
func WithRequestTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.requestTimeout = d }
}

// WithTracer enables span emission.
func WithTracer(t Tracer) OrchestratorOption {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithOrchestratorLogger sets the structured logger.
func WithOrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// NewOrchestrator wires the state machine. The gate and planner are
// required; context providers and workers are attached via options.
func NewOrchestrator(gate *SafetyGate, planner *Planner, provider Provider, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		gate:                gate,
		planner:             planner,
		provider:            provider,
		providers:           make(map[string]ContextProvider),
		workers:             make(map[string]Worker),
		confidenceThreshold: defaultConfidenceThreshold,
		maxIterations:       defaultMaxIterations,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = nopLogger
	}
	if o.maxIterations < 1 {
		o.maxIterations = 1
	}
	if _, ok := o.providers[ContextMixed]; !ok {
		web, rag, club := o.providers[ContextWeb], o.providers[ContextRag], o.providers[ContextClub]
		if web != nil || rag != nil || club != nil {
			o.providers[ContextMixed] = NewMixedProvider(web, rag, club)
		}
	}
	return o
}

// Run drives one request through the state machine and always returns a
// usable result: worker failures degrade the reply, they never abort it.
func (o *Orchestrator) Run(ctx context.Context, query string, history []Message) OrchestratorResult {
	if o.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.requestTimeout)
		defer cancel()
	}
	if o.tracer != nil {
		var span Span
		ctx, span = o.tracer.Start(ctx, "orchestrate", StringAttr("query", truncate(query, 120)))
		defer span.End()
	}

	// Safety gate: a trip short-circuits planning and execution.
	if verdict := o.gate.Check(ctx, query); verdict.RedFlag {
		return OrchestratorResult{
			Response:  verdict.Response,
			RedFlag:   true,
			ToolsUsed: []string{},
		}
	}

	toolsUsed := make(map[string]bool)
	var pending []PendingApproval
	var lastResults []TaskResult
	response := ""
	confidence := 1.0
	iterations := 0

	for iter := 0; iter < o.maxIterations; iter++ {
		iterations = iter + 1

		plan, err := o.planner.Plan(ctx, query, history)
		if err != nil {
			o.logger.Warn("planner fell back to default plan", "iteration", iter, "err", err)
		}

		combined := o.gatherContext(ctx, plan, toolsUsed)

		results, iterPending := o.fanout(ctx, plan, query, combined)
		pending = append(pending, iterPending...)
		lastResults = results
		for _, t := range plan.Tasks {
			if t.Kind == WorkerTool && t.Tool != nil {
				toolsUsed[t.Tool.Server] = true
			}
		}

		response = o.aggregate(ctx, query, results)

		score, retry := o.confidenceCheck(ctx, query, response)
		confidence = score
		if !(retry && score < o.confidenceThreshold && iter+1 < o.maxIterations) {
			break
		}
		o.logger.Info("confidence below threshold, replanning",
			"score", score, "threshold", o.confidenceThreshold, "iteration", iter)
	}

	return OrchestratorResult{
		Response:         response,
		Confidence:       confidence,
		Iterations:       iterations,
		ToolsUsed:        sortedKeys(toolsUsed),
		PendingApprovals: pending,
		Results:          lastResults,
	}
}

// gatherContext routes to the provider matching the plan's context type
// and records which tool servers contributed items.
func (o *Orchestrator) gatherContext(ctx context.Context, plan ExecutionPlan, toolsUsed map[string]bool) string {
	if !plan.NeedsContext || plan.ContextType == ContextNone || plan.ContextType == "" {
		return ""
	}
	provider, ok := o.providers[plan.ContextType]
	if !ok {
		o.logger.Warn("no provider for context type", "context_type", plan.ContextType)
		return ""
	}
	if o.tracer != nil {
		var span Span
		ctx, span = o.tracer.Start(ctx, "context.gather", StringAttr("context_type", plan.ContextType))
		defer span.End()
	}
	gathered := provider.Gather(ctx, plan)
	for _, item := range gathered.Items {
		if server := item.Metadata["server"]; server != "" {
			toolsUsed[server] = true
		}
	}
	o.logger.Info("context gathered",
		"context_type", plan.ContextType,
		"items", len(gathered.Items),
		"combined_chars", len(gathered.Combined))
	return gathered.Combined
}

// fanout dispatches every task concurrently and fans results back in on
// a single channel bounded by the task count. Workers share no mutable
// state; a cancelled context marks still-pending tasks failed so the
// aggregator always runs with whatever completed.
func (o *Orchestrator) fanout(ctx context.Context, plan ExecutionPlan, query, combined string) ([]TaskResult, []PendingApproval) {
	type outcome struct {
		idx      int
		result   TaskResult
		approvals []PendingApproval
	}

	tasks := plan.Tasks
	resultCh := make(chan outcome, len(tasks))
	for i, task := range tasks {
		go func(idx int, task WorkerTask) {
			defer func() {
				if p := recover(); p != nil {
					resultCh <- outcome{idx: idx, result: failedResult(task, task.Kind, fmt.Sprintf("worker panic: %v", p), false)}
				}
			}()
			worker, ok := o.workers[task.Kind]
			if !ok {
				resultCh <- outcome{idx: idx, result: failedResult(task, task.Kind, "no worker for kind "+task.Kind, false)}
				return
			}
			taskContext := ""
			if task.RequiresContext {
				taskContext = combined
			}
			result, approvals := worker.Execute(ctx, WorkRequest{Task: task, Query: query, Context: taskContext})
			resultCh <- outcome{idx: idx, result: result, approvals: approvals}
		}(i, task)
	}

	results := make([]TaskResult, len(tasks))
	seen := make([]bool, len(tasks))
	var pending []PendingApproval
collect:
	for received := 0; received < len(tasks); received++ {
		select {
		case out := <-resultCh:
			results[out.idx] = out.result
			seen[out.idx] = true
			pending = append(pending, out.approvals...)
		case <-ctx.Done():
			break collect
		}
	}
	for i := range results {
		if !seen[i] {
			results[i] = failedResult(tasks[i], tasks[i].Kind, "deadline exceeded before completion", false)
		}
	}

	// Aggregation order is by task id, independent of completion order.
	sort.Slice(results, func(i, j int) bool { return results[i].TaskID < results[j].TaskID })
	return results, pending
}

// aggregate fuses per-task outputs. One result passes through verbatim;
// several are fused by the model anchored on the original query.
func (o *Orchestrator) aggregate(ctx context.Context, query string, results []TaskResult) string {
	if len(results) == 0 {
		return "No tasks were executed."
	}
	if len(results) == 1 {
		if results[0].Output != "" {
			return results[0].Output
		}
		return "The request could not be completed."
	}

	var b strings.Builder
	for _, r := range results {
		status := "ok"
		if !r.Success {
			status = "failed"
		}
		fmt.Fprintf(&b, "[%s %s] %s\n\n", strings.ToUpper(r.Kind), status, truncate(r.Output, 400))
	}

	resp, err := o.provider.Chat(ctx, ChatRequest{Messages: []ChatMessage{
		SystemMessage("You are a helpful assistant."),
		UserMessage(fmt.Sprintf(
			"Original Query: %s\n\nResults from different workers:\n%s\nProvide a coherent final response that addresses the user's original query. Integrate information from different services smoothly.",
			query, b.String())),
	}})
	if err != nil {
		o.logger.Warn("aggregation llm call failed, concatenating results", "err", err)
		var fallback strings.Builder
		for i, r := range results {
			if i > 0 {
				fallback.WriteString("\n\n")
			}
			fallback.WriteString(r.Output)
		}
		return fallback.String()
	}
	return resp.Content
}

// confidenceCheck asks the model to score the response. Malformed or
// failed checks count as confident: the reply is already assembled and
// a broken scorer must not burn retry budget.
func (o *Orchestrator) confidenceCheck(ctx context.Context, query, response string) (float64, bool) {
	resp, err := o.provider.Chat(ctx, ChatRequest{
		Messages: []ChatMessage{
			UserMessage(fmt.Sprintf(
				"Rate how well this response answers the query.\n\nQuery: %s\n\nResponse: %s\n\nReturn a score in [0,1] and whether a retry is needed.",
				query, truncate(response, 1500))),
		},
		ResponseSchema: &ResponseSchema{Name: "confidence", Schema: json.RawMessage(confidenceSchema)},
	})
	if err != nil {
		o.logger.Warn("confidence check failed", "err", err)
		return 1, false
	}
	var verdict struct {
		Score       float64 `json:"score"`
		RetryNeeded bool    `json:"retry_needed"`
	}
	if err := json.Unmarshal([]byte(resp.Content), &verdict); err != nil {
		o.logger.Warn("confidence check returned malformed output", "err", err)
		return 1, false
	}
	if verdict.Score < 0 {
		verdict.Score = 0
	}
	if verdict.Score > 1 {
		verdict.Score = 1
	}
	return verdict.Score, verdict.RetryNeeded
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
