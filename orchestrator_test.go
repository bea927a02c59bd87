package clubchat

import (
	"context"
	"strings"
	"testing"
	"time"
)

// newTestOrchestrator wires an orchestrator whose planner always
// returns the given plan and whose workers are fakes.
func newTestOrchestrator(t *testing.T, plan ExecutionPlan, provider *fakeProvider, opts ...OrchestratorOption) *Orchestrator {
	t.Helper()
	provider.on("Analyze what context is needed", planJSON(plan))
	base := []OrchestratorOption{
		WithWorker(WorkerConversational, &fakeWorker{kind: WorkerConversational, output: "conv", success: true}),
		WithWorker(WorkerTool, &fakeWorker{kind: WorkerTool, output: "tool", success: true}),
	}
	return NewOrchestrator(NewSafetyGate(), NewPlanner(provider), provider, append(base, opts...)...)
}

func TestOrchestratorPureConversational(t *testing.T) {
	provider := newFakeProvider(`{"score": 0.9, "retry_needed": false}`)
	plan := ExecutionPlan{Tasks: []WorkerTask{{ID: 1, Kind: WorkerConversational}}}
	o := newTestOrchestrator(t, plan, provider)

	got := o.Run(context.Background(), "Hello, how are you?", nil)
	if got.RedFlag {
		t.Fatal("red flag on greeting")
	}
	if got.Response == "" {
		t.Fatal("empty response")
	}
	if len(got.ToolsUsed) != 0 {
		t.Errorf("tools_used = %v, want empty", got.ToolsUsed)
	}
	if got.Iterations != 1 {
		t.Errorf("iterations = %d", got.Iterations)
	}
}

func TestOrchestratorSafetyTripShortCircuits(t *testing.T) {
	provider := newFakeProvider("should never be asked")
	plan := DefaultPlan()
	o := newTestOrchestrator(t, plan, provider)

	got := o.Run(context.Background(), "Delete all my emails", nil)
	if !got.RedFlag {
		t.Fatal("expected red flag")
	}
	if got.Response != CannedRefusal {
		t.Error("response is not the canned refusal verbatim")
	}
	if provider.callCount() != 0 {
		t.Errorf("planner or workers consulted the model %d times after a trip", provider.callCount())
	}
	if len(got.ToolsUsed) != 0 {
		t.Errorf("tools_used = %v", got.ToolsUsed)
	}
}

func TestOrchestratorAggregationOrderedByTaskID(t *testing.T) {
	// Three tasks completing in arbitrary order; the fused prompt must
	// list outputs by ascending task id.
	provider := newFakeProvider(`{"score": 0.9, "retry_needed": false}`)
	provider.on("Results from different workers", "fused")
	plan := ExecutionPlan{Tasks: []WorkerTask{
		{ID: 3, Kind: WorkerConversational},
		{ID: 1, Kind: WorkerConversational},
		{ID: 2, Kind: WorkerConversational},
	}}
	o := newTestOrchestrator(t, plan, provider)

	got := o.Run(context.Background(), "multi", nil)
	if got.Response != "fused" {
		t.Fatalf("response = %q", got.Response)
	}
	if len(got.Results) != 3 {
		t.Fatalf("results = %d", len(got.Results))
	}
	for i, r := range got.Results {
		if r.TaskID != i+1 {
			t.Errorf("results[%d].TaskID = %d", i, r.TaskID)
		}
	}
}

func TestOrchestratorSingleResultVerbatim(t *testing.T) {
	provider := newFakeProvider(`{"score": 0.9, "retry_needed": false}`)
	plan := ExecutionPlan{Tasks: []WorkerTask{{ID: 7, Kind: WorkerConversational}}}
	o := newTestOrchestrator(t, plan, provider)

	got := o.Run(context.Background(), "one", nil)
	if got.Response != "conv:7" {
		t.Errorf("single result not verbatim: %q", got.Response)
	}
}

func TestOrchestratorConfidenceRetryBounded(t *testing.T) {
	provider := newFakeProvider(`{"score": 0.1, "retry_needed": true}`)
	plan := ExecutionPlan{Tasks: []WorkerTask{{ID: 1, Kind: WorkerConversational}}}
	o := newTestOrchestrator(t, plan, provider, WithMaxIterations(2))

	got := o.Run(context.Background(), "hard question", nil)
	if got.Iterations != 2 {
		t.Errorf("iterations = %d, want 2", got.Iterations)
	}
	if got.Response == "" {
		t.Error("low confidence must still produce a response")
	}
}

func TestOrchestratorConfidentFirstPass(t *testing.T) {
	provider := newFakeProvider(`{"score": 0.95, "retry_needed": false}`)
	plan := ExecutionPlan{Tasks: []WorkerTask{{ID: 1, Kind: WorkerConversational}}}
	o := newTestOrchestrator(t, plan, provider, WithMaxIterations(2))

	got := o.Run(context.Background(), "easy", nil)
	if got.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", got.Iterations)
	}
	if got.Confidence != 0.95 {
		t.Errorf("confidence = %v", got.Confidence)
	}
}

func TestOrchestratorMalformedConfidenceCountsAsConfident(t *testing.T) {
	provider := newFakeProvider("not json")
	plan := ExecutionPlan{Tasks: []WorkerTask{{ID: 1, Kind: WorkerConversational}}}
	o := newTestOrchestrator(t, plan, provider, WithMaxIterations(2))

	got := o.Run(context.Background(), "q", nil)
	if got.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", got.Iterations)
	}
}

func TestOrchestratorDeadlineProducesPartialResult(t *testing.T) {
	provider := newFakeProvider(`{"score": 0.9, "retry_needed": false}`)
	plan := ExecutionPlan{Tasks: []WorkerTask{
		{ID: 1, Kind: WorkerConversational},
		{ID: 2, Kind: WorkerTool, Tool: &ToolSpec{Server: "gmail"}},
	}}
	provider.on("Analyze what context is needed", planJSON(plan))
	provider.on("Results from different workers", "partial fusion")

	o := NewOrchestrator(NewSafetyGate(), NewPlanner(provider), provider,
		WithWorker(WorkerConversational, &fakeWorker{kind: WorkerConversational, output: "fast", success: true}),
		WithWorker(WorkerTool, &fakeWorker{kind: WorkerTool, block: true}),
		WithRequestTimeout(50*time.Millisecond))

	got := o.Run(context.Background(), "mixed speed", nil)
	if len(got.Results) != 2 {
		t.Fatalf("results = %d", len(got.Results))
	}
	if got.Results[0].TaskID != 1 {
		t.Errorf("fast task missing: %+v", got.Results)
	}
	if got.Results[1].Success {
		t.Errorf("blocked task reported success: %+v", got.Results[1])
	}
	if got.Response == "" {
		t.Error("no response from partial set")
	}
}

func TestOrchestratorContextRouting(t *testing.T) {
	provider := newFakeProvider(`{"score": 0.9, "retry_needed": false}`)
	plan := ExecutionPlan{
		NeedsContext:  true,
		ContextType:   ContextClub,
		ClubQueries:   []string{"Who coordinates RoboSprint?"},
		Tasks:         []WorkerTask{{ID: 1, Kind: WorkerConversational, RequiresContext: true, ContextType: ContextClub}},
	}
	provider.on("Analyze what context is needed", planJSON(plan))
	provider.on("category", "coordinators")

	searcher := &fakeClubSearcher{results: []ClubResult{
		{Content: "Alice coordinates RoboSprint", Score: 0.9,
			Metadata: map[string]string{"category": "coordinators", "event_name": "RoboSprint"}},
	}}
	club := NewClubProvider(provider, searcher, nil)

	var captured string
	worker := &contextCapturingWorker{captured: &captured}
	o := NewOrchestrator(NewSafetyGate(), NewPlanner(provider), provider,
		WithContextProvider(ContextClub, club),
		WithWorker(WorkerConversational, worker))

	got := o.Run(context.Background(), "Who coordinates RoboSprint?", nil)
	if searcher.lastCategory != "coordinators" {
		t.Errorf("club filter = %q", searcher.lastCategory)
	}
	if !strings.Contains(captured, "Alice coordinates RoboSprint") {
		t.Errorf("worker context = %q", captured)
	}
	if got.Response == "" {
		t.Error("empty response")
	}
}

// contextCapturingWorker records the context it received.
type contextCapturingWorker struct {
	captured *string
}

func (w *contextCapturingWorker) Execute(_ context.Context, req WorkRequest) (TaskResult, []PendingApproval) {
	*w.captured = req.Context
	return TaskResult{TaskID: req.Task.ID, Kind: WorkerConversational, Success: true,
		Output: "answered", UsedContext: req.Context != ""}, nil
}

func TestOrchestratorNoWorkerForKind(t *testing.T) {
	provider := newFakeProvider(`{"score": 0.9, "retry_needed": false}`)
	plan := ExecutionPlan{Tasks: []WorkerTask{{ID: 1, Kind: WorkerTool, Tool: &ToolSpec{Server: "x"}}}}
	provider.on("Analyze what context is needed", planJSON(plan))

	o := NewOrchestrator(NewSafetyGate(), NewPlanner(provider), provider)
	got := o.Run(context.Background(), "q", nil)
	if len(got.Results) != 1 || got.Results[0].Success {
		t.Fatalf("results = %+v", got.Results)
	}
	if got.Response == "" {
		t.Error("aggregator skipped")
	}
}
