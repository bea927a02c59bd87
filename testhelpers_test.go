package clubchat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// fakeProvider returns scripted responses. Each call picks the first
// rule whose substring matches the last message content; unmatched
// calls return the fallback.
type fakeProvider struct {
	mu       sync.Mutex
	rules    []fakeRule
	fallback string
	err      error
	calls    []ChatRequest
}

type fakeRule struct {
	match    string
	response ChatResponse
}

func newFakeProvider(fallback string) *fakeProvider {
	return &fakeProvider{fallback: fallback}
}

func (p *fakeProvider) on(match, content string) *fakeProvider {
	p.rules = append(p.rules, fakeRule{match: match, response: ChatResponse{Content: content}})
	return p
}

func (p *fakeProvider) onResponse(match string, resp ChatResponse) *fakeProvider {
	p.rules = append(p.rules, fakeRule{match: match, response: resp})
	return p
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	if p.err != nil {
		return ChatResponse{}, p.err
	}
	last := ""
	if len(req.Messages) > 0 {
		last = req.Messages[len(req.Messages)-1].Content
	}
	for _, r := range p.rules {
		if strings.Contains(last, r.match) {
			return r.response, nil
		}
	}
	return ChatResponse{Content: p.fallback}, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// sawRequestContaining reports whether any request's last message
// contained the substring.
func (p *fakeProvider) sawRequestContaining(s string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, req := range p.calls {
		for _, m := range req.Messages {
			if strings.Contains(m.Content, s) {
				return true
			}
		}
	}
	return false
}

// fakeToolServer is an in-process ToolServer.
type fakeToolServer struct {
	tools    []ToolDefinition
	listErr  error
	callFn   func(name string, args json.RawMessage) (json.RawMessage, error)
	closed   bool
	mu       sync.Mutex
	invoked  []string
}

func (s *fakeToolServer) ListTools(context.Context) ([]ToolDefinition, error) {
	return s.tools, s.listErr
}

func (s *fakeToolServer) CallTool(_ context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	s.mu.Lock()
	s.invoked = append(s.invoked, name)
	s.mu.Unlock()
	if s.callFn != nil {
		return s.callFn(name, args)
	}
	return json.RawMessage(`"ok"`), nil
}

func (s *fakeToolServer) ListResources(context.Context) ([]ResourceDefinition, error) {
	return nil, nil
}

func (s *fakeToolServer) Close() error {
	s.closed = true
	return nil
}

func (s *fakeToolServer) invocations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.invoked...)
}

// fakeClubSearcher returns canned club rows.
type fakeClubSearcher struct {
	results      []ClubResult
	err          error
	lastCategory string
	lastQuery    string
}

func (s *fakeClubSearcher) Search(_ context.Context, query, category string, _ int) ([]ClubResult, error) {
	s.lastQuery = query
	s.lastCategory = category
	return s.results, s.err
}

// fakeWorker returns a fixed result, optionally after the context ends.
type fakeWorker struct {
	kind    string
	output  string
	success bool
	block   bool
}

func (w *fakeWorker) Execute(ctx context.Context, req WorkRequest) (TaskResult, []PendingApproval) {
	if w.block {
		<-ctx.Done()
		return failedResult(req.Task, w.kind, "cancelled", false), nil
	}
	return TaskResult{
		TaskID:      req.Task.ID,
		Kind:        w.kind,
		Success:     w.success,
		Output:      fmt.Sprintf("%s:%d", w.output, req.Task.ID),
		UsedContext: req.Context != "",
	}, nil
}

// planJSON renders a plan as the JSON a well-behaved model would emit.
func planJSON(plan ExecutionPlan) string {
	data, err := json.Marshal(plan)
	if err != nil {
		panic(err)
	}
	return string(data)
}
