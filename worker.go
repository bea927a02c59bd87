package clubchat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"
)

// maxToolIterations bounds the tool-use loop inside a single tool task.
const maxToolIterations = 3

// maxParallelToolCalls caps concurrent tool dispatches within one loop
// iteration.
const maxParallelToolCalls = 4

// WorkRequest is the input to a worker: one task plus the query and the
// gathered context it may consume.
type WorkRequest struct {
	Task    WorkerTask
	Query   string
	Context string
}

// Worker executes one task and returns exactly one TaskResult. Failures
// are captured in the result, never raised. Implementations must be safe
// to run in parallel with each other; they share no mutable state.
type Worker interface {
	Execute(ctx context.Context, req WorkRequest) (TaskResult, []PendingApproval)
}

// --- ConversationalWorker ---

// ConversationalWorker answers with the LLM, weaving in gathered
// context when the task carries any.
type ConversationalWorker struct {
	provider Provider
	logger   *slog.Logger
}

// NewConversationalWorker creates a conversational worker.
func NewConversationalWorker(provider Provider, logger *slog.Logger) *ConversationalWorker {
	if logger == nil {
		logger = nopLogger
	}
	return &ConversationalWorker{provider: provider, logger: logger}
}

var _ Worker = (*ConversationalWorker)(nil)

func (w *ConversationalWorker) Execute(ctx context.Context, req WorkRequest) (TaskResult, []PendingApproval) {
	var b strings.Builder
	fmt.Fprintf(&b, "User Query: %s\n", req.Query)
	if req.Context != "" {
		fmt.Fprintf(&b, "\nContext from search:\n%s\n", req.Context)
	}
	title := req.Task.Title
	if title == "" {
		title = "Respond conversationally"
	}
	fmt.Fprintf(&b, "\nTask: %s\n", title)
	if req.Context != "" {
		b.WriteString("\nPlease respond using this context if helpful. If it isn't relevant, ignore it.")
	} else {
		b.WriteString("\nProvide a helpful, conversational response.")
	}

	resp, err := w.provider.Chat(ctx, ChatRequest{Messages: []ChatMessage{
		SystemMessage("You are a helpful assistant for a robotics club."),
		UserMessage(b.String()),
	}})
	if err != nil {
		w.logger.Warn("conversational worker failed", "task", req.Task.ID, "err", err)
		return TaskResult{
			TaskID:      req.Task.ID,
			Kind:        WorkerConversational,
			Success:     false,
			Output:      "Response generation failed: " + err.Error(),
			UsedContext: req.Context != "",
			Err:         err.Error(),
		}, nil
	}
	return TaskResult{
		TaskID:      req.Task.ID,
		Kind:        WorkerConversational,
		Success:     true,
		Output:      resp.Content,
		UsedContext: req.Context != "",
	}, nil
}

// --- ToolWorker ---

// ToolWorker drives one tool server through a short LLM tool-use loop.
// Tool exposure is constrained per server by a whitelist; tasks marked
// needs_approval emit a pending-approval record instead of executing.
type ToolWorker struct {
	provider  Provider
	invoker   ToolInvoker
	whitelist map[string]map[string]bool // server -> allowed tool names
	maxIter   int
	logger    *slog.Logger
}

// ToolWorkerOption configures a ToolWorker.
type ToolWorkerOption func(*ToolWorker)

// Whitelist restricts the tools exposed to the model for a server. A
// server without a whitelist exposes everything it discovered.
func Whitelist(server string, tools ...string) ToolWorkerOption {
	return func(w *ToolWorker) {
		allowed := make(map[string]bool, len(tools))
		for _, t := range tools {
			allowed[t] = true
		}
		w.whitelist[server] = allowed
	}
}

// ToolWorkerLogger sets the structured logger.
func ToolWorkerLogger(l *slog.Logger) ToolWorkerOption {
	return func(w *ToolWorker) { w.logger = l }
}

// NewToolWorker creates a tool worker over the given invoker.
func NewToolWorker(provider Provider, invoker ToolInvoker, opts ...ToolWorkerOption) *ToolWorker {
	w := &ToolWorker{
		provider:  provider,
		invoker:   invoker,
		whitelist: make(map[string]map[string]bool),
		maxIter:   maxToolIterations,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = nopLogger
	}
	return w
}

var _ Worker = (*ToolWorker)(nil)

func (w *ToolWorker) Execute(ctx context.Context, req WorkRequest) (TaskResult, []PendingApproval) {
	task := req.Task
	if task.Tool == nil {
		return failedResult(task, WorkerTool, "tool task without tool_spec", req.Context != ""), nil
	}
	server := task.Tool.Server

	if task.NeedsApproval {
		pending := PendingApproval{
			TaskID:    task.ID,
			Server:    server,
			Tool:      task.Tool.Tool,
			Arguments: task.Tool.Arguments,
			Preview:   fmt.Sprintf("%s/%s: %s", server, task.Tool.Tool, task.Title),
		}
		w.logger.Info("approval required", "task", task.ID, "server", server, "tool", task.Tool.Tool)
		return TaskResult{
			TaskID:           task.ID,
			Kind:             WorkerTool,
			Success:          true,
			Output:           fmt.Sprintf("This operation requires approval before execution: %s", pending.Preview),
			UsedContext:      req.Context != "",
			RequiresApproval: true,
		}, []PendingApproval{pending}
	}

	tools := w.allowedTools(server)
	if len(tools) == 0 {
		return failedResult(task, WorkerTool, fmt.Sprintf("no tools available for server %s", server), req.Context != ""), nil
	}

	messages := []ChatMessage{
		SystemMessage("You are a helpful assistant. Use the available tools to complete the task, then summarize the outcome."),
		UserMessage(w.buildPrompt(req)),
	}

	for i := 0; i < w.maxIter; i++ {
		resp, err := w.provider.Chat(ctx, ChatRequest{Messages: messages, Tools: tools})
		if err != nil {
			return failedResult(task, WorkerTool, "tool loop failed: "+err.Error(), req.Context != ""), nil
		}
		if len(resp.ToolCalls) == 0 {
			return TaskResult{
				TaskID:      task.ID,
				Kind:        WorkerTool,
				Success:     true,
				Output:      resp.Content,
				UsedContext: req.Context != "",
			}, nil
		}

		messages = append(messages, ChatMessage{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		results := w.dispatchParallel(ctx, server, resp.ToolCalls)
		for j, tc := range resp.ToolCalls {
			messages = append(messages, ToolResultMessage(tc.ID, results[j]))
		}
	}

	// Iterations exhausted — force a synthesis turn without tools.
	messages = append(messages, UserMessage(
		"You have used all available tool calls. Summarize what you did and respond to the user."))
	resp, err := w.provider.Chat(ctx, ChatRequest{Messages: messages})
	if err != nil {
		return failedResult(task, WorkerTool, "synthesis failed: "+err.Error(), req.Context != ""), nil
	}
	return TaskResult{
		TaskID:      task.ID,
		Kind:        WorkerTool,
		Success:     true,
		Output:      resp.Content,
		UsedContext: req.Context != "",
	}, nil
}

// allowedTools returns the server's discovered tools filtered by its
// whitelist (if one is configured).
func (w *ToolWorker) allowedTools(server string) []ToolDefinition {
	all := w.invoker.Tools(server)
	allowed, restricted := w.whitelist[server]
	if !restricted {
		return all
	}
	var out []ToolDefinition
	for _, d := range all {
		if allowed[d.Name] {
			out = append(out, d)
		}
	}
	return out
}

func (w *ToolWorker) buildPrompt(req WorkRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", req.Task.Title)
	if req.Context != "" {
		fmt.Fprintf(&b, "\nContext from search (use if relevant):\n%s\n", truncate(req.Context, 800))
	}
	fmt.Fprintf(&b, "\nOriginal query: %s\n", req.Query)
	b.WriteString("\nUse the appropriate tools to complete this task.")
	return b.String()
}

// dispatchParallel runs one iteration's tool calls concurrently with a
// bounded group and returns their textual results in call order. Errors
// become "error: ..." strings so the model can react.
func (w *ToolWorker) dispatchParallel(ctx context.Context, server string, calls []ToolCall) []string {
	results := make([]string, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelToolCalls)
	for i, tc := range calls {
		g.Go(func() error {
			raw, err := w.invoker.Invoke(gctx, server, tc.Name, tc.Args)
			if err != nil {
				w.logger.Warn("tool call failed", "server", server, "tool", tc.Name, "err", err)
				results[i] = "error: " + err.Error()
				return nil
			}
			results[i] = rawToText(raw)
			return nil
		})
	}
	g.Wait()
	return results
}

func failedResult(task WorkerTask, kind, msg string, usedContext bool) TaskResult {
	return TaskResult{
		TaskID:      task.ID,
		Kind:        kind,
		Success:     false,
		Output:      msg,
		UsedContext: usedContext,
		Err:         msg,
	}
}
