package clubchat

import "encoding/json"

// --- Conversation types ---

// Role identifies the author of a thread message.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Thread status values.
const (
	ThreadActive = "active"
	ThreadClosed = "closed"
)

// Message is a single turn in a thread. Messages are immutable after
// creation; edits are modeled as new appends.
type Message struct {
	ID        string            `json:"id"`
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	CreatedAt int64             `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Thread is an ordered sequence of messages under a single opaque id.
type Thread struct {
	ID        string    `json:"id"`
	CreatedAt int64     `json:"created_at"`
	Status    string    `json:"status"`
	Messages  []Message `json:"messages"`
}

// --- Planning types ---

// Context types a plan can request.
const (
	ContextNone  = "none"
	ContextWeb   = "web"
	ContextRag   = "rag"
	ContextClub  = "club"
	ContextMixed = "mixed"
)

// Worker kinds.
const (
	WorkerConversational = "conversational"
	WorkerTool           = "tool"
)

// ToolSpec names a concrete tool-server invocation for a tool task.
type ToolSpec struct {
	Server    string          `json:"server"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// WorkerTask is one unit of work in an execution plan. ID is unique
// within the plan and fixes the aggregation order.
type WorkerTask struct {
	ID              int       `json:"id"`
	Title           string    `json:"title"`
	Kind            string    `json:"worker_kind"`
	Tool            *ToolSpec `json:"tool_spec,omitempty"`
	RequiresContext bool      `json:"requires_context"`
	ContextType     string    `json:"context_type,omitempty"`
	NeedsApproval   bool      `json:"needs_approval,omitempty"`
}

// ExecutionPlan is the planner's classification of a query: whether
// context is needed, from where, and which worker tasks to run.
// Plans live for exactly one orchestration run and are never persisted.
type ExecutionPlan struct {
	NeedsContext  bool         `json:"needs_context"`
	ContextType   string       `json:"context_type,omitempty"`
	Reasoning     string       `json:"reasoning,omitempty"`
	SearchQueries []string     `json:"search_queries,omitempty"`
	RagQueries    []string     `json:"rag_queries,omitempty"`
	ClubQueries   []string     `json:"club_queries,omitempty"`
	Tasks         []WorkerTask `json:"tasks"`
}

// DefaultPlan is the deterministic fallback used when the model returns
// a malformed plan: no context, a single conversational task.
func DefaultPlan() ExecutionPlan {
	return ExecutionPlan{
		NeedsContext: false,
		Tasks:        []WorkerTask{{ID: 1, Title: "respond", Kind: WorkerConversational}},
	}
}

// --- Context types ---

// ContextItem is a unit of retrieved text tagged by source, originating
// query, and relevance in [0, 1].
type ContextItem struct {
	Source    string            `json:"source"`
	Content   string            `json:"content"`
	Relevance float64           `json:"relevance"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// GatheredContext is a provider's output: the individual items plus the
// budget-bounded combined text handed to workers.
type GatheredContext struct {
	Items    []ContextItem `json:"items"`
	Combined string        `json:"combined"`
}

// --- Execution types ---

// TaskResult is the single outcome of one worker task. Worker failures
// are values here, never errors that escape the worker boundary.
type TaskResult struct {
	TaskID           int    `json:"task_id"`
	Kind             string `json:"worker_kind"`
	Success          bool   `json:"success"`
	Output           string `json:"output"`
	UsedContext      bool   `json:"used_context"`
	RequiresApproval bool   `json:"requires_approval,omitempty"`
	Err              string `json:"error,omitempty"`
}

// PendingApproval records a write operation the worker declined to
// execute without human confirmation.
type PendingApproval struct {
	TaskID    int             `json:"task_id"`
	Server    string          `json:"server"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Preview   string          `json:"preview"`
}

// OrchestratorResult is the final outcome of one orchestration run.
type OrchestratorResult struct {
	Response         string            `json:"response"`
	RedFlag          bool              `json:"red_flag"`
	Confidence       float64           `json:"confidence"`
	Iterations       int               `json:"iterations"`
	ToolsUsed        []string          `json:"tools_used"`
	PendingApprovals []PendingApproval `json:"pending_approvals,omitempty"`
	Results          []TaskResult      `json:"results,omitempty"`
}

// --- LLM protocol types ---

type ChatMessage struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ResponseSchema tells the provider to enforce structured JSON output.
type ResponseSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
}

type ChatRequest struct {
	Messages       []ChatMessage    `json:"messages"`
	Tools          []ToolDefinition `json:"tools,omitempty"`
	ResponseSchema *ResponseSchema  `json:"response_schema,omitempty"`
}

type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ToolDefinition describes a tool exposed by a tool server.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ResourceDefinition describes a resource exposed by a tool server.
type ResourceDefinition struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	MimeType    string `json:"mimeType,omitempty"`
	Description string `json:"description,omitempty"`
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID}
}
