package clubchat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// planningSystem instructs the model to classify the query into context
// needs and worker tasks.
const planningSystem = `You are a planning agent for a robotics club assistant. Decide:
1. Does this query need context from web search, document retrieval (rag), or club knowledge (club)?
2. Which worker tasks are needed to answer or act on the query?

CONTEXT TYPES:
- web: factual questions, explanations, definitions, concepts, "What is...", "Explain..."
- rag: questions grounded in the user's own documents, "What do my docs say about..."
- club: robotics club events, announcements, coordinators, timelines
- mixed: more than one of the above
- none: greetings, casual conversation, pure tool operations

WORKERS:
- conversational: answer with the LLM, optionally using gathered context
- tool: operate a tool server (gmail, calendar, drive, github, web)

RULES:
1. Decide context first; fill only the query lists for the chosen type.
2. Give every task a unique integer id starting at 1.
3. Mark tasks that should see gathered context with requires_context.
4. Tool tasks name the server and tool in tool_spec.
5. Write operations (send mail, create events, create repos) set needs_approval.`

// planSchema is the JSON Schema the model's structured output must
// satisfy before it is decoded into an ExecutionPlan.
const planSchema = `{
  "type": "object",
  "properties": {
    "needs_context": {"type": "boolean"},
    "context_type": {"enum": ["web", "rag", "club", "mixed", "none"]},
    "reasoning": {"type": "string"},
    "search_queries": {"type": "array", "items": {"type": "string"}},
    "rag_queries": {"type": "array", "items": {"type": "string"}},
    "club_queries": {"type": "array", "items": {"type": "string"}},
    "tasks": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "id": {"type": "integer", "minimum": 1},
          "title": {"type": "string"},
          "worker_kind": {"enum": ["conversational", "tool"]},
          "tool_spec": {
            "type": "object",
            "properties": {
              "server": {"type": "string"},
              "tool": {"type": "string"},
              "arguments": {"type": "object"}
            },
            "required": ["server"]
          },
          "requires_context": {"type": "boolean"},
          "context_type": {"enum": ["web", "rag", "club"]},
          "needs_approval": {"type": "boolean"}
        },
        "required": ["id", "worker_kind"]
      }
    }
  },
  "required": ["needs_context", "tasks"]
}`

// Planner classifies a query into an ExecutionPlan via the LLM's
// structured output. It never executes tools itself.
type Planner struct {
	provider Provider
	schema   *jsonschema.Schema
	logger   *slog.Logger
}

// PlannerOption configures a Planner.
type PlannerOption func(*Planner)

// PlannerLogger sets the structured logger.
func PlannerLogger(l *slog.Logger) PlannerOption {
	return func(p *Planner) { p.logger = l }
}

// NewPlanner creates a Planner bound to the given provider.
func NewPlanner(provider Provider, opts ...PlannerOption) *Planner {
	p := &Planner{provider: provider, schema: compilePlanSchema()}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = nopLogger
	}
	return p
}

func compilePlanSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(planSchema))
	if err != nil {
		panic(fmt.Sprintf("clubchat: plan schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("execution_plan.json", doc); err != nil {
		panic(fmt.Sprintf("clubchat: plan schema: %v", err))
	}
	sch, err := c.Compile("execution_plan.json")
	if err != nil {
		panic(fmt.Sprintf("clubchat: plan schema: %v", err))
	}
	return sch
}

// Plan asks the model for an ExecutionPlan. On any malformed output it
// returns DefaultPlan together with a *PlannerError so the caller can
// count the failure; the returned plan is always usable.
func (p *Planner) Plan(ctx context.Context, query string, history []Message) (ExecutionPlan, error) {
	var b strings.Builder
	b.WriteString("User Query: ")
	b.WriteString(query)
	if len(history) > 0 {
		b.WriteString("\n\nRecent conversation:\n")
		for _, m := range tailMessages(history, 6) {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, truncate(m.Content, 200))
		}
	}
	b.WriteString("\nAnalyze what context is needed and create tasks for workers.")

	resp, err := p.provider.Chat(ctx, ChatRequest{
		Messages: []ChatMessage{
			SystemMessage(planningSystem),
			UserMessage(b.String()),
		},
		ResponseSchema: &ResponseSchema{Name: "execution_plan", Schema: json.RawMessage(planSchema)},
	})
	if err != nil {
		p.logger.Warn("planner llm call failed, using default plan", "err", err)
		return DefaultPlan(), &PlannerError{Kind: KindMalformedPlan, Msg: err.Error()}
	}

	plan, err := p.decode(resp.Content)
	if err != nil {
		p.logger.Warn("malformed plan, using default", "err", err)
		return DefaultPlan(), err
	}
	p.logger.Info("plan ready",
		"needs_context", plan.NeedsContext,
		"context_type", plan.ContextType,
		"tasks", len(plan.Tasks))
	return plan, nil
}

// decode validates raw model output against the plan schema and decodes
// it. Task ids must be unique; an empty task list and a missing context
// type are normalized rather than rejected.
func (p *Planner) decode(raw string) (ExecutionPlan, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return ExecutionPlan{}, &PlannerError{Kind: KindMalformedPlan, Msg: err.Error()}
	}
	if err := p.schema.Validate(doc); err != nil {
		return ExecutionPlan{}, &PlannerError{Kind: KindMalformedPlan, Msg: err.Error()}
	}

	var plan ExecutionPlan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return ExecutionPlan{}, &PlannerError{Kind: KindMalformedPlan, Msg: err.Error()}
	}

	if len(plan.Tasks) == 0 {
		plan.Tasks = DefaultPlan().Tasks
	}
	seen := make(map[int]bool, len(plan.Tasks))
	for _, t := range plan.Tasks {
		if seen[t.ID] {
			return ExecutionPlan{}, &PlannerError{Kind: KindMalformedPlan, Msg: fmt.Sprintf("duplicate task id %d", t.ID)}
		}
		seen[t.ID] = true
		if t.Kind == WorkerTool && t.Tool == nil {
			return ExecutionPlan{}, &PlannerError{Kind: KindMalformedPlan, Msg: fmt.Sprintf("task %d: tool task without tool_spec", t.ID)}
		}
	}
	if plan.ContextType == "" {
		plan.ContextType = ContextNone
	}
	if plan.ContextType == ContextNone {
		plan.NeedsContext = false
	}
	return plan, nil
}

// tailMessages returns the last n messages.
func tailMessages(msgs []Message, n int) []Message {
	if len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}

// truncate truncates a string to n runes.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
