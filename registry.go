package clubchat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
)

// ToolServer is the contract a tool-server transport must satisfy. The
// mcp package provides the stdio JSON-RPC implementation; tests provide
// in-process fakes.
type ToolServer interface {
	ListTools(ctx context.Context) ([]ToolDefinition, error)
	CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
	ListResources(ctx context.Context) ([]ResourceDefinition, error)
	Close() error
}

// ToolInvoker is the narrow capability handed to workers and the
// orchestrator: route one invocation and enumerate what a server offers.
type ToolInvoker interface {
	Invoke(ctx context.Context, server, tool string, args json.RawMessage) (json.RawMessage, error)
	Tools(server string) []ToolDefinition
	Servers() []string
}

// Registry discovers tool descriptors from each configured server at
// bring-up and routes invocations. Registration happens before
// Discover; after that the registry is read-only and safe for
// concurrent use.
type Registry struct {
	servers  map[string]ToolServer
	order    []string
	tools    map[string]map[string]ToolDefinition
	disabled map[string]string // server -> disable reason
	logger   *slog.Logger
}

var _ ToolInvoker = (*Registry)(nil)

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// RegistryLogger sets the structured logger.
func RegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		servers:  make(map[string]ToolServer),
		tools:    make(map[string]map[string]ToolDefinition),
		disabled: make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

// Register adds a server under its canonical id. Duplicate ids are
// rejected: the config layer must resolve aliases (e.g. "calendar" vs
// "google_calendar") to a single name before registration.
func (r *Registry) Register(name string, s ToolServer) error {
	if _, ok := r.servers[name]; ok {
		return fmt.Errorf("registry: duplicate server id %q", name)
	}
	r.servers[name] = s
	r.order = append(r.order, name)
	return nil
}

// Discover calls list_tools on every registered server. A server that
// fails discovery is disabled, not fatal: its tools are simply not
// enumerated and invocations for it return ToolError{not_found}.
func (r *Registry) Discover(ctx context.Context) {
	for _, name := range r.order {
		defs, err := r.servers[name].ListTools(ctx)
		if err != nil {
			r.disabled[name] = err.Error()
			r.logger.Warn("tool server disabled", "server", name, "err", err)
			continue
		}
		byName := make(map[string]ToolDefinition, len(defs))
		for _, d := range defs {
			byName[d.Name] = d
		}
		r.tools[name] = byName
		r.logger.Info("tool server ready", "server", name, "tools", len(defs))
	}
}

// Invoke validates the (server, tool) pair against the discovered
// descriptors and delegates to the transport. Unknown pairs fail with
// ToolError{not_found} without touching the network.
func (r *Registry) Invoke(ctx context.Context, server, tool string, args json.RawMessage) (json.RawMessage, error) {
	byName, ok := r.tools[server]
	if !ok {
		reason := "server not configured"
		if msg, disabled := r.disabled[server]; disabled {
			reason = "server disabled: " + msg
		}
		return nil, &ToolError{Kind: KindNotFound, Server: server, Tool: tool, Msg: reason}
	}
	if _, ok := byName[tool]; !ok {
		return nil, &ToolError{Kind: KindNotFound, Server: server, Tool: tool, Msg: "unknown tool"}
	}
	result, err := r.servers[server].CallTool(ctx, tool, args)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Tools returns the discovered tool definitions for a server, sorted by
// name. Nil for unknown or disabled servers.
func (r *Registry) Tools(server string) []ToolDefinition {
	byName, ok := r.tools[server]
	if !ok {
		return nil
	}
	out := make([]ToolDefinition, 0, len(byName))
	for _, d := range byName {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Servers returns the ids of servers that completed discovery, in
// registration order.
func (r *Registry) Servers() []string {
	out := make([]string, 0, len(r.tools))
	for _, name := range r.order {
		if _, ok := r.tools[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// Close shuts down every registered server transport.
func (r *Registry) Close() error {
	var firstErr error
	for _, name := range r.order {
		if err := r.servers[name].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
