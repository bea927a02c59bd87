// Package clubchat is an agentic chat backend for a robotics club assistant.
//
// A request flows through a safety gate, an LLM-backed planner, a set of
// context providers (web search, user-document retrieval, club knowledge),
// a parallel worker fan-out over external tool servers, and an aggregator
// that fuses per-task outputs into a single reply. Conversations are
// durable threads of user/assistant messages.
//
// The root package contains the orchestration engine and its contracts.
// Subpackages:
//
//   - mcp: stdio JSON-RPC client for tool-server subprocesses
//   - knowledge: extraction, chunking, embedding, vector index, retrieval
//   - store/sqlite: durable ThreadStore backed by SQLite
//   - observer: OpenTelemetry tracing
//   - internal/config: TOML + environment configuration
package clubchat
