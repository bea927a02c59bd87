package clubchat

import "fmt"

// Error kinds, grouped by the subsystem that raises them. Callers match
// on Kind, not on message text.
const (
	// TransportError kinds.
	KindPeerGone       = "peer_gone"
	KindTimeout        = "timeout"
	KindMalformedFrame = "malformed_frame"

	// ToolError kinds.
	KindNotFound         = "not_found"
	KindInvalidArguments = "invalid_arguments"
	KindRemoteFailure    = "remote_failure"

	// ParseError kinds.
	KindUnsupported = "unsupported"
	KindCorrupt     = "corrupt"

	// IndexError kinds.
	KindDimMismatch  = "dim_mismatch"
	KindCorruptStore = "corrupt_store"

	// PlannerError kinds.
	KindMalformedPlan = "malformed_plan"
)

// TransportError is raised by the stdio transport adapter. Workers
// recover it locally by recording a failed TaskResult.
type TransportError struct {
	Kind   string
	Server string
	Msg    string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %s: %s", e.Server, e.Kind, e.Msg)
}

// ToolError is raised by the tool registry or a worker when an
// invocation cannot be routed or the remote reports failure.
type ToolError struct {
	Kind   string
	Server string
	Tool   string
	Msg    string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s/%s: %s: %s", e.Server, e.Tool, e.Kind, e.Msg)
}

// ParseError is raised during document extraction. Ingestion skips the
// document, counts the failure, and continues.
type ParseError struct {
	Kind   string
	Source string
	Msg    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %s: %s", e.Source, e.Kind, e.Msg)
}

// IndexError is raised by the vector index. A dim_mismatch is a caller
// bug; a corrupt_store at open time falls back to an empty index.
type IndexError struct {
	Kind string
	Msg  string
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("index: %s: %s", e.Kind, e.Msg)
}

// PlannerError is raised when the model's structured output does not
// decode into a valid plan. The orchestrator substitutes DefaultPlan.
type PlannerError struct {
	Kind string
	Msg  string
}

func (e *PlannerError) Error() string {
	return fmt.Sprintf("planner: %s: %s", e.Kind, e.Msg)
}

// ErrHalt signals that the safety gate wants to stop the run and return
// a specific canned response. Not an error condition for the caller; the
// orchestrator catches it and replies with Response verbatim.
type ErrHalt struct {
	Response string
}

func (e *ErrHalt) Error() string { return "gate halted: " + e.Response }
