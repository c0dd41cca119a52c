package model

import "time"

// Worker lifecycle states.
const (
	StateUninitialized = "uninitialized"
	StateInitializing  = "initializing"
	StateReady         = "ready"
	StateFailed        = "failed"
)

// Dispatch outcome constants.
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeUnknown   = "unknown"
	OutcomeMalformed = "malformed"
)

// Backend kind constants.
const (
	BackendBuiltin = "builtin"
	BackendWasm    = "wasm"
)

// validTransitions maps each state to the set of states it may transition to.
// Ready and Failed are terminal for the lifetime of a worker.
var validTransitions = map[string]map[string]bool{
	StateUninitialized: {
		StateInitializing: true,
	},
	StateInitializing: {
		StateReady:  true,
		StateFailed: true,
	},
}

// ValidTransition reports whether moving from one state to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Dispatch records one handled request.
type Dispatch struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	TaskName    string    `json:"task_name"`
	PayloadKind string    `json:"payload_kind"`
	Outcome     string    `json:"outcome"`
	Error       string    `json:"error,omitempty"`
	DurationMS  int       `json:"duration_ms"`
	CreatedAt   time.Time `json:"created_at"`
}
