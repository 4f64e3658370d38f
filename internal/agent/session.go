package agent

import (
	"time"

	"github.com/google/uuid"
	"github.com/virek/outpost/internal/provider"
	"github.com/virek/outpost/internal/tool"
)

// Mode selects direct execution or the two-phase plan-then-execute flow.
type Mode string

const (
	ModeDirect   Mode = "direct"
	ModePlanning Mode = "planning"
)

// State of the loop controller's state machine.
type State int

const (
	StateInit State = iota
	StatePlanning
	StateExecuting
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StatePlanning:
		return "planning"
	case StateExecuting:
		return "executing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// TurnKind tags one transcript entry.
type TurnKind string

const (
	TurnThought     TurnKind = "assistant-thought"
	TurnToolCall    TurnKind = "tool-call"
	TurnObservation TurnKind = "tool-observation"
)

// Turn is one step of the transcript. Exactly one of Text, Call or Result is
// populated depending on Kind.
type Turn struct {
	Kind   TurnKind           `json:"kind"`
	Text   string             `json:"text,omitempty"`
	Call   *provider.ToolCall `json:"call,omitempty"`
	Result *tool.Result       `json:"result,omitempty"`
	At     time.Time          `json:"at"`
}

// Session is one invocation of the agent, owned exclusively by the loop
// controller for its lifetime.
type Session struct {
	ID           string
	Task         string
	Mode         Mode
	Capabilities tool.CapabilitySet
	ContextFiles []string

	state      State
	turns      []Turn
	iterations int
	startedAt  time.Time
}

// NewSession creates a session for one task invocation.
func NewSession(task string, mode Mode, caps tool.CapabilitySet, contextFiles []string) *Session {
	return &Session{
		ID:           uuid.New().String(),
		Task:         task,
		Mode:         mode,
		Capabilities: caps,
		ContextFiles: contextFiles,
		state:        StateInit,
		startedAt:    time.Now(),
	}
}

// Append adds a turn to the transcript. The transcript is append-only: turns
// are never reordered or mutated after insertion.
func (s *Session) Append(t Turn) {
	if t.At.IsZero() {
		t.At = time.Now()
	}
	s.turns = append(s.turns, t)
}

// Elapsed returns the session's wall-clock age.
func (s *Session) Elapsed() time.Duration { return time.Since(s.startedAt) }
