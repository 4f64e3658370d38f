package tool

import "fmt"

// Kind classifies a recoverable dispatch failure. Kinds are surfaced to the
// agent loop as observations, never as panics or aborts.
type Kind string

const (
	// KindToolNotPermitted covers unknown tool names and tools outside the
	// session's capability set.
	KindToolNotPermitted Kind = "tool_not_permitted"
	// KindInvalidArguments means the argument mapping failed schema
	// validation; the handler was never invoked.
	KindInvalidArguments Kind = "invalid_arguments"
	// KindToolTimeout means the handler exceeded its wall-clock budget.
	KindToolTimeout Kind = "tool_timeout"
	// KindPathOutOfScope means a filesystem argument escaped the working
	// directory tree the server was launched in.
	KindPathOutOfScope Kind = "path_out_of_scope"
	// KindExecFailed is any other handler failure.
	KindExecFailed Kind = "exec_failed"
)

// Security reports whether the kind is security-relevant. A security-relevant
// error halts the remainder of a multi-call batch.
func (k Kind) Security() bool {
	return k == KindToolNotPermitted || k == KindPathOutOfScope
}

// Error is a classified tool failure.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Errorf builds a classified tool error.
func Errorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
