package tool

import "fmt"

// Capability tags a tool's class: read-only inspection or side-effecting.
type Capability string

const (
	CapRead  Capability = "read"
	CapWrite Capability = "write"
)

// CapabilitySet is the set of tool classes a session may invoke. Fixed for
// the session's lifetime; there is no escalation path.
type CapabilitySet struct {
	allowWrite bool
}

// FullCapabilities permits read and write class tools.
func FullCapabilities() CapabilitySet { return CapabilitySet{allowWrite: true} }

// ReadOnlyCapabilities permits read class tools only.
func ReadOnlyCapabilities() CapabilitySet { return CapabilitySet{} }

// ParseCapabilitySet maps the invocation selector to a capability set.
func ParseCapabilitySet(s string) (CapabilitySet, error) {
	switch s {
	case "", "full":
		return FullCapabilities(), nil
	case "read-only", "readonly":
		return ReadOnlyCapabilities(), nil
	default:
		return CapabilitySet{}, fmt.Errorf("unknown capability selector %q", s)
	}
}

// Allows reports whether the set permits the given class.
func (c CapabilitySet) Allows(class Capability) bool {
	return class == CapRead || c.allowWrite
}

func (c CapabilitySet) String() string {
	if c.allowWrite {
		return "full"
	}
	return "read-only"
}
