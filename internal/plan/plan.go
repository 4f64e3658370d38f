package plan

import "fmt"

// Status of a single plan step. Transitions are monotonic:
// pending -> in-progress -> done|failed, with no reverse edges.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// markers map statuses to the single-character checklist marker embedded in
// the persisted form.
var markers = map[Status]byte{
	StatusPending:    ' ',
	StatusInProgress: '~',
	StatusDone:       'x',
	StatusFailed:     '!',
}

func statusForMarker(m byte) (Status, bool) {
	for s, b := range markers {
		if b == m {
			return s, true
		}
	}
	return "", false
}

// Terminal reports whether a status admits no further transitions.
func (s Status) Terminal() bool { return s == StatusDone || s == StatusFailed }

// ValidTransition reports whether from -> to respects monotonicity.
func ValidTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StatusInProgress:
		return from == StatusPending
	case StatusDone, StatusFailed:
		return true
	default:
		return false
	}
}

// Step is one checklist entry. Index is 1-based and matches the persisted
// sequential index.
type Step struct {
	Index       int    `json:"index"`
	Description string `json:"description"`
	Status      Status `json:"status"`
}

// Document is an ordered checklist persisted at Path. Revision counts
// persisted mutations.
type Document struct {
	Path     string `json:"path"`
	Revision int    `json:"revision"`
	Steps    []Step `json:"steps"`
}

// NextPending returns the index (1-based) of the first pending step.
func (d *Document) NextPending() (int, bool) {
	for _, s := range d.Steps {
		if s.Status == StatusPending {
			return s.Index, true
		}
	}
	return 0, false
}

// InProgress returns the index of the in-progress step, if any. The document
// invariant allows at most one.
func (d *Document) InProgress() (int, bool) {
	for _, s := range d.Steps {
		if s.Status == StatusInProgress {
			return s.Index, true
		}
	}
	return 0, false
}

// Step returns the step with the given 1-based index.
func (d *Document) Step(index int) (*Step, error) {
	if index < 1 || index > len(d.Steps) {
		return nil, fmt.Errorf("step index %d out of range [1,%d]", index, len(d.Steps))
	}
	return &d.Steps[index-1], nil
}
