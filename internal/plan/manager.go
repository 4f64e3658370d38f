package plan

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

var (
	// ErrPlanNotFound means no plan exists at the path.
	ErrPlanNotFound = errors.New("plan not found")
	// ErrPlanCorrupt means the persisted form failed to reparse. Callers
	// treat this as "no existing plan"; unknown step shapes are never
	// silently merged.
	ErrPlanCorrupt = errors.New("plan corrupt")
)

var (
	stepRe = regexp.MustCompile(`^(\d+)\. \[([ ~x!])\] (.*)$`)
	revRe  = regexp.MustCompile(`^# rev (\d+)$`)
)

// Manager persists and mutates checklist documents. Single writer per plan
// path; no cross-session locking is provided.
type Manager struct {
	logger *zap.Logger
}

// NewManager creates a plan manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{logger: logger}
}

// Create writes a fresh plan with every step pending, replacing any previous
// document at the path.
func (m *Manager) Create(path string, descriptions []string) (*Document, error) {
	if len(descriptions) == 0 {
		return nil, fmt.Errorf("plan needs at least one step")
	}
	doc := &Document{Path: path}
	for i, desc := range descriptions {
		doc.Steps = append(doc.Steps, Step{
			Index:       i + 1,
			Description: strings.TrimSpace(desc),
			Status:      StatusPending,
		})
	}
	if err := m.persist(doc); err != nil {
		return nil, err
	}
	m.logger.Info("plan created",
		zap.String("path", path),
		zap.Int("steps", len(doc.Steps)))
	return doc, nil
}

// Load reconstructs a document exactly from its persisted form: same order,
// same statuses, no step insertion.
func (m *Manager) Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrPlanNotFound
		}
		return nil, fmt.Errorf("read plan %s: %w", path, err)
	}

	doc := &Document{Path: path}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if rev := revRe.FindStringSubmatch(line); rev != nil {
			doc.Revision, _ = strconv.Atoi(rev[1])
			continue
		}
		parts := stepRe.FindStringSubmatch(line)
		if parts == nil {
			return nil, fmt.Errorf("%w: unparsable line %q", ErrPlanCorrupt, line)
		}
		index, _ := strconv.Atoi(parts[1])
		if index != len(doc.Steps)+1 {
			return nil, fmt.Errorf("%w: step index %d out of sequence", ErrPlanCorrupt, index)
		}
		status, ok := statusForMarker(parts[2][0])
		if !ok {
			return nil, fmt.Errorf("%w: unknown status marker %q", ErrPlanCorrupt, parts[2])
		}
		doc.Steps = append(doc.Steps, Step{Index: index, Description: parts[3], Status: status})
	}
	if len(doc.Steps) == 0 {
		return nil, fmt.Errorf("%w: no steps", ErrPlanCorrupt)
	}
	return doc, nil
}

// Advance moves one step to a new status and persists the document
// atomically. Monotonicity and the single in-progress invariant are enforced
// before anything touches disk.
func (m *Manager) Advance(doc *Document, index int, to Status) error {
	step, err := doc.Step(index)
	if err != nil {
		return err
	}
	if !ValidTransition(step.Status, to) {
		return fmt.Errorf("invalid transition %s -> %s for step %d", step.Status, to, index)
	}
	if to == StatusInProgress {
		if cur, ok := doc.InProgress(); ok && cur != index {
			return fmt.Errorf("step %d already in progress", cur)
		}
	}
	step.Status = to
	if err := m.persist(doc); err != nil {
		return err
	}
	m.logger.Debug("plan advanced",
		zap.String("path", doc.Path),
		zap.Int("step", index),
		zap.String("status", string(to)),
		zap.Int("revision", doc.Revision))
	return nil
}

// persist writes the checklist via a temp file and rename so readers never
// observe a partial document.
func (m *Manager) persist(doc *Document) error {
	doc.Revision++

	var sb strings.Builder
	fmt.Fprintf(&sb, "# rev %d\n", doc.Revision)
	for _, s := range doc.Steps {
		fmt.Fprintf(&sb, "%d. [%c] %s\n", s.Index, markers[s.Status], s.Description)
	}

	dir := filepath.Dir(doc.Path)
	tmp, err := os.CreateTemp(dir, ".plan-*")
	if err != nil {
		return fmt.Errorf("create temp plan: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(sb.String()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write plan: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close plan: %w", err)
	}
	if err := os.Rename(tmpName, doc.Path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace plan: %w", err)
	}
	return nil
}
