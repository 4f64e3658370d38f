package agent

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/virek/outpost/internal/plan"
	"github.com/virek/outpost/internal/provider"
	"github.com/virek/outpost/internal/tool"
	"go.uber.org/zap"
)

// Failure reasons for sessions that terminate without a final answer.
const (
	ReasonIterationBudget    = "iteration_budget_exhausted"
	ReasonTimeBudget         = "time_budget_exhausted"
	ReasonBackendUnreachable = "backend_unreachable"
	ReasonInternal           = "internal_error"
)

// Result statuses returned across the session boundary.
const (
	StatusComplete = "complete"
	StatusPartial  = "partial"
)

// Result is the terminal outcome of a session. FAILED sessions still carry
// the best partial answer assembled from the transcript.
type Result struct {
	SessionID     string        `json:"session_id"`
	Text          string        `json:"text"`
	Status        string        `json:"status"`
	FailureReason string        `json:"failure_reason,omitempty"`
	Iterations    int           `json:"iterations"`
	Elapsed       time.Duration `json:"elapsed"`
}

// Budgets bound a session. Both are checked every iteration.
type Budgets struct {
	MaxIterations int
	MaxDuration   time.Duration
}

// Request is the invocation contract from the cloud-side caller.
type Request struct {
	Task         string   `json:"task"`
	Planning     bool     `json:"planning"`
	Capability   string   `json:"capability"` // full | read-only
	PlanPath     string   `json:"plan_path,omitempty"`
	Resume       bool     `json:"resume,omitempty"`
	ContextFiles []string `json:"context_files,omitempty"`
}

// StartFunc is notified once per session, after request validation and
// before the first iteration.
type StartFunc func(sessionID string, mode Mode, capability string)

// Controller drives the Think-Act-Observe state machine. A controller is
// shared across sessions; each Run owns its Session exclusively and executes
// as one sequential flow with a single outstanding operation at a time.
type Controller struct {
	client   *provider.Client
	registry *tool.Registry
	plans    *plan.Manager
	planPath string
	budgets  Budgets
	onStart  StartFunc
	logger   *zap.Logger
}

// NewController wires the loop controller. planPath is the default plan
// location when the request does not name one.
func NewController(client *provider.Client, registry *tool.Registry, plans *plan.Manager,
	planPath string, budgets Budgets, logger *zap.Logger) *Controller {
	if budgets.MaxIterations == 0 {
		budgets.MaxIterations = 10
	}
	if budgets.MaxDuration == 0 {
		budgets.MaxDuration = 10 * time.Minute
	}
	return &Controller{
		client:   client,
		registry: registry,
		plans:    plans,
		planPath: planPath,
		budgets:  budgets,
		logger:   logger,
	}
}

// OnStart registers the session-start hook. Set once during wiring, before
// the controller serves requests.
func (c *Controller) OnStart(fn StartFunc) { c.onStart = fn }

// Run executes one session to completion. The returned error is reserved for
// invalid requests; every runtime failure terminates the session with a
// partial Result instead.
func (c *Controller) Run(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Task) == "" {
		return nil, fmt.Errorf("empty task")
	}
	caps, err := tool.ParseCapabilitySet(req.Capability)
	if err != nil {
		return nil, err
	}

	mode := ModeDirect
	if req.Planning {
		mode = ModePlanning
	}
	session := NewSession(req.Task, mode, caps, req.ContextFiles)
	deadline := time.Now().Add(c.budgets.MaxDuration)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	c.logger.Info("session started",
		zap.String("session", session.ID),
		zap.String("mode", string(mode)),
		zap.String("capability", caps.String()))
	if c.onStart != nil {
		c.onStart(session.ID, mode, caps.String())
	}

	var doc *plan.Document
	if mode == ModePlanning {
		session.state = StatePlanning
		doc, err = c.preparePlan(ctx, session, req)
		if err != nil {
			return c.fail(session, failureReason(err)), nil
		}
	}

	session.state = StateExecuting
	tools := c.registry.Definitions(caps)

	for {
		if session.iterations >= c.budgets.MaxIterations {
			return c.fail(session, ReasonIterationBudget), nil
		}
		if time.Now().After(deadline) {
			return c.fail(session, ReasonTimeBudget), nil
		}
		session.iterations++

		stepIndex := c.markNextStep(doc)

		transcript := append(buildTranscript(session), reminder(session.Task))
		outcome, err := c.client.Complete(ctx, transcript, tools)
		if err != nil {
			return c.fail(session, failureReason(err)), nil
		}

		switch outcome.Kind {
		case provider.OutcomeFinal:
			if stepIndex > 0 {
				c.advance(doc, stepIndex, plan.StatusDone)
			}
			session.state = StateDone
			c.logger.Info("session done",
				zap.String("session", session.ID),
				zap.Int("iterations", session.iterations))
			return &Result{
				SessionID:  session.ID,
				Text:       outcome.Text,
				Status:     StatusComplete,
				Iterations: session.iterations,
				Elapsed:    session.Elapsed(),
			}, nil

		case provider.OutcomeThought:
			session.Append(Turn{Kind: TurnThought, Text: outcome.Text})

		case provider.OutcomeToolCalls:
			if outcome.Text != "" {
				session.Append(Turn{Kind: TurnThought, Text: outcome.Text})
			}
			batchFailed := c.dispatchBatch(ctx, session, outcome.Calls)
			if stepIndex > 0 {
				status := plan.StatusDone
				if batchFailed {
					status = plan.StatusFailed
				}
				c.advance(doc, stepIndex, status)
			}
		}
	}
}

// dispatchBatch executes the model's tool calls sequentially, in the order
// given. Security-relevant errors (path out of scope, tool not permitted)
// halt the remaining calls in the batch; other errors become observations and
// the batch continues. Returns whether any executed call failed.
func (c *Controller) dispatchBatch(ctx context.Context, session *Session, calls []provider.ToolCall) bool {
	failed := false
	for i := range calls {
		call := calls[i]
		session.Append(Turn{Kind: TurnToolCall, Call: &call})

		res := c.registry.Dispatch(ctx, call, session.Capabilities)
		session.Append(Turn{Kind: TurnObservation, Result: &res})

		if res.Failed() {
			failed = true
			if res.Kind.Security() {
				c.logger.Warn("batch halted on security-relevant error",
					zap.String("session", session.ID),
					zap.String("tool", call.Name),
					zap.String("kind", string(res.Kind)),
					zap.Int("skipped", len(calls)-i-1))
				break
			}
		}
	}
	return failed
}

// preparePlan loads an existing plan when resuming, otherwise asks the model
// for an ordered step list and persists it. A corrupt plan file is treated as
// no existing plan.
func (c *Controller) preparePlan(ctx context.Context, session *Session, req Request) (*plan.Document, error) {
	path := req.PlanPath
	if path == "" {
		path = c.planPath
	}

	if req.Resume {
		doc, err := c.plans.Load(path)
		if err == nil {
			c.logger.Info("plan resumed",
				zap.String("session", session.ID),
				zap.String("path", path),
				zap.Int("steps", len(doc.Steps)))
			return doc, nil
		}
		if !errors.Is(err, plan.ErrPlanNotFound) && !errors.Is(err, plan.ErrPlanCorrupt) {
			return nil, err
		}
		c.logger.Warn("no usable plan to resume, creating fresh",
			zap.String("path", path), zap.Error(err))
	}

	outcome, err := c.client.Complete(ctx, []provider.Message{
		{Role: "system", Content: planningPrompt},
		{Role: "user", Content: session.Task},
	}, nil)
	if err != nil {
		return nil, err
	}

	steps := parsePlanSteps(outcome.Text)
	if len(steps) == 0 {
		// Unplannable output degrades to a single-step plan of the task
		// itself rather than aborting the session.
		steps = []string{session.Task}
	}
	return c.plans.Create(path, steps)
}

func (c *Controller) markNextStep(doc *plan.Document) int {
	if doc == nil {
		return 0
	}
	if idx, ok := doc.InProgress(); ok {
		return idx
	}
	idx, ok := doc.NextPending()
	if !ok {
		return 0
	}
	c.advance(doc, idx, plan.StatusInProgress)
	return idx
}

func (c *Controller) advance(doc *plan.Document, index int, status plan.Status) {
	if err := c.plans.Advance(doc, index, status); err != nil {
		c.logger.Warn("plan advance failed",
			zap.Int("step", index),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

func (c *Controller) fail(session *Session, reason string) *Result {
	session.state = StateFailed
	c.logger.Warn("session failed",
		zap.String("session", session.ID),
		zap.String("reason", reason),
		zap.Int("iterations", session.iterations))
	return &Result{
		SessionID:     session.ID,
		Text:          partialAnswer(session),
		Status:        StatusPartial,
		FailureReason: reason,
		Iterations:    session.iterations,
		Elapsed:       session.Elapsed(),
	}
}

func failureReason(err error) string {
	if errors.Is(err, provider.ErrBackendUnreachable) {
		return ReasonBackendUnreachable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeBudget
	}
	return ReasonInternal
}

var planLineRe = regexp.MustCompile(`^\s*(?:\d+[.)]\s*)?(?:[-*]\s*)?(.+?)\s*$`)

// parsePlanSteps extracts step descriptions from the constrained planning
// reply, tolerating numbering and bullet prefixes.
func parsePlanSteps(text string) []string {
	var steps []string
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if m := planLineRe.FindStringSubmatch(line); m != nil && m[1] != "" {
			steps = append(steps, m[1])
		}
	}
	return steps
}
