package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/virek/outpost/internal/plan"
	"github.com/virek/outpost/internal/provider"
	"github.com/virek/outpost/internal/tool"
	"go.uber.org/zap"
)

// scriptedBackend replays canned replies in order and records every request
// transcript it receives.
type scriptedBackend struct {
	replies     []*provider.ChatResponse
	errs        []error
	calls       int
	delay       time.Duration
	transcripts [][]provider.Message
}

func (b *scriptedBackend) Chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	msgs := make([]provider.Message, len(req.Messages))
	copy(msgs, req.Messages)
	b.transcripts = append(b.transcripts, msgs)

	i := b.calls
	b.calls++
	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	if i < len(b.errs) && b.errs[i] != nil {
		return nil, b.errs[i]
	}
	if len(b.replies) == 0 {
		return &provider.ChatResponse{}, nil
	}
	if i >= len(b.replies) {
		i = len(b.replies) - 1
	}
	return b.replies[i], nil
}

func (b *scriptedBackend) ListModels(ctx context.Context) ([]provider.Model, error) {
	return []provider.Model{{Name: "test-model"}}, nil
}

func (b *scriptedBackend) HealthCheck(ctx context.Context) error { return nil }

func shellCall(command string) provider.ToolCall {
	return provider.ToolCall{Name: "run_shell_command", Args: map[string]interface{}{"command": command}}
}

func readCall(path string) provider.ToolCall {
	return provider.ToolCall{Name: "read_file", Args: map[string]interface{}{"filepath": path}}
}

func finalReply(text string) *provider.ChatResponse {
	return &provider.ChatResponse{Content: text, DoneReason: "stop"}
}

func toolReply(text string, calls ...provider.ToolCall) *provider.ChatResponse {
	return &provider.ChatResponse{Content: text, ToolCalls: calls}
}

type testEnv struct {
	controller *Controller
	backend    *scriptedBackend
	root       string
	planPath   string
}

func newTestEnv(t *testing.T, backend *scriptedBackend, budgets Budgets) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	root := t.TempDir()

	client := provider.NewClient(backend, "test-model", 1, logger)
	registry := tool.NewRegistry(5*time.Second, 16*1024, logger)
	if err := tool.RegisterBuiltins(registry, root, client); err != nil {
		t.Fatalf("register builtins: %v", err)
	}

	planFile := filepath.Join(root, "TASK_PLAN.md")
	controller := NewController(client, registry, plan.NewManager(logger), planFile, budgets, logger)
	return &testEnv{controller: controller, backend: backend, root: root, planPath: planFile}
}

func countRole(msgs []provider.Message, role string) int {
	n := 0
	for _, m := range msgs {
		if m.Role == role {
			n++
		}
	}
	return n
}

func TestDirectModeListFiles(t *testing.T) {
	backend := &scriptedBackend{replies: []*provider.ChatResponse{
		toolReply("", shellCall("ls")),
		finalReply("The directory contains marker.txt."),
	}}
	env := newTestEnv(t, backend, Budgets{MaxIterations: 10, MaxDuration: time.Minute})
	if err := os.WriteFile(filepath.Join(env.root, "marker.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := env.controller.Run(context.Background(), Request{
		Task: "list files in the current directory", Capability: "full",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != StatusComplete {
		t.Fatalf("status %s, want complete", res.Status)
	}
	if res.Text != "The directory contains marker.txt." {
		t.Errorf("text %q", res.Text)
	}
	if res.Iterations != 2 {
		t.Errorf("iterations %d, want 2", res.Iterations)
	}

	// The second request must carry exactly one tool call and one
	// observation from the first iteration.
	if len(backend.transcripts) != 2 {
		t.Fatalf("backend saw %d requests, want 2", len(backend.transcripts))
	}
	second := backend.transcripts[1]
	if countRole(second, "tool") != 1 {
		t.Errorf("got %d observations, want 1", countRole(second, "tool"))
	}
	var obs string
	for _, m := range second {
		if m.Role == "tool" {
			obs = m.Content
		}
	}
	if !strings.Contains(obs, "marker.txt") {
		t.Errorf("observation %q lacks listing output", obs)
	}
}

func TestIterationBudgetExhausted(t *testing.T) {
	// Empty replies parse as thoughts and must consume the budget.
	backend := &scriptedBackend{}
	env := newTestEnv(t, backend, Budgets{MaxIterations: 3, MaxDuration: time.Minute})

	res, err := env.controller.Run(context.Background(), Request{Task: "spin forever"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != StatusPartial {
		t.Fatalf("status %s, want partial", res.Status)
	}
	if res.FailureReason != ReasonIterationBudget {
		t.Errorf("reason %q", res.FailureReason)
	}
	if res.Iterations != 3 {
		t.Errorf("iterations %d, want 3", res.Iterations)
	}
	if backend.calls != 3 {
		t.Errorf("backend calls %d, want 3", backend.calls)
	}
}

func TestTimeBudgetExhausted(t *testing.T) {
	backend := &scriptedBackend{delay: 60 * time.Millisecond}
	env := newTestEnv(t, backend, Budgets{MaxIterations: 100, MaxDuration: 50 * time.Millisecond})

	res, err := env.controller.Run(context.Background(), Request{Task: "slow task"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != StatusPartial {
		t.Fatalf("status %s, want partial", res.Status)
	}
	if res.FailureReason != ReasonTimeBudget {
		t.Errorf("reason %q", res.FailureReason)
	}
}

func TestReadOnlySessionRejectsWriteTool(t *testing.T) {
	backend := &scriptedBackend{replies: []*provider.ChatResponse{
		toolReply("", provider.ToolCall{Name: "write_file", Args: map[string]interface{}{
			"filepath": "out.txt", "content": "x",
		}}),
		finalReply("could not write, reporting instead"),
	}}
	env := newTestEnv(t, backend, Budgets{MaxIterations: 10, MaxDuration: time.Minute})

	res, err := env.controller.Run(context.Background(), Request{
		Task: "write a file", Capability: "read-only",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != StatusComplete {
		t.Fatalf("status %s", res.Status)
	}

	// The file must not exist and the model must have seen the denial.
	if _, err := os.Stat(filepath.Join(env.root, "out.txt")); !os.IsNotExist(err) {
		t.Error("write-class tool executed in a read-only session")
	}
	second := backend.transcripts[1]
	found := false
	for _, m := range second {
		if m.Role == "tool" && strings.Contains(m.Content, string(tool.KindToolNotPermitted)) {
			found = true
		}
	}
	if !found {
		t.Error("denial was not surfaced as an observation")
	}
}

func TestBatchHaltsOnPathOutOfScope(t *testing.T) {
	backend := &scriptedBackend{replies: []*provider.ChatResponse{
		toolReply("",
			readCall("../outside.txt"),
			shellCall("touch executed.txt"),
		),
		finalReply("done"),
	}}
	env := newTestEnv(t, backend, Budgets{MaxIterations: 10, MaxDuration: time.Minute})

	res, err := env.controller.Run(context.Background(), Request{Task: "read and touch", Capability: "full"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != StatusComplete {
		t.Fatalf("status %s", res.Status)
	}

	// The second call in the batch must never have executed.
	if _, err := os.Stat(filepath.Join(env.root, "executed.txt")); !os.IsNotExist(err) {
		t.Error("batch continued past a security-relevant error")
	}
	// Exactly one observation: the out-of-scope error, recorded then loop
	// continued with the next model turn.
	second := backend.transcripts[1]
	if n := countRole(second, "tool"); n != 1 {
		t.Errorf("got %d observations, want 1", n)
	}
}

func TestBatchContinuesPastBenignErrors(t *testing.T) {
	backend := &scriptedBackend{replies: []*provider.ChatResponse{
		toolReply("",
			readCall("absent.txt"), // exec_failed, not security-relevant
			shellCall("touch executed.txt"),
		),
		finalReply("done"),
	}}
	env := newTestEnv(t, backend, Budgets{MaxIterations: 10, MaxDuration: time.Minute})

	res, err := env.controller.Run(context.Background(), Request{Task: "read then touch", Capability: "full"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != StatusComplete {
		t.Fatalf("status %s", res.Status)
	}
	if _, err := os.Stat(filepath.Join(env.root, "executed.txt")); err != nil {
		t.Error("benign errors must not halt the batch")
	}
}

func TestPlanningModeThreeSteps(t *testing.T) {
	backend := &scriptedBackend{replies: []*provider.ChatResponse{
		finalReply("1. inspect the input\n2. transform it\n3. write the output"),
		toolReply("", shellCall("echo step1")),
		toolReply("", shellCall("echo step2")),
		toolReply("", shellCall("echo step3")),
		finalReply("all three steps are complete"),
	}}
	env := newTestEnv(t, backend, Budgets{MaxIterations: 10, MaxDuration: time.Minute})

	res, err := env.controller.Run(context.Background(), Request{
		Task: "three step task", Planning: true, Capability: "full",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != StatusComplete {
		t.Fatalf("status %s", res.Status)
	}

	doc, err := plan.NewManager(zap.NewNop()).Load(env.planPath)
	if err != nil {
		t.Fatalf("load plan: %v", err)
	}
	if len(doc.Steps) != 3 {
		t.Fatalf("got %d steps, want 3", len(doc.Steps))
	}
	for _, s := range doc.Steps {
		if s.Status != plan.StatusDone {
			t.Errorf("step %d status %s, want done", s.Index, s.Status)
		}
	}
}

func TestPlanningModeStepFailure(t *testing.T) {
	backend := &scriptedBackend{replies: []*provider.ChatResponse{
		finalReply("1. read the missing file"),
		toolReply("", readCall("missing.txt")),
		finalReply("the file does not exist"),
	}}
	env := newTestEnv(t, backend, Budgets{MaxIterations: 10, MaxDuration: time.Minute})

	res, err := env.controller.Run(context.Background(), Request{
		Task: "read a file", Planning: true, Capability: "full",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != StatusComplete {
		t.Fatalf("status %s", res.Status)
	}

	doc, err := plan.NewManager(zap.NewNop()).Load(env.planPath)
	if err != nil {
		t.Fatalf("load plan: %v", err)
	}
	if doc.Steps[0].Status != plan.StatusFailed {
		t.Errorf("step status %s, want failed", doc.Steps[0].Status)
	}
}

func TestPlanningModeResume(t *testing.T) {
	backend := &scriptedBackend{replies: []*provider.ChatResponse{
		toolReply("", shellCall("echo finishing")),
		finalReply("resumed and finished"),
	}}
	env := newTestEnv(t, backend, Budgets{MaxIterations: 10, MaxDuration: time.Minute})

	// A previous session finished step 1 and left step 2 pending.
	mgr := plan.NewManager(zap.NewNop())
	doc, err := mgr.Create(env.planPath, []string{"first", "second"})
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Advance(doc, 1, plan.StatusInProgress); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Advance(doc, 1, plan.StatusDone); err != nil {
		t.Fatal(err)
	}

	res, err := env.controller.Run(context.Background(), Request{
		Task: "finish the plan", Planning: true, Resume: true, Capability: "full",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != StatusComplete {
		t.Fatalf("status %s", res.Status)
	}

	// No planning call happened: the first backend request was already the
	// execution loop.
	if backend.calls != 2 {
		t.Errorf("backend calls %d, want 2", backend.calls)
	}
	loaded, err := mgr.Load(env.planPath)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Steps[0].Status != plan.StatusDone || loaded.Steps[1].Status != plan.StatusDone {
		t.Errorf("statuses %s/%s, want done/done", loaded.Steps[0].Status, loaded.Steps[1].Status)
	}
}

func TestPlanningModeCorruptPlanRecreated(t *testing.T) {
	backend := &scriptedBackend{replies: []*provider.ChatResponse{
		finalReply("1. only step"),
		toolReply("", shellCall("echo go")),
		finalReply("done"),
	}}
	env := newTestEnv(t, backend, Budgets{MaxIterations: 10, MaxDuration: time.Minute})

	if err := os.WriteFile(env.planPath, []byte("this is not a plan\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := env.controller.Run(context.Background(), Request{
		Task: "task", Planning: true, Resume: true, Capability: "full",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != StatusComplete {
		t.Fatalf("status %s", res.Status)
	}

	doc, err := plan.NewManager(zap.NewNop()).Load(env.planPath)
	if err != nil {
		t.Fatalf("corrupt plan was not replaced: %v", err)
	}
	if len(doc.Steps) != 1 || doc.Steps[0].Description != "only step" {
		t.Errorf("got %+v", doc.Steps)
	}
}

func TestBackendUnreachable(t *testing.T) {
	boom := errors.New("connection refused")
	backend := &scriptedBackend{errs: []error{boom, boom, boom, boom}}
	env := newTestEnv(t, backend, Budgets{MaxIterations: 10, MaxDuration: time.Minute})

	res, err := env.controller.Run(context.Background(), Request{Task: "anything"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != StatusPartial {
		t.Fatalf("status %s, want partial", res.Status)
	}
	if res.FailureReason != ReasonBackendUnreachable {
		t.Errorf("reason %q", res.FailureReason)
	}
}

func TestPartialAnswerSurfaced(t *testing.T) {
	backend := &scriptedBackend{replies: []*provider.ChatResponse{
		toolReply("I found the marker file, reading it next", shellCall("echo found")),
	}}
	env := newTestEnv(t, backend, Budgets{MaxIterations: 1, MaxDuration: time.Minute})

	res, err := env.controller.Run(context.Background(), Request{Task: "investigate", Capability: "full"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != StatusPartial {
		t.Fatalf("status %s", res.Status)
	}
	if res.Text != "I found the marker file, reading it next" {
		t.Errorf("partial answer %q", res.Text)
	}

	formatted := Format(res)
	if !strings.HasPrefix(formatted, "[partial]") {
		t.Errorf("formatted %q lacks partial tag", formatted)
	}
	if !strings.Contains(formatted, ReasonIterationBudget) {
		t.Errorf("formatted %q lacks failure reason", formatted)
	}
}

func TestInvalidRequests(t *testing.T) {
	env := newTestEnv(t, &scriptedBackend{}, Budgets{MaxIterations: 2, MaxDuration: time.Minute})

	if _, err := env.controller.Run(context.Background(), Request{Task: "  "}); err == nil {
		t.Error("empty task must be rejected")
	}
	if _, err := env.controller.Run(context.Background(), Request{Task: "x", Capability: "admin"}); err == nil {
		t.Error("unknown capability selector must be rejected")
	}
}

func TestStartHookFiresOncePerSession(t *testing.T) {
	backend := &scriptedBackend{replies: []*provider.ChatResponse{
		finalReply("done"),
	}}
	env := newTestEnv(t, backend, Budgets{MaxIterations: 10, MaxDuration: time.Minute})

	var gotID, gotCap string
	var gotMode Mode
	count := 0
	env.controller.OnStart(func(sessionID string, mode Mode, capability string) {
		count++
		gotID, gotMode, gotCap = sessionID, mode, capability
	})

	res, err := env.controller.Run(context.Background(), Request{
		Task: "answer directly", Capability: "read-only",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 1 {
		t.Fatalf("hook fired %d times, want 1", count)
	}
	if gotID != res.SessionID {
		t.Errorf("hook session %q, result session %q", gotID, res.SessionID)
	}
	if gotMode != ModeDirect {
		t.Errorf("mode %s, want direct", gotMode)
	}
	if gotCap != "read-only" {
		t.Errorf("capability %q", gotCap)
	}

	// Rejected requests never reach the hook.
	if _, err := env.controller.Run(context.Background(), Request{Task: " "}); err == nil {
		t.Fatal("empty task must be rejected")
	}
	if count != 1 {
		t.Errorf("hook fired for a rejected request")
	}
}

func TestReminderInjectedNotPersisted(t *testing.T) {
	backend := &scriptedBackend{replies: []*provider.ChatResponse{
		toolReply("", shellCall("echo a")),
		finalReply("done"),
	}}
	env := newTestEnv(t, backend, Budgets{MaxIterations: 10, MaxDuration: time.Minute})

	if _, err := env.controller.Run(context.Background(), Request{Task: "echo", Capability: "full"}); err != nil {
		t.Fatal(err)
	}

	for i, transcript := range backend.transcripts {
		last := transcript[len(transcript)-1]
		if last.Role != "system" || !strings.Contains(last.Content, "REMINDER") {
			t.Errorf("request %d: reminder missing from tail", i)
		}
		// Exactly one reminder per request: it is transient, not part of
		// the stored transcript.
		n := 0
		for _, m := range transcript {
			if strings.Contains(m.Content, "REMINDER") {
				n++
			}
		}
		if n != 1 {
			t.Errorf("request %d: %d reminders, want 1", i, n)
		}
	}
}
