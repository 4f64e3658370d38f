package tool

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/virek/outpost/internal/provider"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
)

// Handler executes a tool call with validated arguments and returns the
// result payload.
type Handler func(ctx context.Context, args map[string]interface{}) (string, error)

// Result statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Result is the outcome of dispatching one tool call. It answers the call
// identified by CallID.
type Result struct {
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	Kind      Kind   `json:"kind,omitempty"`
	Output    string `json:"output"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Failed reports whether the result carries an error.
func (r Result) Failed() bool { return r.Status == StatusError }

type entry struct {
	def     provider.Tool
	class   Capability
	handler Handler
	schema  *gojsonschema.Schema
}

// Registry holds the catalog of callable capabilities. It is populated once
// at startup and treated as read-only for the server's lifetime.
type Registry struct {
	entries   map[string]*entry
	order     []string
	timeout   time.Duration
	maxOutput int
	logger    *zap.Logger
}

// NewRegistry creates an empty registry. timeout bounds each handler call;
// maxOutput caps the payload of a single result.
func NewRegistry(timeout time.Duration, maxOutput int, logger *zap.Logger) *Registry {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if maxOutput == 0 {
		maxOutput = 16 * 1024
	}
	return &Registry{
		entries:   make(map[string]*entry),
		timeout:   timeout,
		maxOutput: maxOutput,
		logger:    logger,
	}
}

// Register adds a tool definition, its capability class and its handler. The
// declared parameter schema is compiled eagerly so malformed registrations
// fail at startup, not at dispatch time.
func (r *Registry) Register(def provider.Tool, class Capability, h Handler) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(def.Function.Parameters))
	if err != nil {
		return err
	}
	name := def.Function.Name
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.entries[name] = &entry{def: def, class: class, handler: h, schema: schema}
	r.order = append(r.order, name)
	r.logger.Info("registered tool",
		zap.String("name", name),
		zap.String("class", string(class)))
	return nil
}

// Definitions returns the tool catalog visible to a session, filtered by its
// capability set, in registration order.
func (r *Registry) Definitions(caps CapabilitySet) []provider.Tool {
	var defs []provider.Tool
	for _, name := range r.order {
		e := r.entries[name]
		if caps.Allows(e.class) {
			defs = append(defs, e.def)
		}
	}
	return defs
}

// Dispatch validates and executes one tool call under the session's
// capability set. Failures are returned as error results, never as panics
// into the loop.
func (r *Registry) Dispatch(ctx context.Context, call provider.ToolCall, caps CapabilitySet) Result {
	res := Result{CallID: call.ID, Name: call.Name}

	e, ok := r.entries[call.Name]
	if !ok {
		return r.fail(res, Errorf(KindToolNotPermitted, "unknown tool %q", call.Name))
	}
	if !caps.Allows(e.class) {
		return r.fail(res, Errorf(KindToolNotPermitted,
			"tool %q requires %s capability, session is %s", call.Name, e.class, caps))
	}

	args := call.Args
	if args == nil {
		args = map[string]interface{}{}
	}
	validation, err := e.schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return r.fail(res, Errorf(KindInvalidArguments, "validate arguments: %v", err))
	}
	if !validation.Valid() {
		msg := "invalid arguments"
		if errs := validation.Errors(); len(errs) > 0 {
			msg = errs[0].String()
		}
		return r.fail(res, Errorf(KindInvalidArguments, "%s", msg))
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	output, err := e.handler(callCtx, args)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return r.fail(res, Errorf(KindToolTimeout,
				"tool %q exceeded %s", call.Name, r.timeout))
		}
		var terr *Error
		if errors.As(err, &terr) {
			return r.fail(res, terr)
		}
		return r.fail(res, Errorf(KindExecFailed, "%v", err))
	}

	res.Status = StatusOK
	res.Output, res.Truncated = r.cap(output)
	r.logger.Debug("tool dispatched",
		zap.String("name", call.Name),
		zap.Duration("elapsed", time.Since(start)),
		zap.Bool("truncated", res.Truncated))
	return res
}

func (r *Registry) fail(res Result, err *Error) Result {
	res.Status = StatusError
	res.Kind = err.Kind
	res.Output, res.Truncated = r.cap(err.Message)
	r.logger.Warn("tool call failed",
		zap.String("name", res.Name),
		zap.String("kind", string(err.Kind)))
	return res
}

// cap truncates payloads over the size limit; truncation is always signaled,
// never silent. The cut backs up to a rune boundary so the observation stays
// valid UTF-8.
func (r *Registry) cap(s string) (string, bool) {
	if len(s) <= r.maxOutput {
		return s, false
	}
	cut := r.maxOutput
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n[output truncated]", true
}
