package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrBackendUnreachable is returned once the bounded retry budget is spent.
// The session treats it as fatal.
var ErrBackendUnreachable = errors.New("inference backend unreachable")

// retryBackoff is the base delay between attempts, scaled by attempt number.
var retryBackoff = time.Second

// Client wraps a Backend with the default model, bounded retries and reply
// disambiguation for the agent loop.
type Client struct {
	backend    Backend
	model      string
	maxRetries int
	logger     *zap.Logger
}

// NewClient creates a model client. maxRetries bounds the attempts for a
// single completion; retries are never unbounded.
func NewClient(backend Backend, model string, maxRetries int, logger *zap.Logger) *Client {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Client{
		backend:    backend,
		model:      model,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// ListModels passes through to the backend.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	return c.backend.ListModels(ctx)
}

// Complete sends the transcript plus the tool catalog to the backend and
// parses the reply into a thought, a batch of tool calls or a final answer.
//
// Disambiguation rules:
//   - tool calls present: OutcomeToolCalls, each call gets a fresh ID
//   - no tool calls, non-empty content, not cut off at the token limit:
//     OutcomeFinal
//   - anything else (empty, unparsable or length-truncated): OutcomeThought
//     with zero calls, which still consumes an iteration so bad output
//     cannot loop forever
func (c *Client) Complete(ctx context.Context, transcript []Message, tools []Tool) (*Outcome, error) {
	req := &ChatRequest{
		Model:    c.model,
		Messages: transcript,
		Tools:    tools,
	}

	var resp *ChatResponse
	var err error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		resp, err = c.backend.Chat(ctx, req)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Warn("backend request failed",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", c.maxRetries),
			zap.Error(err))
		if attempt < c.maxRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * retryBackoff):
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
	}

	out := c.parse(resp)
	c.logger.Debug("completion parsed",
		zap.String("outcome", out.Kind.String()),
		zap.Int("tool_calls", len(out.Calls)))
	return out, nil
}

// doneReasonLength marks a reply cut off at the backend's token limit.
const doneReasonLength = "length"

func (c *Client) parse(resp *ChatResponse) *Outcome {
	if len(resp.ToolCalls) > 0 {
		calls := make([]ToolCall, len(resp.ToolCalls))
		for i, tc := range resp.ToolCalls {
			calls[i] = ToolCall{
				ID:   uuid.New().String(),
				Name: tc.Name,
				Args: tc.Args,
			}
			if calls[i].Args == nil {
				calls[i].Args = map[string]interface{}{}
			}
		}
		return &Outcome{Kind: OutcomeToolCalls, Text: resp.Content, Calls: calls}
	}
	if strings.TrimSpace(resp.Content) != "" && resp.DoneReason != doneReasonLength {
		return &Outcome{Kind: OutcomeFinal, Text: resp.Content}
	}
	// A reply cut off at the token limit is an incomplete thought, not a
	// final answer.
	return &Outcome{Kind: OutcomeThought, Text: resp.Content}
}
