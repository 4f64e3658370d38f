package agent

import (
	"fmt"
	"strings"

	"github.com/virek/outpost/internal/provider"
	"github.com/virek/outpost/internal/tool"
)

const systemPrompt = `IDENTITY & CONTEXT:
You are a secure autonomous agent running on the user's computer. You act as
the local hands for a cloud-hosted reasoning client. You process sensitive
data locally to preserve privacy, and you only have access to the current
project directory.

PRIORITY 1: PRECISION & ADHERENCE
Always prioritize the specific request. If asked for an extraction, provide
only that information; do not add high-level summaries unless asked.

OPERATING MODE:
Solve tasks iteratively with a Think-Act-Observe cycle:
1. THOUGHT: explain your reasoning and plan in the text response.
2. ACTION: call tools to execute the next step of your plan.
3. OBSERVATION: review the tool output. If it failed, diagnose why and try a
   different approach.

CONSTRAINTS:
- Stay focused on the task.
- If you are stuck after several attempts, report the specific blocker.
- When finished, reply with the specific answer requested and no tool calls.
- Anonymize personally identifiable information in your final response unless
  the user explicitly requested that data.`

const planningPrompt = `You are planning a multi-step task for a local agent
with shell and file tools. Produce an ordered plan: one step per line, each
line a short imperative description. Number the lines starting at 1. Output
nothing but the plan lines.`

// buildTranscript converts the session transcript into backend messages.
func buildTranscript(s *Session) []provider.Message {
	msgs := []provider.Message{{Role: "system", Content: systemPrompt}}
	if len(s.ContextFiles) > 0 {
		msgs = append(msgs, provider.Message{
			Role:    "system",
			Content: "Available files: " + strings.Join(s.ContextFiles, ", ") + ".",
		})
	}
	msgs = append(msgs, provider.Message{Role: "user", Content: s.Task})

	for _, t := range s.turns {
		switch t.Kind {
		case TurnThought:
			msgs = append(msgs, provider.Message{Role: "assistant", Content: t.Text})
		case TurnToolCall:
			msgs = append(msgs, provider.Message{
				Role:      "assistant",
				ToolCalls: []provider.ToolCall{*t.Call},
			})
		case TurnObservation:
			msgs = append(msgs, provider.Message{
				Role:     "tool",
				ToolName: t.Result.Name,
				Content:  observationContent(t.Result),
			})
		}
	}
	return msgs
}

// reminder is appended transiently each iteration to prevent context drift.
// It is never stored in the transcript.
func reminder(task string) provider.Message {
	return provider.Message{
		Role:    "system",
		Content: fmt.Sprintf("REMINDER: Your primary goal is: %s. Focus on this task.", task),
	}
}

func observationContent(r *tool.Result) string {
	if r.Failed() {
		return fmt.Sprintf("[tool error: %s] %s", r.Kind, r.Output)
	}
	if r.Truncated {
		return r.Output + "\n[note: output was truncated]"
	}
	return r.Output
}
