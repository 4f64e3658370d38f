package agent

import (
	"fmt"
	"strings"
)

// Format shapes the text returned across the session boundary. Completed
// sessions return the model's final answer verbatim; failed sessions return a
// tagged partial summary plus the failure reason.
func Format(r *Result) string {
	if r.Status == StatusComplete {
		return r.Text
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "[partial] task did not complete: %s", r.FailureReason)
	if r.Text != "" {
		sb.WriteString("\n\nBest partial answer:\n")
		sb.WriteString(r.Text)
	}
	return sb.String()
}

// partialAnswer assembles the best available answer from the transcript of a
// failed session: the latest reasoning text, falling back to the latest
// successful observation. Partial progress is surfaced, never discarded.
func partialAnswer(s *Session) string {
	for i := len(s.turns) - 1; i >= 0; i-- {
		t := s.turns[i]
		if t.Kind == TurnThought && strings.TrimSpace(t.Text) != "" {
			return t.Text
		}
	}
	for i := len(s.turns) - 1; i >= 0; i-- {
		t := s.turns[i]
		if t.Kind == TurnObservation && !t.Result.Failed() && strings.TrimSpace(t.Result.Output) != "" {
			return t.Result.Output
		}
	}
	return ""
}
