package engine

import (
	"bytes"
	"fmt"
	"time"

	"github.com/marromugi/gch4-sub003/internal/domain"
)

// Drift lists the fields where a stored snapshot differs from the state
// rebuilt from the log. An empty result means they agree.
func Drift(stored, replayed *State) []string {
	var out []string
	a, b := &stored.Session, &replayed.Session
	check := func(name string, equal bool) {
		if !equal {
			out = append(out, name)
		}
	}
	check("status", a.Status == b.Status)
	check("currentAgent", a.CurrentAgent == b.CurrentAgent)
	check("bootstrapCompleted", a.BootstrapCompleted == b.BootstrapCompleted)
	check("turnCount", a.TurnCount == b.TurnCount)
	check("softCappedAt", timesEqual(a.SoftCappedAt, b.SoftCappedAt))
	check("hardCappedAt", timesEqual(a.HardCappedAt, b.HardCappedAt))
	check("reviewFailStreak", a.ReviewFailStreak == b.ReviewFailStreak)
	check("extractionFailStreak", a.ExtractionFailStreak == b.ExtractionFailStreak)
	check("timeoutStreak", a.TimeoutStreak == b.TimeoutStreak)
	check("fallbackSignaled", a.FallbackSignaled == b.FallbackSignaled)
	check("lastSequence", a.LastSequence == b.LastSequence)
	check("plan", a.Plan.SchemaVersion == b.Plan.SchemaVersion && bytes.Equal(a.Plan.Data, b.Plan.Data))

	if len(stored.Todos) != len(replayed.Todos) {
		out = append(out, "todos")
	} else {
		for i := range stored.Todos {
			x, y := stored.Todos[i], replayed.Todos[i]
			if x.ID != y.ID || x.Status != y.Status || x.ExtractedValue != y.ExtractedValue || x.Candidate != y.Candidate {
				out = append(out, fmt.Sprintf("todos[%s]", x.ID))
			}
		}
	}

	if len(stored.Messages) != len(replayed.Messages) {
		out = append(out, "messages")
	} else {
		for i := range stored.Messages {
			if stored.Messages[i].ID != replayed.Messages[i].ID || stored.Messages[i].Content != replayed.Messages[i].Content {
				out = append(out, fmt.Sprintf("messages[%d]", i))
			}
		}
	}
	return out
}

func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// MissingMessages returns the replayed messages whose IDs are absent from
// stored, in transcript order.
func MissingMessages(stored, replayed []domain.Message) []domain.Message {
	have := make(map[string]bool, len(stored))
	for _, m := range stored {
		have[m.ID] = true
	}
	var out []domain.Message
	for _, m := range replayed {
		if !have[m.ID] {
			out = append(out, m)
		}
	}
	return out
}
