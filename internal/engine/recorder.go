package engine

import (
	"encoding/json"
	"time"

	"github.com/marromugi/gch4-sub003/internal/domain"
)

// Recorder builds consecutive log entries for one session.
type Recorder struct {
	sessionID string
	next      int64
	now       time.Time
	newID     func() string
	entries   []domain.ToolCallLog
}

// NewRecorder starts numbering after lastSequence.
func NewRecorder(sessionID string, lastSequence int64, now time.Time, newID func() string) *Recorder {
	return &Recorder{sessionID: sessionID, next: lastSequence + 1, now: now, newID: newID}
}

// Record appends an entry. args is encoded unless it is already raw JSON.
func (r *Recorder) Record(agent domain.Agent, tool string, args any, result json.RawMessage) error {
	raw, ok := args.(json.RawMessage)
	if !ok {
		var err error
		if raw, err = Encode(args); err != nil {
			return err
		}
	}
	r.entries = append(r.entries, domain.ToolCallLog{
		ID:        r.newID(),
		SessionID: r.sessionID,
		Sequence:  r.next,
		Agent:     agent,
		ToolName:  tool,
		Args:      raw,
		Result:    result,
		CreatedAt: r.now,
	})
	r.next++
	return nil
}

// Entries returns the recorded entries in order.
func (r *Recorder) Entries() []domain.ToolCallLog {
	return r.entries
}
