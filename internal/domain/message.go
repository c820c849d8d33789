package domain

import "time"

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry in a session's transcript.
type Message struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"sessionId"`
	Seq           int       `json:"seq"`
	Role          Role      `json:"role"`
	Content       string    `json:"content"`
	TargetFieldID string    `json:"targetFieldId,omitempty"`
	ReviewPassed  *bool     `json:"reviewPassed,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// BoolPtr returns a pointer to v.
func BoolPtr(v bool) *bool { return &v }
