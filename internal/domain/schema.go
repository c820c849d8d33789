package domain

import "time"

// Job is a position candidates apply to.
type Job struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Application links a candidate to a job.
type Application struct {
	ID            string    `json:"id"`
	JobID         string    `json:"jobId"`
	CandidateName string    `json:"candidateName"`
	Email         string    `json:"email,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Form is a standalone questionnaire that carries its own caps.
type Form struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	SoftCap     *int      `json:"softCap,omitempty"`
	HardCap     *int      `json:"hardCap,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// SchemaStatus gates mutation of a schema version.
type SchemaStatus string

const (
	SchemaDraft    SchemaStatus = "draft"
	SchemaApproved SchemaStatus = "approved"
)

// SchemaVersion groups the fields and facts collected by sessions. Its
// contents are immutable once approved.
type SchemaVersion struct {
	ID         string       `json:"id"`
	OwnerKind  ParentKind   `json:"ownerKind"`
	OwnerID    string       `json:"ownerId"`
	Version    int          `json:"version"`
	Status     SchemaStatus `json:"status"`
	CreatedAt  time.Time    `json:"createdAt"`
	ApprovedAt *time.Time   `json:"approvedAt,omitempty"`
}

// Field is one item the interview must fill.
type Field struct {
	ID              string `json:"id"`
	SchemaVersionID string `json:"schemaVersionId"`
	Label           string `json:"label"`
	Intent          string `json:"intent,omitempty"`
	Required        bool   `json:"required"`
	Position        int    `json:"position"`
}

// FactDefinition is an atomic fact the interviewer must elicit for a field.
type FactDefinition struct {
	ID               string `json:"id"`
	SchemaVersionID  string `json:"schemaVersionId"`
	FieldID          string `json:"fieldId"`
	Fact             string `json:"fact"`
	DoneCriteria     string `json:"doneCriteria,omitempty"`
	QuestioningHints string `json:"questioningHints,omitempty"`
	Position         int    `json:"position"`
}

// ProhibitedTopic is a subject the interviewer must avoid for a field.
type ProhibitedTopic struct {
	ID      string `json:"id"`
	FieldID string `json:"fieldId"`
	Topic   string `json:"topic"`
}
