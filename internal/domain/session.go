package domain

import "time"

// SessionKind describes what a session is collecting.
type SessionKind string

const (
	KindApplication       SessionKind = "application"
	KindInterviewFeedback SessionKind = "interview_feedback"
	KindPolicyCreation    SessionKind = "policy_creation"
	KindFormResponse      SessionKind = "form_response"
)

// ParentKind names the entity a session hangs off.
type ParentKind string

const (
	ParentApplication ParentKind = "application"
	ParentJob         ParentKind = "job"
	ParentForm        ParentKind = "form"
)

// ParentFor returns the parent entity a session of kind k must reference.
func ParentFor(k SessionKind) (ParentKind, bool) {
	switch k {
	case KindApplication, KindInterviewFeedback:
		return ParentApplication, true
	case KindPolicyCreation:
		return ParentJob, true
	case KindFormResponse:
		return ParentForm, true
	}
	return "", false
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
	StatusAbandoned SessionStatus = "abandoned"
)

// CanTransitionStatus reports whether a session may move from one status
// to another. Completed and abandoned are terminal.
func CanTransitionStatus(from, to SessionStatus) bool {
	return from == StatusActive && (to == StatusCompleted || to == StatusAbandoned)
}

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusAbandoned:
		return true
	}
	return false
}

// Thresholds are the consecutive-failure limits that force fallback.
// Zero disables a threshold.
type Thresholds struct {
	ReviewFail     int `json:"reviewFail"`
	ExtractionFail int `json:"extractionFail"`
	Timeout        int `json:"timeout"`
}

// Plan is opaque to the engine beyond its schema version.
type Plan struct {
	SchemaVersion int    `json:"schemaVersion"`
	Data          []byte `json:"data,omitempty"`
}

// Session is a single conversational data-collection run.
type Session struct {
	ID                 string        `json:"id"`
	Kind               SessionKind   `json:"kind"`
	ApplicationID      string        `json:"applicationId,omitempty"`
	JobID              string        `json:"jobId,omitempty"`
	FormID             string        `json:"formId,omitempty"`
	SchemaVersionID    string        `json:"schemaVersionId"`
	PolicyVersionID    string        `json:"policyVersionId,omitempty"`
	Status             SessionStatus `json:"status"`
	BootstrapCompleted bool          `json:"bootstrapCompleted"`
	CurrentAgent       Agent         `json:"currentAgent"`
	Plan               Plan          `json:"plan"`

	TurnCount    int        `json:"turnCount"`
	SoftCap      *int       `json:"softCap,omitempty"`
	HardCap      *int       `json:"hardCap,omitempty"`
	SoftCappedAt *time.Time `json:"softCappedAt,omitempty"`
	HardCappedAt *time.Time `json:"hardCappedAt,omitempty"`

	ReviewFailStreak     int        `json:"reviewFailStreak"`
	ExtractionFailStreak int        `json:"extractionFailStreak"`
	TimeoutStreak        int        `json:"timeoutStreak"`
	Thresholds           Thresholds `json:"thresholds"`
	FallbackSignaled     bool       `json:"fallbackSignaled"`

	// LastSequence is the sequence of the newest log entry folded into
	// this snapshot.
	LastSequence int64 `json:"lastSequence"`
	// Version is the optimistic-concurrency token; storage only.
	Version int64 `json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Parent returns the kind and ID of the single parent reference, or an
// Invalid error when zero or more than one is set.
func (s *Session) Parent() (ParentKind, string, error) {
	var (
		kind  ParentKind
		id    string
		count int
	)
	if s.ApplicationID != "" {
		kind, id = ParentApplication, s.ApplicationID
		count++
	}
	if s.JobID != "" {
		kind, id = ParentJob, s.JobID
		count++
	}
	if s.FormID != "" {
		kind, id = ParentForm, s.FormID
		count++
	}
	if count != 1 {
		return "", "", Errorf(KindInvalid, "session.parent", "session must reference exactly one parent, got %d", count)
	}
	return kind, id, nil
}

// SetParent clears all parent references and sets the one named by kind.
func (s *Session) SetParent(kind ParentKind, id string) {
	s.ApplicationID, s.JobID, s.FormID = "", "", ""
	switch kind {
	case ParentApplication:
		s.ApplicationID = id
	case ParentJob:
		s.JobID = id
	case ParentForm:
		s.FormID = id
	}
}

// Clone returns a deep copy of s.
func (s Session) Clone() Session {
	cp := s
	cp.SoftCap = cloneInt(s.SoftCap)
	cp.HardCap = cloneInt(s.HardCap)
	cp.SoftCappedAt = cloneTime(s.SoftCappedAt)
	cp.HardCappedAt = cloneTime(s.HardCappedAt)
	if s.Plan.Data != nil {
		cp.Plan.Data = append([]byte(nil), s.Plan.Data...)
	}
	return cp
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return &v }

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time { return &t }
