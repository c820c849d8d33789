package domain

import "time"

// PolicyStatus is the lifecycle state of a review policy version.
type PolicyStatus string

const (
	PolicyDraft     PolicyStatus = "draft"
	PolicyConfirmed PolicyStatus = "confirmed"
	PolicyPublished PolicyStatus = "published"
)

// Valid reports whether s is a known policy status.
func (s PolicyStatus) Valid() bool {
	switch s {
	case PolicyDraft, PolicyConfirmed, PolicyPublished:
		return true
	}
	return false
}

// SignalPriority ranks how strongly a reviewer should weigh a signal.
type SignalPriority string

const (
	PriorityMust SignalPriority = "must"
	PriorityWant SignalPriority = "want"
	PriorityNice SignalPriority = "nice"
)

// Valid reports whether p is a known priority.
func (p SignalPriority) Valid() bool {
	switch p {
	case PriorityMust, PriorityWant, PriorityNice:
		return true
	}
	return false
}

// Signal is a review criterion attached to a policy version.
type Signal struct {
	ID       string         `json:"id"`
	Key      string         `json:"key"`
	Label    string         `json:"label"`
	Priority SignalPriority `json:"priority"`
	Category string         `json:"category,omitempty"`
	Position int            `json:"position"`
}

// PolicyTopic is a subject reviewers must not raise.
type PolicyTopic struct {
	ID       string `json:"id"`
	Topic    string `json:"topic"`
	Position int    `json:"position"`
}

// PolicyVersion is one numbered revision of a job's review policy.
type PolicyVersion struct {
	ID      string       `json:"id"`
	JobID   string       `json:"jobId"`
	Version int          `json:"version"`
	Status  PolicyStatus `json:"status"`

	SoftCap *int `json:"softCap,omitempty"`
	HardCap *int `json:"hardCap,omitempty"`
	// Nil thresholds fall back to the engine defaults.
	ReviewFailThreshold     *int `json:"reviewFailThreshold,omitempty"`
	ExtractionFailThreshold *int `json:"extractionFailThreshold,omitempty"`
	TimeoutThreshold        *int `json:"timeoutThreshold,omitempty"`

	Signals          []Signal      `json:"signals"`
	ProhibitedTopics []PolicyTopic `json:"prohibitedTopics"`

	CreatedAt   time.Time  `json:"createdAt"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
}
