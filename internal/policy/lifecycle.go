// Package policy manages the draft, confirm and publish lifecycle of
// review policy versions.
package policy

import (
	"strings"
	"time"

	"github.com/marromugi/gch4-sub003/internal/domain"
)

func stateErr(op string, v *domain.PolicyVersion, format string) error {
	return domain.Errorf(domain.KindPolicyState, op, format, v.ID, v.Status)
}

func requireDraft(op string, v *domain.PolicyVersion) error {
	if v.Status != domain.PolicyDraft {
		return stateErr(op, v, "policy version %s is %s; only drafts can change")
	}
	return nil
}

// AddSignal appends a signal to a draft version.
func AddSignal(v *domain.PolicyVersion, s domain.Signal) error {
	const op = "policy.addSignal"
	if err := requireDraft(op, v); err != nil {
		return err
	}
	s.Key = strings.TrimSpace(s.Key)
	if s.Key == "" || s.Label == "" {
		return domain.Errorf(domain.KindInvalid, op, "signal key and label are required")
	}
	if !s.Priority.Valid() {
		return domain.Errorf(domain.KindInvalid, op, "unknown signal priority %q", s.Priority)
	}
	for _, existing := range v.Signals {
		if existing.Key == s.Key {
			return domain.Errorf(domain.KindInvalid, op, "signal %q already exists", s.Key)
		}
	}
	s.Position = len(v.Signals)
	v.Signals = append(v.Signals, s)
	return nil
}

// RemoveSignal drops a signal from a draft version by key.
func RemoveSignal(v *domain.PolicyVersion, key string) error {
	const op = "policy.removeSignal"
	if err := requireDraft(op, v); err != nil {
		return err
	}
	for i, s := range v.Signals {
		if s.Key == key {
			v.Signals = append(v.Signals[:i:i], v.Signals[i+1:]...)
			renumberSignals(v)
			return nil
		}
	}
	return domain.Errorf(domain.KindNotFound, op, "signal %q not found", key)
}

// AddTopic appends a prohibited topic to a draft version.
func AddTopic(v *domain.PolicyVersion, t domain.PolicyTopic) error {
	const op = "policy.addTopic"
	if err := requireDraft(op, v); err != nil {
		return err
	}
	t.Topic = strings.TrimSpace(t.Topic)
	if t.Topic == "" {
		return domain.Errorf(domain.KindInvalid, op, "topic is required")
	}
	for _, existing := range v.ProhibitedTopics {
		if strings.EqualFold(existing.Topic, t.Topic) {
			return domain.Errorf(domain.KindInvalid, op, "topic %q already exists", t.Topic)
		}
	}
	t.Position = len(v.ProhibitedTopics)
	v.ProhibitedTopics = append(v.ProhibitedTopics, t)
	return nil
}

// RemoveTopic drops a prohibited topic from a draft version.
func RemoveTopic(v *domain.PolicyVersion, topic string) error {
	const op = "policy.removeTopic"
	if err := requireDraft(op, v); err != nil {
		return err
	}
	for i, t := range v.ProhibitedTopics {
		if strings.EqualFold(t.Topic, topic) {
			v.ProhibitedTopics = append(v.ProhibitedTopics[:i:i], v.ProhibitedTopics[i+1:]...)
			for j := range v.ProhibitedTopics {
				v.ProhibitedTopics[j].Position = j
			}
			return nil
		}
	}
	return domain.Errorf(domain.KindNotFound, op, "topic %q not found", topic)
}

// Limits are the caps and thresholds a draft may set.
type Limits struct {
	SoftCap                 *int `json:"softCap,omitempty" yaml:"softCap,omitempty" validate:"omitempty,min=1"`
	HardCap                 *int `json:"hardCap,omitempty" yaml:"hardCap,omitempty" validate:"omitempty,min=1"`
	ReviewFailThreshold     *int `json:"reviewFailThreshold,omitempty" yaml:"reviewFailThreshold,omitempty" validate:"omitempty,min=0"`
	ExtractionFailThreshold *int `json:"extractionFailThreshold,omitempty" yaml:"extractionFailThreshold,omitempty" validate:"omitempty,min=0"`
	TimeoutThreshold        *int `json:"timeoutThreshold,omitempty" yaml:"timeoutThreshold,omitempty" validate:"omitempty,min=0"`
}

// SetLimits replaces caps and thresholds on a draft version.
func SetLimits(v *domain.PolicyVersion, l Limits) error {
	const op = "policy.setLimits"
	if err := requireDraft(op, v); err != nil {
		return err
	}
	for _, p := range []*int{l.SoftCap, l.HardCap, l.ReviewFailThreshold, l.ExtractionFailThreshold, l.TimeoutThreshold} {
		if p != nil && *p < 0 {
			return domain.Errorf(domain.KindInvalid, op, "limits must not be negative")
		}
	}
	if l.SoftCap != nil && l.HardCap != nil && *l.SoftCap > *l.HardCap {
		return domain.Errorf(domain.KindInvalid, op, "soft cap %d exceeds hard cap %d", *l.SoftCap, *l.HardCap)
	}
	v.SoftCap, v.HardCap = l.SoftCap, l.HardCap
	v.ReviewFailThreshold = l.ReviewFailThreshold
	v.ExtractionFailThreshold = l.ExtractionFailThreshold
	v.TimeoutThreshold = l.TimeoutThreshold
	return nil
}

// Confirm freezes a draft.
func Confirm(v *domain.PolicyVersion, now time.Time) error {
	if v.Status != domain.PolicyDraft {
		return stateErr("policy.confirm", v, "policy version %s is %s; only drafts can be confirmed")
	}
	v.Status = domain.PolicyConfirmed
	v.ConfirmedAt = domain.TimePtr(now)
	return nil
}

// Publish makes a confirmed version the effective policy of its job.
// current is the job's currently published version, if any.
func Publish(v *domain.PolicyVersion, current *domain.PolicyVersion, now time.Time) error {
	const op = "policy.publish"
	if v.Status != domain.PolicyConfirmed {
		return stateErr(op, v, "policy version %s is %s; only confirmed versions can be published")
	}
	if current != nil && current.ID != v.ID {
		return domain.Errorf(domain.KindPolicyState, op,
			"job %s already has published version %d; demote it first", v.JobID, current.Version)
	}
	v.Status = domain.PolicyPublished
	v.PublishedAt = domain.TimePtr(now)
	return nil
}

// Demote returns a published version to confirmed so another can be
// published.
func Demote(v *domain.PolicyVersion) error {
	if v.Status != domain.PolicyPublished {
		return stateErr("policy.demote", v, "policy version %s is %s; only published versions can be demoted")
	}
	v.Status = domain.PolicyConfirmed
	v.PublishedAt = nil
	return nil
}

func renumberSignals(v *domain.PolicyVersion) {
	for i := range v.Signals {
		v.Signals[i].Position = i
	}
}
