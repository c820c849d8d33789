package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marromugi/gch4-sub003/internal/domain"
)

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func draft(id string, version int) *domain.PolicyVersion {
	return &domain.PolicyVersion{ID: id, JobID: "job-1", Version: version, Status: domain.PolicyDraft}
}

func TestDraftEditing(t *testing.T) {
	v := draft("p-1", 1)
	require.NoError(t, AddSignal(v, domain.Signal{Key: "go", Label: "Go", Priority: domain.PriorityMust}))
	require.NoError(t, AddSignal(v, domain.Signal{Key: "k8s", Label: "Kubernetes", Priority: domain.PriorityNice}))
	assert.Error(t, AddSignal(v, domain.Signal{Key: "go", Label: "dup", Priority: domain.PriorityWant}))
	assert.True(t, domain.IsKind(AddSignal(v, domain.Signal{Key: "x", Label: "x", Priority: "urgent"}), domain.KindInvalid))

	require.NoError(t, RemoveSignal(v, "go"))
	require.Len(t, v.Signals, 1)
	assert.Equal(t, 0, v.Signals[0].Position)
	assert.True(t, domain.IsKind(RemoveSignal(v, "go"), domain.KindNotFound))

	require.NoError(t, AddTopic(v, domain.PolicyTopic{Topic: "Age"}))
	assert.Error(t, AddTopic(v, domain.PolicyTopic{Topic: "age"}))
	require.NoError(t, RemoveTopic(v, "AGE"))
	assert.Empty(t, v.ProhibitedTopics)
}

func TestSetLimits(t *testing.T) {
	v := draft("p-1", 1)
	require.NoError(t, SetLimits(v, Limits{SoftCap: domain.IntPtr(6), HardCap: domain.IntPtr(10), TimeoutThreshold: domain.IntPtr(2)}))
	assert.Equal(t, 10, *v.HardCap)
	assert.Equal(t, 2, *v.TimeoutThreshold)
	assert.Error(t, SetLimits(v, Limits{SoftCap: domain.IntPtr(11), HardCap: domain.IntPtr(10)}))
	assert.Error(t, SetLimits(v, Limits{HardCap: domain.IntPtr(-1)}))
}

func TestConfirmedIsFrozen(t *testing.T) {
	v := draft("p-1", 1)
	require.NoError(t, Confirm(v, now))
	assert.Equal(t, domain.PolicyConfirmed, v.Status)
	require.NotNil(t, v.ConfirmedAt)

	err := AddSignal(v, domain.Signal{Key: "go", Label: "Go", Priority: domain.PriorityMust})
	assert.True(t, domain.IsKind(err, domain.KindPolicyState))
	assert.True(t, domain.IsKind(AddTopic(v, domain.PolicyTopic{Topic: "x"}), domain.KindPolicyState))
	assert.True(t, domain.IsKind(SetLimits(v, Limits{}), domain.KindPolicyState))
	assert.True(t, domain.IsKind(Confirm(v, now), domain.KindPolicyState))
}

func TestPublishRequiresConfirmed(t *testing.T) {
	v := draft("p-1", 1)
	err := Publish(v, nil, now)
	assert.True(t, domain.IsKind(err, domain.KindPolicyState))
	assert.False(t, domain.IsRetryable(err))
}

func TestPublishWhileAnotherPublished(t *testing.T) {
	v1 := draft("p-1", 1)
	require.NoError(t, Confirm(v1, now))
	require.NoError(t, Publish(v1, nil, now))

	v2 := draft("p-2", 2)
	require.NoError(t, Confirm(v2, now))
	err := Publish(v2, v1, now)
	assert.True(t, domain.IsKind(err, domain.KindPolicyState))
	assert.Equal(t, domain.PolicyConfirmed, v2.Status)

	require.NoError(t, Demote(v1))
	assert.Nil(t, v1.PublishedAt)
	require.NoError(t, Publish(v2, nil, now))
	assert.Equal(t, domain.PolicyPublished, v2.Status)
}

func TestDemoteRequiresPublished(t *testing.T) {
	v := draft("p-1", 1)
	assert.True(t, domain.IsKind(Demote(v), domain.KindPolicyState))
}
