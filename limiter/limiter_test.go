package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ingest-relay/core/counterstore"
	"github.com/ingest-relay/core/envelope"
	"github.com/ingest-relay/core/quota"
	"github.com/ingest-relay/core/ratelimitset"
)

func noLocal(quota.Scoping) []ratelimitset.RateLimit { return nil }

func ptr[T any](v T) *T { return &v }

func TestLimiter_ZeroLimitQuotaRejectsWithoutBackendCall(t *testing.T) {
	env := &envelope.Envelope{Items: []envelope.Item{{Type: envelope.ItemEvent}}}
	scoping := quota.Scoping{OrganizationID: 1, ProjectID: 2}
	quotas := []quota.Quota{{Categories: []quota.Category{quota.CategoryError}, Limit: ptr(int64(0)), ReasonCode: "disabled"}}

	l := New(nil, nil) // nil backend: must never be dialed for a zero-limit quota
	enforcement, newLimits, err := l.Enforce(context.Background(), env, scoping, quotas, noLocal, time.Now())
	require.NoError(t, err)
	assert.True(t, env.IsEmpty())
	require.Len(t, enforcement.Outcomes, 1)
	assert.Equal(t, quota.CategoryError, enforcement.Outcomes[0].Category)
	require.Len(t, newLimits, 1)
	assert.Equal(t, "disabled", newLimits[0].ReasonCode)
}

func TestLimiter_LocalRateLimitDropsWithoutBackendCall(t *testing.T) {
	env := &envelope.Envelope{Items: []envelope.Item{
		{Type: envelope.ItemEvent},
		{Type: envelope.ItemAttachment},
	}}
	scoping := quota.Scoping{OrganizationID: 1, ProjectID: 2}

	checkLocal := func(s quota.Scoping) []ratelimitset.RateLimit {
		if s.Category == quota.CategoryError {
			return []ratelimitset.RateLimit{{ReasonCode: "already_limited"}}
		}
		return nil
	}

	l := New(nil, nil)
	enforcement, _, err := l.Enforce(context.Background(), env, scoping, nil, checkLocal, time.Now())
	require.NoError(t, err)
	require.Len(t, env.Items, 1)
	assert.Equal(t, envelope.ItemAttachment, env.Items[0].Type)
	require.Len(t, enforcement.Outcomes, 1)
	assert.Equal(t, "already_limited", enforcement.Outcomes[0].ReasonCode)
}

func TestLimiter_BatchesTrackableQuotasThroughBackend(t *testing.T) {
	backend := counterstore.NewMemoryBackend()
	l := New(backend, nil)

	id := "errs"
	q := quota.Quota{
		ID:         &id,
		Categories: []quota.Category{quota.CategoryError},
		Scope:      quota.ScopeProject,
		Limit:      ptr(int64(1)),
		Window:     ptr(uint64(60)),
		ReasonCode: "over_quota",
	}
	scoping := quota.Scoping{OrganizationID: 1, ProjectID: 2}
	now := time.Now()

	for i := 0; i < 2; i++ {
		env := &envelope.Envelope{Items: []envelope.Item{{Type: envelope.ItemEvent}}}
		_, _, err := l.Enforce(context.Background(), env, scoping, []quota.Quota{q}, noLocal, now)
		require.NoError(t, err)
		if i == 0 {
			assert.False(t, env.IsEmpty(), "first event is within the limit")
		} else {
			assert.True(t, env.IsEmpty(), "second event exceeds the limit of 1")
		}
	}
}

func TestLimiter_UntrackedCategoryPassesThrough(t *testing.T) {
	env := &envelope.Envelope{Items: []envelope.Item{{Type: envelope.ItemSession}}}
	scoping := quota.Scoping{OrganizationID: 1, ProjectID: 2}

	l := New(nil, nil)
	enforcement, _, err := l.Enforce(context.Background(), env, scoping, nil, noLocal, time.Now())
	require.NoError(t, err)
	assert.False(t, env.IsEmpty())
	assert.Empty(t, enforcement.Outcomes)
}
