package quota

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func TestRedisQuotaKey_OrganizationScoped(t *testing.T) {
	window := uint64(10)
	q := Quota{
		ID:     ptr("foo"),
		Scope:  ScopeOrganization,
		Window: &window,
	}
	require.True(t, q.Trackable())

	tr := NewTracked(q, Scoping{OrganizationID: 69420}, 234531)
	assert.Equal(t, "quota:foo{69420}:23453", tr.Key())
}

func TestRedisQuotaKey_ProjectScoped(t *testing.T) {
	window := uint64(2)
	q := Quota{
		ID:      ptr("foo"),
		Scope:   ScopeProject,
		ScopeID: ptr(uint64(42)),
		Window:  &window,
	}

	tr := NewTracked(q, Scoping{OrganizationID: 69420, ProjectID: 42}, 123123123)
	assert.Equal(t, "quota:foo{69420}42:61561561", tr.Key())
}

func TestTracked_ExpiryAfterSlot(t *testing.T) {
	window := uint64(60)
	q := Quota{ID: ptr("x"), Scope: ScopeOrganization, Window: &window}
	tr := NewTracked(q, Scoping{OrganizationID: 0}, 100)

	assert.Equal(t, uint64(1), tr.Slot())
	assert.Equal(t, uint64(120), tr.Expiry())
	assert.Greater(t, tr.Expiry(), tr.Timestamp)
}

func TestQuota_RedisLimit(t *testing.T) {
	unlimited := Quota{}
	assert.Equal(t, int64(-1), unlimited.RedisLimit())

	limited := Quota{Limit: ptr(int64(5))}
	assert.Equal(t, int64(5), limited.RedisLimit())
}

func TestQuota_MatchesCategory(t *testing.T) {
	q := Quota{Categories: []Category{CategoryError, CategoryTransaction}}
	assert.True(t, q.Matches(Scoping{Category: CategoryError}))
	assert.False(t, q.Matches(Scoping{Category: CategorySession}))

	anyCategory := Quota{}
	assert.True(t, anyCategory.Matches(Scoping{Category: CategorySession}))
}

func TestQuota_MatchesScopeID(t *testing.T) {
	q := Quota{Scope: ScopeProject, ScopeID: ptr(uint64(7))}
	assert.True(t, q.Matches(Scoping{ProjectID: 7}))
	assert.False(t, q.Matches(Scoping{ProjectID: 8}))
}

func TestQuota_NotTrackableWithoutIDOrWindow(t *testing.T) {
	assert.False(t, Quota{Window: ptr(uint64(60))}.Trackable())
	assert.False(t, Quota{ID: ptr("x")}.Trackable())
}
