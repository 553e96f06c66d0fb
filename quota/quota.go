// Package quota models the quota configuration attached to a project and
// the key/slot/expiry arithmetic used to track consumption in a shared
// counter store.
package quota

import (
	"fmt"
	"strings"

	"github.com/ingest-relay/core/internal/keybuild"
)

// Scope is the aggregation level a Quota is tracked at.
type Scope string

const (
	ScopeOrganization Scope = "organization"
	ScopeProject      Scope = "project"
	ScopeKey          Scope = "key"
)

// Category is a data category an incoming item can be classified as.
type Category string

const (
	CategoryError        Category = "error"
	CategoryTransaction  Category = "transaction"
	CategoryAttachment   Category = "attachment"
	CategorySession      Category = "session"
	CategoryProfile      Category = "profile"
	CategoryReplay       Category = "replay"
	CategoryMetricBucket Category = "metric_bucket"
	CategoryUserReport   Category = "user_report"
)

// Scoping identifies the organization/project/key an item belongs to, and
// the category it is being checked against.
type Scoping struct {
	OrganizationID uint64
	ProjectID      uint64
	KeyID          *uint64
	Category       Category
}

// ScopeID returns the id relevant for the given scope, or nil if that
// identity is not known (e.g. a key-scoped quota checked without a key).
func (s Scoping) ScopeID(scope Scope) *uint64 {
	switch scope {
	case ScopeOrganization:
		id := s.OrganizationID
		return &id
	case ScopeProject:
		id := s.ProjectID
		return &id
	case ScopeKey:
		return s.KeyID
	default:
		return nil
	}
}

// Quota describes a single rate-limiting rule attached to a project.
//
// A Quota with Limit == nil is unlimited (never rejects, but is still
// tracked if trackable). A Quota with Limit != nil and *Limit == 0 rejects
// unconditionally without ever touching the counter store.
type Quota struct {
	// ID is the counter-store key prefix. A Quota without an ID cannot be
	// tracked in the counter store (spec.md's "trackable" predicate).
	ID *string
	// Categories this quota applies to; empty means "all categories".
	Categories []Category
	Scope      Scope
	// ScopeID restricts the quota to a single organization/project/key;
	// nil means "all" within Scope.
	ScopeID *uint64
	Limit   *int64
	// Window is the tracking window in seconds. A Quota without a Window
	// cannot be tracked in the counter store.
	Window     *uint64
	ReasonCode string
}

// Matches reports whether this quota applies to the given item scoping.
func (q Quota) Matches(s Scoping) bool {
	if len(q.Categories) > 0 {
		found := false
		for _, c := range q.Categories {
			if c == s.Category {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.ScopeID != nil {
		id := s.ScopeID(q.Scope)
		if id == nil || *id != *q.ScopeID {
			return false
		}
	}
	return true
}

// Trackable reports whether this quota can be checked against the counter
// store, i.e. it carries both an ID and a Window.
func (q Quota) Trackable() bool {
	return q.ID != nil && q.Window != nil
}

// RedisLimit returns the limit encoded the way the counter-store script
// expects it: -1 for unlimited, otherwise the configured limit.
func (q Quota) RedisLimit() int64 {
	if q.Limit == nil {
		return -1
	}
	return *q.Limit
}

// Tracked is a Quota paired with the timestamp-derived window slot used to
// build its counter-store key, mirroring RedisQuota in the upstream Rust
// rate limiter.
type Tracked struct {
	Quota   Quota
	Scoping Scoping
	// Window, copied out of Quota for convenience (Quota.Window is always
	// non-nil for a Tracked value).
	Window    uint64
	Timestamp uint64 // unix seconds
}

// NewTracked builds a Tracked wrapper for a quota known to be trackable.
// Callers must check Quota.Trackable() first.
func NewTracked(q Quota, s Scoping, timestamp uint64) Tracked {
	return Tracked{Quota: q, Scoping: s, Window: *q.Window, Timestamp: timestamp}
}

// Shift is the per-organization window offset, so that organizations don't
// all roll over their windows at the same wall-clock instant.
func (t Tracked) Shift() uint64 {
	return t.Scoping.OrganizationID % t.Window
}

// Slot is the index of the window the timestamp falls into.
func (t Tracked) Slot() uint64 {
	return (t.Timestamp - t.Shift()) / t.Window
}

// Expiry is the unix-seconds timestamp at which the current slot's key
// naturally expires (start of the next slot).
func (t Tracked) Expiry() uint64 {
	nextSlot := t.Slot() + 1
	return nextSlot*t.Window + t.Shift()
}

// Key builds the counter-store key for this tracked quota, following the
// `quota:{id}{org}subscope:slot` template: the organization id is always
// present (and hash-tagged with `{}` so Redis Cluster routes all keys for
// an organization to the same slot), the subscope id is only included when
// the quota is not organization-scoped.
func (t Tracked) Key() string {
	var subscope string
	if t.Quota.Scope != ScopeOrganization {
		if id := t.Scoping.ScopeID(t.Quota.Scope); id != nil {
			subscope = fmt.Sprintf("%d", *id)
		}
	}

	b := keybuild.Get()
	defer keybuild.Put(b)

	b.WriteString("quota:")
	if t.Quota.ID != nil {
		b.WriteString(*t.Quota.ID)
	}
	b.WriteByte('{')
	fmt.Fprintf(b, "%d", t.Scoping.OrganizationID)
	b.WriteByte('}')
	b.WriteString(subscope)
	b.WriteByte(':')
	fmt.Fprintf(b, "%d", t.Slot())
	return b.String()
}

// RefundKey is the companion key used to track manual refunds/credits
// against a quota, consulted (but never incremented by ordinary traffic)
// by the counter-store script.
func (t Tracked) RefundKey() string {
	var sb strings.Builder
	sb.WriteString("r:")
	sb.WriteString(t.Key())
	return sb.String()
}
