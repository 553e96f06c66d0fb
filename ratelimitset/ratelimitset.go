// Package ratelimitset models an active set of rate limits accumulated
// against a scoping (organization/project/key), independent of the
// counter-store backend that produced them.
package ratelimitset

import (
	"sort"
	"time"

	"github.com/ingest-relay/core/quota"
)

// RateLimit is a single active limit: the categories and scope it applies
// to, why it was applied, and when it expires.
type RateLimit struct {
	Categories []quota.Category
	Scope      quota.Scope
	ScopeID    *uint64
	ReasonCode string
	RetryAfter time.Time
}

// Expired reports whether this limit has aged out as of now.
func (r RateLimit) Expired(now time.Time) bool {
	return !now.Before(r.RetryAfter)
}

// Matches reports whether this limit applies to the given scoping.
func (r RateLimit) Matches(s quota.Scoping) bool {
	if len(r.Categories) > 0 {
		found := false
		for _, c := range r.Categories {
			if c == s.Category {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if r.ScopeID != nil {
		id := s.ScopeID(r.Scope)
		if id == nil || *id != *r.ScopeID {
			return false
		}
	}
	return true
}

// FromQuota builds the RateLimit that results from a quota being exceeded.
func FromQuota(q quota.Quota, s quota.Scoping, retryAfter time.Time) RateLimit {
	return RateLimit{
		Categories: q.Categories,
		Scope:      q.Scope,
		ScopeID:    s.ScopeID(q.Scope),
		ReasonCode: q.ReasonCode,
		RetryAfter: retryAfter,
	}
}

// RateLimits is an accumulating, mergeable collection of active limits.
// It is not safe for concurrent use; callers needing shared access (e.g.
// the per-project cache actor) must serialize access themselves.
type RateLimits struct {
	limits []RateLimit
}

// New returns an empty set.
func New() *RateLimits {
	return &RateLimits{}
}

// equivalent reports whether a and b apply to the same (categories, scope)
// combination, so one supersedes the other rather than coexisting as a
// near-duplicate entry.
func equivalent(a, b RateLimit) bool {
	if a.Scope != b.Scope {
		return false
	}
	if (a.ScopeID == nil) != (b.ScopeID == nil) {
		return false
	}
	if a.ScopeID != nil && *a.ScopeID != *b.ScopeID {
		return false
	}
	return sameCategories(a.Categories, b.Categories)
}

func sameCategories(a, b []quota.Category) bool {
	if len(a) != len(b) {
		return false
	}
	ac := append([]quota.Category(nil), a...)
	bc := append([]quota.Category(nil), b...)
	sort.Slice(ac, func(i, j int) bool { return ac[i] < ac[j] })
	sort.Slice(bc, func(i, j int) bool { return bc[i] < bc[j] })
	for i := range ac {
		if ac[i] != bc[i] {
			return false
		}
	}
	return true
}

// Add merges limit into the set: an existing entry equivalent by
// (categories, scope) has its RetryAfter/ReasonCode replaced rather than
// gaining a duplicate, keeping the later of the two expiries so a fresh
// rejection never shortens an already-longer ban.
func (r *RateLimits) Add(limit RateLimit) {
	for i, existing := range r.limits {
		if !equivalent(existing, limit) {
			continue
		}
		if limit.RetryAfter.After(existing.RetryAfter) {
			r.limits[i] = limit
		}
		return
	}
	r.limits = append(r.limits, limit)
}

// Merge folds another set's limits into this one, applying the same
// merge-or-insert-by-equivalence rule as Add for every entry.
func (r *RateLimits) Merge(other *RateLimits) {
	if other == nil {
		return
	}
	for _, l := range other.limits {
		r.Add(l)
	}
}

// IsLimited reports whether the set contains any limit still active as of
// now; an entry whose RetryAfter has already passed does not count.
func (r *RateLimits) IsLimited(now time.Time) bool {
	for _, l := range r.limits {
		if !l.Expired(now) {
			return true
		}
	}
	return false
}

// CheckWithQuotas reports whether any currently active (non-expired) limit
// in the set applies to the given scoping, without consulting a counter
// store. This is the fast local check the envelope limiter performs before
// ever calling out to the backend.
func (r *RateLimits) CheckWithQuotas(s quota.Scoping, now time.Time) []RateLimit {
	var matched []RateLimit
	for _, l := range r.limits {
		if l.Expired(now) {
			continue
		}
		if l.Matches(s) {
			matched = append(matched, l)
		}
	}
	return matched
}

// CleanExpired prunes all limits that have aged out as of now.
func (r *RateLimits) CleanExpired(now time.Time) {
	kept := r.limits[:0]
	for _, l := range r.limits {
		if !l.Expired(now) {
			kept = append(kept, l)
		}
	}
	r.limits = kept
}

// All returns every limit currently held, expired or not.
func (r *RateLimits) All() []RateLimit {
	return append([]RateLimit(nil), r.limits...)
}

// Len reports the number of limits currently held.
func (r *RateLimits) Len() int {
	return len(r.limits)
}
