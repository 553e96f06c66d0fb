// Package limiter walks an envelope's items, applies locally cached rate
// limits first, then batches the remaining trackable quotas through a
// counter-store backend, dropping items whose category comes back
// rejected.
package limiter

import (
	"context"
	"time"

	"github.com/ingest-relay/core/counterstore"
	"github.com/ingest-relay/core/envelope"
	"github.com/ingest-relay/core/quota"
	"github.com/ingest-relay/core/ratelimitset"
)

// RejectAllSecs is the retry-after window synthesized for a zero-limit
// quota, which rejects unconditionally without ever consulting the
// counter store.
const RejectAllSecs = time.Hour

// categoryOrder fixes the iteration order over an envelope's present
// categories, so outcomes are recorded deterministically regardless of
// item order.
var categoryOrder = []quota.Category{
	quota.CategoryError,
	quota.CategoryAttachment,
	quota.CategorySession,
	quota.CategoryTransaction,
	quota.CategoryProfile,
	quota.CategoryReplay,
	quota.CategoryMetricBucket,
	quota.CategoryUserReport,
}

func itemCategory(item envelope.Item) (quota.Category, bool) {
	switch item.Type {
	case envelope.ItemEvent, envelope.ItemSecurity:
		return quota.CategoryError, true
	case envelope.ItemTransaction:
		return quota.CategoryTransaction, true
	case envelope.ItemAttachment:
		return quota.CategoryAttachment, true
	case envelope.ItemSession, envelope.ItemSessions:
		return quota.CategorySession, true
	case envelope.ItemProfile:
		return quota.CategoryProfile, true
	case envelope.ItemReplayRecording, envelope.ItemReplayEvent:
		return quota.CategoryReplay, true
	case envelope.ItemMetricBuckets:
		return quota.CategoryMetricBucket, true
	case envelope.ItemUserReport:
		return quota.CategoryUserReport, true
	default:
		return "", false
	}
}

// Outcome records why every item of one category was dropped from the
// envelope.
type Outcome struct {
	Category   quota.Category
	ReasonCode string
	Dropped    int
}

// Enforcement is the result of running Enforce against one envelope.
type Enforcement struct {
	Outcomes []Outcome
}

// Rejected reports whether any item was dropped.
func (e Enforcement) Rejected() bool {
	return len(e.Outcomes) > 0
}

// CheckLocal consults the caller's already-accumulated rate limits (e.g.
// ratelimitset.RateLimits.CheckWithQuotas) for the given scoping, without
// touching the counter store.
type CheckLocal func(s quota.Scoping) []ratelimitset.RateLimit

// OverAcceptPolicy decides whether a category may accept one over-the-limit
// hit before its quota starts rejecting, letting callers trade strictness
// for tolerance of data loss per category.
type OverAcceptPolicy func(category quota.Category) bool

// NeverOverAccept is the strict default: every category rejects as soon as
// its limit is reached.
func NeverOverAccept(quota.Category) bool { return false }

// Limiter enforces quotas against envelopes, consulting a local rate-limit
// cache before ever calling out to the shared counter store.
type Limiter struct {
	backend    counterstore.Backend
	overAccept OverAcceptPolicy
}

// New builds a Limiter. overAccept may be nil, defaulting to NeverOverAccept.
func New(backend counterstore.Backend, overAccept OverAcceptPolicy) *Limiter {
	if overAccept == nil {
		overAccept = NeverOverAccept
	}
	return &Limiter{backend: backend, overAccept: overAccept}
}

type pendingCheck struct {
	category quota.Category
	tracked  quota.Tracked
}

// Enforce classifies env's items by category, checks each present category
// against checkLocal, then batches the remaining trackable quotas (grouped
// by organization, since a script invocation's keys must share one
// `{org}` hash tag) through the backend in a single round trip per group.
// Items whose category ends up rejected are removed from env in place.
// newLimits holds only the limits discovered during this call (not the
// ones checkLocal already knew about); callers should merge them into
// their rate-limit cache.
func (l *Limiter) Enforce(ctx context.Context, env *envelope.Envelope, scoping quota.Scoping, quotas []quota.Quota, checkLocal CheckLocal, now time.Time) (Enforcement, []ratelimitset.RateLimit, error) {
	present := presentCategories(env)

	rejected := make(map[quota.Category]string) // category -> reason code
	var newLimits []ratelimitset.RateLimit
	var pending []pendingCheck

	for _, cat := range categoryOrder {
		if !present[cat] {
			continue
		}
		catScoping := scoping
		catScoping.Category = cat

		if local := checkLocal(catScoping); len(local) > 0 {
			rejected[cat] = local[0].ReasonCode
			continue
		}

		for _, q := range quotas {
			if !q.Matches(catScoping) {
				continue
			}
			if q.Limit != nil && *q.Limit == 0 {
				rl := ratelimitset.FromQuota(q, catScoping, now.Add(RejectAllSecs))
				newLimits = append(newLimits, rl)
				rejected[cat] = q.ReasonCode
				continue
			}
			if !q.Trackable() {
				continue
			}
			pending = append(pending, pendingCheck{
				category: cat,
				tracked:  quota.NewTracked(q, catScoping, uint64(now.Unix())),
			})
		}
	}

	byOrg := make(map[uint64][]pendingCheck)
	for _, p := range pending {
		if _, already := rejected[p.category]; already {
			continue
		}
		byOrg[p.tracked.Scoping.OrganizationID] = append(byOrg[p.tracked.Scoping.OrganizationID], p)
	}

	for _, group := range byOrg {
		checks := make([]counterstore.Check, len(group))
		for i, p := range group {
			checks[i] = counterstore.Check{
				Key:            p.tracked.Key(),
				RefundKey:      p.tracked.RefundKey(),
				Limit:          p.tracked.Quota.RedisLimit(),
				Expiry:         p.tracked.Expiry(),
				Quantity:       1,
				OverAcceptOnce: l.overAccept(p.category),
			}
		}

		results, err := l.backend.Evaluate(ctx, checks)
		if err != nil {
			return Enforcement{}, nil, err
		}

		for i, isRejected := range results {
			if !isRejected {
				continue
			}
			p := group[i]
			if _, already := rejected[p.category]; already {
				continue
			}
			retryAfter := time.Unix(int64(p.tracked.Expiry()), 0)
			catScoping := scoping
			catScoping.Category = p.category
			rl := ratelimitset.FromQuota(p.tracked.Quota, catScoping, retryAfter)
			newLimits = append(newLimits, rl)
			rejected[p.category] = p.tracked.Quota.ReasonCode
		}
	}

	var outcomes []Outcome
	for _, cat := range categoryOrder {
		reason, ok := rejected[cat]
		if !ok {
			continue
		}
		dropped := env.RemoveItems(func(item envelope.Item) bool {
			itemCat, itemOK := itemCategory(item)
			return itemOK && itemCat == cat
		})
		if dropped > 0 {
			outcomes = append(outcomes, Outcome{Category: cat, ReasonCode: reason, Dropped: dropped})
		}
	}

	return Enforcement{Outcomes: outcomes}, newLimits, nil
}

func presentCategories(env *envelope.Envelope) map[quota.Category]bool {
	present := make(map[quota.Category]bool)
	for _, item := range env.Items {
		if cat, ok := itemCategory(item); ok {
			present[cat] = true
		}
	}
	return present
}
