// Package pipeline orchestrates one envelope's admission: project state
// lookup, request validation, quota enforcement, and hand-off to the
// publisher.
package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ingest-relay/core/envelope"
	"github.com/ingest-relay/core/limiter"
	"github.com/ingest-relay/core/project"
	"github.com/ingest-relay/core/projectcache"
	"github.com/ingest-relay/core/publish"
	"github.com/ingest-relay/core/quota"
	"github.com/ingest-relay/core/ratelimitset"
)

// Config wires a Pipeline's collaborators.
type Config struct {
	Cache              *projectcache.Cache
	Limiter            *limiter.Limiter
	Publisher          *publish.Publisher
	Policy             project.ExpiryPolicy
	OverrideProjectIDs bool
	Logger             *zap.Logger
}

// Pipeline runs the per-envelope admission sequence described in
// spec.md §4.7: cached-state lookup, request validation, quota
// enforcement, and publish hand-off.
type Pipeline struct {
	cache              *projectcache.Cache
	limiter            *limiter.Limiter
	publisher          *publish.Publisher
	policy             project.ExpiryPolicy
	overrideProjectIDs bool
	logger             *zap.Logger
}

// New builds a Pipeline. Publisher may be nil for callers that only want
// the accept/reject decision (e.g. tests), in which case Process skips
// the final publish step on acceptance.
func New(cfg Config) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Pipeline{
		cache:              cfg.Cache,
		limiter:            cfg.Limiter,
		publisher:          cfg.Publisher,
		policy:             cfg.Policy,
		overrideProjectIDs: cfg.OverrideProjectIDs,
		logger:             cfg.Logger,
	}
}

// Result is the outcome of running Process against one envelope.
type Result struct {
	// Deferred is true when no cached project state was available yet; the
	// envelope has been queued behind the project's fetch and is replayed
	// automatically once a state is adopted, so the caller does not
	// resubmit it.
	Deferred bool
	// Accepted is true when the envelope (or what remained of it after
	// rate limiting) was handed to the publisher.
	Accepted bool
	// DiscardReason is set when the envelope was rejected outright,
	// either by check_request or because rate limiting emptied it.
	DiscardReason string
	// Enforcement lists which categories were dropped and why.
	Enforcement limiter.Enforcement
	// SamplingState is the joined project state for dynamic sampling,
	// populated only when the project's config names a sampling key and
	// the envelope carries a transaction.
	SamplingState *project.State
}

const discardRateLimited = "rate_limited"

// replayTimeout bounds how long a deferred envelope's replay is allowed to
// run once a project state finally arrives; the original caller is long
// gone by then, so there is no request context left to inherit from.
const replayTimeout = 30 * time.Second

// Process runs one envelope through scoping, validation, rate limiting,
// and publishing. It mutates env in place: rate-limited items are
// removed before any publish attempt. On a project cache miss, the
// envelope is enqueued against the project actor and replayed
// automatically once a state is adopted, rather than requiring the
// caller to poll; Process returns immediately with Result.Deferred set.
func (p *Pipeline) Process(ctx context.Context, env *envelope.Envelope, now time.Time) (Result, error) {
	key := project.Key(env.Meta.PublicKey)

	state, err := p.cache.GetOrFetch(ctx, key, env.Meta.NoCache)
	if err != nil {
		return Result{}, err
	}
	if state == nil {
		if err := p.cache.Enqueue(ctx, key, env.Meta.NoCache, "validation", func(replayState *project.State) {
			p.replay(env, replayState)
		}); err != nil {
			return Result{}, err
		}
		return Result{Deferred: true}, nil
	}

	return p.processWithState(ctx, env, now, state)
}

// replay resumes a previously deferred envelope once its project's state
// has been adopted, logging the outcome since no caller is left waiting
// on a return value. A nil state is dropped with a warning; the project
// actor passes the state it just adopted or kept, so an invalid project
// arrives here as a non-nil invalid state and is discarded by CheckRequest.
func (p *Pipeline) replay(env *envelope.Envelope, state *project.State) {
	if state == nil {
		p.logger.Warn("dropped deferred envelope: project state never became usable",
			zap.String("public_key", env.Meta.PublicKey))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), replayTimeout)
	defer cancel()

	result, err := p.processWithState(ctx, env, time.Now(), state)
	if err != nil {
		p.logger.Error("replay of deferred envelope failed",
			zap.String("public_key", env.Meta.PublicKey), zap.Error(err))
		return
	}
	if result.DiscardReason != "" {
		p.logger.Info("deferred envelope discarded on replay",
			zap.String("public_key", env.Meta.PublicKey), zap.String("reason", result.DiscardReason))
	}
}

// processWithState runs the admission sequence once a project state is
// already in hand, shared by Process's fast path and replay's deferred
// path.
func (p *Pipeline) processWithState(ctx context.Context, env *envelope.Envelope, now time.Time, state *project.State) (Result, error) {
	key := project.Key(env.Meta.PublicKey)
	scoping := state.ScopeRequest(env.Meta)

	if err := state.CheckRequest(env.Meta, p.policy, p.overrideProjectIDs, now); err != nil {
		var de *project.DiscardError
		if errors.As(err, &de) {
			return Result{DiscardReason: string(de.Reason)}, nil
		}
		return Result{}, err
	}

	if err := p.cache.WithRateLimits(ctx, key, func(rl *ratelimitset.RateLimits) { rl.CleanExpired(now) }); err != nil {
		return Result{}, err
	}

	quotas := state.GetQuotas()

	var checkLocalErr error
	checkLocal := func(s quota.Scoping) []ratelimitset.RateLimit {
		var matched []ratelimitset.RateLimit
		if err := p.cache.WithRateLimits(ctx, key, func(rl *ratelimitset.RateLimits) {
			matched = rl.CheckWithQuotas(s, now)
		}); err != nil {
			checkLocalErr = err
		}
		return matched
	}

	enforcement, newLimits, err := p.limiter.Enforce(ctx, env, scoping, quotas, checkLocal, now)
	if err != nil {
		return Result{}, err
	}
	if checkLocalErr != nil {
		return Result{}, checkLocalErr
	}

	if len(newLimits) > 0 {
		if err := p.cache.WithRateLimits(ctx, key, func(rl *ratelimitset.RateLimits) {
			for _, l := range newLimits {
				rl.Add(l)
			}
		}); err != nil {
			return Result{}, err
		}
	}

	if env.IsEmpty() {
		return Result{DiscardReason: discardRateLimited, Enforcement: enforcement}, nil
	}

	result := Result{Accepted: true, Enforcement: enforcement}

	if state.Config.DynamicSamplingKey != nil && env.GetItemByType(envelope.ItemTransaction) != nil {
		samplingState, err := p.cache.Await(ctx, project.Key(*state.Config.DynamicSamplingKey), false)
		if err != nil {
			return Result{}, err
		}
		result.SamplingState = samplingState
	}

	if p.publisher != nil {
		if err := p.publisher.Publish(ctx, env, scoping, now); err != nil {
			return Result{}, err
		}
	}

	return result, nil
}
