package projectcache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ingest-relay/core/project"
	"github.com/ingest-relay/core/ratelimitset"
)

type fetchResult struct {
	state *project.State
	err   error
}

// maxPendingEnvelopes bounds how many deferred envelopes a single project
// actor holds while waiting for its first usable state. Once full, the
// oldest entry is shed to make room for the newest, the way a bounded
// mailbox sheds load rather than growing unboundedly while a project's
// config fetch is stuck.
const maxPendingEnvelopes = 1000

// pendingEnvelope is one envelope deferred behind a cache miss, along with
// the continuation that resumes its processing once a state is adopted.
// Upstream keeps separate pending_validations/pending_sampling queues
// because its actor exposes two distinct entry points (envelope
// validation and dynamic-sampling join); this actor has a single Process
// entry point, so both purposes share one queue, with kind recorded only
// for diagnostics.
type pendingEnvelope struct {
	kind string
	fn   func(*project.State)
}

// projectActor owns one project's cached state and in-flight fetch
// bookkeeping. Every field below is only ever touched from inside run(),
// so none of it needs a lock: serialization comes from the actor only
// acting on one mailbox command at a time.
type projectActor struct {
	key   project.Key
	cache *Cache

	mailbox   chan func()
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once

	state           *project.State
	inFlight        bool
	inFlightNoCache bool
	pendingUpgrade  bool
	waiters         []chan fetchResult
	lastNoCache     time.Time
	rateLimits      *ratelimitset.RateLimits

	pending       []pendingEnvelope
	droppedOnShed int
}

func newProjectActor(key project.Key, c *Cache) *projectActor {
	return &projectActor{
		key:        key,
		cache:      c,
		mailbox:    make(chan func(), c.mailboxSize),
		done:       make(chan struct{}),
		rateLimits: ratelimitset.New(),
	}
}

func (a *projectActor) ensureStarted() {
	a.startOnce.Do(func() { go a.run() })
}

func (a *projectActor) stop() {
	a.stopOnce.Do(func() { close(a.done) })
}

func (a *projectActor) run() {
	for {
		select {
		case cmd := <-a.mailbox:
			cmd()
		case <-a.done:
			dropped := len(a.waiters) + len(a.pending) + a.droppedOnShed
			if dropped > 0 {
				a.cache.logger.Warn("dropped project with queued envelopes",
					zap.String("project_key", string(a.key)),
					zap.Int("waiters", len(a.waiters)),
					zap.Int("pending_envelopes", len(a.pending)),
					zap.Int("shed_on_overflow", a.droppedOnShed),
					zap.Int("count", dropped))
			}
			return
		}
	}
}

// send dispatches cmd to the actor's mailbox, honoring ctx cancellation.
func (a *projectActor) send(ctx context.Context, cmd func()) error {
	select {
	case a.mailbox <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		return context.Canceled
	}
}

func (a *projectActor) getOrFetch(ctx context.Context, noCache bool) (*project.State, error) {
	resCh := make(chan fetchResult, 1)
	err := a.send(ctx, func() {
		now := time.Now()
		noCache = a.debounceNoCache(noCache, now)

		if a.state == nil {
			a.scheduleFetch(noCache)
			resCh <- fetchResult{}
			return
		}

		switch a.state.Classify(a.cache.policy, now) {
		case project.ExpiryExpired:
			a.scheduleFetch(noCache)
			resCh <- fetchResult{}
		case project.ExpiryStale:
			a.scheduleFetch(noCache)
			resCh <- fetchResult{state: a.state}
		default:
			resCh <- fetchResult{state: a.state}
		}
	})
	if err != nil {
		return nil, err
	}

	select {
	case r := <-resCh:
		return r.state, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *projectActor) await(ctx context.Context, noCache bool) (*project.State, error) {
	resCh := make(chan fetchResult, 1)
	err := a.send(ctx, func() {
		now := time.Now()
		noCache = a.debounceNoCache(noCache, now)

		if a.state != nil {
			switch a.state.Classify(a.cache.policy, now) {
			case project.ExpiryExpired:
			case project.ExpiryStale:
				a.scheduleFetch(noCache)
				resCh <- fetchResult{state: a.state}
				return
			default:
				resCh <- fetchResult{state: a.state}
				return
			}
		}

		a.waiters = append(a.waiters, resCh)
		a.scheduleFetch(noCache)
	})
	if err != nil {
		return nil, err
	}

	select {
	case r := <-resCh:
		return r.state, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// enqueue defers fn behind this project's state, scheduling a fetch if
// needed, and returns as soon as fn is queued rather than waiting for the
// fetch to complete — the "enqueue and return" admission path for a
// cache miss. fn is invoked with the adopted state once applyState runs,
// from its own goroutine so a slow continuation never stalls the actor's
// mailbox. If the queue is already at capacity the oldest entry is shed
// to make room, mirroring a bounded mailbox under sustained load.
func (a *projectActor) enqueue(ctx context.Context, noCache bool, kind string, fn func(*project.State)) error {
	return a.send(ctx, func() {
		now := time.Now()
		noCache = a.debounceNoCache(noCache, now)

		if len(a.pending) >= maxPendingEnvelopes {
			a.pending = a.pending[1:]
			a.droppedOnShed++
			a.cache.logger.Warn("shed oldest pending envelope over capacity",
				zap.String("project_key", string(a.key)), zap.String("kind", kind))
		}
		a.pending = append(a.pending, pendingEnvelope{kind: kind, fn: fn})
		a.scheduleFetch(noCache)
	})
}

// debounceNoCache downgrades a no_cache request to a normal cached lookup
// if another no_cache request was served for this project too recently.
func (a *projectActor) debounceNoCache(noCache bool, now time.Time) bool {
	if noCache && now.Sub(a.lastNoCache) < a.cache.noCacheThrottle {
		noCache = false
	}
	if noCache {
		a.lastNoCache = now
	}
	return noCache
}

// scheduleFetch debounces a new fetch request against any in-flight
// fetch: a plain request never restarts an in-flight fetch of either
// kind, but a no_cache request arriving while a non-no_cache fetch is in
// flight marks that fetch for an immediate follow-up once it completes.
func (a *projectActor) scheduleFetch(noCache bool) {
	if a.inFlight {
		if noCache && !a.inFlightNoCache {
			a.pendingUpgrade = true
		}
		return
	}
	a.inFlight = true
	a.inFlightNoCache = noCache
	go a.doFetch(noCache)
}

func (a *projectActor) doFetch(noCache bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	states, err := a.cache.fetcher.FetchStates(ctx, []project.Key{a.key}, noCache)
	var state *project.State
	if err == nil {
		state = states[a.key]
	}

	select {
	case a.mailbox <- func() { a.handleFetchComplete(state, err) }:
	case <-a.done:
	}
}

func (a *projectActor) handleFetchComplete(newState *project.State, err error) {
	a.inFlight = false
	upgrade := a.pendingUpgrade
	a.pendingUpgrade = false

	if err == nil && newState != nil {
		a.applyState(newState)
	}

	waiters := a.waiters
	a.waiters = nil
	for _, w := range waiters {
		w <- fetchResult{state: a.state, err: err}
	}

	if upgrade {
		a.scheduleFetch(true)
	}
}

// applyState adopts newState, unless it failed to parse and the current
// state is still usable — in which case the stale-but-valid state is kept
// rather than replaced with an invalid one. Adopting a state drains every
// envelope deferred behind this project's cache miss and replays it
// against the newly loaded (sanitized) state.
func (a *projectActor) applyState(newState *project.State) {
	if newState.Invalid && a.state != nil && !a.state.Invalid {
		a.drainPending(a.state)
		return
	}
	newState.LastFetch = time.Now()
	a.state = newState.Sanitize()
	a.drainPending(a.state)
}

// drainPending replays every envelope queued behind this project's cache
// miss against state, each on its own goroutine so a slow continuation
// never blocks the actor's mailbox or subsequent fetches.
func (a *projectActor) drainPending(state *project.State) {
	pending := a.pending
	a.pending = nil
	for _, p := range pending {
		go p.fn(state)
	}
}

func (a *projectActor) withRateLimits(ctx context.Context, fn func(*ratelimitset.RateLimits)) error {
	return a.send(ctx, func() { fn(a.rateLimits) })
}
