package projectcache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ingest-relay/core/project"
	"github.com/ingest-relay/core/ratelimitset"
)

// Config configures a Cache.
type Config struct {
	Fetcher Fetcher
	Policy  project.ExpiryPolicy
	// NoCacheThrottle limits how often a no_cache=true request actually
	// bypasses the cache for a single project; repeated requests within
	// the window are downgraded to a normal cached lookup. Defaults to
	// one second.
	NoCacheThrottle time.Duration
	// MailboxSize bounds each project actor's command queue.
	MailboxSize int
	Logger      *zap.Logger
}

// Cache holds one actor per project key, created lazily and never
// migrated, so that all reads/writes for a given project are serialized
// without a shared lock.
type Cache struct {
	fetcher         Fetcher
	policy          project.ExpiryPolicy
	noCacheThrottle time.Duration
	mailboxSize     int
	logger          *zap.Logger

	actors sync.Map // project.Key -> *projectActor
}

// New constructs a Cache. Fetcher must not be nil.
func New(cfg Config) *Cache {
	if cfg.NoCacheThrottle == 0 {
		cfg.NoCacheThrottle = time.Second
	}
	if cfg.MailboxSize == 0 {
		cfg.MailboxSize = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Cache{
		fetcher:         cfg.Fetcher,
		policy:          cfg.Policy,
		noCacheThrottle: cfg.NoCacheThrottle,
		mailboxSize:     cfg.MailboxSize,
		logger:          cfg.Logger,
	}
}

func (c *Cache) actorFor(key project.Key) *projectActor {
	if v, ok := c.actors.Load(key); ok {
		return v.(*projectActor)
	}
	a := newProjectActor(key, c)
	actual, _ := c.actors.LoadOrStore(key, a)
	actual.(*projectActor).ensureStarted()
	return actual.(*projectActor)
}

// GetOrFetch mirrors the upstream actor's get_or_fetch_state: an expired
// or never-fetched state returns (nil, nil) and schedules a fetch; a
// stale state is returned immediately while a background refetch is
// scheduled; an up-to-date state is returned with no fetch triggered.
func (c *Cache) GetOrFetch(ctx context.Context, key project.Key, noCache bool) (*project.State, error) {
	return c.actorFor(key).getOrFetch(ctx, noCache)
}

// Await blocks until key's project state is available (triggering a fetch
// if necessary), for callers that need a non-nil state rather than the
// cached-or-enqueue semantics of GetOrFetch.
func (c *Cache) Await(ctx context.Context, key project.Key, noCache bool) (*project.State, error) {
	return c.actorFor(key).await(ctx, noCache)
}

// Enqueue defers fn behind key's project state, triggering a fetch if
// necessary, and returns once fn is queued rather than waiting for that
// fetch to complete. fn runs once a state has been adopted, even if that
// happens well after Enqueue returns — the admission path for a cache
// miss that must not block its caller on a slow upstream fetch.
func (c *Cache) Enqueue(ctx context.Context, key project.Key, noCache bool, kind string, fn func(*project.State)) error {
	return c.actorFor(key).enqueue(ctx, noCache, kind, fn)
}

// WithRateLimits runs fn against the project's locally accumulated rate
// limit set from inside the owning actor goroutine, so callers never need
// to synchronize with concurrent envelope checks for the same project.
func (c *Cache) WithRateLimits(ctx context.Context, key project.Key, fn func(*ratelimitset.RateLimits)) error {
	return c.actorFor(key).withRateLimits(ctx, fn)
}

// Shutdown stops every project actor, logging the count of any envelopes
// still queued for a fetch response, mirroring the upstream Drop impl's
// "dropped project with N envelopes" diagnostic.
func (c *Cache) Shutdown() {
	c.actors.Range(func(_, v any) bool {
		v.(*projectActor).stop()
		return true
	})
}
