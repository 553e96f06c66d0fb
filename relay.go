// Package relay wires the counter store, quota limiter, project cache,
// and publisher into a single envelope-processing pipeline, the way a
// production ingest relay assembles its services from independently
// testable pieces.
package relay

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ingest-relay/core/counterstore"
	"github.com/ingest-relay/core/envelope"
	"github.com/ingest-relay/core/limiter"
	"github.com/ingest-relay/core/pipeline"
	"github.com/ingest-relay/core/project"
	"github.com/ingest-relay/core/projectcache"
	"github.com/ingest-relay/core/publish"
)

// Relay is the assembled envelope pipeline: project state cache, quota
// limiter, and publisher, wired from a Config via functional options.
type Relay struct {
	config  Config
	cache   *projectcache.Cache
	backend counterstore.Backend
	bus     publish.Bus
	pipe    *pipeline.Pipeline
	logger  *zap.Logger
}

// New constructs a Relay with the given functional options applied over
// the zero-value Config's defaults.
func New(opts ...Option) (*Relay, error) {
	config := Config{
		ExpiryPolicy: project.ExpiryPolicy{
			CacheMissExpiry:    time.Minute,
			ProjectCacheExpiry: time.Minute,
			GracePeriod:        10 * time.Second,
		},
		TopicNames: publish.DefaultTopicNames(),
	}

	for _, opt := range opts {
		if err := opt(&config); err != nil {
			return nil, fmt.Errorf("relay: apply option: %w", err)
		}
	}

	return newRelay(config)
}

func newRelay(config Config) (*Relay, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	cache := projectcache.New(projectcache.Config{
		Fetcher:         config.Fetcher,
		Policy:          config.ExpiryPolicy,
		NoCacheThrottle: config.NoCacheThrottle,
		Logger:          logger,
	})

	backend := config.Backend
	if backend == nil {
		var err error
		backend, err = counterstore.New(config.BackendName, config.BackendConfig)
		if err != nil {
			cache.Shutdown()
			return nil, fmt.Errorf("relay: build counter store: %w", err)
		}
	}

	var bus publish.Bus
	var publisher *pipeline.Pipeline
	pipelineConfig := pipeline.Config{
		Cache:              cache,
		Limiter:            limiter.New(backend, config.OverAccept),
		Policy:             config.ExpiryPolicy,
		OverrideProjectIDs: config.OverrideProjectIDs,
		Logger:             logger,
	}

	if config.Bus != nil {
		bus = config.Bus
		pipelineConfig.Publisher = publish.New(bus, publish.Config{Chunk: config.ChunkConfig, Logger: logger})
	}
	publisher = pipeline.New(pipelineConfig)

	return &Relay{
		config:  config,
		cache:   cache,
		backend: backend,
		bus:     bus,
		pipe:    publisher,
		logger:  logger,
	}, nil
}

// Process runs one envelope through project lookup, rate limiting, and
// (if a Bus was configured) publishing.
func (r *Relay) Process(ctx context.Context, env *envelope.Envelope, now time.Time) (pipeline.Result, error) {
	return r.pipe.Process(ctx, env, now)
}

// Backend returns the counter-store backend the relay evaluates quotas
// against.
func (r *Relay) Backend() counterstore.Backend {
	return r.backend
}

// Cache returns the project state cache the relay reads from.
func (r *Relay) Cache() *projectcache.Cache {
	return r.cache
}

// Close releases the relay's project actors, counter-store backend, and
// publish bus (if any).
func (r *Relay) Close() error {
	r.cache.Shutdown()

	var firstErr error
	if err := r.backend.Close(); err != nil {
		firstErr = fmt.Errorf("relay: close counter store: %w", err)
	}
	if r.bus != nil {
		if err := r.bus.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("relay: close publish bus: %w", err)
		}
	}
	return firstErr
}
