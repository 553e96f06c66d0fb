package relay

import (
	"time"

	"go.uber.org/zap"

	"github.com/ingest-relay/core/counterstore"
	"github.com/ingest-relay/core/limiter"
	"github.com/ingest-relay/core/project"
	"github.com/ingest-relay/core/projectcache"
	"github.com/ingest-relay/core/publish"
)

// Option configures a Relay's Config during New.
type Option func(*Config) error

// WithFetcher sets the collaborator that loads fresh project states.
func WithFetcher(fetcher projectcache.Fetcher) Option {
	return func(c *Config) error {
		c.Fetcher = fetcher
		return nil
	}
}

// WithExpiryPolicy overrides the default project-state staleness
// thresholds.
func WithExpiryPolicy(policy project.ExpiryPolicy) Option {
	return func(c *Config) error {
		c.ExpiryPolicy = policy
		return nil
	}
}

// WithNoCacheThrottle overrides how often a no_cache request actually
// bypasses the project cache for one project.
func WithNoCacheThrottle(d time.Duration) Option {
	return func(c *Config) error {
		c.NoCacheThrottle = d
		return nil
	}
}

// WithOverrideProjectIDs skips the stated-vs-cached project id agreement
// check, for deployments that intentionally relay under a different id.
func WithOverrideProjectIDs(override bool) Option {
	return func(c *Config) error {
		c.OverrideProjectIDs = override
		return nil
	}
}

// WithCounterStore sets a pre-built counter-store backend directly.
func WithCounterStore(backend counterstore.Backend) Option {
	return func(c *Config) error {
		c.Backend = backend
		return nil
	}
}

// WithRedisCounterStore configures a Redis-backed counter store,
// optionally wrapped in Guarded's circuit breaker when guard is set.
func WithRedisCounterStore(cfg counterstore.RedisConfig, guard *counterstore.GuardedConfig) Option {
	return func(c *Config) error {
		backend, err := counterstore.NewRedisBackend(cfg)
		if err != nil {
			return err
		}
		if guard == nil {
			c.Backend = backend
			return nil
		}
		guard.Primary = backend
		guarded, err := counterstore.NewGuarded(*guard)
		if err != nil {
			return err
		}
		c.Backend = guarded
		return nil
	}
}

// WithOverAccept sets the policy deciding which categories over-accept
// by one unit past their limit instead of rejecting immediately.
func WithOverAccept(policy limiter.OverAcceptPolicy) Option {
	return func(c *Config) error {
		c.OverAccept = policy
		return nil
	}
}

// WithKafkaBus configures publishing to Kafka through sarama, using
// DefaultTopicNames unless WithTopicNames overrides it first.
func WithKafkaBus(brokers []string) Option {
	return func(c *Config) error {
		if c.TopicNames == nil {
			c.TopicNames = publish.DefaultTopicNames()
		}
		bus, err := publish.NewSaramaBus(brokers, c.TopicNames)
		if err != nil {
			return err
		}
		c.Bus = bus
		return nil
	}
}

// WithBus sets a pre-built publish bus directly (e.g. an in-memory bus
// for tests).
func WithBus(bus publish.Bus) Option {
	return func(c *Config) error {
		c.Bus = bus
		return nil
	}
}

// WithTopicNames overrides the logical-topic-to-Kafka-topic-name mapping
// used by WithKafkaBus.
func WithTopicNames(names publish.TopicNames) Option {
	return func(c *Config) error {
		c.TopicNames = names
		return nil
	}
}

// WithChunkConfig overrides the attachment/replay-recording chunking
// thresholds used by the publisher.
func WithChunkConfig(cfg publish.ChunkConfig) Option {
	return func(c *Config) error {
		c.ChunkConfig = cfg
		return nil
	}
}

// WithLogger sets the zap logger used across the cache, limiter, and
// publisher.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) error {
		c.Logger = logger
		return nil
	}
}
