package relay

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ingest-relay/core/counterstore"
	"github.com/ingest-relay/core/limiter"
	"github.com/ingest-relay/core/project"
	"github.com/ingest-relay/core/projectcache"
	"github.com/ingest-relay/core/publish"
)

// Config holds every setting New needs to assemble a Relay. Most callers
// should build one through Option functions rather than populating this
// directly.
type Config struct {
	// Fetcher retrieves fresh project states; required.
	Fetcher projectcache.Fetcher
	// ExpiryPolicy bounds how long a cached project state may be served.
	ExpiryPolicy project.ExpiryPolicy
	// NoCacheThrottle limits how often a no_cache request actually
	// bypasses the project cache for one project.
	NoCacheThrottle time.Duration
	// OverrideProjectIDs, when true, skips the stated-vs-cached project
	// id agreement check (useful for proxy/relay-chain deployments that
	// intentionally forward under a different id).
	OverrideProjectIDs bool

	// Backend is used directly if set; otherwise BackendName/BackendConfig
	// construct one through the counterstore registry.
	Backend       counterstore.Backend
	BackendName   string
	BackendConfig counterstore.Config
	// OverAccept decides which categories over-accept by one unit past
	// their limit rather than rejecting immediately; defaults to never.
	OverAccept limiter.OverAcceptPolicy

	// Bus publishes accepted envelopes to Kafka (or an in-memory/test
	// bus). Leaving it nil builds a Relay that only makes the
	// accept/reject/rate-limit decision, skipping the publish step.
	Bus         publish.Bus
	TopicNames  publish.TopicNames
	ChunkConfig publish.ChunkConfig

	Logger *zap.Logger
}

func (c Config) validate() error {
	if c.Fetcher == nil {
		return fmt.Errorf("relay: Config.Fetcher is required")
	}
	if c.Backend == nil && c.BackendName == "" {
		return fmt.Errorf("relay: Config needs either Backend or BackendName")
	}
	return nil
}
