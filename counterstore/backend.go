// Package counterstore provides the shared, cross-process counter used to
// enforce quotas: a pluggable Backend executes a batch of Check values
// atomically and reports which ones were rejected.
package counterstore

import "context"

// Check is one quota's contribution to a batched evaluation. Key and
// RefundKey are counter-store keys (see the quota package for how they are
// built); Expiry is the absolute unix-seconds time the key should expire
// at, already including any grace period the caller wants applied.
type Check struct {
	Key            string
	RefundKey      string
	Limit          int64 // -1 means unlimited
	Expiry         uint64
	Quantity       uint64
	OverAcceptOnce bool
}

// Backend evaluates a batch of checks atomically: either none of the
// matching counters are incremented (if any check in the batch would be
// rejected) or all of them are, and the returned slice reports, in the
// same order as checks, whether each individual check was rejected.
type Backend interface {
	Evaluate(ctx context.Context, checks []Check) ([]bool, error)
	Close() error
}

// Config is the configuration needed to construct a named backend through
// the registry.
type Config struct {
	Redis *RedisConfig
}
