package counterstore

import (
	"context"
	"fmt"

	"github.com/ingest-relay/core/counterstore/internal/healthchecker"
)

// GuardedConfig configures Guarded.
type GuardedConfig struct {
	// Primary is the real backend (normally RedisBackend) whose health is
	// monitored and whose errors trip the circuit breaker.
	Primary Backend
	// FailOpen selects the behavior while the circuit is open: true means
	// traffic is routed to an always-accept PassthroughBackend ("skip
	// enforcement and log", per the backend-error handling policy); false
	// means Evaluate returns ErrUnhealthy so the caller surfaces a
	// fail-closed rejection instead.
	FailOpen       bool
	CircuitBreaker BreakerConfig
	HealthChecker  healthchecker.Config
}

// Guarded wraps a primary counter-store backend with a circuit breaker and
// background health checker, degrading to a configured fail-open or
// fail-closed policy while the primary is unreachable. Unlike a
// primary/secondary storage failover, there is no second real backend
// behind Guarded: fail-open routes to an inert PassthroughBackend, and
// fail-closed surfaces ErrUnhealthy directly.
type Guarded struct {
	primary       Backend
	failOpen      bool
	passthrough   *PassthroughBackend
	breaker       *circuitBreaker
	healthChecker *healthchecker.Checker
}

// NewGuarded wraps cfg.Primary with breaker + health-checker policy.
func NewGuarded(cfg GuardedConfig) (*Guarded, error) {
	if cfg.Primary == nil {
		return nil, fmt.Errorf("%w: guarded counter store requires a primary backend", ErrInvalidConfig)
	}
	if cfg.HealthChecker.Interval == 0 {
		cfg.HealthChecker = healthchecker.DefaultConfig()
	}

	g := &Guarded{
		primary:     cfg.Primary,
		failOpen:    cfg.FailOpen,
		passthrough: NewPassthroughBackend(),
		breaker:     newCircuitBreaker(cfg.CircuitBreaker),
	}

	g.healthChecker = healthchecker.New(g.probe, cfg.HealthChecker, g.onPrimaryHealthy)
	g.healthChecker.Start()

	return g, nil
}

// healthProbeCheck is a harmless unlimited, zero-quantity check: it can
// never be rejected and never records real consumption, but still
// round-trips through the primary backend so the health checker actually
// exercises connectivity.
var healthProbeCheck = Check{Key: "counterstore:health-check", RefundKey: "counterstore:r:health-check", Limit: -1}

func (g *Guarded) probe(ctx context.Context) error {
	_, err := g.primary.Evaluate(ctx, []Check{healthProbeCheck})
	return err
}

func (g *Guarded) onPrimaryHealthy() {
	if g.breaker.State() == stateOpen {
		g.breaker.Close()
	}
}

// Evaluate routes to the primary while the breaker is closed or half-open,
// and to the configured degradation policy while it is open.
func (g *Guarded) Evaluate(ctx context.Context, checks []Check) ([]bool, error) {
	if g.breaker.IsOpen() {
		return g.degrade(ctx, checks)
	}

	result, err := g.primary.Evaluate(ctx, checks)
	if g.breaker.ShouldTrip(err) {
		return g.degrade(ctx, checks)
	}
	if err != nil {
		return nil, err
	}

	if g.breaker.State() == stateHalfOpen {
		g.breaker.Close()
	}
	return result, nil
}

func (g *Guarded) degrade(ctx context.Context, checks []Check) ([]bool, error) {
	if g.failOpen {
		return g.passthrough.Evaluate(ctx, checks)
	}
	return nil, NewHealthError("counterstore:Guarded", ErrUnhealthy)
}

// Close stops the health checker and closes the primary backend.
func (g *Guarded) Close() error {
	g.healthChecker.Stop()
	return g.primary.Close()
}

// State reports the breaker's current state for monitoring; exposed as a
// string so callers outside this package don't need breakerState.
func (g *Guarded) State() string {
	switch g.breaker.State() {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}
