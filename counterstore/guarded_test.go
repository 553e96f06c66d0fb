package counterstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ingest-relay/core/counterstore/internal/healthchecker"
)

type flakyBackend struct {
	fail bool
}

func (f *flakyBackend) Evaluate(_ context.Context, checks []Check) ([]bool, error) {
	if f.fail {
		return nil, errors.New("simulated backend outage")
	}
	return make([]bool, len(checks)), nil
}

func (f *flakyBackend) Close() error { return nil }

func TestGuarded_FailOpenDegradesToPassthrough(t *testing.T) {
	primary := &flakyBackend{fail: true}
	g, err := NewGuarded(GuardedConfig{
		Primary:        primary,
		FailOpen:       true,
		CircuitBreaker: BreakerConfig{FailureThreshold: 1},
		HealthChecker:  healthchecker.Config{}, // zero value: NewGuarded falls back to healthchecker.DefaultConfig()
	})
	require.NoError(t, err)
	defer g.Close()

	check := Check{Key: "x", RefundKey: "r:x", Limit: 0, Expiry: 1, Quantity: 1}

	rejected, err := g.Evaluate(context.Background(), []Check{check})
	require.NoError(t, err)
	assert.Equal(t, "open", g.State())
	assert.Equal(t, []bool{false}, rejected, "passthrough never rejects")
}

func TestGuarded_FailClosedSurfacesHealthError(t *testing.T) {
	primary := &flakyBackend{fail: true}
	g, err := NewGuarded(GuardedConfig{
		Primary:        primary,
		FailOpen:       false,
		CircuitBreaker: BreakerConfig{FailureThreshold: 1},
	})
	require.NoError(t, err)
	defer g.Close()

	check := Check{Key: "x", RefundKey: "r:x", Limit: 0, Expiry: 1, Quantity: 1}

	_, err = g.Evaluate(context.Background(), []Check{check})
	require.Error(t, err)
	assert.True(t, IsHealthError(err))
}

func TestGuarded_RoutesToPrimaryWhenHealthy(t *testing.T) {
	primary := &flakyBackend{fail: false}
	g, err := NewGuarded(GuardedConfig{Primary: primary})
	require.NoError(t, err)
	defer g.Close()

	check := Check{Key: "x", RefundKey: "r:x", Limit: -1, Quantity: 1}
	rejected, err := g.Evaluate(context.Background(), []Check{check})
	require.NoError(t, err)
	assert.Equal(t, "closed", g.State())
	assert.Equal(t, []bool{false}, rejected)
}
