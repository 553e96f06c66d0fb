// Package healthchecker runs a periodic probe against a backend and
// notifies a callback each time the probe succeeds.
package healthchecker

import (
	"context"
	"time"
)

// Config holds health-check timing.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

// DefaultConfig returns sensible polling defaults.
func DefaultConfig() Config {
	return Config{Interval: 10 * time.Second, Timeout: 2 * time.Second}
}

// Probe is called on each tick; a nil error means the backend is healthy.
type Probe func(ctx context.Context) error

// Checker polls a Probe on an interval and calls onHealthy whenever the
// probe succeeds.
type Checker struct {
	probe     Probe
	config    Config
	onHealthy func()
	stop      chan struct{}
}

// New creates a Checker. Start must be called to begin polling.
func New(probe Probe, config Config, onHealthy func()) *Checker {
	return &Checker{probe: probe, config: config, onHealthy: onHealthy, stop: make(chan struct{})}
}

// Start begins background polling. A zero Interval disables polling.
func (c *Checker) Start() {
	if c.config.Interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(c.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.check()
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop ends background polling.
func (c *Checker) Stop() {
	select {
	case c.stop <- struct{}{}:
	default:
	}
}

func (c *Checker) check() {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
	defer cancel()

	if err := c.probe(ctx); err == nil && c.onHealthy != nil {
		c.onHealthy()
	}
}
