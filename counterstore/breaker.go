package counterstore

import (
	"sync/atomic"
	"time"
)

type breakerState int32

const (
	stateClosed breakerState = iota
	stateHalfOpen
	stateOpen
)

// BreakerConfig configures the circuit breaker Guarded uses to decide when
// to stop trusting the primary backend.
type BreakerConfig struct {
	FailureThreshold int32
	RecoveryTimeout  time.Duration
}

// circuitBreaker is a 3-state (closed/half-open/open) breaker implemented
// with atomics so it can be consulted from concurrent Evaluate calls
// without a mutex.
type circuitBreaker struct {
	config       BreakerConfig
	state        int32
	failureCount int32
	openedAt     int64
}

func newCircuitBreaker(cfg BreakerConfig) *circuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	return &circuitBreaker{config: cfg, state: int32(stateClosed)}
}

// ShouldTrip records err and reports whether it pushed the breaker open.
func (cb *circuitBreaker) ShouldTrip(err error) bool {
	if err == nil {
		return false
	}
	if atomic.AddInt32(&cb.failureCount, 1) >= cb.config.FailureThreshold {
		cb.Open()
		return true
	}
	return false
}

// IsOpen reports whether the primary should be bypassed, transitioning
// Open to HalfOpen once the recovery timeout has elapsed.
func (cb *circuitBreaker) IsOpen() bool {
	switch breakerState(atomic.LoadInt32(&cb.state)) {
	case stateOpen:
		openedAt := atomic.LoadInt64(&cb.openedAt)
		if time.Since(time.Unix(0, openedAt)) >= cb.config.RecoveryTimeout {
			if atomic.CompareAndSwapInt32(&cb.state, int32(stateOpen), int32(stateHalfOpen)) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func (cb *circuitBreaker) Open() {
	atomic.StoreInt32(&cb.state, int32(stateOpen))
	atomic.StoreInt64(&cb.openedAt, time.Now().UnixNano())
}

func (cb *circuitBreaker) Close() {
	atomic.StoreInt32(&cb.state, int32(stateClosed))
	atomic.StoreInt32(&cb.failureCount, 0)
}

func (cb *circuitBreaker) State() breakerState {
	return breakerState(atomic.LoadInt32(&cb.state))
}
