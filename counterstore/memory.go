package counterstore

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend is an in-process Backend implementing the same evaluation
// semantics as the Redis script, so package tests can exercise quota
// behavior without a live Redis instance.
type MemoryBackend struct {
	mu      sync.Mutex
	counts  map[string]int64
	expires map[string]time.Time
	now     func() time.Time
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		counts:  make(map[string]int64),
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (m *MemoryBackend) getLocked(key string) int64 {
	if exp, ok := m.expires[key]; ok && m.now().After(exp) {
		delete(m.counts, key)
		delete(m.expires, key)
		return 0
	}
	return m.counts[key]
}

// Evaluate mirrors is_rate_limited.lua: a batch either fully applies (every
// check's counter incremented) or none of it does, and each check's
// rejected verdict is computed independently of its siblings.
func (m *MemoryBackend) Evaluate(_ context.Context, checks []Check) ([]bool, error) {
	if len(checks) == 0 {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rejected := make([]bool, len(checks))
	anyRejected := false
	counts := make([]int64, len(checks))

	for i, c := range checks {
		count := m.getLocked(c.Key)
		refund := m.getLocked(c.RefundKey)
		counts[i] = count

		isRejected := false
		if c.Limit >= 0 {
			effectiveLimit := c.Limit + refund
			if c.Quantity == 0 {
				isRejected = count >= effectiveLimit
			} else if count+int64(c.Quantity) > effectiveLimit {
				if c.OverAcceptOnce && count <= effectiveLimit {
					isRejected = false
				} else {
					isRejected = true
				}
			}
		}
		rejected[i] = isRejected
		if isRejected {
			anyRejected = true
		}
	}

	if !anyRejected {
		for i, c := range checks {
			_, existed := m.counts[c.Key]
			m.counts[c.Key] = counts[i] + int64(c.Quantity)
			if !existed {
				m.expires[c.Key] = time.Unix(int64(c.Expiry), 0)
			}
		}
	}

	return rejected, nil
}

func (m *MemoryBackend) Close() error { return nil }
