package counterstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRedisBackend skips the test unless a reachable Redis is available.
func newTestRedisBackend(t *testing.T) *RedisBackend {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	b, err := NewRedisBackend(RedisConfig{Addr: addr})
	if err != nil {
		t.Skipf("redis not available at %s, skipping: %v", addr, err)
	}
	return b
}

func TestRedisBackend_SimpleQuotaExhausts(t *testing.T) {
	b := newTestRedisBackend(t)
	defer b.Close()

	key := "relay-test:simple:" + time.Now().Format(time.RFC3339Nano)
	check := Check{Key: key, RefundKey: "r:" + key, Limit: 5, Expiry: uint64(time.Now().Add(time.Minute).Unix()), Quantity: 1}

	for i := 0; i < 10; i++ {
		rejected, err := b.Evaluate(context.Background(), []Check{check})
		require.NoError(t, err)
		if i >= 5 {
			assert.True(t, rejected[0])
		} else {
			assert.False(t, rejected[0])
		}
	}
}
