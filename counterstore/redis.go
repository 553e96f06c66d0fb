package counterstore

import (
	_ "embed"
	"fmt"
	"strconv"
	"strings"

	"context"

	"github.com/redis/go-redis/v9"
)

//go:embed is_rate_limited.lua
var isRateLimitedScript string

// connErrorStrings are substrings treated as connectivity failures rather
// than operational errors (e.g. a malformed script argument).
var connErrorStrings = []string{
	"connection refused",
	"connection reset",
	"i/o timeout",
	"no route to host",
	"broken pipe",
	"eof",
}

// RedisConfig configures a RedisBackend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	// RedisURL, when set, is parsed first; any of the individual fields
	// above that are also set (non-empty or non-zero) override the values
	// parsed from it.
	RedisURL string
	// ConnErrorStrings overrides the default connectivity-error patterns.
	ConnErrorStrings []string
}

// RedisBackend evaluates checks via a single embedded Lua script executed
// with EvalSha, reloading the script on a cache miss (NOSCRIPT).
type RedisBackend struct {
	client   redis.UniversalClient
	sha      string
	connErrs []string
}

// NewRedisBackend connects to Redis and preloads the evaluation script.
func NewRedisBackend(cfg RedisConfig) (*RedisBackend, error) {
	var client redis.UniversalClient

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		if cfg.Addr != "" {
			opts.Addr = cfg.Addr
		}
		if cfg.Password != "" {
			opts.Password = cfg.Password
		}
		if cfg.DB != 0 {
			opts.DB = cfg.DB
		}
		if cfg.PoolSize != 0 {
			opts.PoolSize = cfg.PoolSize
		}
		client = redis.NewClient(opts)
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
			PoolSize: cfg.PoolSize,
		})
	}

	patterns := cfg.ConnErrorStrings
	if patterns == nil {
		patterns = connErrorStrings
	}

	b := &RedisBackend{client: client, connErrs: patterns}

	ctx := context.Background()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, NewHealthError("redis:Ping", err)
	}
	if err := b.loadScript(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// NewRedisBackendWithClient wraps an already-connected client, loading the
// evaluation script immediately.
func NewRedisBackendWithClient(client redis.UniversalClient) (*RedisBackend, error) {
	b := &RedisBackend{client: client, connErrs: connErrorStrings}
	if err := b.loadScript(context.Background()); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *RedisBackend) loadScript(ctx context.Context) error {
	sha, err := b.client.ScriptLoad(ctx, isRateLimitedScript).Result()
	if err != nil {
		return b.maybeConnError("redis:ScriptLoad", fmt.Errorf("load evaluation script: %w", err))
	}
	b.sha = sha
	return nil
}

// Evaluate runs the batch of checks through the embedded script.
func (b *RedisBackend) Evaluate(ctx context.Context, checks []Check) ([]bool, error) {
	if len(checks) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(checks)*2)
	args := make([]any, 0, len(checks)*4)
	for _, c := range checks {
		keys = append(keys, c.Key, c.RefundKey)
		args = append(args, c.Limit, c.Expiry, c.Quantity, boolArg(c.OverAcceptOnce))
	}

	res, err := b.client.EvalSha(ctx, b.sha, keys, args...).Result()
	if err != nil && strings.Contains(err.Error(), "NOSCRIPT") {
		if loadErr := b.loadScript(ctx); loadErr != nil {
			return nil, loadErr
		}
		res, err = b.client.EvalSha(ctx, b.sha, keys, args...).Result()
	}
	if err != nil {
		return nil, b.maybeConnError("redis:EvalSha", fmt.Errorf("evaluate checks: %w", err))
	}

	return toBoolSlice(res)
}

func (b *RedisBackend) Close() error {
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("close redis connection: %w", err)
	}
	return nil
}

func (b *RedisBackend) maybeConnError(op string, err error) error {
	return MaybeConnError(op, err, b.connErrs)
}

func boolArg(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func toBoolSlice(res any) ([]bool, error) {
	raw, ok := res.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected script result type %T", res)
	}
	out := make([]bool, len(raw))
	for i, v := range raw {
		switch t := v.(type) {
		case int64:
			out[i] = t != 0
		case bool:
			out[i] = t
		case string:
			n, err := strconv.ParseInt(t, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("unexpected script result element %q", t)
			}
			out[i] = n != 0
		default:
			return nil, fmt.Errorf("unexpected script result element type %T", v)
		}
	}
	return out, nil
}
