package projectcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ingest-relay/core/project"
	"github.com/ingest-relay/core/quota"
	"github.com/ingest-relay/core/ratelimitset"
)

func testPolicy() project.ExpiryPolicy {
	return project.ExpiryPolicy{
		CacheMissExpiry:    time.Minute,
		ProjectCacheExpiry: time.Minute,
		GracePeriod:        time.Minute,
	}
}

func TestCache_GetOrFetch_MissingStateTriggersFetchThenServesIt(t *testing.T) {
	pid := uint64(7)
	fetcher := &StaticFetcher{States: map[project.Key]*project.State{
		"abc": {ProjectID: &pid, LastFetch: time.Now()},
	}}
	c := New(Config{Fetcher: fetcher, Policy: testPolicy()})
	defer c.Shutdown()

	ctx := context.Background()
	state, err := c.GetOrFetch(ctx, "abc", false)
	require.NoError(t, err)
	assert.Nil(t, state, "first call should enqueue a fetch and return nothing yet")

	require.Eventually(t, func() bool {
		state, err := c.GetOrFetch(ctx, "abc", false)
		return err == nil && state != nil
	}, time.Second, 5*time.Millisecond)
}

func TestCache_Await_BlocksUntilStateFetched(t *testing.T) {
	pid := uint64(42)
	fetcher := &StaticFetcher{States: map[project.Key]*project.State{
		"xyz": {ProjectID: &pid, LastFetch: time.Now()},
	}}
	c := New(Config{Fetcher: fetcher, Policy: testPolicy()})
	defer c.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	state, err := c.Await(ctx, "xyz", false)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, &pid, state.ProjectID)
}

func TestCache_Await_UnknownKeyResolvesToMissing(t *testing.T) {
	fetcher := &StaticFetcher{States: map[project.Key]*project.State{}}
	c := New(Config{Fetcher: fetcher, Policy: testPolicy()})
	defer c.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	state, err := c.Await(ctx, "unknown", false)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.True(t, state.Disabled)
}

func TestCache_WithRateLimits_SerializesAccess(t *testing.T) {
	fetcher := &StaticFetcher{States: map[project.Key]*project.State{}}
	c := New(Config{Fetcher: fetcher, Policy: testPolicy()})
	defer c.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	q := quota.Quota{Categories: []quota.Category{quota.CategoryError}, Scope: quota.ScopeProject, ReasonCode: "over_quota"}
	scoping := quota.Scoping{OrganizationID: 1, ProjectID: 2, Category: quota.CategoryError}
	err := c.WithRateLimits(ctx, "proj", func(rl *ratelimitset.RateLimits) {
		rl.Add(ratelimitset.FromQuota(q, scoping, time.Now().Add(time.Minute)))
	})
	require.NoError(t, err)

	var length int
	err = c.WithRateLimits(ctx, "proj", func(rl *ratelimitset.RateLimits) {
		length = rl.Len()
	})
	require.NoError(t, err)
	assert.Equal(t, 1, length)
}

func TestCache_Enqueue_RunsContinuationOnceStateAdopted(t *testing.T) {
	pid := uint64(21)
	fetcher := &StaticFetcher{States: map[project.Key]*project.State{
		"q": {ProjectID: &pid, LastFetch: time.Now()},
	}}
	c := New(Config{Fetcher: fetcher, Policy: testPolicy()})
	defer c.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	replayed := make(chan *project.State, 1)
	err := c.Enqueue(ctx, "q", false, "validation", func(state *project.State) {
		replayed <- state
	})
	require.NoError(t, err)

	select {
	case state := <-replayed:
		require.NotNil(t, state)
		assert.Equal(t, &pid, state.ProjectID)
	case <-ctx.Done():
		t.Fatal("enqueued continuation never ran")
	}
}

// blockingFetcher never resolves until release is closed, so a project
// actor's fetch stays in flight for as long as the test needs, letting
// Enqueue's overflow/shed-oldest path be exercised deterministically
// through the real code path instead of a fetch racing ahead of it.
type blockingFetcher struct {
	release chan struct{}
}

func (f *blockingFetcher) FetchStates(ctx context.Context, keys []project.Key, _ bool) (map[project.Key]*project.State, error) {
	select {
	case <-f.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	out := make(map[project.Key]*project.State, len(keys))
	for _, k := range keys {
		out[k] = project.Missing()
	}
	return out, nil
}

func TestCache_Enqueue_ShedsOldestOverCapacity(t *testing.T) {
	fetcher := &blockingFetcher{release: make(chan struct{})}
	c := New(Config{Fetcher: fetcher, Policy: testPolicy()})
	defer func() {
		close(fetcher.release)
		c.Shutdown()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < maxPendingEnvelopes+5; i++ {
		err := c.Enqueue(ctx, "shed-test", false, "validation", func(*project.State) {})
		require.NoError(t, err)
	}

	a := c.actorFor("shed-test")
	err := a.send(ctx, func() {
		assert.Equal(t, maxPendingEnvelopes, len(a.pending))
		assert.Equal(t, 5, a.droppedOnShed)
	})
	require.NoError(t, err)
}

func TestCache_Shutdown_RejectsFurtherSends(t *testing.T) {
	fetcher := &StaticFetcher{States: map[project.Key]*project.State{}}
	c := New(Config{Fetcher: fetcher, Policy: testPolicy()})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := c.Await(ctx, "proj", false)
	require.NoError(t, err)

	c.Shutdown()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel2()
	_, err = c.Await(ctx2, "proj", false)
	assert.Error(t, err)
}
