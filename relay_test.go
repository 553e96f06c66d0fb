package relay

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ingest-relay/core/counterstore"
	"github.com/ingest-relay/core/envelope"
	"github.com/ingest-relay/core/project"
	"github.com/ingest-relay/core/projectcache"
	"github.com/ingest-relay/core/publish"
)

func TestNew_RequiresFetcher(t *testing.T) {
	_, err := New(WithCounterStore(counterstore.NewMemoryBackend()))
	assert.Error(t, err)
}

func TestNew_RequiresBackend(t *testing.T) {
	fetcher := &projectcache.StaticFetcher{}
	_, err := New(WithFetcher(fetcher))
	assert.Error(t, err)
}

func TestRelay_ProcessAcceptsAndPublishes(t *testing.T) {
	pid := uint64(3)
	fetcher := &projectcache.StaticFetcher{States: map[project.Key]*project.State{
		"key": {ProjectID: &pid, PublicKeys: []project.PublicKeyConfig{{PublicKey: "key"}}, LastFetch: time.Now()},
	}}
	bus := publish.NewMemoryBus()

	r, err := New(
		WithFetcher(fetcher),
		WithCounterStore(counterstore.NewMemoryBackend()),
		WithBus(bus),
	)
	require.NoError(t, err)
	defer r.Close()

	eventID := uuid.New()
	env := &envelope.Envelope{
		Meta:  envelope.RequestMeta{PublicKey: "key", ProjectID: 3, EventID: &eventID},
		Items: []envelope.Item{{Type: envelope.ItemEvent, Payload: []byte(`{}`)}},
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.Eventually(t, func() bool {
		state, err := r.Cache().GetOrFetch(ctx, "key", false)
		return err == nil && state != nil
	}, time.Second, 5*time.Millisecond)

	result, err := r.Process(ctx, env, time.Now())
	require.NoError(t, err)
	require.True(t, result.Accepted)
	assert.Len(t, bus.Messages, 1)
}

func TestRelay_ProcessWithoutBusSkipsPublish(t *testing.T) {
	pid := uint64(4)
	fetcher := &projectcache.StaticFetcher{States: map[project.Key]*project.State{
		"key": {ProjectID: &pid, PublicKeys: []project.PublicKeyConfig{{PublicKey: "key"}}, LastFetch: time.Now()},
	}}

	r, err := New(
		WithFetcher(fetcher),
		WithCounterStore(counterstore.NewMemoryBackend()),
	)
	require.NoError(t, err)
	defer r.Close()

	env := &envelope.Envelope{
		Meta:  envelope.RequestMeta{PublicKey: "key", ProjectID: 4},
		Items: []envelope.Item{{Type: envelope.ItemEvent, Payload: []byte(`{}`)}},
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.Eventually(t, func() bool {
		state, err := r.Cache().GetOrFetch(ctx, "key", false)
		return err == nil && state != nil
	}, time.Second, 5*time.Millisecond)

	result, err := r.Process(ctx, env, time.Now())
	require.NoError(t, err)
	assert.True(t, result.Accepted)
}
