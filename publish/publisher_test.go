package publish

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ingest-relay/core/envelope"
	"github.com/ingest-relay/core/quota"
)

func newTestPublisher(bus Bus) *Publisher {
	return New(bus, Config{Chunk: ChunkConfig{MaxMessageSize: 100, MetadataReserve: 20}})
}

func TestPublisher_EventWithAttachmentGoesToAttachmentsTopic(t *testing.T) {
	bus := NewMemoryBus()
	p := newTestPublisher(bus)

	eventID := uuid.New()
	env := &envelope.Envelope{
		Meta: envelope.RequestMeta{EventID: &eventID},
		Items: []envelope.Item{
			{Type: envelope.ItemEvent, Payload: []byte(`{}`)},
			{Type: envelope.ItemAttachment, Filename: "crash.dmp", Payload: []byte("small")},
		},
	}
	scoping := quota.Scoping{OrganizationID: 1, ProjectID: 2}

	err := p.Publish(context.Background(), env, scoping, time.Now())
	require.NoError(t, err)

	require.Len(t, bus.Messages, 1, "small attachment needs no chunk messages")
	evt, ok := bus.Messages[0].(EventMessage)
	require.True(t, ok)
	assert.Equal(t, TopicAttachments, evt.Topic())
	require.Len(t, evt.Attachments, 1)
	assert.Equal(t, "crash.dmp", evt.Attachments[0].Name)
	assert.Equal(t, 0, evt.Attachments[0].Chunks)
}

func TestPublisher_TransactionGoesToTransactionsTopic(t *testing.T) {
	bus := NewMemoryBus()
	p := newTestPublisher(bus)

	eventID := uuid.New()
	env := &envelope.Envelope{
		Meta:  envelope.RequestMeta{EventID: &eventID},
		Items: []envelope.Item{{Type: envelope.ItemTransaction, Payload: []byte(`{}`)}},
	}

	err := p.Publish(context.Background(), env, quota.Scoping{}, time.Now())
	require.NoError(t, err)
	require.Len(t, bus.Messages, 1)
	assert.Equal(t, TopicTransactions, bus.Messages[0].Topic())
}

func TestPublisher_LargeAttachmentChunksBeforeEventMessage(t *testing.T) {
	bus := NewMemoryBus()
	p := newTestPublisher(bus) // maxPayloadSize = 80

	eventID := uuid.New()
	payload := make([]byte, 200)
	env := &envelope.Envelope{
		Meta: envelope.RequestMeta{EventID: &eventID},
		Items: []envelope.Item{
			{Type: envelope.ItemEvent, Payload: []byte(`{}`)},
			{Type: envelope.ItemAttachment, Payload: payload},
		},
	}

	err := p.Publish(context.Background(), env, quota.Scoping{}, time.Now())
	require.NoError(t, err)

	// 3 chunks (80, 80, 40) then the event message.
	require.Len(t, bus.Messages, 4)
	for i := 0; i < 3; i++ {
		_, ok := bus.Messages[i].(AttachmentChunkMessage)
		assert.True(t, ok, "message %d should be a chunk", i)
	}
	evt, ok := bus.Messages[3].(EventMessage)
	require.True(t, ok)
	require.Len(t, evt.Attachments, 1)
	assert.Equal(t, 3, evt.Attachments[0].Chunks)
}

func TestPublisher_StandaloneAttachmentWithoutEventItem(t *testing.T) {
	bus := NewMemoryBus()
	p := newTestPublisher(bus)

	eventID := uuid.New()
	env := &envelope.Envelope{
		Meta:  envelope.RequestMeta{EventID: &eventID},
		Items: []envelope.Item{{Type: envelope.ItemAttachment, Payload: []byte("x")}},
	}

	err := p.Publish(context.Background(), env, quota.Scoping{ProjectID: 5}, time.Now())
	require.NoError(t, err)
	require.Len(t, bus.Messages, 2)
	att, ok := bus.Messages[1].(AttachmentMessage)
	require.True(t, ok)
	assert.Equal(t, uint64(5), att.ProjectID)
}

func TestPublisher_AttachmentWithoutEventIDFails(t *testing.T) {
	bus := NewMemoryBus()
	p := newTestPublisher(bus)

	env := &envelope.Envelope{Items: []envelope.Item{{Type: envelope.ItemAttachment, Payload: []byte("x")}}}
	err := p.Publish(context.Background(), env, quota.Scoping{}, time.Now())
	assert.ErrorIs(t, err, ErrMissingEventID)
}

func TestPublisher_IndividualErroredSessionRewrittenToExited(t *testing.T) {
	bus := NewMemoryBus()
	p := newTestPublisher(bus)

	payload, err := json.Marshal(SessionUpdate{SessionID: uuid.New().String(), Status: sessionStatusErrored, Attributes: SessionAttributes{Release: "1.0"}})
	require.NoError(t, err)

	env := &envelope.Envelope{Items: []envelope.Item{{Type: envelope.ItemSession, Payload: payload}}}
	require.NoError(t, p.Publish(context.Background(), env, quota.Scoping{}, time.Now()))

	require.Len(t, bus.Messages, 1)
	msg, ok := bus.Messages[0].(SessionMessage)
	require.True(t, ok)
	assert.Equal(t, sessionStatusExited, msg.Status)
}

func TestPublisher_AggregateExplosionDoesNotRewriteErroredAndCapsAt100(t *testing.T) {
	bus := NewMemoryBus()
	p := newTestPublisher(bus)

	var items []SessionAggregateItem
	for i := 0; i < 150; i++ {
		items = append(items, SessionAggregateItem{Errored: 1})
	}
	payload, err := json.Marshal(SessionAggregates{Aggregates: items, Attributes: SessionAttributes{Release: "1.0"}})
	require.NoError(t, err)

	env := &envelope.Envelope{Items: []envelope.Item{{Type: envelope.ItemSessions, Payload: payload}}}
	require.NoError(t, p.Publish(context.Background(), env, quota.Scoping{}, time.Now()))

	require.Len(t, bus.Messages, 100, "aggregate items beyond the cap are dropped")
	for _, m := range bus.Messages {
		msg := m.(SessionMessage)
		assert.Equal(t, sessionStatusErrored, msg.Status, "aggregate explosion must not rewrite errored to exited")
	}
}

func TestPublisher_MetricBucketRoutedByNamespace(t *testing.T) {
	bus := NewMemoryBus()
	p := newTestPublisher(bus)

	payload, err := json.Marshal([]MetricBucket{
		{Name: "d:transactions/duration@millisecond", Value: json.RawMessage("1.0")},
		{Name: "c:sessions/session@none", Value: json.RawMessage("1")},
		{Name: "d:unknown/thing@none", Value: json.RawMessage("1")},
	})
	require.NoError(t, err)

	env := &envelope.Envelope{Items: []envelope.Item{{Type: envelope.ItemMetricBuckets, Payload: payload}}}
	require.NoError(t, p.Publish(context.Background(), env, quota.Scoping{}, time.Now()))

	require.Len(t, bus.Messages, 2, "unknown namespace is dropped")
	assert.Equal(t, TopicMetricsTransactions, bus.Messages[0].Topic())
	assert.Equal(t, TopicMetricsSessions, bus.Messages[1].Topic())
}

func TestMakeDistinctID_ParsesExistingUUIDAndHashesOtherwise(t *testing.T) {
	id := uuid.New()
	assert.Equal(t, id, MakeDistinctID(id.String()))

	hashed := MakeDistinctID("some-client-generated-id")
	assert.Equal(t, hashed, MakeDistinctID("some-client-generated-id"), "hashing must be stable")
	assert.NotEqual(t, uuid.Nil, hashed)
}
