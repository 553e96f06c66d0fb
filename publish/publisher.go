package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ingest-relay/core/envelope"
	"github.com/ingest-relay/core/quota"
)

// ErrMissingEventID is returned when an item that requires an event id
// (attachment, user report, replay event/recording) arrives in an
// envelope that carries none.
var ErrMissingEventID = errors.New("publish: item requires an event id but envelope has none")

// Config tunes a Publisher beyond its Bus.
type Config struct {
	Chunk  ChunkConfig
	Logger *zap.Logger
}

// Publisher routes an envelope's items onto Bus, one message per item
// (more for chunked attachments/recordings, exploded session aggregates
// and multi-bucket metric items), preserving the chunks-before-summary ordering required
// for chunked payloads.
type Publisher struct {
	bus    Bus
	chunk  ChunkConfig
	logger *zap.Logger
}

// New builds a Publisher. cfg's zero value uses DefaultChunkConfig and a
// no-op logger.
func New(bus Bus, cfg Config) *Publisher {
	if cfg.Chunk == (ChunkConfig{}) {
		cfg.Chunk = DefaultChunkConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Publisher{bus: bus, chunk: cfg.Chunk, logger: cfg.Logger}
}

// Publish routes every item in env, selecting the event topic from the
// envelope's content, producing attachment/replay-recording chunks
// ahead of their summary message, and finally publishing the envelope's
// primary event item (if any) carrying the collected attachment
// metadata, or standalone attachment messages if there is no event item
// to carry them.
func (p *Publisher) Publish(ctx context.Context, env *envelope.Envelope, scoping quota.Scoping, receivedAt time.Time) error {
	eventItem := env.GetItemByType(envelope.ItemEvent, envelope.ItemTransaction, envelope.ItemSecurity)

	topic := TopicEvents
	switch {
	case env.HasSlowItem():
		topic = TopicAttachments
	case eventItem != nil && eventItem.Type == envelope.ItemTransaction:
		topic = TopicTransactions
	}

	eventID := env.EventID()
	var attachments []ChunkedAttachment

	for _, item := range env.Items {
		var err error
		switch item.Type {
		case envelope.ItemAttachment:
			var att ChunkedAttachment
			att, err = p.produceAttachmentChunks(ctx, eventID, scoping.ProjectID, item)
			if err == nil {
				attachments = append(attachments, att)
			}
		case envelope.ItemUserReport:
			err = p.produceUserReport(ctx, eventID, scoping.ProjectID, receivedAt, item)
		case envelope.ItemSession, envelope.ItemSessions:
			err = p.produceSessions(ctx, scoping, env.Retention, env.Meta.Client, item)
		case envelope.ItemMetricBuckets:
			err = p.produceMetrics(ctx, scoping, item)
		case envelope.ItemProfile:
			err = p.produceProfile(ctx, scoping, receivedAt, item)
		case envelope.ItemReplayRecording:
			err = p.produceReplayRecording(ctx, eventID, scoping, item, receivedAt, env.Retention)
		case envelope.ItemReplayEvent:
			err = p.produceReplayEvent(ctx, eventID, scoping.ProjectID, receivedAt, env.Retention, item)
		}
		if err != nil {
			return err
		}
	}

	switch {
	case eventItem != nil:
		if eventID == nil {
			return ErrMissingEventID
		}
		msg := EventMessage{
			Payload:     eventItem.Payload,
			StartTime:   uint64(receivedAt.Unix()),
			EventID:     *eventID,
			ProjectID:   scoping.ProjectID,
			Attachments: attachments,
			topic:       topic,
		}
		return p.bus.Publish(ctx, msg)
	case len(attachments) > 0:
		for _, att := range attachments {
			msg := AttachmentMessage{EventID: *eventID, ProjectID: scoping.ProjectID, Attachment: att}
			if err := p.bus.Publish(ctx, msg); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Publisher) produceAttachmentChunks(ctx context.Context, eventID *uuid.UUID, projectID uint64, item envelope.Item) (ChunkedAttachment, error) {
	if eventID == nil {
		return ChunkedAttachment{}, ErrMissingEventID
	}

	id := uuid.NewString()
	offsets := p.chunk.chunkOffsets(len(item.Payload))
	for idx, off := range offsets {
		chunk := AttachmentChunkMessage{
			Payload:    item.Payload[off[0] : off[0]+off[1]],
			EventID:    *eventID,
			ProjectID:  projectID,
			ID:         id,
			ChunkIndex: idx,
		}
		if err := p.bus.Publish(ctx, chunk); err != nil {
			return ChunkedAttachment{}, err
		}
	}

	var contentType *string
	if item.ContentType != "" {
		ct := item.ContentType
		contentType = &ct
	}
	size := len(item.Payload)

	return ChunkedAttachment{
		ID:             id,
		Name:           item.Name(),
		ContentType:    contentType,
		AttachmentType: string(item.AttachmentType),
		Chunks:         len(offsets),
		Size:           &size,
	}, nil
}

func (p *Publisher) produceUserReport(ctx context.Context, eventID *uuid.UUID, projectID uint64, receivedAt time.Time, item envelope.Item) error {
	if eventID == nil {
		return ErrMissingEventID
	}
	msg := UserReportMessage{
		ProjectID: projectID,
		StartTime: uint64(receivedAt.Unix()),
		Payload:   item.Payload,
		eventID:   *eventID,
	}
	return p.bus.Publish(ctx, msg)
}

func (p *Publisher) produceSessions(ctx context.Context, scoping quota.Scoping, retention uint16, client string, item envelope.Item) error {
	switch item.Type {
	case envelope.ItemSession:
		s, err := ParseSessionUpdate(item.Payload)
		if err != nil {
			p.logger.Error("failed to parse session update", zap.Error(err))
			return nil
		}
		if s.Status == sessionStatusErrored {
			s.Status = sessionStatusExited
		}
		return p.produceSessionUpdate(ctx, scoping, retention, client, s)
	case envelope.ItemSessions:
		agg, err := ParseSessionAggregates(item.Payload)
		if err != nil {
			p.logger.Error("failed to parse session aggregates", zap.Error(err))
			return nil
		}
		return p.produceSessionsFromAggregate(ctx, scoping, retention, client, agg)
	default:
		return nil
	}
}

func (p *Publisher) produceSessionUpdate(ctx context.Context, scoping quota.Scoping, retention uint16, client string, s SessionUpdate) error {
	errorCount := s.Errors
	if s.Status == sessionStatusCrashed && errorCount < 1 {
		errorCount = 1
	}

	seq := s.Sequence
	if s.Init {
		seq = 0
	}

	sessionID, _ := uuid.Parse(s.SessionID)

	msg := SessionMessage{
		OrgID:         scoping.OrganizationID,
		ProjectID:     scoping.ProjectID,
		SessionID:     sessionID,
		DistinctID:    MakeDistinctID(stringOrEmpty(s.DistinctID)),
		Quantity:      1,
		Seq:           seq,
		Received:      floatTimestamp(s.Timestamp),
		Started:       floatTimestamp(s.Started),
		Duration:      s.Duration,
		Status:        s.Status,
		Errors:        errorCount,
		Release:       s.Attributes.Release,
		Environment:   s.Attributes.Environment,
		SDK:           clientPtr(client),
		RetentionDays: retention,
	}
	return p.bus.Publish(ctx, msg)
}

func (p *Publisher) produceSessionsFromAggregate(ctx context.Context, scoping quota.Scoping, retention uint16, client string, agg SessionAggregates) error {
	if len(agg.Aggregates) > maxExplodedSessions {
		p.logger.Warn("aggregated session items exceed threshold",
			zap.Int("count", len(agg.Aggregates)), zap.Int("limit", maxExplodedSessions))
	}

	base := SessionMessage{
		OrgID:         scoping.OrganizationID,
		ProjectID:     scoping.ProjectID,
		Quantity:      1,
		Seq:           0,
		Release:       agg.Attributes.Release,
		Environment:   agg.Attributes.Environment,
		SDK:           clientPtr(client),
		RetentionDays: retention,
	}

	items := agg.Aggregates
	if len(items) > maxExplodedSessions {
		items = items[:maxExplodedSessions]
	}

	for _, item := range items {
		msg := base
		msg.Started = floatTimestamp(item.Started)
		msg.DistinctID = MakeDistinctID(stringOrEmpty(item.DistinctID))

		if item.Exited > 0 {
			m := msg
			m.Errors = 0
			m.Quantity = item.Exited
			m.Status = sessionStatusExited
			if err := p.bus.Publish(ctx, m); err != nil {
				return err
			}
		}
		if item.Errored > 0 {
			m := msg
			m.Errors = 1
			m.Quantity = item.Errored
			m.Status = sessionStatusErrored
			if err := p.bus.Publish(ctx, m); err != nil {
				return err
			}
		}
		if item.Abnormal > 0 {
			m := msg
			m.Errors = 1
			m.Quantity = item.Abnormal
			m.Status = sessionStatusAbnormal
			if err := p.bus.Publish(ctx, m); err != nil {
				return err
			}
		}
		if item.Crashed > 0 {
			m := msg
			m.Errors = 1
			m.Quantity = item.Crashed
			m.Status = sessionStatusCrashed
			if err := p.bus.Publish(ctx, m); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Publisher) produceMetrics(ctx context.Context, scoping quota.Scoping, item envelope.Item) error {
	buckets, err := ParseMetricBuckets(item.Payload)
	if err != nil {
		p.logger.Error("failed to parse metric buckets", zap.Error(err))
		return nil
	}

	for _, b := range buckets {
		ns, ok := metricNamespace(b.Name)
		var topic Topic
		switch {
		case ok && ns == "transactions":
			topic = TopicMetricsTransactions
		case ok && ns == "sessions":
			topic = TopicMetricsSessions
		default:
			p.logger.Error("dropping metric with unknown usecase", zap.String("name", b.Name))
			continue
		}

		msg := MetricMessage{
			OrgID:     scoping.OrganizationID,
			ProjectID: scoping.ProjectID,
			Name:      b.Name,
			Value:     b.Value,
			Timestamp: b.Timestamp,
			Tags:      b.Tags,
			topic:     topic,
		}
		if err := p.bus.Publish(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) produceProfile(ctx context.Context, scoping quota.Scoping, receivedAt time.Time, item envelope.Item) error {
	msg := ProfileMessage{
		OrganizationID: scoping.OrganizationID,
		ProjectID:      scoping.ProjectID,
		KeyID:          scoping.KeyID,
		Received:       uint64(receivedAt.Unix()),
		Payload:        item.Payload,
	}
	return p.bus.Publish(ctx, msg)
}

func (p *Publisher) produceReplayEvent(ctx context.Context, eventID *uuid.UUID, projectID uint64, receivedAt time.Time, retention uint16, item envelope.Item) error {
	if eventID == nil {
		return ErrMissingEventID
	}
	msg := ReplayEventMessage{
		Payload:       item.Payload,
		StartTime:     uint64(receivedAt.Unix()),
		ReplayID:      *eventID,
		ProjectID:     projectID,
		RetentionDays: retention,
	}
	return p.bus.Publish(ctx, msg)
}

func (p *Publisher) produceReplayRecording(ctx context.Context, eventID *uuid.UUID, scoping quota.Scoping, item envelope.Item, receivedAt time.Time, retention uint16) error {
	if eventID == nil {
		return ErrMissingEventID
	}

	if len(item.Payload) < p.chunk.maxPayloadSize() {
		msg := ReplayRecordingNotChunkedMessage{
			ReplayID:      *eventID,
			KeyID:         scoping.KeyID,
			OrgID:         scoping.OrganizationID,
			ProjectID:     scoping.ProjectID,
			Received:      uint64(receivedAt.Unix()),
			RetentionDays: retention,
			Payload:       item.Payload,
		}
		return p.bus.Publish(ctx, msg)
	}

	meta, err := p.produceReplayRecordingChunks(ctx, *eventID, scoping.ProjectID, item)
	if err != nil {
		return fmt.Errorf("publish: replay recording chunks: %w", err)
	}

	msg := ReplayRecordingMessage{
		ReplayID:        *eventID,
		KeyID:           scoping.KeyID,
		OrgID:           scoping.OrganizationID,
		ProjectID:       scoping.ProjectID,
		Received:        uint64(receivedAt.Unix()),
		RetentionDays:   retention,
		ReplayRecording: meta,
	}
	return p.bus.Publish(ctx, msg)
}

func (p *Publisher) produceReplayRecordingChunks(ctx context.Context, replayID uuid.UUID, projectID uint64, item envelope.Item) (ReplayRecordingChunkMeta, error) {
	id := uuid.NewString()
	offsets := p.chunk.chunkOffsets(len(item.Payload))
	for idx, off := range offsets {
		chunk := ReplayRecordingChunkMessage{
			Payload:    item.Payload[off[0] : off[0]+off[1]],
			ReplayID:   replayID,
			ProjectID:  projectID,
			ID:         id,
			ChunkIndex: idx,
		}
		if err := p.bus.Publish(ctx, chunk); err != nil {
			return ReplayRecordingChunkMeta{}, err
		}
	}
	size := len(item.Payload)
	return ReplayRecordingChunkMeta{ID: id, Chunks: len(offsets), Size: &size}, nil
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func clientPtr(client string) *string {
	if client == "" {
		return nil
	}
	return &client
}
