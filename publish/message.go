package publish

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// Message is one payload bound for a single Topic, with a stable
// partition key and the serialization its variant requires.
type Message interface {
	Topic() Topic
	Variant() string
	Key() [16]byte
	Marshal() ([]byte, error)
}

// jsonMessage is embedded by the three variants that travel as plain
// JSON (sessions, metrics, replay events) rather than the schema-tagged
// binary map encoding the rest of the variants use.
type jsonMessage struct{}

func (jsonMessage) marshal(v any) ([]byte, error) { return json.Marshal(v) }

// binaryMessage is embedded by every other variant, serialized as a
// field-named msgpack map so a consumer can decode it without sharing
// the producer's struct layout.
type binaryMessage struct{}

func (binaryMessage) marshal(v any) ([]byte, error) { return msgpack.Marshal(v) }

// randomKey substitutes a fresh v4 UUID for variants with no natural
// partition key (sessions, metrics, profiles, not-chunked recordings),
// matching the upstream "nil key triggers random partitioning" rule.
func randomKey() [16]byte {
	return uuid.New()
}

// ChunkedAttachment is the metadata describing one attachment after its
// payload has been produced as a sequence of chunk messages (at least one
// for any non-empty payload; zero chunks only for an empty one).
type ChunkedAttachment struct {
	ID            string  `msgpack:"id" json:"id"`
	Name          string  `msgpack:"name" json:"name"`
	ContentType   *string `msgpack:"content_type,omitempty" json:"content_type,omitempty"`
	AttachmentType string `msgpack:"attachment_type" json:"attachment_type"`
	Chunks        int     `msgpack:"chunks" json:"chunks"`
	Size          *int    `msgpack:"size,omitempty" json:"size,omitempty"`
	RateLimited   *bool   `msgpack:"rate_limited,omitempty" json:"rate_limited,omitempty"`
}

// EventMessage carries the primary event/transaction/security item.
type EventMessage struct {
	binaryMessage
	Payload     []byte              `msgpack:"payload"`
	StartTime   uint64              `msgpack:"start_time"`
	EventID     uuid.UUID           `msgpack:"event_id"`
	ProjectID   uint64              `msgpack:"project_id"`
	RemoteAddr  *string             `msgpack:"remote_addr,omitempty"`
	Attachments []ChunkedAttachment `msgpack:"attachments"`

	topic Topic
}

func (m EventMessage) Topic() Topic     { return m.topic }
func (m EventMessage) Variant() string  { return "event" }
func (m EventMessage) Key() [16]byte    { return m.EventID }
func (m EventMessage) Marshal() ([]byte, error) { return m.marshal(m) }

// AttachmentMessage carries a standalone attachment (one not accompanied
// by an event/transaction/security item in the same envelope).
type AttachmentMessage struct {
	binaryMessage
	EventID    uuid.UUID         `msgpack:"event_id"`
	ProjectID  uint64            `msgpack:"project_id"`
	Attachment ChunkedAttachment `msgpack:"attachment"`
}

func (m AttachmentMessage) Topic() Topic     { return TopicAttachments }
func (m AttachmentMessage) Variant() string  { return "attachment" }
func (m AttachmentMessage) Key() [16]byte    { return m.EventID }
func (m AttachmentMessage) Marshal() ([]byte, error) { return m.marshal(m) }

// AttachmentChunkMessage carries one chunk of a (possibly standalone)
// attachment payload.
type AttachmentChunkMessage struct {
	binaryMessage
	Payload    []byte    `msgpack:"payload"`
	EventID    uuid.UUID `msgpack:"event_id"`
	ProjectID  uint64    `msgpack:"project_id"`
	ID         string    `msgpack:"id"`
	ChunkIndex int       `msgpack:"chunk_index"`
}

func (m AttachmentChunkMessage) Topic() Topic     { return TopicAttachments }
func (m AttachmentChunkMessage) Variant() string  { return "attachment_chunk" }
func (m AttachmentChunkMessage) Key() [16]byte    { return m.EventID }
func (m AttachmentChunkMessage) Marshal() ([]byte, error) { return m.marshal(m) }

// UserReportMessage carries a user-supplied crash report comment,
// independent of whether the associated event was itself accepted.
type UserReportMessage struct {
	binaryMessage
	ProjectID uint64    `msgpack:"project_id"`
	StartTime uint64    `msgpack:"start_time"`
	Payload   []byte    `msgpack:"payload"`
	eventID   uuid.UUID
}

func (m UserReportMessage) Topic() Topic     { return TopicAttachments }
func (m UserReportMessage) Variant() string  { return "user_report" }
func (m UserReportMessage) Key() [16]byte    { return m.eventID }
func (m UserReportMessage) Marshal() ([]byte, error) { return m.marshal(m) }

// SessionMessage is one exploded-per-status session update.
type SessionMessage struct {
	jsonMessage
	OrgID         uint64   `json:"org_id"`
	ProjectID     uint64   `json:"project_id"`
	SessionID     uuid.UUID `json:"session_id"`
	DistinctID    uuid.UUID `json:"distinct_id"`
	Quantity      uint32   `json:"quantity"`
	Seq           uint64   `json:"seq"`
	Received      float64  `json:"received"`
	Started       float64  `json:"started"`
	Duration      *float64 `json:"duration,omitempty"`
	Status        string   `json:"status"`
	Errors        uint16   `json:"errors"`
	Release       string   `json:"release"`
	Environment   *string  `json:"environment,omitempty"`
	SDK           *string  `json:"sdk,omitempty"`
	RetentionDays uint16   `json:"retention_days"`
}

func (m SessionMessage) Topic() Topic     { return TopicSessions }
func (m SessionMessage) Variant() string  { return "session" }
func (m SessionMessage) Key() [16]byte    { return randomKey() }
func (m SessionMessage) Marshal() ([]byte, error) { return m.marshal(m) }

// MetricMessage carries one parsed metric bucket.
type MetricMessage struct {
	jsonMessage
	OrgID     uint64            `json:"org_id"`
	ProjectID uint64            `json:"project_id"`
	Name      string            `json:"name"`
	Value     json.RawMessage   `json:"value"`
	Timestamp uint64            `json:"timestamp"`
	Tags      map[string]string `json:"tags,omitempty"`

	topic Topic
}

func (m MetricMessage) Topic() Topic     { return m.topic }
func (m MetricMessage) Variant() string  { return "metric" }
func (m MetricMessage) Key() [16]byte    { return randomKey() }
func (m MetricMessage) Marshal() ([]byte, error) { return m.marshal(m) }

// ProfileMessage carries a raw profile payload.
type ProfileMessage struct {
	binaryMessage
	OrganizationID uint64  `msgpack:"organization_id"`
	ProjectID      uint64  `msgpack:"project_id"`
	KeyID          *uint64 `msgpack:"key_id,omitempty"`
	Received       uint64  `msgpack:"received"`
	Payload        []byte  `msgpack:"payload"`
}

func (m ProfileMessage) Topic() Topic     { return TopicProfiles }
func (m ProfileMessage) Variant() string  { return "profile" }
func (m ProfileMessage) Key() [16]byte    { return randomKey() }
func (m ProfileMessage) Marshal() ([]byte, error) { return m.marshal(m) }

// ReplayEventMessage carries a replay's event payload.
type ReplayEventMessage struct {
	jsonMessage
	Payload       []byte    `json:"payload"`
	StartTime     uint64    `json:"start_time"`
	ReplayID      uuid.UUID `json:"replay_id"`
	ProjectID     uint64    `json:"project_id"`
	RetentionDays uint16    `json:"retention_days"`
}

func (m ReplayEventMessage) Topic() Topic     { return TopicReplayEvents }
func (m ReplayEventMessage) Variant() string  { return "replay_event" }
func (m ReplayEventMessage) Key() [16]byte    { return m.ReplayID }
func (m ReplayEventMessage) Marshal() ([]byte, error) { return m.marshal(m) }

// ReplayRecordingChunkMeta describes a recording's chunk layout once all
// of its chunks have been produced.
type ReplayRecordingChunkMeta struct {
	ID     string `msgpack:"id" json:"id"`
	Chunks int    `msgpack:"chunks" json:"chunks"`
	Size   *int   `msgpack:"size,omitempty" json:"size,omitempty"`
}

// ReplayRecordingChunkMessage carries one chunk of a recording payload.
type ReplayRecordingChunkMessage struct {
	binaryMessage
	Payload    []byte    `msgpack:"payload"`
	ReplayID   uuid.UUID `msgpack:"replay_id"`
	ProjectID  uint64    `msgpack:"project_id"`
	ID         string    `msgpack:"id"`
	ChunkIndex int       `msgpack:"chunk_index"`
}

func (m ReplayRecordingChunkMessage) Topic() Topic     { return TopicReplayRecordings }
func (m ReplayRecordingChunkMessage) Variant() string  { return "replay_recording_chunk" }
func (m ReplayRecordingChunkMessage) Key() [16]byte    { return m.ReplayID }
func (m ReplayRecordingChunkMessage) Marshal() ([]byte, error) { return m.marshal(m) }

// ReplayRecordingMessage is the summary message for a chunked recording,
// published only after every chunk has been produced.
type ReplayRecordingMessage struct {
	binaryMessage
	ReplayID        uuid.UUID                `msgpack:"replay_id"`
	KeyID           *uint64                  `msgpack:"key_id,omitempty"`
	OrgID           uint64                   `msgpack:"org_id"`
	ProjectID       uint64                   `msgpack:"project_id"`
	Received        uint64                   `msgpack:"received"`
	RetentionDays   uint16                   `msgpack:"retention_days"`
	ReplayRecording ReplayRecordingChunkMeta `msgpack:"replay_recording"`
}

func (m ReplayRecordingMessage) Topic() Topic     { return TopicReplayRecordings }
func (m ReplayRecordingMessage) Variant() string  { return "replay_recording" }
func (m ReplayRecordingMessage) Key() [16]byte    { return m.ReplayID }
func (m ReplayRecordingMessage) Marshal() ([]byte, error) { return m.marshal(m) }

// ReplayRecordingNotChunkedMessage is the whole-payload form used when a
// recording is small enough to skip chunking.
type ReplayRecordingNotChunkedMessage struct {
	binaryMessage
	ReplayID      uuid.UUID `msgpack:"replay_id"`
	KeyID         *uint64   `msgpack:"key_id,omitempty"`
	OrgID         uint64    `msgpack:"org_id"`
	ProjectID     uint64    `msgpack:"project_id"`
	Received      uint64    `msgpack:"received"`
	RetentionDays uint16    `msgpack:"retention_days"`
	Payload       []byte    `msgpack:"payload"`
}

func (m ReplayRecordingNotChunkedMessage) Topic() Topic     { return TopicReplayRecordings }
func (m ReplayRecordingNotChunkedMessage) Variant() string  { return "replay_recording_not_chunked" }
func (m ReplayRecordingNotChunkedMessage) Key() [16]byte    { return randomKey() }
func (m ReplayRecordingNotChunkedMessage) Marshal() ([]byte, error) { return m.marshal(m) }
