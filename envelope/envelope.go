// Package envelope models the unit of ingestion: a request-level envelope
// carrying one or more typed items, plus the wire framing used to read and
// write envelopes as length-prefixed header/payload pairs.
package envelope

import (
	"github.com/google/uuid"
)

// ItemType classifies a single item within an envelope.
type ItemType string

const (
	ItemEvent           ItemType = "event"
	ItemTransaction     ItemType = "transaction"
	ItemSecurity        ItemType = "security"
	ItemAttachment      ItemType = "attachment"
	ItemUserReport      ItemType = "user_report"
	ItemSession         ItemType = "session"
	ItemSessions        ItemType = "sessions"
	ItemMetricBuckets   ItemType = "metric_buckets"
	ItemProfile         ItemType = "profile"
	ItemReplayRecording ItemType = "replay_recording"
	ItemReplayEvent     ItemType = "replay_event"
)

// AttachmentType further classifies an attachment item. The publish
// package copies it into attachment metadata as a plain string; it is not
// routed through a JSON intermediate.
type AttachmentType string

const (
	AttachmentTypeEventAttachment AttachmentType = "event.attachment"
	AttachmentTypeMinidump        AttachmentType = "event.minidump"
	AttachmentTypeAppleCrashReport AttachmentType = "event.applecrashreport"
	AttachmentTypeUnrealContext   AttachmentType = "unreal.context"
	AttachmentTypeUnrealLogs      AttachmentType = "unreal.logs"
)

// UnnamedAttachment is the fallback name for an attachment item whose
// headers carry no filename.
const UnnamedAttachment = "Unnamed Attachment"

// Item is a single typed payload within an envelope.
type Item struct {
	Type           ItemType
	Headers        map[string]string
	AttachmentType AttachmentType
	ContentType    string
	Filename       string
	Payload        []byte
}

// Name returns the item's declared filename, or UnnamedAttachment if none
// was set (the fallback used when building published attachment metadata).
func (i Item) Name() string {
	if i.Filename != "" {
		return i.Filename
	}
	return UnnamedAttachment
}

// IsSlow reports whether this item's bulk warrants routing the envelope to
// a dedicated high-latency topic: attachments, user reports, and replay
// recordings.
func (i Item) IsSlow() bool {
	switch i.Type {
	case ItemAttachment, ItemUserReport, ItemReplayRecording:
		return true
	default:
		return false
	}
}

// RequestMeta carries the per-request identity and options that accompany
// an envelope, independent of its items.
type RequestMeta struct {
	EventID        *uuid.UUID
	Client         string
	NoCache        bool
	OrganizationID uint64
	ProjectID      uint64
	KeyID          *uint64
	// Origin is the request's Origin header, checked against the
	// project's allowed-domains list.
	Origin string
	// PublicKey identifies which project key authenticated this request.
	PublicKey string
}

// Envelope is an ingested request: metadata plus an ordered list of items.
type Envelope struct {
	Meta      RequestMeta
	Items     []Item
	Retention uint16
}

// EventID returns the event id carried in the envelope's request meta, or
// nil; item payloads are not inspected.
func (e *Envelope) EventID() *uuid.UUID {
	return e.Meta.EventID
}

// GetItemByType returns the first item matching any of the given types, or
// nil if none match.
func (e *Envelope) GetItemByType(types ...ItemType) *Item {
	for i := range e.Items {
		for _, t := range types {
			if e.Items[i].Type == t {
				return &e.Items[i]
			}
		}
	}
	return nil
}

// HasSlowItem reports whether any item in the envelope is a slow item.
func (e *Envelope) HasSlowItem() bool {
	for _, item := range e.Items {
		if item.IsSlow() {
			return true
		}
	}
	return false
}

// IsEmpty reports whether the envelope carries no items at all.
func (e *Envelope) IsEmpty() bool {
	return len(e.Items) == 0
}

// RemoveItems removes every item for which drop returns true, returning
// how many were removed. Used by the envelope limiter to drop
// rate-limited items in place.
func (e *Envelope) RemoveItems(drop func(Item) bool) int {
	kept := e.Items[:0]
	removed := 0
	for _, item := range e.Items {
		if drop(item) {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	e.Items = kept
	return removed
}
