package publish

import (
	"encoding/json"
	"time"
)

// SessionAttributes carries the release/environment pair common to both
// individual session updates and aggregates.
type SessionAttributes struct {
	Release     string  `json:"release"`
	Environment *string `json:"environment,omitempty"`
}

// SessionUpdate is one client-reported session state transition.
type SessionUpdate struct {
	SessionID  string            `json:"sid"`
	DistinctID *string           `json:"did,omitempty"`
	Sequence   uint64            `json:"seq"`
	Init       bool              `json:"init"`
	Timestamp  time.Time         `json:"timestamp"`
	Started    time.Time         `json:"started"`
	Duration   *float64          `json:"duration,omitempty"`
	Status     string            `json:"status"`
	Errors     uint16            `json:"errors"`
	Attributes SessionAttributes `json:"attrs"`
}

// ParseSessionUpdate decodes a single session item payload.
func ParseSessionUpdate(payload []byte) (SessionUpdate, error) {
	var s SessionUpdate
	err := json.Unmarshal(payload, &s)
	return s, err
}

// SessionAggregateItem is one per-minute bucket of aggregated session
// counts for a single distinct_id.
type SessionAggregateItem struct {
	Started    time.Time `json:"started"`
	DistinctID *string   `json:"did,omitempty"`
	Exited     uint32    `json:"exited"`
	Errored    uint32    `json:"errored"`
	Abnormal   uint32    `json:"abnormal"`
	Crashed    uint32    `json:"crashed"`
}

// SessionAggregates is a batch of pre-aggregated session counts, sent by
// SDKs that summarize many sessions client-side rather than reporting
// each individually.
type SessionAggregates struct {
	Aggregates []SessionAggregateItem `json:"aggregates"`
	Attributes SessionAttributes      `json:"attrs"`
}

// ParseSessionAggregates decodes a sessions item payload.
func ParseSessionAggregates(payload []byte) (SessionAggregates, error) {
	var a SessionAggregates
	err := json.Unmarshal(payload, &a)
	return a, err
}

const (
	sessionStatusExited   = "exited"
	sessionStatusErrored  = "errored"
	sessionStatusAbnormal = "abnormal"
	sessionStatusCrashed  = "crashed"
)

// maxExplodedSessions bounds how many aggregate entries of one sessions
// item are exploded into per-status messages (up to four per entry);
// excess aggregate entries are dropped with a warning rather than
// silently ignored.
const maxExplodedSessions = 100

func floatTimestamp(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}
