// Package project models a project's cached configuration and the checks
// performed against it before an envelope is accepted.
package project

import (
	"strings"
	"time"

	"github.com/ingest-relay/core/envelope"
	"github.com/ingest-relay/core/quota"
)

// Key is a project's public key (DSN key).
type Key string

// ErrorBoundary wraps a field that may have failed to decode from the
// upstream project-config fetch. A decode failure degrades that single
// feature to "disabled" rather than invalidating the whole ProjectState,
// mirroring the upstream's Ok(T)|Err(message) boundary for fields like
// transaction metrics config.
type ErrorBoundary[T any] struct {
	Value T
	Err   string
}

// Ok reports whether Value decoded successfully.
func (b ErrorBoundary[T]) Ok() bool {
	return b.Err == ""
}

// PublicKeyConfig is the single public key a loaded project state carries.
type PublicKeyConfig struct {
	PublicKey Key
	NumericID *uint64
}

// Config is the project's current configuration, as delivered by the
// upstream project-config fetch.
type Config struct {
	AllowedDomains []string
	TrustedRelays  []string
	Quotas         []quota.Quota
	Features       map[string]struct{}

	EventRetention         *uint16
	TransactionMetrics     ErrorBoundary[TransactionMetricsConfig]
	SessionMetricsEnabled  bool
	DynamicSamplingKey     *string
}

// TransactionMetricsConfig is a placeholder for the transaction-metrics
// extraction configuration; extraction itself is out of scope for this
// core, only the config's presence/decodability is tracked.
type TransactionMetricsConfig struct {
	Version uint16
}

// DiscardReason explains why check_request/check_disabled rejected a
// request.
type DiscardReason string

const (
	DiscardProjectID    DiscardReason = "project_id"
	DiscardCORS         DiscardReason = "cors"
	DiscardProjectState DiscardReason = "project_state"
)

// State is a cached snapshot of a project's configuration.
type State struct {
	ProjectID      *uint64
	OrganizationID *uint64
	Disabled       bool
	PublicKeys     []PublicKeyConfig
	Slug           string
	Config         Config

	LastFetch time.Time
	Invalid   bool
}

// Missing returns the state used for a project that does not exist.
func Missing() *State {
	return &State{Disabled: true, LastFetch: time.Now()}
}

// Allowed returns the state used for an unknown-but-permitted project
// (proxy-mode forwarding).
func Allowed() *State {
	s := Missing()
	s.Disabled = false
	return s
}

// Err returns the state used when the upstream fetch could not be parsed.
func Err() *State {
	s := Missing()
	s.Invalid = true
	return s
}

// Expiry classifies how stale a State is relative to now.
type Expiry int

const (
	ExpiryUpdated Expiry = iota
	ExpiryStale
	ExpiryExpired
)

// ExpiryPolicy bounds how long a State may be served before it is
// considered stale, and then expired.
type ExpiryPolicy struct {
	CacheMissExpiry    time.Duration
	ProjectCacheExpiry time.Duration
	GracePeriod        time.Duration
}

// Classify reports whether s is still fresh, stale (usable but due for a
// background refetch), or expired (must not be served) as of now.
func (s *State) Classify(policy ExpiryPolicy, now time.Time) Expiry {
	ttl := policy.ProjectCacheExpiry
	if s.ProjectID == nil {
		ttl = policy.CacheMissExpiry
	}

	elapsed := now.Sub(s.LastFetch)
	switch {
	case elapsed >= ttl+policy.GracePeriod:
		return ExpiryExpired
	case elapsed >= ttl:
		return ExpiryStale
	default:
		return ExpiryUpdated
	}
}

// GetPublicKeyConfig returns the first (and only) configured public key,
// if any.
func (s *State) GetPublicKeyConfig() *PublicKeyConfig {
	if len(s.PublicKeys) == 0 {
		return nil
	}
	return &s.PublicKeys[0]
}

// IsValidProjectID reports whether a stated project id (from the request)
// matches this state, skipping the check when either side doesn't know
// the id yet.
func (s *State) IsValidProjectID(statedID *uint64, overrideProjectIDs bool) bool {
	if s.ProjectID == nil || statedID == nil || overrideProjectIDs {
		return true
	}
	return *s.ProjectID == *statedID
}

// IsValidOrigin reports whether origin is permitted by this project's
// allowed-domains list. A request without an Origin header is always
// accepted; an empty allow-list rejects every origin.
func (s *State) IsValidOrigin(origin string) bool {
	if origin == "" {
		return true
	}
	if len(s.Config.AllowedDomains) == 0 {
		return false
	}
	return matchesAnyOrigin(origin, s.Config.AllowedDomains)
}

// matchesAnyOrigin does glob/suffix matching the way the upstream project
// matches an Origin header against its allowed-domains list: "*" matches
// anything, "*.example.com" matches the suffix, an exact string matches
// literally.
func matchesAnyOrigin(origin string, allowed []string) bool {
	host := origin
	if idx := strings.Index(origin, "://"); idx >= 0 {
		host = origin[idx+3:]
	}
	host = strings.TrimSuffix(host, "/")

	for _, pattern := range allowed {
		if pattern == "*" {
			return true
		}
		if strings.HasPrefix(pattern, "*.") {
			suffix := pattern[1:]
			if strings.HasSuffix(host, suffix) {
				return true
			}
			continue
		}
		if pattern == host {
			return true
		}
	}
	return false
}

// IsMatchingKey reports whether key matches this state's loaded public
// key, treating missing/invalid states as always matching (they carry no
// key config to contradict).
func (s *State) IsMatchingKey(key Key) bool {
	if cfg := s.GetPublicKeyConfig(); cfg != nil {
		return cfg.PublicKey == key
	}
	return s.ProjectID == nil
}

// ScopeRequest amends meta with organization/project/key ids known only
// once the project state has loaded, defaulting the organization id to 0
// when it is not yet known (so a not-yet-loaded state never accidentally
// matches an organization-wide rate limit).
func (s *State) ScopeRequest(meta envelope.RequestMeta) quota.Scoping {
	scoping := quota.Scoping{
		OrganizationID: 0,
		ProjectID:      meta.ProjectID,
		KeyID:          meta.KeyID,
	}

	if cfg := s.GetPublicKeyConfig(); cfg != nil {
		scoping.KeyID = cfg.NumericID
	}
	if s.ProjectID != nil {
		scoping.ProjectID = *s.ProjectID
	}
	if s.OrganizationID != nil {
		scoping.OrganizationID = *s.OrganizationID
	}

	return scoping
}

// GetQuotas returns the quotas declared by this project's configuration.
func (s *State) GetQuotas() []quota.Quota {
	return s.Config.Quotas
}

// CheckDisabled reports an error if the project is known to be invalid or
// disabled. An expired (hard outdated) state is never rejected here, to
// avoid prematurely dropping data while waiting on a refetch.
func (s *State) CheckDisabled(policy ExpiryPolicy, now time.Time) error {
	if s.Classify(policy, now) == ExpiryExpired {
		return nil
	}
	if s.Invalid {
		return &DiscardError{Reason: DiscardProjectState}
	}
	if s.Disabled {
		return &DiscardError{Reason: DiscardProjectID}
	}
	return nil
}

// CheckRequest runs the full admission check for an incoming request:
// project id agreement, origin allow-list, public key match, and
// disabled/invalid state.
func (s *State) CheckRequest(meta envelope.RequestMeta, policy ExpiryPolicy, overrideProjectIDs bool, now time.Time) error {
	var statedID *uint64
	if meta.ProjectID != 0 {
		id := meta.ProjectID
		statedID = &id
	}
	if !s.IsValidProjectID(statedID, overrideProjectIDs) {
		return &DiscardError{Reason: DiscardProjectID}
	}
	if !s.IsValidOrigin(meta.Origin) {
		return &DiscardError{Reason: DiscardCORS}
	}
	if !s.IsMatchingKey(Key(meta.PublicKey)) {
		return &DiscardError{Reason: DiscardProjectID}
	}
	return s.CheckDisabled(policy, now)
}

// Sanitize drops quotas that are neither a hard "reject everything" quota
// (Limit == 0) nor trackable (both ID and Window set), keeping the rest
// of the state usable.
func (s *State) Sanitize() *State {
	valid := s.Config.Quotas[:0]
	for _, q := range s.Config.Quotas {
		if isValidQuota(q) {
			valid = append(valid, q)
		}
	}
	s.Config.Quotas = valid
	return s
}

func isValidQuota(q quota.Quota) bool {
	if q.Limit != nil && *q.Limit == 0 {
		return true
	}
	return q.Trackable()
}

// HasFeature reports whether feature is enabled for this project.
func (s *State) HasFeature(feature string) bool {
	_, ok := s.Config.Features[feature]
	return ok
}

// DiscardError is returned by CheckRequest/CheckDisabled to explain a
// rejection.
type DiscardError struct {
	Reason DiscardReason
}

func (e *DiscardError) Error() string {
	return "request discarded: " + string(e.Reason)
}
