package publish

import "github.com/google/uuid"

var distinctIDNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://sentry.io/#did"))

// MakeDistinctID folds a session's free-form distinct_id into a stable
// UUID: a value that already parses as a UUID is passed through
// unchanged, anything else is hashed into a v5 UUID under a fixed
// namespace so the same input always yields the same id.
func MakeDistinctID(s string) uuid.UUID {
	if s == "" {
		return uuid.Nil
	}
	if id, err := uuid.Parse(s); err == nil {
		return id
	}
	return uuid.NewSHA1(distinctIDNamespace, []byte(s))
}
