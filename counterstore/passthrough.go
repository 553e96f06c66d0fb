package counterstore

import "context"

// PassthroughBackend never rejects and never tracks consumption. It backs
// the fail-open side of Guarded, and can also be registered directly when
// a deployment wants to disable enforcement altogether while still routing
// traffic through the same Backend interface.
type PassthroughBackend struct{}

// NewPassthroughBackend returns an always-accept backend.
func NewPassthroughBackend() *PassthroughBackend {
	return &PassthroughBackend{}
}

func (PassthroughBackend) Evaluate(_ context.Context, checks []Check) ([]bool, error) {
	return make([]bool, len(checks)), nil
}

func (PassthroughBackend) Close() error { return nil }
