// Package projectcache serializes access to each project's cached state
// behind a per-key goroutine, debouncing and coalescing concurrent
// fetches the way a single-threaded actor would.
package projectcache

import (
	"context"

	"github.com/ingest-relay/core/project"
)

// Fetcher retrieves fresh project states from the upstream collaborator
// (e.g. an HTTP project-config endpoint). Wiring a concrete transport is
// left to the embedding service.
type Fetcher interface {
	FetchStates(ctx context.Context, keys []project.Key, noCache bool) (map[project.Key]*project.State, error)
}

// StaticFetcher serves a fixed map of states, useful for tests and for
// demo/proxy deployments that never talk to a real upstream.
type StaticFetcher struct {
	States map[project.Key]*project.State
}

// FetchStates returns a new map holding the requested keys' stored state
// pointers (the states themselves are not copied), substituting
// project.Missing() for any key not present in the map.
func (f *StaticFetcher) FetchStates(_ context.Context, keys []project.Key, _ bool) (map[project.Key]*project.State, error) {
	out := make(map[project.Key]*project.State, len(keys))
	for _, k := range keys {
		if s, ok := f.States[k]; ok {
			out[k] = s
		} else {
			out[k] = project.Missing()
		}
	}
	return out, nil
}
