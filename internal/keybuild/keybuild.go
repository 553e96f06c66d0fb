// Package keybuild provides a pooled string builder for the hot-path key
// construction used by the quota package.
package keybuild

import (
	"strings"
	"sync"
)

var builderPool = sync.Pool{
	New: func() any {
		return &strings.Builder{}
	},
}

// Get returns a reset builder from the pool.
func Get() *strings.Builder {
	return builderPool.Get().(*strings.Builder)
}

// Put resets and returns a builder to the pool.
func Put(b *strings.Builder) {
	b.Reset()
	builderPool.Put(b)
}
