package counterstore

import "fmt"

// Factory constructs a Backend from a Config.
type Factory func(cfg Config) (Backend, error)

var registeredBackends = map[string]Factory{
	"memory":      func(Config) (Backend, error) { return NewMemoryBackend(), nil },
	"passthrough": func(Config) (Backend, error) { return NewPassthroughBackend(), nil },
	"redis": func(cfg Config) (Backend, error) {
		if cfg.Redis == nil {
			return nil, fmt.Errorf("%w: redis backend requires Config.Redis", ErrInvalidConfig)
		}
		return NewRedisBackend(*cfg.Redis)
	},
}

// Register adds or overrides a named backend factory. Intended for
// embedding services that need a backend this package doesn't ship.
func Register(name string, factory Factory) {
	registeredBackends[name] = factory
}

// New constructs the named backend from cfg.
func New(name string, cfg Config) (Backend, error) {
	factory, ok := registeredBackends[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotFound, name)
	}
	return factory(cfg)
}

// Names returns the currently registered backend names.
func Names() []string {
	names := make([]string, 0, len(registeredBackends))
	for name := range registeredBackends {
		names = append(names, name)
	}
	return names
}
