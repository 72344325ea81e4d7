package breaker

import (
	"sync"

	"github.com/caresync/resilience-core/pkg/logging"
)

// Registry owns the singleton circuit breaker per dependency name.
// Breakers are created lazily on first access. The registry is an
// explicitly constructed service object owned by the host's composition
// root, not a package-level global.
type Registry struct {
	mutex    sync.Mutex
	breakers map[string]*CircuitBreaker
	store    StateStore
	defaults Config
	logger   *logging.Logger
}

// NewRegistry creates a registry backed by the given durable state store.
// A nil store keeps all breakers purely in-memory.
func NewRegistry(store StateStore) *Registry {
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		store:    store,
		defaults: DefaultConfig(),
		logger:   logging.GetLogger(),
	}
}

// SetDefaults installs the config applied by GetOrDefault. Call at
// composition time, before breakers are created; the config of an
// existing breaker is never replaced.
func (r *Registry) SetDefaults(config Config) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.defaults = config
}

// GetOrDefault returns the breaker for the named dependency, constructing
// it with the registry defaults on first access
func (r *Registry) GetOrDefault(name string) *CircuitBreaker {
	r.mutex.Lock()
	defaults := r.defaults
	r.mutex.Unlock()
	return r.GetOrCreate(name, defaults)
}

// GetOrCreate returns the breaker for the named dependency, constructing
// it with the given config on first access. The config of an existing
// breaker is never replaced.
func (r *Registry) GetOrCreate(name string, config Config) *CircuitBreaker {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if cb, exists := r.breakers[name]; exists {
		return cb
	}

	cb := New(name, config, r.store)
	r.breakers[name] = cb

	r.logger.Debug("Circuit breaker created",
		"name", name,
		"failure_threshold", config.FailureThreshold,
		"reset_timeout", config.ResetTimeout,
	)

	return cb
}

// Get returns the breaker for the named dependency if one exists
func (r *Registry) Get(name string) (*CircuitBreaker, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	cb, exists := r.breakers[name]
	return cb, exists
}

// AllStates enumerates a snapshot of every registered breaker for monitoring
func (r *Registry) AllStates() map[string]Snapshot {
	r.mutex.Lock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mutex.Unlock()

	states := make(map[string]Snapshot, len(breakers))
	for _, cb := range breakers {
		states[cb.Name()] = cb.Snapshot()
	}
	return states
}

// ResetAll forces every registered breaker closed
func (r *Registry) ResetAll() {
	r.mutex.Lock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mutex.Unlock()

	for _, cb := range breakers {
		cb.Reset()
	}
}
