package unicam

import (
	"fmt"
	"slices"
	"sync"
)

// Backend names.
const (
	BackendGPU      = "gpu"
	BackendSoftware = "software"
)

// BackendFactory creates a new backend instance.
type BackendFactory func() (Backend, error)

var (
	registryMu sync.RWMutex
	backends   = make(map[string]BackendFactory)
	// Priority order for OpenDefault (first that opens wins).
	backendPriority = []string{BackendGPU, BackendSoftware}
)

// Register registers a backend factory with the given name.
// This is typically called from init() functions in backend packages.
// If a backend with the same name is already registered, it is replaced.
func Register(name string, factory BackendFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	backends[name] = factory
}

// Unregister removes a backend from the registry.
// This is useful for testing.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(backends, name)
}

// Available returns the sorted names of registered backends.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// IsRegistered checks if a backend with the given name is registered.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := backends[name]
	return ok
}

// Open creates the named backend and hands it the current logger.
func Open(name string) (Backend, error) {
	registryMu.RLock()
	factory, ok := backends[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotAvailable, name)
	}
	b, err := factory()
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", name, err)
	}
	propagateLogger(b, Logger())
	return b, nil
}

// OpenDefault opens the best available backend. The GPU backend is tried
// first; if it fails to open, the failure is logged and the next backend is
// tried.
func OpenDefault() (Backend, error) {
	for _, name := range backendPriority {
		if !IsRegistered(name) {
			continue
		}
		b, err := Open(name)
		if err == nil {
			Logger().Info("backend selected", "backend", name)
			return b, nil
		}
		Logger().Warn("backend not available", "backend", name, "err", err)
	}
	return nil, ErrBackendNotAvailable
}
