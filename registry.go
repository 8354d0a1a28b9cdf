package jointctl

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

type registryEntry struct {
	backend  io.Closer
	kind     string
	baudrate int
	refCount int64
	mu       sync.RWMutex
}

// BackendRegistry shares one physical backend between every client group that
// addresses it. Backends are keyed by address (serial port or URL) and closed
// when the last holder releases them.
type BackendRegistry struct {
	entries map[string]*registryEntry
	mu      sync.RWMutex
	logger  logging.Logger

	openBus func(port string, baudrate int, logger logging.Logger) (*FeetechBus, error)
	dialSim func(ctx context.Context, address string, logger logging.Logger) (*UrdfVizWebClient, error)
}

func NewBackendRegistry(logger logging.Logger) *BackendRegistry {
	return &BackendRegistry{
		entries: make(map[string]*registryEntry),
		logger:  logger,
		openBus: OpenFeetechBus,
		dialSim: NewUrdfVizWebClient,
	}
}

// FeetechBus returns the bus on port, opening it on first use. A second caller
// asking for a different baud rate gets an error.
func (r *BackendRegistry) FeetechBus(port string, baudrate int) (*FeetechBus, error) {
	if baudrate == 0 {
		baudrate = defaultBaudrate
	}
	backend, err := r.acquire(port, "feetech", baudrate, func() (io.Closer, error) {
		return r.openBus(port, baudrate, r.logger.Sublogger("feetech"))
	})
	if err != nil {
		return nil, err
	}
	return backend.(*FeetechBus), nil
}

// UrdfViz returns the simulator client for address, connecting and starting its
// sender loop on first use. The loop lives until the last Release.
func (r *BackendRegistry) UrdfViz(ctx context.Context, address string) (*UrdfVizWebClient, error) {
	backend, err := r.acquire(address, "urdf_viz", 0, func() (io.Closer, error) {
		c, err := r.dialSim(ctx, address, r.logger.Sublogger("urdf_viz"))
		if err != nil {
			return nil, err
		}
		c.Start(context.Background())
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return backend.(*UrdfVizWebClient), nil
}

func (r *BackendRegistry) acquire(key, kind string, baudrate int, create func() (io.Closer, error)) (io.Closer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, exists := r.entries[key]; exists {
		entry.mu.Lock()
		defer entry.mu.Unlock()
		if entry.kind != kind || entry.baudrate != baudrate {
			return nil, errors.Errorf("conflict: %s is already open as %s@%d (refCount: %d)",
				key, entry.kind, entry.baudrate, atomic.LoadInt64(&entry.refCount))
		}
		atomic.AddInt64(&entry.refCount, 1)
		return entry.backend, nil
	}

	backend, err := create()
	if err != nil {
		return nil, err
	}
	r.entries[key] = &registryEntry{backend: backend, kind: kind, baudrate: baudrate, refCount: 1}
	r.logger.Infof("opened shared %s backend %s", kind, key)
	return backend, nil
}

// Release drops one reference to key and closes the backend with the last one.
func (r *BackendRegistry) Release(key string) {
	r.mu.Lock()
	entry, exists := r.entries[key]
	if !exists {
		r.mu.Unlock()
		return
	}
	if atomic.AddInt64(&entry.refCount, -1) > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.entries, key)
	r.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if err := entry.backend.Close(); err != nil {
		r.logger.Warnf("error closing shared backend %s: %v", key, err)
	}
}

// ForceClose closes key regardless of outstanding references.
func (r *BackendRegistry) ForceClose(key string) error {
	r.mu.Lock()
	entry, exists := r.entries[key]
	if exists {
		delete(r.entries, key)
	}
	r.mu.Unlock()

	if !exists {
		return nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	atomic.StoreInt64(&entry.refCount, 0)
	return entry.backend.Close()
}

// Status reports the reference count of key and whether it is open.
func (r *BackendRegistry) Status(key string) (int64, bool) {
	r.mu.RLock()
	entry, exists := r.entries[key]
	r.mu.RUnlock()

	if !exists {
		return 0, false
	}
	return atomic.LoadInt64(&entry.refCount), true
}
