package jointctl

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// fakeRegistry opens fake serial buses and counts how often it had to.
func fakeRegistry(t *testing.T) (*BackendRegistry, *int64, map[string]*fakeServoPort) {
	t.Helper()
	registry := NewBackendRegistry(logging.NewTestLogger(t))
	var opens int64
	var mu sync.Mutex
	ports := map[string]*fakeServoPort{}
	registry.openBus = func(port string, baudrate int, logger logging.Logger) (*FeetechBus, error) {
		if port == "/dev/missing" {
			return nil, connectionFailed(port, errors.New("no such device"))
		}
		atomic.AddInt64(&opens, 1)
		fake := newFakeServoPort(nil)
		mu.Lock()
		ports[port] = fake
		mu.Unlock()
		return newFeetechBus(port, fake, logger)
	}
	return registry, &opens, ports
}

func TestRegistryCreation(t *testing.T) {
	registry := NewBackendRegistry(logging.NewTestLogger(t))
	if registry.entries == nil {
		t.Fatal("registry entries map not initialized")
	}
	if len(registry.entries) != 0 {
		t.Fatal("registry should start empty")
	}
	if _, open := registry.Status("/dev/ttyUSB0"); open {
		t.Fatal("nothing should be open yet")
	}
}

func TestRegistrySharedBus(t *testing.T) {
	registry, opens, ports := fakeRegistry(t)
	port := "/dev/ttyUSB0"

	const holders = 5
	var wg sync.WaitGroup
	buses := make([]*FeetechBus, holders)
	errs := make([]error, holders)
	for i := 0; i < holders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			buses[i], errs[i] = registry.FeetechBus(port, 0)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("holder %d: %v", i, err)
		}
		if buses[i] != buses[0] {
			t.Fatalf("holder %d got a different bus", i)
		}
	}
	if n := atomic.LoadInt64(opens); n != 1 {
		t.Fatalf("expected the port to be opened once, got %d", n)
	}
	if refs, open := registry.Status(port); !open || refs != holders {
		t.Fatalf("expected %d references, got %d (open=%v)", holders, refs, open)
	}

	for i := 0; i < holders-1; i++ {
		registry.Release(port)
	}
	if refs, _ := registry.Status(port); refs != 1 {
		t.Fatalf("expected 1 reference left, got %d", refs)
	}
	if ports[port].closed {
		t.Fatal("port closed while still referenced")
	}

	registry.Release(port)
	if _, open := registry.Status(port); open {
		t.Fatal("port should be gone after the last release")
	}
	if !ports[port].closed {
		t.Fatal("port should be closed after the last release")
	}

	// Releasing an unknown key is a no-op.
	registry.Release(port)
}

func TestRegistryConflict(t *testing.T) {
	registry, _, _ := fakeRegistry(t)
	port := "/dev/ttyUSB0"

	if _, err := registry.FeetechBus(port, 1000000); err != nil {
		t.Fatalf("first open: %v", err)
	}
	if _, err := registry.FeetechBus(port, 115200); err == nil {
		t.Fatal("expected a baud rate conflict")
	}
	if _, err := registry.UrdfViz(context.Background(), port); err == nil {
		t.Fatal("expected a backend kind conflict")
	}
	if refs, _ := registry.Status(port); refs != 1 {
		t.Fatalf("conflicting requests must not take references, got %d", refs)
	}
}

func TestRegistryOpenFailure(t *testing.T) {
	registry, _, _ := fakeRegistry(t)
	_, err := registry.FeetechBus("/dev/missing", 0)
	if !IsConnection(err) {
		t.Fatalf("expected a connection error, got %v", err)
	}
	if _, open := registry.Status("/dev/missing"); open {
		t.Fatal("failed opens must not be registered")
	}
}

func TestRegistryForceClose(t *testing.T) {
	registry, opens, ports := fakeRegistry(t)
	port := "/dev/ttyUSB1"

	for i := 0; i < 3; i++ {
		if _, err := registry.FeetechBus(port, 0); err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
	}
	if err := registry.ForceClose(port); err != nil {
		t.Fatalf("force close: %v", err)
	}
	if !ports[port].closed {
		t.Fatal("port should be closed")
	}
	if _, open := registry.Status(port); open {
		t.Fatal("port should be removed")
	}
	if err := registry.ForceClose(port); err != nil {
		t.Fatalf("force closing an unknown key: %v", err)
	}

	if _, err := registry.FeetechBus(port, 0); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if n := atomic.LoadInt64(opens); n != 2 {
		t.Fatalf("expected a fresh open after force close, got %d opens", n)
	}
}

func TestRegistrySharedSimulator(t *testing.T) {
	_, url := startSimulator(t, []string{"j1", "j2"})
	registry := NewBackendRegistry(logging.NewTestLogger(t))
	ctx := context.Background()

	first, err := registry.UrdfViz(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	second, err := registry.UrdfViz(ctx, url)
	if err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if first != second {
		t.Fatal("expected one shared simulator client")
	}
	if names := first.JointNames(); len(names) != 2 {
		t.Fatalf("unexpected joint names %v", names)
	}
	registry.Release(url)
	registry.Release(url)
	if _, open := registry.Status(url); open {
		t.Fatal("simulator client should be closed")
	}
}
