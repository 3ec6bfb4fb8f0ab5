package proxy

import (
	"sync"
	"testing"
)

func TestNewRegistryEmptyList(t *testing.T) {
	if _, err := NewRegistry(nil); err == nil {
		t.Fatal("Expected error for empty server list, got nil")
	}
	if _, err := NewRegistry([]string{}); err == nil {
		t.Fatal("Expected error for empty server list, got nil")
	}
}

func TestRegistryInitialState(t *testing.T) {
	r, err := NewRegistry([]string{"10.0.0.1:8080", "10.0.0.2:8080"})
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}

	if r.Len() != 2 {
		t.Fatalf("Expected 2 backends, got %d", r.Len())
	}

	for i, b := range r.Snapshot() {
		if !b.Alive {
			t.Errorf("Backend %d should start alive", i)
		}
		if b.ActiveConnections != 0 {
			t.Errorf("Backend %d should start with zero load, got %d", i, b.ActiveConnections)
		}
		if b.Index != i {
			t.Errorf("Backend at position %d has index %d", i, b.Index)
		}
	}

	if r.Addr(0) != "10.0.0.1:8080" {
		t.Errorf("Unexpected address for backend 0: %s", r.Addr(0))
	}
}

func TestMarkDeadAndAliveIdempotent(t *testing.T) {
	r, err := NewRegistry([]string{"10.0.0.1:8080"})
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}

	r.MarkDead(0)
	r.MarkDead(0) // no-op, already dead
	if r.Snapshot()[0].Alive {
		t.Error("Backend should be dead")
	}

	r.MarkAlive(0)
	r.MarkAlive(0) // no-op, already alive
	if !r.Snapshot()[0].Alive {
		t.Error("Backend should be alive")
	}
}

func TestDeadBackends(t *testing.T) {
	r, err := NewRegistry([]string{"10.0.0.1:1", "10.0.0.2:2", "10.0.0.3:3"})
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}

	if dead := r.DeadBackends(); len(dead) != 0 {
		t.Fatalf("Expected no dead backends, got %d", len(dead))
	}

	r.MarkDead(0)
	r.MarkDead(2)

	dead := r.DeadBackends()
	if len(dead) != 2 {
		t.Fatalf("Expected 2 dead backends, got %d", len(dead))
	}
	if dead[0].Index != 0 || dead[1].Index != 2 {
		t.Errorf("Unexpected dead backend indexes: %d, %d", dead[0].Index, dead[1].Index)
	}
}

func TestDecrementLoadClampsAtZero(t *testing.T) {
	r, err := NewRegistry([]string{"10.0.0.1:8080"})
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}

	r.DecrementLoad(0)
	if got := r.Snapshot()[0].ActiveConnections; got != 0 {
		t.Errorf("Load count went negative: %d", got)
	}

	r.IncrementLoad(0)
	r.DecrementLoad(0)
	r.DecrementLoad(0)
	if got := r.Snapshot()[0].ActiveConnections; got != 0 {
		t.Errorf("Expected clamped load count 0, got %d", got)
	}
}

// TestConcurrentLoadAccounting verifies that no increment or decrement is
// lost under concurrent mutation from many goroutines.
func TestConcurrentLoadAccounting(t *testing.T) {
	r, err := NewRegistry([]string{"10.0.0.1:8080", "10.0.0.2:8080"})
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}

	const workers = 50
	const iterations = 100

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			idx := w % 2
			for i := 0; i < iterations; i++ {
				r.IncrementLoad(idx)
			}
			for i := 0; i < iterations/2; i++ {
				r.DecrementLoad(idx)
			}
		}(w)
	}

	// Flip alive state concurrently to shake out partial reads.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < workers*iterations; i++ {
			r.MarkDead(i % 2)
			r.MarkAlive(i % 2)
		}
	}()

	wg.Wait()

	expected := (workers / 2) * (iterations - iterations/2)
	for i, b := range r.Snapshot() {
		if b.ActiveConnections != expected {
			t.Errorf("Backend %d: expected load %d, got %d", i, expected, b.ActiveConnections)
		}
	}
}
