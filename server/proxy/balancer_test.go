package proxy

import (
	"errors"
	"fmt"
	"testing"
)

func newTestRegistry(t *testing.T, n int) *Registry {
	t.Helper()
	addrs := make([]string, n)
	for i := range addrs {
		addrs[i] = fmt.Sprintf("10.0.0.%d:8080", i+1)
	}
	r, err := NewRegistry(addrs)
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}
	return r
}

func TestSelectLeastConnections(t *testing.T) {
	r := newTestRegistry(t, 3)
	lb := NewBalancer(r, true)

	r.IncrementLoad(0)
	r.IncrementLoad(0)
	r.IncrementLoad(1)

	b, err := lb.Select()
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if b.Index != 2 {
		t.Errorf("Expected backend 2 (zero load), got %d", b.Index)
	}
}

func TestSelectTieBreaksOnLowestIndex(t *testing.T) {
	r := newTestRegistry(t, 3)
	lb := NewBalancer(r, true)

	// All equal load: the lowest configured index wins, deterministically.
	for i := 0; i < 5; i++ {
		b, err := lb.Select()
		if err != nil {
			t.Fatalf("Select failed: %v", err)
		}
		if b.Index != 0 {
			t.Errorf("Expected backend 0 on equal load, got %d", b.Index)
		}
	}

	r.IncrementLoad(0)
	r.IncrementLoad(1)
	r.IncrementLoad(2)
	b, err := lb.Select()
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if b.Index != 0 {
		t.Errorf("Expected backend 0 on equal nonzero load, got %d", b.Index)
	}
}

func TestSelectSkipsDeadBackends(t *testing.T) {
	r := newTestRegistry(t, 3)
	lb := NewBalancer(r, true)

	r.MarkDead(0)
	r.IncrementLoad(1) // backend 2 now has the least load among alive

	b, err := lb.Select()
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if b.Index != 2 {
		t.Errorf("Expected backend 2, got %d", b.Index)
	}
	if !b.Alive {
		t.Error("Selected backend must be alive")
	}
}

func TestSelectDisabledPicksFirstAlive(t *testing.T) {
	r := newTestRegistry(t, 3)
	lb := NewBalancer(r, false)

	// Heavy load on backend 0 must not matter with load balancing disabled.
	for i := 0; i < 10; i++ {
		r.IncrementLoad(0)
	}

	b, err := lb.Select()
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if b.Index != 0 {
		t.Errorf("Expected first alive backend 0, got %d", b.Index)
	}

	r.MarkDead(0)
	b, err = lb.Select()
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if b.Index != 1 {
		t.Errorf("Expected first alive backend 1, got %d", b.Index)
	}
}

func TestSelectNoBackendAvailable(t *testing.T) {
	r := newTestRegistry(t, 2)
	lb := NewBalancer(r, true)

	r.MarkDead(0)
	r.MarkDead(1)

	_, err := lb.Select()
	if !errors.Is(err, ErrNoBackendAvailable) {
		t.Fatalf("Expected ErrNoBackendAvailable, got %v", err)
	}
}

func TestSelectDoesNotMutateLoad(t *testing.T) {
	r := newTestRegistry(t, 2)
	lb := NewBalancer(r, true)

	for i := 0; i < 3; i++ {
		if _, err := lb.Select(); err != nil {
			t.Fatalf("Select failed: %v", err)
		}
	}

	for i, b := range r.Snapshot() {
		if b.ActiveConnections != 0 {
			t.Errorf("Backend %d: selection mutated load count to %d", i, b.ActiveConnections)
		}
	}
}
