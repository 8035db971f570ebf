package registry

import (
	"sync"
	"testing"

	"veil/internal/hub"
)

func TestRegistry_AddGetRemove(t *testing.T) {
	t.Parallel()

	r := New()
	events := hub.NewClient("UA", "S1", 8)
	chat := hub.NewClient("UA", "S2", 8)

	r.Add("UA", events)
	r.Add("UA", chat)

	if got := len(r.Get("UA")); got != 2 {
		t.Fatalf("handles = %d, want 2", got)
	}
	if !r.Connected("UA") {
		t.Fatalf("expected connected")
	}

	r.Remove("UA", events)
	if got := len(r.Get("UA")); got != 1 {
		t.Fatalf("handles = %d, want 1", got)
	}

	r.Remove("UA", chat)
	if r.Connected("UA") {
		t.Fatalf("expected disconnected")
	}
	if got := r.Get("UA"); got != nil {
		t.Fatalf("expected nil handles, got %v", got)
	}
}

func TestRegistry_IgnoresEmptyAndNil(t *testing.T) {
	t.Parallel()

	r := New()
	r.Add("", hub.NewClient("", "S1", 8))
	r.Add("UA", nil)
	r.Remove("UB", nil)

	if r.Connected("") || r.Connected("UA") {
		t.Fatalf("unexpected registration")
	}
}

func TestRegistry_Snapshot(t *testing.T) {
	t.Parallel()

	r := New()
	r.Add("UA", hub.NewClient("UA", "S1", 8))
	r.Add("UB", hub.NewClient("UB", "S2", 8))

	snap := r.Snapshot()
	if len(snap) != 2 || len(snap["UA"]) != 1 || len(snap["UB"]) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := hub.NewClient("UA", "S", 8)
			r.Add("UA", c)
			_ = r.Get("UA")
			r.Remove("UA", c)
		}()
	}
	wg.Wait()

	if r.Connected("UA") {
		t.Fatalf("expected empty registry after churn")
	}
}
