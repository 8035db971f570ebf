package session

import (
	"testing"
	"time"
)

func TestFrameBudget_Window(t *testing.T) {
	t.Parallel()

	b := newFrameBudget(3, time.Second)
	now := time.Now()

	for i := 0; i < 3; i++ {
		if !b.spend(now) {
			t.Fatalf("frame %d denied inside budget", i)
		}
	}
	if b.spend(now) {
		t.Fatalf("frame over budget admitted")
	}

	// Old admissions fall out of the window.
	if !b.spend(now.Add(2 * time.Second)) {
		t.Fatalf("frame denied after window slid")
	}
}

func TestFrameBudget_PrunesOldestFirst(t *testing.T) {
	t.Parallel()

	b := newFrameBudget(2, time.Second)
	base := time.Now()

	if !b.spend(base) || !b.spend(base.Add(600*time.Millisecond)) {
		t.Fatalf("setup admissions denied")
	}
	// base has aged out; the 600ms admission has not.
	if !b.spend(base.Add(1100 * time.Millisecond)) {
		t.Fatalf("expected one freed slot")
	}
	if b.spend(base.Add(1100 * time.Millisecond)) {
		t.Fatalf("expected budget full again")
	}
}
