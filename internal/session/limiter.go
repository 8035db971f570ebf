package session

import "time"

// frameBudget caps inbound frames per connection over a sliding window.
// The read loop is its only caller, so it needs no locking; bounds come
// from Config.Normalize.
type frameBudget struct {
	limit  int
	window time.Duration

	// stamps holds the admission times still inside the window, oldest first.
	stamps []time.Time
}

func newFrameBudget(limit int, window time.Duration) *frameBudget {
	return &frameBudget{limit: limit, window: window}
}

// spend admits one frame at now, reporting false once the window is full.
func (b *frameBudget) spend(now time.Time) bool {
	cut := now.Add(-b.window)
	drop := 0
	for drop < len(b.stamps) && !b.stamps[drop].After(cut) {
		drop++
	}
	b.stamps = b.stamps[drop:]

	if len(b.stamps) >= b.limit {
		return false
	}
	b.stamps = append(b.stamps, now)
	return true
}
