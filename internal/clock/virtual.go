package clock

import (
	"sync"
	"time"
)

// VirtualClock is a manually advanced clock. Time only moves forward, and only
// through AdvanceBy or AdvanceTo.
//
// Writers hold the lock for the whole update, so a concurrent Now never
// observes a partially applied shift.
type VirtualClock struct {
	mu      sync.RWMutex
	current time.Time
}

// NewVirtualClock returns a clock frozen at start (UTC, millisecond precision).
func NewVirtualClock(start time.Time) *VirtualClock {
	return &VirtualClock{current: start.UTC().Truncate(time.Millisecond)}
}

func (v *VirtualClock) Now() time.Time {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.current
}

// AdvanceBy moves the clock forward by d. Non-positive durations are a no-op.
func (v *VirtualClock) AdvanceBy(d time.Duration) {
	if d <= 0 {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.current = v.current.Add(d).Truncate(time.Millisecond)
}

// AdvanceTo moves the clock to t. Targets at or before the current time are
// ignored.
func (v *VirtualClock) AdvanceTo(t time.Time) {
	t = t.UTC().Truncate(time.Millisecond)
	v.mu.Lock()
	defer v.mu.Unlock()
	if !t.After(v.current) {
		return
	}
	v.current = t
}
