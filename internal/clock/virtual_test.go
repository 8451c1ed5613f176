package clock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVirtualClock_Now(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewVirtualClock(start)

	assert.True(t, c.Now().Equal(start))

	time.Sleep(5 * time.Millisecond)
	assert.True(t, c.Now().Equal(start), "virtual time must not follow the wall clock")
}

func TestVirtualClock_AdvanceBy(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewVirtualClock(start)

	c.AdvanceBy(2 * time.Hour)
	assert.Equal(t, start.Add(2*time.Hour), c.Now())

	c.AdvanceBy(0)
	c.AdvanceBy(-time.Hour)
	assert.Equal(t, start.Add(2*time.Hour), c.Now(), "non-positive deltas are ignored")
}

func TestVirtualClock_AdvanceTo(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewVirtualClock(start)

	future := start.Add(time.Hour)
	c.AdvanceTo(future)
	assert.Equal(t, future, c.Now())

	c.AdvanceTo(start.Add(30 * time.Minute))
	assert.Equal(t, future, c.Now(), "clock must not move backward")
}

func TestVirtualClock_TruncatesToMillis(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 123456789, time.UTC)
	c := NewVirtualClock(start)
	assert.Equal(t, 123000000, c.Now().Nanosecond())
}

func TestVirtualClock_ConcurrentReaders(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewVirtualClock(start)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			prev := c.Now()
			for j := 0; j < 1000; j++ {
				now := c.Now()
				assert.False(t, now.Before(prev), "time went backward")
				prev = now
			}
		}()
	}
	for i := 0; i < 100; i++ {
		c.AdvanceBy(time.Second)
	}
	wg.Wait()
	assert.Equal(t, start.Add(100*time.Second), c.Now())
}

func TestReal_Now(t *testing.T) {
	before := time.Now().Add(-time.Millisecond)
	now := Real{}.Now()
	assert.True(t, now.After(before))
	assert.Equal(t, time.UTC, now.Location())
}
