package clock

import (
	"sort"
	"sync"
	"time"
)

// Manual is a Clock that only moves when told to. Timers fire in deadline
// order during Advance.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	timers []manualTimer // sorted by at
}

type manualTimer struct {
	at time.Time
	ch chan time.Time
}

// NewManual returns a Manual clock reading start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if d <= 0 {
		ch <- m.now
		return ch
	}
	at := m.now.Add(d)
	i := sort.Search(len(m.timers), func(i int) bool { return m.timers[i].at.After(at) })
	m.timers = append(m.timers, manualTimer{})
	copy(m.timers[i+1:], m.timers[i:])
	m.timers[i] = manualTimer{at: at, ch: ch}
	return ch
}

// Sleep blocks until another goroutine advances the clock by d.
func (m *Manual) Sleep(d time.Duration) {
	<-m.After(d)
}

// Advance moves the clock forward by d, fires every timer that became due
// and returns the new time. Negative durations are treated as zero.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moveLocked(m.now.Add(d))
}

// AdvanceTo moves the clock to t. Moving backwards is ignored.
func (m *Manual) AdvanceTo(t time.Time) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !t.After(m.now) {
		return m.now
	}
	return m.moveLocked(t.UTC())
}

func (m *Manual) moveLocked(now time.Time) time.Time {
	m.now = now
	fired := 0
	for _, timer := range m.timers {
		if timer.at.After(now) {
			break
		}
		timer.ch <- now
		fired++
	}
	m.timers = append(m.timers[:0], m.timers[fired:]...)
	return now
}

// Pending returns the number of timers that have not fired.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Next returns the earliest scheduled timer.
func (m *Manual) Next() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.timers) == 0 {
		return time.Time{}, false
	}
	return m.timers[0].at, true
}
