// Package clock provides the wall and monotonic time sources used by the display client.
package clock

import (
	"sync"
	"time"
)

// Clock reads wall time and a monotonic counter. Mono returns milliseconds since an
// arbitrary origin and never goes backwards.
type Clock interface {
	Now() time.Time
	Mono() float64
}

type systemClock struct {
	origin time.Time
}

// System returns a Clock backed by the runtime's monotonic reading.
func System() Clock {
	return &systemClock{origin: time.Now()}
}

func (c *systemClock) Now() time.Time { return time.Now() }

func (c *systemClock) Mono() float64 {
	return float64(time.Since(c.origin)) / float64(time.Millisecond)
}

// UnixMilli returns t as fractional unix milliseconds.
func UnixMilli(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Millisecond)
}

// Manual is a Clock that only moves when told to.
type Manual struct {
	mu   sync.Mutex
	now  time.Time
	mono float64
}

func NewManual(now time.Time) *Manual {
	return &Manual{now: now}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Mono() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mono
}

func (m *Manual) SetNow(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

func (m *Manual) SetMono(ms float64) {
	m.mu.Lock()
	m.mono = ms
	m.mu.Unlock()
}

// Advance moves both readings forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mono += float64(d) / float64(time.Millisecond)
	m.mu.Unlock()
}
