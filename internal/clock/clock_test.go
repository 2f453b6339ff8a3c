package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSystemMonoIsNonDecreasing(t *testing.T) {
	c := System()
	prev := c.Mono()
	for i := 0; i < 1000; i++ {
		cur := c.Mono()
		assert.GreaterOrEqual(t, cur, prev)
		prev = cur
	}
}

func TestManualAdvanceMovesBothReadings(t *testing.T) {
	start := time.UnixMilli(1_700_000_000_000)
	m := NewManual(start)
	m.SetMono(10)

	m.Advance(1500 * time.Millisecond)

	assert.Equal(t, start.Add(1500*time.Millisecond), m.Now())
	assert.InDelta(t, 1510.0, m.Mono(), 1e-9)
}

func TestUnixMilli(t *testing.T) {
	ts := time.Unix(1, 500_000)
	assert.InDelta(t, 1000.5, UnixMilli(ts), 1e-9)
}
