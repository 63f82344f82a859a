package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMockClock(t *testing.T) {
	start := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	c := NewMockClock(start)

	assert.Equal(t, start, c.Now())

	c.Advance(50 * time.Millisecond)
	assert.Equal(t, 50*time.Millisecond, c.Since(start))

	c.Sleep(200 * time.Millisecond)
	assert.Equal(t, []time.Duration{200 * time.Millisecond}, c.Sleeps())
	assert.Equal(t, 250*time.Millisecond, c.Since(start))

	got := <-c.After(time.Second)
	assert.Equal(t, start.Add(1250*time.Millisecond), got)

	c.Set(start)
	assert.Equal(t, start, c.Now())
}

func TestRealClock(t *testing.T) {
	var c RealClock
	before := c.Now()
	c.Sleep(time.Millisecond)
	assert.GreaterOrEqual(t, c.Since(before), time.Millisecond)
}
