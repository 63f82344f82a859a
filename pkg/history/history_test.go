package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 7, 30, 0, 0, time.UTC)

func ms(n int) time.Time { return t0.Add(time.Duration(n) * time.Millisecond) }

func TestBuffer_EmptyFallbacks(t *testing.T) {
	b := New(4)
	assert.Equal(t, 0.0, b.AverageSince(t0))
	assert.Equal(t, 0.0, b.MinSince(t0))
	assert.Equal(t, 0.0, b.MaxSince(t0))
	assert.Equal(t, 0.0, b.FirstOlderThan(t0))
	_, ok := b.Last()
	assert.False(t, ok)
}

func TestBuffer_WindowQueries(t *testing.T) {
	b := New(10)
	for i, v := range []float64{1, 5, 3, 9, 7} {
		b.Push(ms(i*50), v)
	}

	tests := []struct {
		name  string
		since time.Time
		avg   float64
		min   float64
		max   float64
		count int
	}{
		{name: "all", since: t0, avg: 5, min: 1, max: 9, count: 5},
		{name: "inclusive boundary", since: ms(100), avg: 19.0 / 3, min: 3, max: 9, count: 3},
		{name: "last only", since: ms(200), avg: 7, min: 7, max: 7, count: 1},
		{name: "empty window falls back to last", since: ms(1000), avg: 7, min: 7, max: 7, count: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.avg, b.AverageSince(tt.since), 1e-12)
			assert.Equal(t, tt.min, b.MinSince(tt.since))
			assert.Equal(t, tt.max, b.MaxSince(tt.since))
			assert.Equal(t, tt.count, b.CountSince(tt.since))
		})
	}
}

func TestBuffer_FirstOlderThan(t *testing.T) {
	b := New(10)
	for i, v := range []float64{10, 20, 30} {
		b.Push(ms(i*1000), v)
	}

	assert.Equal(t, 20.0, b.FirstOlderThan(ms(1500)))
	assert.Equal(t, 20.0, b.FirstOlderThan(ms(1000)))
	assert.Equal(t, 30.0, b.FirstOlderThan(ms(9000)))
	// Nothing that old: the oldest value is the best estimate.
	assert.Equal(t, 10.0, b.FirstOlderThan(ms(-5000)))
}

func TestBuffer_EvictsOldest(t *testing.T) {
	b := New(3)
	for i := 0; i < 5; i++ {
		b.Push(ms(i), float64(i))
	}

	assert.Equal(t, 3, b.Len())
	assert.Equal(t, 3, b.Cap())
	entries := b.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, []float64{2, 3, 4}, []float64{entries[0].Value, entries[1].Value, entries[2].Value})
	assert.Equal(t, 2.0, b.MinSince(t0))

	last, ok := b.Last()
	require.True(t, ok)
	assert.Equal(t, 4.0, last.Value)
}

func TestBuffer_Seed(t *testing.T) {
	b := New(50)
	b.Seed(t0, 70.2, 20)
	assert.Equal(t, 20, b.Len())
	assert.Equal(t, 70.2, b.AverageSince(t0))

	b.Push(ms(50), 71.2)
	assert.InDelta(t, (70.2*20+71.2)/21, b.AverageSince(t0), 1e-12)

	b.Reset()
	assert.Equal(t, 0, b.Len())
}

func TestBuffer_DefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultCapacity, New(0).Cap())
}
