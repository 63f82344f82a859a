package azt

import (
	"testing"
	"time"

	"github.com/itohio/grindscale/pkg/config"
	"github.com/itohio/grindscale/pkg/history"
	"github.com/itohio/grindscale/pkg/monitoring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	monitoring.SetLogger(nil)
}

type fakeChannel struct {
	offset  int64
	divisor float64
}

func (c *fakeChannel) Name() string      { return "fake" }
func (c *fakeChannel) Offset() int64     { return c.offset }
func (c *fakeChannel) SetOffset(o int64) { c.offset = o }
func (c *fakeChannel) Divisor() float64  { return c.divisor }

type rig struct {
	tracker  *Tracker
	channels []*fakeChannel
	windows  []*history.Buffer
	now      time.Time
}

func newRig(n int) *rig {
	r := &rig{now: time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)}
	var chs []Channel
	var ws []Window
	for i := 0; i < n; i++ {
		c := &fakeChannel{offset: 1000, divisor: 400}
		w := history.New(200)
		r.channels = append(r.channels, c)
		r.windows = append(r.windows, w)
		chs = append(chs, c)
		ws = append(ws, w)
	}
	r.tracker = New(config.Default().AZT, chs, ws, true)
	return r
}

// cycle pushes one sample per channel and runs the tracker.
func (r *rig) cycle(filtered float64, grams ...float64) []Correction {
	r.now = r.now.Add(50 * time.Millisecond)
	for i, g := range grams {
		r.windows[i].Push(r.now, g)
	}
	return r.tracker.Update(r.now, true, filtered)
}

func TestTracker_FiresAtThreshold(t *testing.T) {
	r := newRig(1)
	required := config.Default().AZT.Required

	for i := 1; i < required; i++ {
		assert.Empty(t, r.cycle(0.125, 0.125))
		assert.Equal(t, i, r.tracker.Counter(0))
	}
	assert.Equal(t, int64(1000), r.channels[0].offset)

	got := r.cycle(0.125, 0.125)
	require.Len(t, got, 1)
	assert.Equal(t, int64(50), got[0].Counts) // 0.125 g * 400 counts/g
	assert.Equal(t, int64(1050), r.channels[0].offset)
	assert.Equal(t, 0, r.tracker.Counter(0))
	assert.Equal(t, 1, r.tracker.Applied())
}

func TestTracker_ResetsOnOutOfBandSample(t *testing.T) {
	r := newRig(1)

	for i := 0; i < 5; i++ {
		r.cycle(0.05, 0.05)
	}
	require.Equal(t, 5, r.tracker.Counter(0))

	// A single excursion keeps the window average in band but still resets.
	r.cycle(0.05, 0.6)
	assert.Equal(t, 0, r.tracker.Counter(0))
}

func TestTracker_ResetsWhenFusedWeightLeavesBand(t *testing.T) {
	r := newRig(2)
	for i := 0; i < 4; i++ {
		r.cycle(0.125, 0.125, -0.125)
	}
	require.Equal(t, 4, r.tracker.Counter(1))

	r.cycle(3.0, 0.125, -0.125)
	assert.Equal(t, 0, r.tracker.Counter(0))
	assert.Equal(t, 0, r.tracker.Counter(1))
}

func TestTracker_ChannelsAreIndependent(t *testing.T) {
	r := newRig(2)
	required := config.Default().AZT.Required

	var got []Correction
	for i := 0; i < required; i++ {
		// Secondary drifts outside the band, primary is stable.
		got = r.cycle(0.125, 0.125, 0.5)
	}
	require.Len(t, got, 1)
	assert.Equal(t, 0, got[0].Channel)
	assert.Equal(t, int64(1050), r.channels[0].offset)
	assert.Equal(t, int64(1000), r.channels[1].offset)
}

func TestTracker_NoFireDuringCooldown(t *testing.T) {
	r := newRig(1)
	r.tracker.Cooldown(r.now)
	required := config.Default().AZT.Required

	// Cooldown is 10 s, 50 ms cycles.
	for i := 0; i < 150; i++ {
		assert.Empty(t, r.cycle(0.125, 0.125))
		assert.Equal(t, 0, r.tracker.Counter(0))
	}
	assert.Equal(t, int64(1000), r.channels[0].offset)

	for i := 0; i < 50+required; i++ {
		r.cycle(0.125, 0.125)
	}
	assert.Equal(t, 1, r.tracker.Applied())
}

func TestTracker_BlockUntilKeepsLaterDeadline(t *testing.T) {
	r := newRig(1)
	late := r.now.Add(time.Minute)
	r.tracker.BlockUntil(late)
	r.tracker.BlockUntil(r.now.Add(time.Second))
	assert.Equal(t, late.UnixNano(), r.tracker.BlockedUntil().UnixNano())
	assert.True(t, r.tracker.Blocked(r.now))
	assert.False(t, r.tracker.Blocked(late))
}

func TestTracker_DisabledOrGrinding(t *testing.T) {
	r := newRig(1)
	required := config.Default().AZT.Required

	assert.False(t, r.tracker.Toggle())
	for i := 0; i < required*2; i++ {
		r.cycle(0, 0.125)
	}
	assert.Equal(t, 0, r.tracker.Applied())

	r.tracker.SetEnabled(true)
	for i := 0; i < required*2; i++ {
		r.now = r.now.Add(50 * time.Millisecond)
		r.windows[0].Push(r.now, 0.125)
		assert.Empty(t, r.tracker.Update(r.now, false, 0))
	}
	assert.Equal(t, 0, r.tracker.Counter(0))
}

func TestTracker_DoesNotReuseStaleWindowAfterCorrection(t *testing.T) {
	r := newRig(1)
	required := config.Default().AZT.Required

	for i := 0; i < required; i++ {
		r.cycle(0.125, 0.125)
	}
	require.Equal(t, int64(1050), r.channels[0].offset)

	// After the correction the channel reads zero. The pre-correction samples
	// still in the 2 s window must not trigger a second correction.
	for i := 0; i < required*3; i++ {
		assert.Empty(t, r.cycle(0, 0))
	}
	assert.Equal(t, int64(1050), r.channels[0].offset)
}
