package scale

import (
	"fmt"
	"testing"
	"time"

	"github.com/itohio/grindscale/pkg/grind"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogRenderer(t *testing.T) {
	var lines []string
	r := NewLogRenderer(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	}, time.Second)

	t0 := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	snap := Snapshot{Timestamp: t0, State: grind.StateEmpty, Ready: true, Target: 18, ShotOffset: -2.5}

	r.Render(snap)
	require.Len(t, lines, 1)
	assert.Equal(t, "scale: empty, 0.00g, target 18.00g, shot offset -2.50g", lines[0])

	// Unchanged idle snapshots are quiet.
	snap.Timestamp = t0.Add(5 * time.Second)
	snap.Weight = 0.3
	r.Render(snap)
	assert.Len(t, lines, 1)

	snap.State = grind.StateGrinding
	snap.Cup = 70
	r.Render(snap)
	require.Len(t, lines, 2)
	assert.Equal(t, "scale: grinding to 18.00g with cup 70.00g", lines[1])

	// Weight progress is rate limited.
	snap.Timestamp = t0.Add(5500 * time.Millisecond)
	snap.DisplayWeight = 4
	r.Render(snap)
	assert.Len(t, lines, 2)

	snap.Timestamp = t0.Add(6 * time.Second)
	snap.DisplayWeight = 8
	snap.Elapsed = time.Second
	r.Render(snap)
	require.Len(t, lines, 3)
	assert.Equal(t, "scale: 8.00g / 18.00g after 1s", lines[2])

	snap.Timestamp = t0.Add(7 * time.Second)
	snap.State = grind.StateFailed
	snap.Failure = grind.FailureCupRemoved
	snap.Ready = false
	r.Render(snap)
	require.Len(t, lines, 5)
	assert.Equal(t, "scale: sensors not ready", lines[3])
	assert.Equal(t, "scale: grind failed: cup removed", lines[4])

	snap.Message = MessageTaring
	r.Render(snap)
	require.Len(t, lines, 6)
	assert.Equal(t, "scale: Taring...", lines[5])
}
