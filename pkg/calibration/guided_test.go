package calibration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuided(t *testing.T) {
	tests := []struct {
		name           string
		raws           []int64
		known          float64
		wantMultiplier float64
		wantDivisors   []float64
	}{
		{
			name:           "98 and 102 average to the known mass",
			raws:           []int64{500 + 98000, 700 + 102000},
			known:          100,
			wantMultiplier: 1,
			wantDivisors:   []float64{1000, 1000},
		},
		{
			name:           "reads 10 percent low",
			raws:           []int64{500 + 90000, 700 + 90000},
			known:          99,
			wantMultiplier: 1.1,
			wantDivisors:   []float64{1000 / 1.1, 1000 / 1.1},
		},
		{
			name:           "reads half, divisors halved",
			raws:           []int64{500 + 50000, 700 + 50000},
			known:          100,
			wantMultiplier: 2,
			wantDivisors:   []float64{500, 500},
		},
		{
			name:           "reads double",
			raws:           []int64{500 + 150000, 700 + 250000},
			known:          100,
			wantMultiplier: 0.5,
			wantDivisors:   []float64{2000, 2000},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, []float64{1000, 1000}, []int64{500, 700}, tt.raws)
			require.NoError(t, f.engine.CheckGuided(tt.known))

			res, err := f.engine.Guided(context.Background(), tt.known)
			require.NoError(t, err)

			assert.InDelta(t, tt.wantMultiplier, res.Multiplier, 1e-9)
			require.Len(t, res.Divisors, 2)
			for i, want := range tt.wantDivisors {
				assert.InDelta(t, want, res.Divisors[i], 1e-6)
				assert.InDelta(t, want, f.cells[i].Divisor(), 1e-6)
			}
			assert.InDelta(t, tt.known, res.Verification, 1e-6)

			// Offsets are never touched.
			assert.Equal(t, int64(500), f.cells[0].Offset())
			assert.Equal(t, int64(700), f.cells[1].Offset())

			_, ok := f.stored(t, "calibration2")
			assert.True(t, ok)
			assert.Len(t, f.blocker.calls, 1)
		})
	}
}

func TestGuided_NearZeroAborts(t *testing.T) {
	f := newFixture(t, []float64{1000, 1000}, []int64{500, 700}, []int64{500, 700})

	_, err := f.engine.Guided(context.Background(), 100)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, 1000.0, f.cells[0].Divisor())
	assert.Equal(t, 1000.0, f.cells[1].Divisor())
	_, ok := f.stored(t, "calibration")
	assert.False(t, ok)
	assert.Empty(t, f.blocker.calls)
}

func TestGuided_Cancelled(t *testing.T) {
	f := newFixture(t, []float64{1000, 1000}, []int64{500, 700}, []int64{98500, 102700})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.engine.Guided(ctx, 100)
	assert.ErrorIs(t, err, ErrAborted)
	assert.Equal(t, 1000.0, f.cells[0].Divisor())
}

func TestGuided_SingleChannel(t *testing.T) {
	f := newFixture(t, []float64{1000}, []int64{0}, []int64{50000})
	require.NoError(t, f.engine.CheckGuided(100))

	res, err := f.engine.Guided(context.Background(), 100)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, res.Multiplier, 1e-9)
	assert.InDelta(t, 500.0, f.cells[0].Divisor(), 1e-9)
}

func TestCheckGuided(t *testing.T) {
	f := newFixture(t, []float64{1000, 1000}, []int64{500, 0}, []int64{500, 0})

	assert.ErrorIs(t, f.engine.CheckGuided(0), ErrInvalidInput)
	assert.ErrorIs(t, f.engine.CheckGuided(1001), ErrInvalidInput)
	assert.ErrorIs(t, f.engine.CheckGuided(100), ErrNotTared, "secondary offset missing")

	f.cells[1].SetOffset(700)
	f.estimator.filtered = 3
	assert.ErrorIs(t, f.engine.CheckGuided(100), ErrPlatformNotEmpty)

	f.estimator.filtered = 0.4
	assert.NoError(t, f.engine.CheckGuided(100))
}
