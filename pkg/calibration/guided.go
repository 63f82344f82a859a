package calibration

import (
	"context"
	"fmt"
	"math"

	"github.com/itohio/grindscale/pkg/loadcell"
	"github.com/itohio/grindscale/pkg/monitoring"
	"github.com/itohio/grindscale/pkg/prefs"
	"github.com/itohio/grindscale/pkg/weight"
)

// GuidedResult reports a guided calibration.
type GuidedResult struct {
	Known        float64
	Measured     []float64 // per channel, before the correction
	Average      float64
	Multiplier   float64
	Divisors     []float64
	Verification float64
	Noise        []float64
}

// CheckGuided validates a guided calibration request before the reference
// mass is placed: the platform must be empty and tared.
func (e *Engine) CheckGuided(known float64) error {
	if !(known > 0 && known <= e.cfg.MaxWeight) {
		return fmt.Errorf("%w: known mass %v outside (0, %v]", ErrInvalidInput, known, e.cfg.MaxWeight)
	}
	if e.estimator != nil {
		if w := e.estimator.Filtered(); math.Abs(w) > e.cfg.EmptyThreshold {
			return fmt.Errorf("%w: reading %.2fg, remove the mass and tare first", ErrPlatformNotEmpty, w)
		}
	}
	if len(e.channels) > 1 && e.channels[1].Offset() == 0 {
		return fmt.Errorf("%s offset: %w, run a combined tare first", e.channels[1].Name(), ErrNotTared)
	}
	return nil
}

// Guided rescales every divisor by the same factor so that the fused
// reading of the reference mass equals known. Multiplier is the gain on the
// grams reading (known / measured), so divisors are divided by it. Offsets
// are kept and the ratio between channel divisors is preserved. The mass
// must already be on the platform.
func (e *Engine) Guided(ctx context.Context, known float64) (GuidedResult, error) {
	if !(known > 0 && known <= e.cfg.MaxWeight) {
		return GuidedResult{}, fmt.Errorf("%w: known mass %v outside (0, %v]", ErrInvalidInput, known, e.cfg.MaxWeight)
	}

	res := GuidedResult{
		Known:    known,
		Measured: make([]float64, len(e.channels)),
		Noise:    make([]float64, len(e.channels)),
		Divisors: make([]float64, len(e.channels)),
	}
	for i, c := range e.channels {
		if err := ctx.Err(); err != nil {
			return GuidedResult{}, fmt.Errorf("%w: %w", ErrAborted, err)
		}
		if !c.WaitReady(e.cfg.TareReadyTimeout) {
			return GuidedResult{}, fmt.Errorf("guided %s: %w", c.Name(), ErrSensorNotReady)
		}
		raw, noise, err := capture(c, e.cfg.GuidedSamples)
		if err != nil {
			return GuidedResult{}, fmt.Errorf("guided %s: %w: %w", c.Name(), ErrSensorNotReady, err)
		}
		res.Measured[i] = (raw - float64(c.Offset())) / c.Divisor()
		res.Noise[i] = noise
	}

	res.Average = weight.Fuse(res.Measured)
	if res.Average <= e.cfg.MinMeasured {
		return GuidedResult{}, fmt.Errorf("%w: measured %.4fg", ErrInvalidInput, res.Average)
	}
	res.Multiplier = known / res.Average
	for i, c := range e.channels {
		res.Divisors[i] = c.Divisor() / res.Multiplier
		if !loadcell.ValidDivisor(res.Divisors[i]) {
			return GuidedResult{}, fmt.Errorf("%w: divisor %v", ErrInvalidInput, res.Divisors[i])
		}
	}

	err := e.store.With(e.namespace, func(sec *prefs.Section) error {
		for i, d := range res.Divisors {
			sec.PutFloat(prefs.DivisorKey(i), d)
		}
		return nil
	})
	if err != nil {
		return GuidedResult{}, fmt.Errorf("failed to persist divisors: %w", err)
	}
	for i, c := range e.channels {
		if err := c.SetDivisor(res.Divisors[i]); err != nil {
			return GuidedResult{}, err
		}
	}
	e.cooldown()
	monitoring.Logf("calibration: guided multiplier %.6f, divisors %v", res.Multiplier, res.Divisors)

	res.Verification = e.verify()
	return res, nil
}

// verify re-reads the platform with the live offsets and divisors. A channel
// that is not ready contributes zero.
func (e *Engine) verify() float64 {
	grams := make([]float64, len(e.channels))
	for i, c := range e.channels {
		if !c.WaitReady(e.cfg.TareReadyTimeout) {
			monitoring.Logf("calibration: %s not ready for verification", c.Name())
			continue
		}
		raw, err := c.ReadRawAverage(e.cfg.VerifySamples)
		if err != nil {
			monitoring.Logf("calibration: verification read of %s failed: %v", c.Name(), err)
			continue
		}
		grams[i] = c.Grams(raw)
	}
	return weight.Fuse(grams)
}
