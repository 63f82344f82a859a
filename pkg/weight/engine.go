// Package weight turns raw load cell counts into the fused, filtered weight
// that the rest of the scale trusts.
package weight

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/itohio/grindscale/pkg/config"
	"github.com/itohio/grindscale/pkg/history"
	"github.com/itohio/grindscale/pkg/loadcell"
	"github.com/itohio/grindscale/pkg/monitoring"
	"github.com/itohio/grindscale/pkg/timeutil"
	"gonum.org/v1/gonum/floats"
)

// ErrBackoff is returned once channels have failed for too many consecutive
// cycles while idle. The caller should pause before sampling again.
var ErrBackoff = errors.New("sampling backoff")

// Reading is the result of one sampling cycle.
type Reading struct {
	Timestamp time.Time
	Grams     []float64 // per channel
	Fused     float64   // mean of Grams
	Filtered  float64   // estimator output, the authoritative weight
}

// Engine samples every channel, fuses the per-channel weights by their mean
// and smooths the result. Sample, Seed, FreshGrams and ResetFilter must be
// called from a single goroutine (the sampling worker); the getters are safe
// from any goroutine.
type Engine struct {
	cfg      config.SamplingConfig
	clock    timeutil.Clock
	channels []loadcell.Channel
	filter   *Kalman

	fused      *history.Buffer
	perChannel []*history.Buffer

	seeded   bool
	failures int

	mu    sync.RWMutex
	last  Reading
	ready bool
}

// New creates an engine over one or two channels.
func New(cfg *config.Config, clock timeutil.Clock, channels []loadcell.Channel) *Engine {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	perChannel := make([]*history.Buffer, len(channels))
	for i := range perChannel {
		perChannel[i] = history.New(cfg.Sampling.HistoryCapacity)
	}
	return &Engine{
		cfg:        cfg.Sampling,
		clock:      clock,
		channels:   channels,
		filter:     NewKalman(cfg.Filter),
		fused:      history.New(cfg.Sampling.HistoryCapacity),
		perChannel: perChannel,
	}
}

// Sample runs one acquisition cycle. While grinding each channel contributes
// a single instantaneous conversion; otherwise a short average.
func (e *Engine) Sample(grinding bool) (Reading, error) {
	if !e.seeded {
		if err := e.Seed(); err != nil {
			return Reading{}, e.fail(grinding, err)
		}
	}

	now := e.clock.Now()
	grams := make([]float64, len(e.channels))
	for i, ch := range e.channels {
		if !ch.WaitReady(e.cfg.ReadyTimeout) {
			return Reading{}, e.fail(grinding, fmt.Errorf("%s: %w", ch.Name(), loadcell.ErrNotReady))
		}

		var (
			raw int64
			err error
		)
		if grinding {
			raw, err = ch.ReadRaw()
		} else {
			raw, err = ch.ReadRawAverage(e.cfg.IdleSamples)
		}
		if err != nil {
			return Reading{}, e.fail(grinding, err)
		}
		grams[i] = ch.Grams(raw)
	}

	fused := Fuse(grams)
	r := Reading{
		Timestamp: now,
		Grams:     grams,
		Fused:     fused,
		Filtered:  e.filter.Update(fused),
	}

	e.fused.Push(now, r.Filtered)
	for i, g := range grams {
		e.perChannel[i].Push(now, g)
	}

	if e.failures >= e.cfg.MaxReadyFailures {
		monitoring.Logf("weight: channels ready again after %d failed cycles", e.failures)
	}
	e.failures = 0

	e.mu.Lock()
	e.last = r
	e.ready = true
	e.mu.Unlock()

	return r, nil
}

// fail records a failed cycle and decides whether readiness drops.
func (e *Engine) fail(grinding bool, err error) error {
	e.failures++
	if e.failures < e.cfg.MaxReadyFailures {
		return err
	}

	e.mu.Lock()
	wasReady := e.ready
	e.ready = false
	e.mu.Unlock()

	if wasReady {
		monitoring.Logf("weight: not ready after %d cycles: %v", e.failures, err)
	}
	if grinding {
		return err
	}
	return fmt.Errorf("%w: %w", ErrBackoff, err)
}

// Seed bulk-fills the histories with an averaged reading per channel and
// primes the estimator with it, so the first cycles do not see a jump from
// zero to the platform load.
func (e *Engine) Seed() error {
	now := e.clock.Now()
	grams := make([]float64, len(e.channels))
	for i, ch := range e.channels {
		raw, err := ch.ReadRawAverage(e.cfg.SeedSamples)
		if err != nil {
			return fmt.Errorf("seed: %w", err)
		}
		grams[i] = ch.Grams(raw)
	}

	fused := Fuse(grams)
	for i, g := range grams {
		e.perChannel[i].Seed(now, g, e.cfg.SeedCopies)
	}
	e.fused.Seed(now, fused, e.cfg.SeedCopies)
	e.filter.Reset(fused)
	e.seeded = true

	monitoring.Logf("weight: seeded histories with %.2fg", fused)
	return nil
}

// ResetFilter restarts the estimator at zero. Called after a tare.
func (e *Engine) ResetFilter() {
	e.filter.Reset(0)
	e.mu.Lock()
	e.last.Filtered = 0
	e.mu.Unlock()
}

// FreshGrams takes a fresh average of samples conversions per channel,
// bypassing the estimator, and fuses them. A channel that is not ready
// within timeout contributes its recent history average instead.
func (e *Engine) FreshGrams(samples int, timeout time.Duration) float64 {
	now := e.clock.Now()
	grams := make([]float64, len(e.channels))
	for i, ch := range e.channels {
		grams[i] = e.perChannel[i].AverageSince(now.Add(-timeout))
		if !ch.WaitReady(timeout) {
			monitoring.Logf("weight: %s not ready for fresh read, using history", ch.Name())
			continue
		}
		raw, err := ch.ReadRawAverage(samples)
		if err != nil {
			monitoring.Logf("weight: fresh read of %s failed, using history: %v", ch.Name(), err)
			continue
		}
		grams[i] = ch.Grams(raw)
	}
	return Fuse(grams)
}

// Fuse returns the arithmetic mean of the per-channel weights. Every channel
// observes the same mass, so the mean, not the sum, is the platform weight.
func Fuse(grams []float64) float64 {
	if len(grams) == 0 {
		return 0
	}
	return floats.Sum(grams) / float64(len(grams))
}

// Filtered returns the latest authoritative weight.
func (e *Engine) Filtered() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.last.Filtered
}

// Ready reports whether the channels are delivering conversions.
func (e *Engine) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ready
}

// Last returns a copy of the latest reading.
func (e *Engine) Last() Reading {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r := e.last
	r.Grams = append([]float64(nil), e.last.Grams...)
	return r
}

// History returns the filtered weight history.
func (e *Engine) History() *history.Buffer { return e.fused }

// ChannelHistory returns the weight history of channel i.
func (e *Engine) ChannelHistory(i int) *history.Buffer { return e.perChannel[i] }

// Channels returns the sampled channels.
func (e *Engine) Channels() []loadcell.Channel { return e.channels }
