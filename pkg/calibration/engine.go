// Package calibration implements tare, per-channel calibration and the
// guided dual-channel calibration of the load cell platform.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/itohio/grindscale/pkg/config"
	"github.com/itohio/grindscale/pkg/loadcell"
	"github.com/itohio/grindscale/pkg/monitoring"
	"github.com/itohio/grindscale/pkg/prefs"
	"github.com/itohio/grindscale/pkg/timeutil"
	"gonum.org/v1/gonum/stat"
)

var (
	ErrSensorNotReady   = errors.New("sensor not ready")
	ErrInvalidInput     = errors.New("invalid calibration input")
	ErrPlatformNotEmpty = errors.New("platform not empty")
	ErrNotTared         = errors.New("channel not tared")
	ErrNoSecondary      = errors.New("no secondary channel")
	ErrAborted          = errors.New("calibration aborted")
)

// Mode is the step a per-channel calibration session is at.
type Mode int

const (
	ModeIdle Mode = iota
	ModeTaring
	ModeAwaitingWeight
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeTaring:
		return "taring"
	case ModeAwaitingWeight:
		return "awaiting weight"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// State is the transient calibration session of one channel.
type State struct {
	TareRaw     int64
	KnownWeight float64
	Mode        Mode
	Touched     time.Time // last step of the session, for ConfirmTimeout
}

// Result reports a completed per-channel calibration.
type Result struct {
	Channel      int
	TareRaw      int64
	Raw          float64 // mean raw count with the reference mass
	Divisor      float64
	Previous     float64
	Verification float64 // reference mass re-measured with the new divisor
	Noise        float64 // standard deviation of the raw samples
}

// RawReading is a diagnostic read of one channel.
type RawReading struct {
	Channel int
	Raw     int64
	Offset  int64
	Divisor float64
	Grams   float64
}

// Estimator is the filtered weight the calibration guards against and
// resets after a tare.
type Estimator interface {
	Filtered() float64
	ResetFilter()
}

// Blocker suspends auto-zero tracking after offsets or divisors change.
type Blocker interface {
	Cooldown(now time.Time)
}

// Engine runs calibration operations. It reads the channels directly and
// therefore must run on the goroutine that owns them.
type Engine struct {
	cfg       config.CalibrationConfig
	namespace string
	defaults  []float64
	clock     timeutil.Clock
	channels  []loadcell.Channel
	estimator Estimator
	blocker   Blocker
	store     *prefs.Store

	mu     sync.Mutex
	states []State
}

// New creates a calibration engine.
func New(cfg *config.Config, clock timeutil.Clock, channels []loadcell.Channel, estimator Estimator, blocker Blocker, store *prefs.Store) *Engine {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	defaults := make([]float64, len(cfg.Channels))
	for i, ch := range cfg.Channels {
		defaults[i] = ch.Divisor
	}
	return &Engine{
		cfg:       cfg.Calibration,
		namespace: cfg.Store.Namespace,
		defaults:  defaults,
		clock:     clock,
		channels:  channels,
		estimator: estimator,
		blocker:   blocker,
		store:     store,
		states:    make([]State, len(channels)),
	}
}

// State returns the calibration session of channel ch.
func (e *Engine) State(ch int) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch < 0 || ch >= len(e.states) {
		return State{}
	}
	return e.states[ch]
}

// Busy reports whether any channel has an open session.
func (e *Engine) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.states {
		if s.Mode != ModeIdle {
			return true
		}
	}
	return false
}

// Expire aborts sessions that have seen no step for ConfirmTimeout and
// returns the channels it closed.
func (e *Engine) Expire(now time.Time) []int {
	if e.cfg.ConfirmTimeout <= 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var expired []int
	for i, s := range e.states {
		if s.Mode == ModeIdle || now.Sub(s.Touched) < e.cfg.ConfirmTimeout {
			continue
		}
		e.states[i] = State{}
		expired = append(expired, i)
		monitoring.Logf("calibration: channel %d session %s timed out after %s", i+1, s.Mode, e.cfg.ConfirmTimeout)
	}
	return expired
}

func (e *Engine) setState(ch int, s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states[ch] = s
}

func (e *Engine) channel(ch int) (loadcell.Channel, error) {
	if ch < 0 || ch >= len(e.channels) {
		if ch == 1 {
			return nil, ErrNoSecondary
		}
		return nil, fmt.Errorf("%w: channel %d", ErrInvalidInput, ch+1)
	}
	return e.channels[ch], nil
}

func (e *Engine) cooldown() {
	if e.blocker != nil {
		e.blocker.Cooldown(e.clock.Now())
	}
}

// Tare zeroes the primary channel. With secondary set and a secondary
// channel configured, the secondary offset is captured as well. A failed
// secondary read is logged and leaves the secondary offset as it was; the
// primary tare still applies.
func (e *Engine) Tare(ctx context.Context, secondary bool) error {
	primary := e.channels[0]
	if !e.waitReady(ctx, primary) {
		return fmt.Errorf("tare %s: %w", primary.Name(), ErrSensorNotReady)
	}
	off1, err := primary.ReadRawAverage(e.cfg.TareSamples)
	if err != nil {
		return fmt.Errorf("tare %s: %w: %w", primary.Name(), ErrSensorNotReady, err)
	}

	offsets := []int64{off1}
	if secondary && len(e.channels) > 1 {
		off2, err := e.channels[1].ReadRawAverage(e.cfg.SecondarySamples)
		if err != nil {
			monitoring.Logf("calibration: %s not tared, keeping offset %d: %v", e.channels[1].Name(), e.channels[1].Offset(), err)
		} else {
			offsets = append(offsets, off2)
		}
	}

	if err := e.persistOffsets(offsets); err != nil {
		return err
	}
	for i, off := range offsets {
		e.channels[i].SetOffset(off)
	}
	if e.estimator != nil {
		e.estimator.ResetFilter()
	}
	e.cooldown()

	monitoring.Logf("calibration: tare offsets %v", offsets)
	return nil
}

// CombinedTare tares the primary channel, lets it settle and then captures
// the secondary offset. On a single channel platform it is a plain tare.
func (e *Engine) CombinedTare(ctx context.Context) error {
	if err := e.Tare(ctx, false); err != nil {
		return err
	}
	if len(e.channels) < 2 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.clock.After(e.cfg.SecondaryTareWait):
	}
	_, err := e.CaptureSecondaryOffset()
	return err
}

// waitReady polls the channel up to TareAttempts times.
func (e *Engine) waitReady(ctx context.Context, ch loadcell.Channel) bool {
	for attempt := 1; attempt <= e.cfg.TareAttempts; attempt++ {
		if ch.WaitReady(e.cfg.TareReadyTimeout) {
			return true
		}
		if attempt == e.cfg.TareAttempts {
			break
		}
		monitoring.Logf("calibration: %s not ready, attempt %d of %d", ch.Name(), attempt, e.cfg.TareAttempts)
		select {
		case <-ctx.Done():
			return false
		case <-e.clock.After(e.cfg.TareRetryDelay):
		}
	}
	return false
}

// CaptureSecondaryOffset sets the secondary offset from the current reading.
func (e *Engine) CaptureSecondaryOffset() (int64, error) {
	if len(e.channels) < 2 {
		return 0, ErrNoSecondary
	}
	ch := e.channels[1]
	if !ch.WaitReady(e.cfg.ReadyTimeout) {
		return 0, fmt.Errorf("secondary offset: %w", ErrSensorNotReady)
	}
	off, err := ch.ReadRawAverage(e.cfg.SecondarySamples)
	if err != nil {
		return 0, fmt.Errorf("secondary offset: %w: %w", ErrSensorNotReady, err)
	}
	err = e.store.With(e.namespace, func(sec *prefs.Section) error {
		sec.PutInt(prefs.OffsetKey(1), off)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to persist secondary offset: %w", err)
	}
	ch.SetOffset(off)
	e.cooldown()

	monitoring.Logf("calibration: %s offset set to %d", ch.Name(), off)
	return off, nil
}

// TareChannel starts a calibration session by capturing the empty reading
// of channel ch.
func (e *Engine) TareChannel(ch int) error {
	c, err := e.channel(ch)
	if err != nil {
		return err
	}
	if e.estimator != nil {
		if w := e.estimator.Filtered(); math.Abs(w) > e.cfg.EmptyThreshold {
			return fmt.Errorf("%w: reading %.2fg", ErrPlatformNotEmpty, w)
		}
	}
	if !c.WaitReady(e.cfg.ReadyTimeout) {
		return fmt.Errorf("tare %s: %w", c.Name(), ErrSensorNotReady)
	}
	raw, err := c.ReadRawAverage(e.cfg.ChannelSamples)
	if err != nil {
		return fmt.Errorf("tare %s: %w: %w", c.Name(), ErrSensorNotReady, err)
	}

	e.setState(ch, State{TareRaw: raw, Mode: ModeTaring, Touched: e.clock.Now()})
	monitoring.Logf("calibration: %s tare raw %d", c.Name(), raw)
	return nil
}

// Enter waits for the reference mass on a tared channel.
func (e *Engine) Enter(ch int) error {
	if _, err := e.channel(ch); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.states[ch]
	if s.Mode == ModeIdle {
		return fmt.Errorf("channel %d: %w", ch+1, ErrNotTared)
	}
	s.Mode = ModeAwaitingWeight
	s.Touched = e.clock.Now()
	e.states[ch] = s
	return nil
}

// ApplyWeight finishes a session: the reference mass of grams is on the
// platform and the channel divisor is derived from it.
func (e *Engine) ApplyWeight(ch int, grams float64) (Result, error) {
	c, err := e.channel(ch)
	if err != nil {
		return Result{}, err
	}
	s := e.State(ch)
	if s.Mode != ModeAwaitingWeight {
		return Result{}, fmt.Errorf("channel %d: %w", ch+1, ErrNotTared)
	}
	if !(grams > 0 && grams <= e.cfg.MaxWeight) {
		return Result{}, fmt.Errorf("%w: weight %v outside (0, %v]", ErrInvalidInput, grams, e.cfg.MaxWeight)
	}
	if !c.WaitReady(e.cfg.ReadyTimeout) {
		return Result{}, fmt.Errorf("calibrate %s: %w", c.Name(), ErrSensorNotReady)
	}
	raw, noise, err := capture(c, e.cfg.ChannelSamples)
	if err != nil {
		return Result{}, fmt.Errorf("calibrate %s: %w: %w", c.Name(), ErrSensorNotReady, err)
	}

	diff := raw - float64(s.TareRaw)
	divisor := diff / grams
	if !loadcell.ValidDivisor(divisor) {
		return Result{}, fmt.Errorf("%w: raw difference %.0f gives divisor %v", ErrInvalidInput, diff, divisor)
	}

	err = e.store.With(e.namespace, func(sec *prefs.Section) error {
		sec.PutFloat(prefs.DivisorKey(ch), divisor)
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to persist divisor: %w", err)
	}
	previous := c.Divisor()
	if err := c.SetDivisor(divisor); err != nil {
		return Result{}, err
	}
	e.cooldown()
	e.setState(ch, State{})

	r := Result{
		Channel:      ch,
		TareRaw:      s.TareRaw,
		Raw:          raw,
		Divisor:      divisor,
		Previous:     previous,
		Verification: diff / divisor,
		Noise:        noise,
	}
	monitoring.Logf("calibration: %s divisor %.2f -> %.2f (noise %.1f counts)", c.Name(), previous, divisor, noise)
	return r, nil
}

// Abort discards the session of channel ch.
func (e *Engine) Abort(ch int) {
	if ch < 0 || ch >= len(e.channels) {
		return
	}
	e.setState(ch, State{})
}

// Reset restores factory divisors, zeroes offsets and forgets the learned
// shot offset and shot count.
func (e *Engine) Reset() error {
	err := e.store.With(e.namespace, func(sec *prefs.Section) error {
		for i := range e.channels {
			sec.Remove(prefs.DivisorKey(i))
			sec.Remove(prefs.OffsetKey(i))
		}
		sec.Remove(prefs.KeyShotOffset)
		sec.Remove(prefs.KeyShotCount)
		for i := range e.channels {
			sec.PutFloat(prefs.DivisorKey(i), e.defaults[i])
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to reset calibration: %w", err)
	}

	for i, c := range e.channels {
		if err := c.SetDivisor(e.defaults[i]); err != nil {
			return err
		}
		c.SetOffset(0)
		e.setState(i, State{})
	}
	e.cooldown()

	monitoring.Logf("calibration: reset to factory divisors %v", e.defaults)
	return nil
}

// RawRead averages RawSamples conversions of channel ch.
func (e *Engine) RawRead(ch int) (RawReading, error) {
	c, err := e.channel(ch)
	if err != nil {
		return RawReading{}, err
	}
	if !c.WaitReady(e.cfg.TareReadyTimeout) {
		return RawReading{}, fmt.Errorf("raw read %s: %w", c.Name(), ErrSensorNotReady)
	}
	raw, err := c.ReadRawAverage(e.cfg.RawSamples)
	if err != nil {
		return RawReading{}, fmt.Errorf("raw read %s: %w: %w", c.Name(), ErrSensorNotReady, err)
	}
	return RawReading{
		Channel: ch,
		Raw:     raw,
		Offset:  c.Offset(),
		Divisor: c.Divisor(),
		Grams:   c.Grams(raw),
	}, nil
}

// capture reads n individual conversions and returns their mean and
// standard deviation.
func capture(c loadcell.Channel, n int) (mean, std float64, err error) {
	if n < 1 {
		n = 1
	}
	samples := make([]float64, n)
	for i := range samples {
		raw, err := c.ReadRaw()
		if err != nil {
			return 0, 0, err
		}
		samples[i] = float64(raw)
	}
	if n == 1 {
		return samples[0], 0, nil
	}
	mean, std = stat.MeanStdDev(samples, nil)
	return mean, std, nil
}

func (e *Engine) persistOffsets(offsets []int64) error {
	err := e.store.With(e.namespace, func(sec *prefs.Section) error {
		for i, off := range offsets {
			sec.PutInt(prefs.OffsetKey(i), off)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to persist offsets: %w", err)
	}
	return nil
}
