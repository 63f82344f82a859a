package scale

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/itohio/grindscale/pkg/calibration"
	"github.com/itohio/grindscale/pkg/config"
	"github.com/itohio/grindscale/pkg/grind"
	"github.com/itohio/grindscale/pkg/loadcell"
	"github.com/itohio/grindscale/pkg/monitoring"
	"github.com/itohio/grindscale/pkg/prefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	monitoring.SetLogger(nil)
}

const divisor = 4362.59

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Sampling.Interval = 5 * time.Millisecond
	cfg.Sampling.ReadyTimeout = 50 * time.Millisecond
	cfg.Grind.StatusInterval = 5 * time.Millisecond
	cfg.Display.RefreshInterval = 10 * time.Millisecond
	cfg.Display.TareHold = 50 * time.Millisecond
	cfg.Sampling.BackoffInterval = 20 * time.Millisecond
	cfg.Calibration.TareRetryDelay = 10 * time.Millisecond
	cfg.Calibration.TareReadyTimeout = 20 * time.Millisecond
	cfg.Store.Backend = "memory"
	cfg.Mock = config.MockConfig{
		SampleRate: time.Millisecond,
		GrindRate:  20,
	}
	return cfg
}

type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) Render(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, s := range r.snaps {
		if s.Message != "" {
			out = append(out, s.Message)
		}
	}
	return out
}

type harness struct {
	cfg      *config.Config
	mock     *loadcell.Mock
	store    *prefs.Store
	scale    *Scale
	renderer *recorder

	cancel context.CancelFunc
	done   chan error
}

// newHarness builds a scale over a two channel simulator. preset runs
// before the scale loads its settings.
func newHarness(t *testing.T, preset func(cfg *config.Config, sec *prefs.Section)) *harness {
	t.Helper()

	cfg := testConfig()
	store := prefs.New(prefs.NewMemory())
	if preset != nil {
		require.NoError(t, store.With(cfg.Store.Namespace, func(sec *prefs.Section) error {
			preset(cfg, sec)
			return nil
		}))
	}

	mock := loadcell.NewMock(&cfg.Mock, []float64{divisor, divisor})
	hw := Hardware{
		Sources:  []loadcell.Source{mock.Source(0), mock.Source(1)},
		Actuator: mock,
		Button:   mock,
	}
	rec := &recorder{}
	s, err := New(cfg, nil, hw, store, rec)
	require.NoError(t, err)

	return &harness{cfg: cfg, mock: mock, store: store, scale: s, renderer: rec}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.mock.Connect())

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.scale.Run(ctx) }()

	t.Cleanup(h.stop)
}

func (h *harness) stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
	h.cancel = nil
	h.mock.Close()
}

func (h *harness) waitWeight(t *testing.T, grams float64) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap := h.scale.Snapshot()
		return snap.Ready && math.Abs(snap.Weight-grams) < 0.05
	}, 3*time.Second, 5*time.Millisecond, "weight never settled at %.2fg", grams)
}

func (h *harness) float(t *testing.T, key string) float64 {
	t.Helper()
	var v float64
	require.NoError(t, h.store.With(h.cfg.Store.Namespace, func(sec *prefs.Section) error {
		v = sec.Float(key, math.NaN())
		return nil
	}))
	return v
}

func skipTare(cfg *config.Config, _ *prefs.Section) {
	cfg.Sampling.SkipStartupTare = true
}

func TestNew_Validation(t *testing.T) {
	cfg := testConfig()
	mock := loadcell.NewMock(nil, []float64{divisor, divisor})
	store := prefs.New(prefs.NewMemory())

	_, err := New(cfg, nil, Hardware{Sources: []loadcell.Source{mock.Source(0)}, Actuator: mock}, store)
	assert.Error(t, err, "one source for two channels")

	_, err = New(cfg, nil, Hardware{Sources: []loadcell.Source{mock.Source(0), mock.Source(1)}}, store)
	assert.Error(t, err, "missing actuator")
}

func TestNew_LoadsPersistedCalibration(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config, sec *prefs.Section) {
		sec.PutFloat(prefs.DivisorKey(0), 1409.88)
		sec.PutInt(prefs.OffsetKey(0), 5000)
		sec.PutInt(prefs.OffsetKey(1), -1200)
		sec.PutBool(prefs.KeyAZT, false)
		sec.PutFloat(prefs.KeyTargetWeight, 16.5)
	})

	chs := h.scale.Channels()
	require.Len(t, chs, 2)
	assert.Equal(t, "primary", chs[0].Name)
	assert.Equal(t, 1409.88, chs[0].Divisor)
	assert.Equal(t, int64(5000), chs[0].Offset)
	assert.Equal(t, divisor, chs[1].Divisor)
	assert.Equal(t, int64(-1200), chs[1].Offset)

	snap := h.scale.Snapshot()
	assert.False(t, snap.AZT)
	assert.Equal(t, 16.5, snap.Target)
	assert.Equal(t, grind.StateEmpty, snap.State)
	assert.False(t, snap.Ready)
}

func TestScale_StartupTareZeroesPlatform(t *testing.T) {
	h := newHarness(t, nil)
	h.mock.SetMass(50)
	h.start(t)

	h.waitWeight(t, 0)

	mass := 50.0
	want := int64(mass * divisor)
	chs := h.scale.Channels()
	assert.Equal(t, want, chs[0].Offset)
	assert.Equal(t, want, chs[1].Offset)

	var persisted int64
	require.NoError(t, h.store.With(h.cfg.Store.Namespace, func(sec *prefs.Section) error {
		persisted = sec.Int(prefs.OffsetKey(1), 0)
		return nil
	}))
	assert.Equal(t, want, persisted)

	h.mock.SetMass(68)
	h.waitWeight(t, 18)
}

func TestScale_CupTriggeredGrind(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config, sec *prefs.Section) {
		skipTare(cfg, sec)
		sec.PutBool(prefs.KeyButtonTrigger, false)
	})
	h.mock.SetMass(70)
	h.start(t)

	require.Eventually(t, func() bool {
		return h.scale.Snapshot().State == grind.StateFinished
	}, 5*time.Second, 5*time.Millisecond)

	snap := h.scale.Snapshot()
	assert.False(t, h.mock.Active())
	assert.False(t, snap.Grinder)
	assert.InDelta(t, 70, snap.Cup, 0.1)
	assert.GreaterOrEqual(t, snap.Weight, 85.5-0.1)
	assert.InDelta(t, snap.Weight-snap.Cup+snap.Compensation, snap.DisplayWeight, 1e-9)

	l, learned, err := h.scale.ExitFinished(context.Background())
	require.NoError(t, err)
	assert.True(t, learned)
	assert.Equal(t, uint64(1), l.ShotCount)

	snap = h.scale.Snapshot()
	assert.Equal(t, grind.StateEmpty, snap.State)
	assert.Equal(t, uint64(1), snap.ShotCount)
}

func TestScale_ChannelCalibration(t *testing.T) {
	h := newHarness(t, skipTare)
	h.start(t)
	h.waitWeight(t, 0)

	ctx := context.Background()
	require.NoError(t, h.scale.TareChannel(ctx, 0))
	require.NoError(t, h.scale.EnterCalibration(ctx, 0))
	assert.True(t, h.scale.Snapshot().Calibrating)
	assert.Equal(t, calibration.ModeAwaitingWeight, h.scale.Channels()[0].Calibration.Mode)

	h.mock.SetMass(100)
	h.waitWeight(t, 100)
	res, err := h.scale.ApplyWeight(ctx, 0, 100)
	require.NoError(t, err)
	assert.InDelta(t, divisor, res.Divisor, 0.02)
	assert.InDelta(t, res.Divisor, h.float(t, prefs.DivisorKey(0)), 1e-9)
	assert.False(t, h.scale.Snapshot().Calibrating)
}

func TestScale_AbortCalibration(t *testing.T) {
	h := newHarness(t, skipTare)
	h.start(t)
	h.waitWeight(t, 0)

	ctx := context.Background()
	require.NoError(t, h.scale.TareChannel(ctx, 1))
	require.NoError(t, h.scale.EnterCalibration(ctx, 1))
	h.scale.AbortCalibration(1)

	assert.False(t, h.scale.Snapshot().Calibrating)
	_, err := h.scale.ApplyWeight(ctx, 1, 100)
	assert.ErrorIs(t, err, calibration.ErrNotTared)
}

func TestScale_AbandonedCalibrationTimesOut(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config, sec *prefs.Section) {
		skipTare(cfg, sec)
		cfg.Calibration.ConfirmTimeout = 100 * time.Millisecond
		sec.PutBool(prefs.KeyButtonTrigger, false)
	})
	h.start(t)
	h.waitWeight(t, 0)

	require.NoError(t, h.scale.TareChannel(context.Background(), 0))
	assert.True(t, h.scale.Snapshot().Calibrating)

	require.Eventually(t, func() bool {
		return !h.scale.Snapshot().Calibrating
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, calibration.ModeIdle, h.scale.Channels()[0].Calibration.Mode)

	// The grind machine runs again.
	h.mock.SetMass(70)
	require.Eventually(t, func() bool {
		return h.scale.Snapshot().State != grind.StateEmpty
	}, 5*time.Second, 5*time.Millisecond)
}

// taredAt presets both offsets so that mass grams read as an empty platform.
func taredAt(mass float64) func(cfg *config.Config, sec *prefs.Section) {
	return func(cfg *config.Config, sec *prefs.Section) {
		skipTare(cfg, sec)
		sec.PutInt(prefs.OffsetKey(0), int64(mass*divisor))
		sec.PutInt(prefs.OffsetKey(1), int64(mass*divisor))
		sec.PutBool(prefs.KeyButtonTrigger, false)
	}
}

func TestScale_GuidedPausesGrindWhileWaiting(t *testing.T) {
	h := newHarness(t, taredAt(10))
	h.mock.SetMass(10)
	h.start(t)
	h.waitWeight(t, 0)

	res, err := h.scale.Guided(context.Background(), 70, func(ctx context.Context) (bool, error) {
		// A known mass inside the cup tolerance must not start a grind.
		h.mock.SetMass(80)
		h.waitWeight(t, 70)
		time.Sleep(1500 * time.Millisecond)

		snap := h.scale.Snapshot()
		assert.True(t, snap.Calibrating)
		assert.Equal(t, grind.StateEmpty, snap.State)
		assert.False(t, h.mock.Active())
		return true, nil
	})
	require.NoError(t, err)
	assert.InDelta(t, 1, res.Multiplier, 0.01)
}

func TestScale_GuidedAbortReleasesGrind(t *testing.T) {
	h := newHarness(t, taredAt(10))
	h.mock.SetMass(10)
	h.start(t)
	h.waitWeight(t, 0)

	_, err := h.scale.Guided(context.Background(), 70, func(ctx context.Context) (bool, error) {
		assert.True(t, h.scale.Snapshot().Calibrating)
		return false, nil
	})
	assert.ErrorIs(t, err, calibration.ErrAborted)
	assert.False(t, h.scale.Snapshot().Calibrating)

	_, err = h.scale.Guided(context.Background(), 70, func(ctx context.Context) (bool, error) {
		return false, errors.New("console closed")
	})
	assert.EqualError(t, err, "console closed")
	assert.False(t, h.scale.Snapshot().Calibrating)
}

func TestScale_RawRead(t *testing.T) {
	h := newHarness(t, skipTare)
	mass := 10.0
	h.mock.SetMass(mass)
	h.start(t)

	r, err := h.scale.RawRead(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Channel)
	assert.Equal(t, int64(mass*divisor), r.Raw)
	assert.InDelta(t, 10, r.Grams, 0.001)

	_, err = h.scale.RawRead(context.Background(), 2)
	assert.ErrorIs(t, err, calibration.ErrInvalidInput)
}

func TestScale_UITareHoldsDisplay(t *testing.T) {
	h := newHarness(t, skipTare)
	h.mock.SetMass(30)
	h.start(t)
	h.waitWeight(t, 30)

	done := make(chan error, 1)
	go func() { done <- h.scale.Dispatch(context.Background(), TareEvent{}) }()

	require.Eventually(t, h.scale.DisplayLocked, time.Second, time.Millisecond)
	require.NoError(t, <-done)
	assert.False(t, h.scale.DisplayLocked())
	assert.Equal(t, []string{MessageTaring}, h.renderer.messages())

	h.waitWeight(t, 0)
}

func TestScale_UITareFailureReleasesDisplay(t *testing.T) {
	h := newHarness(t, skipTare)
	h.start(t)
	h.waitWeight(t, 0)

	h.mock.SetReady(0, false)
	err := h.scale.Dispatch(context.Background(), TareEvent{})
	assert.ErrorIs(t, err, calibration.ErrSensorNotReady)
	assert.False(t, h.scale.DisplayLocked())
	assert.Equal(t, []string{MessageTaring, MessageTareFailed}, h.renderer.messages())
}

func TestScale_DispatchSettings(t *testing.T) {
	h := newHarness(t, skipTare)
	h.start(t)
	ctx := context.Background()

	require.NoError(t, h.scale.Dispatch(ctx, AdjustTargetEvent{Delta: 0.5}))
	require.NoError(t, h.scale.Dispatch(ctx, AdjustShotOffsetEvent{Delta: -0.5}))
	require.NoError(t, h.scale.Dispatch(ctx, SetSettingEvent{Setting: grind.SettingTrigger, Value: "cup"}))

	snap := h.scale.Snapshot()
	assert.Equal(t, 18.5, snap.Target)
	assert.Equal(t, -3.0, snap.ShotOffset)
	assert.Equal(t, grind.TriggerCup, snap.Trigger)
	assert.Equal(t, 18.5, h.float(t, prefs.KeyTargetWeight))
	assert.Equal(t, -3.0, h.float(t, prefs.KeyShotOffset))

	err := h.scale.Dispatch(ctx, SetSettingEvent{Setting: grind.SettingCupWeight, Value: "heavy"})
	assert.ErrorIs(t, err, grind.ErrInvalidValue)
}

type bogusEvent struct{}

func (bogusEvent) isEvent() {}

func TestScale_DispatchUnknownEvent(t *testing.T) {
	h := newHarness(t, nil)

	assert.ErrorIs(t, h.scale.Dispatch(context.Background(), bogusEvent{}), ErrUnknownEvent)
	assert.ErrorIs(t, h.scale.Dispatch(context.Background(), nil), ErrUnknownEvent)
}

func TestScale_ToggleAZT(t *testing.T) {
	h := newHarness(t, nil)

	on, err := h.scale.ToggleAZT()
	require.NoError(t, err)
	assert.False(t, on)
	assert.False(t, h.scale.Snapshot().AZT)

	var persisted bool
	require.NoError(t, h.store.With(h.cfg.Store.Namespace, func(sec *prefs.Section) error {
		persisted = sec.Bool(prefs.KeyAZT, true)
		return nil
	}))
	assert.False(t, persisted)

	require.NoError(t, h.scale.Dispatch(context.Background(), ToggleAZTEvent{}))
	assert.True(t, h.scale.Snapshot().AZT)
}

func TestScale_ResetReloadsGrindSettings(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config, sec *prefs.Section) {
		skipTare(cfg, sec)
		sec.PutFloat(prefs.KeyShotOffset, -4)
		sec.PutUint(prefs.KeyShotCount, 3)
		sec.PutFloat(prefs.DivisorKey(1), 2000)
	})
	h.start(t)

	assert.Equal(t, -4.0, h.scale.Snapshot().ShotOffset)
	require.NoError(t, h.scale.Reset(context.Background()))

	snap := h.scale.Snapshot()
	assert.Equal(t, -2.5, snap.ShotOffset)
	assert.Equal(t, uint64(0), snap.ShotCount)
	assert.Equal(t, divisor, h.scale.Channels()[1].Divisor)
	assert.Equal(t, int64(0), h.scale.Channels()[1].Offset)
}

func TestScale_CalibrationBusyWhileFailed(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config, sec *prefs.Section) {
		skipTare(cfg, sec)
		sec.PutBool(prefs.KeyButtonTrigger, false)
	})
	h.mock.SetMass(70)
	h.start(t)

	require.Eventually(t, func() bool {
		return h.scale.Snapshot().State == grind.StateGrinding
	}, 3*time.Second, time.Millisecond)
	h.mock.SetMass(-50)
	require.Eventually(t, func() bool {
		return h.scale.Snapshot().State == grind.StateFailed
	}, 3*time.Second, time.Millisecond)
	assert.Equal(t, grind.FailureCupRemoved, h.scale.Snapshot().Failure)
	assert.False(t, h.mock.Active())

	err := h.scale.TareChannel(context.Background(), 0)
	assert.ErrorIs(t, err, ErrBusy)

	require.NoError(t, h.scale.Dispatch(context.Background(), AcknowledgeEvent{}))
	assert.Equal(t, grind.StateEmpty, h.scale.Snapshot().State)
}

func TestRequestTare_QueueFull(t *testing.T) {
	h := newHarness(t, nil)

	for i := 0; i < jobQueueSize; i++ {
		require.True(t, h.scale.RequestTare())
	}
	assert.False(t, h.scale.RequestTare())
}

func TestSubmit_RespectsContext(t *testing.T) {
	h := newHarness(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := h.scale.FreshGrams(ctx, 5, time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestJob_RecoversPanic(t *testing.T) {
	j := job{
		ctx:  context.Background(),
		fn:   func(context.Context) error { panic("boom") },
		done: make(chan error, 1),
	}
	j.run(context.Background())

	err := <-j.done
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestJob_CancelledByWorker(t *testing.T) {
	worker, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	j := job{
		ctx:  context.Background(),
		fn:   func(context.Context) error { called = true; return nil },
		done: make(chan error, 1),
	}
	j.run(worker)

	assert.True(t, errors.Is(<-j.done, context.Canceled))
	assert.False(t, called)
}
