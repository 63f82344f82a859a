// Package scale wires the sensor channels, weight engine, auto-zero tracker,
// calibration engine and grind state machine together and runs them on
// three workers: sampling, status and display.
package scale

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itohio/grindscale/pkg/azt"
	"github.com/itohio/grindscale/pkg/calibration"
	"github.com/itohio/grindscale/pkg/config"
	"github.com/itohio/grindscale/pkg/grind"
	"github.com/itohio/grindscale/pkg/loadcell"
	"github.com/itohio/grindscale/pkg/monitoring"
	"github.com/itohio/grindscale/pkg/prefs"
	"github.com/itohio/grindscale/pkg/timeutil"
	"github.com/itohio/grindscale/pkg/weight"
)

const jobQueueSize = 8

var (
	// ErrStopped is returned for requests made after Run has returned.
	ErrStopped = errors.New("scale stopped")
	// ErrRunning is returned when Run is called twice.
	ErrRunning = errors.New("scale already running")
	// ErrBusy rejects calibration while a grind or another calibration is
	// in progress.
	ErrBusy = errors.New("scale busy")
)

var (
	_ grind.Fresh = (*Scale)(nil)
	_ grind.Tarer = (*Scale)(nil)
)

// Hardware is the device side of the scale: one raw source per configured
// channel plus the grinder actuator and the trigger button.
type Hardware struct {
	Sources  []loadcell.Source
	Actuator loadcell.Actuator
	Button   loadcell.Button
}

// Renderer displays snapshots. Render is called from the display worker and
// from UI tare, so implementations must be safe for concurrent use.
type Renderer interface {
	Render(s Snapshot)
}

// Scale owns every component of the grinding scale.
type Scale struct {
	cfg   *config.Config
	clock timeutil.Clock
	hw    Hardware
	store *prefs.Store

	channels []loadcell.Channel
	engine   *weight.Engine
	tracker  *azt.Tracker
	calib    *calibration.Engine
	machine  *grind.Machine

	renderers []Renderer

	sampleJobs chan job
	statusJobs chan job

	running     atomic.Bool
	stopped     chan struct{}
	calibrating atomic.Bool
	displayLock atomic.Int32
}

// New loads the persisted settings from store and builds the scale on top of hw.
func New(cfg *config.Config, clock timeutil.Clock, hw Hardware, store *prefs.Store, renderers ...Renderer) (*Scale, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if len(hw.Sources) != len(cfg.Channels) {
		return nil, fmt.Errorf("expected %d channel sources, got %d", len(cfg.Channels), len(hw.Sources))
	}
	if hw.Actuator == nil {
		return nil, fmt.Errorf("grinder actuator is required")
	}

	settings, err := prefs.LoadSettings(store, cfg)
	if err != nil {
		return nil, err
	}

	channels := make([]loadcell.Channel, len(cfg.Channels))
	aztChannels := make([]azt.Channel, len(cfg.Channels))
	for i, ch := range cfg.Channels {
		cell, err := loadcell.NewCell(ch.Name, hw.Sources[i], settings.Offsets[i], settings.Divisors[i])
		if err != nil {
			return nil, fmt.Errorf("failed to create channel %s: %w", ch.Name, err)
		}
		channels[i] = cell
		aztChannels[i] = cell
	}

	engine := weight.New(cfg, clock, channels)
	windows := make([]azt.Window, len(channels))
	for i := range windows {
		windows[i] = engine.ChannelHistory(i)
	}
	tracker := azt.New(cfg.AZT, aztChannels, windows, settings.AZTEnabled)

	s := &Scale{
		cfg:        cfg,
		clock:      clock,
		hw:         hw,
		store:      store,
		channels:   channels,
		engine:     engine,
		tracker:    tracker,
		calib:      calibration.New(cfg, clock, channels, engine, tracker, store),
		renderers:  renderers,
		sampleJobs: make(chan job, jobQueueSize),
		statusJobs: make(chan job, jobQueueSize),
		stopped:    make(chan struct{}),
	}
	s.machine = grind.New(cfg, clock, grind.SettingsFromPrefs(settings), grind.Deps{
		Weight:   engine,
		Window:   engine.History(),
		Fresh:    s,
		Tarer:    s,
		Actuator: hw.Actuator,
		Button:   hw.Button,
		Store:    store,
	})

	return s, nil
}

// Run starts the workers and blocks until ctx is cancelled. The grinder is
// switched off before Run returns.
func (s *Scale) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(3)
	go s.worker(ctx, cancel, &wg, "sampling", s.sampleLoop)
	go s.worker(ctx, cancel, &wg, "status", s.statusLoop)
	go s.worker(ctx, cancel, &wg, "display", s.displayLoop)
	wg.Wait()

	if err := s.hw.Actuator.SetActive(false); err != nil {
		monitoring.Logf("scale: failed to stop grinder on shutdown: %v", err)
	}
	close(s.stopped)

	monitoring.Logf("scale: stopped")
	return nil
}

// worker runs loop and stops the other workers if it panics.
func (s *Scale) worker(ctx context.Context, cancel context.CancelFunc, wg *sync.WaitGroup, name string, loop func(context.Context)) {
	defer wg.Done()
	defer func() {
		if r := recover(); r != nil {
			monitoring.Logf("Panic in %s worker: %v", name, r)
			cancel()
		}
	}()
	loop(ctx)
}

// sampleLoop is the only goroutine that reads the channels.
func (s *Scale) sampleLoop(ctx context.Context) {
	if !s.cfg.Sampling.SkipStartupTare {
		if err := s.calib.Tare(ctx, true); err != nil {
			monitoring.Logf("scale: startup tare failed, keeping persisted offsets: %v", err)
		}
	}

	ticker := time.NewTicker(s.cfg.Sampling.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.sampleJobs:
			j.run(ctx)
		case <-ticker.C:
			s.drain(ctx, s.sampleJobs)
			s.calib.Expire(s.clock.Now())
			s.sample(ctx)
		}
	}
}

func (s *Scale) sample(ctx context.Context) {
	state := s.machine.State()
	grinding := state == grind.StateGrinding

	r, err := s.engine.Sample(grinding)
	if err != nil {
		if errors.Is(err, weight.ErrBackoff) {
			select {
			case <-ctx.Done():
			case <-s.clock.After(s.cfg.Sampling.BackoffInterval):
			}
		}
		return
	}

	idle := state == grind.StateEmpty && !s.calibrating.Load() && !s.calib.Busy()
	s.tracker.Update(r.Timestamp, idle, r.Filtered)
}

// statusLoop is the only goroutine that advances the grind state machine.
func (s *Scale) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Grind.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.statusJobs:
			j.run(ctx)
		case <-ticker.C:
			s.drain(ctx, s.statusJobs)
			if s.calibrating.Load() || s.calib.Busy() {
				continue
			}
			s.machine.Step(ctx, s.clock.Now())
		}
	}
}

func (s *Scale) displayLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Display.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.displayLock.Load() > 0 {
				continue
			}
			s.render(s.Snapshot())
		}
	}
}

func (s *Scale) render(snap Snapshot) {
	for _, r := range s.renderers {
		r.Render(snap)
	}
}

// WithDisplayLock runs fn while the display worker is held off, so whatever
// fn renders stays on screen. The lock is released on every path.
func (s *Scale) WithDisplayLock(fn func()) {
	s.displayLock.Add(1)
	defer s.displayLock.Add(-1)
	fn()
}

// DisplayLocked reports whether the display worker is held off.
func (s *Scale) DisplayLocked() bool {
	return s.displayLock.Load() > 0
}
