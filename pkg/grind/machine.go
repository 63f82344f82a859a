// Package grind drives the grinder to a target weight and learns the shot
// offset that compensates for grounds still in flight when it stops.
package grind

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/itohio/grindscale/pkg/config"
	"github.com/itohio/grindscale/pkg/loadcell"
	"github.com/itohio/grindscale/pkg/monitoring"
	"github.com/itohio/grindscale/pkg/prefs"
	"github.com/itohio/grindscale/pkg/timeutil"
)

// Weight is the live filtered platform weight.
type Weight interface {
	Filtered() float64
	Ready() bool
}

// Window answers trailing-window queries over the filtered weight history.
type Window interface {
	AverageSince(since time.Time) float64
	MinSince(since time.Time) float64
	MaxSince(since time.Time) float64
	FirstOlderThan(t time.Time) float64
}

// Fresh takes an unfiltered short average of the platform.
type Fresh interface {
	FreshGrams(ctx context.Context, samples int, timeout time.Duration) (float64, error)
}

// Tarer requests a tare from the goroutine that owns the channels.
type Tarer interface {
	RequestTare() bool
}

// Deps are the collaborators of a Machine.
type Deps struct {
	Weight   Weight
	Window   Window
	Fresh    Fresh
	Tarer    Tarer
	Actuator loadcell.Actuator
	Button   loadcell.Button
	Store    *prefs.Store
}

// Machine is the grind state machine. Step and the mutating methods must be
// called from one goroutine (the status worker); Status is safe from any.
type Machine struct {
	cfg       config.GrindConfig
	namespace string
	clock     timeutil.Clock
	deps      Deps

	state        State
	session      Session
	settings     Settings
	learnPending bool
	vibed        bool
	failedAt     time.Time
	captureAt    time.Time

	// button debounce
	rawPressed bool
	rawSince   time.Time
	pressed    bool

	mu        sync.RWMutex
	published Status
}

// New creates a machine in the Empty state.
func New(cfg *config.Config, clock timeutil.Clock, settings Settings, deps Deps) *Machine {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	m := &Machine{
		cfg:       cfg.Grind,
		namespace: cfg.Store.Namespace,
		clock:     clock,
		deps:      deps,
		settings:  settings,
	}
	m.publish(clock.Now())
	return m
}

// Status returns the state as of the last Step or change.
func (m *Machine) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.published
}

// State returns the current state.
func (m *Machine) State() State {
	return m.Status().State
}

func (m *Machine) publish(now time.Time) {
	st := Status{
		State:        m.state,
		Session:      m.session,
		Settings:     m.settings,
		Elapsed:      m.session.Elapsed(now),
		LearnPending: m.learnPending,
		Capturing:    !m.captureAt.IsZero(),
	}
	m.mu.Lock()
	m.published = st
	m.mu.Unlock()
}

// Step advances the machine by one status cycle.
func (m *Machine) Step(ctx context.Context, now time.Time) {
	edge := m.debounce(now)

	switch m.state {
	case StateEmpty:
		m.stepEmpty(ctx, now, edge)
	case StateGrinding:
		m.stepGrinding(now)
	case StateFinished:
		if edge {
			m.exitFinished(ctx, now)
			break
		}
		m.stepFinished(now)
	case StateFailed:
		if edge {
			m.reset(now, "failure acknowledged with button")
			break
		}
		m.stepFailed(now)
	}

	m.publish(now)
}

// debounce samples the button and reports a debounced press edge.
func (m *Machine) debounce(now time.Time) bool {
	if m.deps.Button == nil {
		return false
	}
	raw := m.deps.Button.Pressed()
	if raw != m.rawPressed {
		m.rawPressed = raw
		m.rawSince = now
		return false
	}
	if raw == m.pressed || now.Sub(m.rawSince) < m.cfg.Debounce {
		return false
	}
	m.pressed = raw
	return raw
}

func (m *Machine) stepEmpty(ctx context.Context, now time.Time, edge bool) {
	if m.settings.ManualMode {
		m.setActuator(m.pressed)
		return
	}

	switch m.settings.Trigger {
	case TriggerButton:
		if m.captureAt.IsZero() {
			if !edge {
				return
			}
			m.captureAt = now.Add(m.cfg.CaptureWindow)
			if m.deps.Tarer != nil && !m.deps.Tarer.RequestTare() {
				monitoring.Logf("grind: tare request was not accepted")
			}
			monitoring.Logf("grind: button pressed, taring before start")
			return
		}
		if now.Before(m.captureAt) {
			return
		}
		m.captureAt = time.Time{}
		cup, err := m.fresh(ctx)
		if err != nil {
			monitoring.Logf("grind: fresh cup read failed, using filtered weight: %v", err)
			cup = m.deps.Weight.Filtered()
		}
		m.start(now, cup, "button")

	case TriggerCup:
		since := now.Add(-m.cfg.CupWindow)
		lo := m.deps.Window.MinSince(since)
		hi := m.deps.Window.MaxSince(since)
		if math.Abs(lo-m.settings.CupWeight) < m.cfg.CupTolerance && math.Abs(hi-m.settings.CupWeight) < m.cfg.CupTolerance {
			m.start(now, m.deps.Window.AverageSince(now.Add(-m.cfg.CupAverageWindow)), "cup detection")
		}
	}
}

func (m *Machine) fresh(ctx context.Context) (float64, error) {
	if m.deps.Fresh == nil {
		return m.deps.Weight.Filtered(), nil
	}
	return m.deps.Fresh.FreshGrams(ctx, m.cfg.FreshSamples, m.cfg.FreshTimeout)
}

func (m *Machine) start(now time.Time, cup float64, reason string) {
	m.session = Session{
		ID:             uuid.New(),
		CupWeightEmpty: cup,
		TargetWeight:   m.settings.TargetWeight,
	}
	if !m.settings.TimerMode {
		m.session.StartedAt = now
		m.session.ShotOffsetApplied = m.settings.ShotOffset
		m.learnPending = true
	}
	m.vibed = false
	m.state = StateGrinding

	if err := m.deps.Actuator.SetActive(true); err != nil {
		monitoring.Logf("grind: failed to start grinder: %v", err)
		m.fail(now, FailureActuator)
		return
	}
	monitoring.Logf("grind: session %s started from %s, cup %.2fg, target %.2fg", m.session.ID, reason, cup, m.target())
}

// target is the weight at which the grinder stops.
func (m *Machine) target() float64 {
	offset := m.settings.ShotOffset
	if m.settings.TimerMode {
		offset = 0
	}
	if m.settings.Trigger == TriggerButton {
		return m.settings.TargetWeight + offset
	}
	return m.session.CupWeightEmpty + m.settings.TargetWeight + offset
}

func (m *Machine) stepGrinding(now time.Time) {
	filtered := m.deps.Weight.Filtered()
	elapsed := now.Sub(m.session.StartedAt)
	timer := m.settings.TimerMode

	switch {
	case filtered < m.cfg.CupRemovedWeight:
		m.fail(now, FailureCupRemoved)
		return
	case !m.deps.Weight.Ready():
		m.fail(now, FailureSensorNotReady)
		return
	case timer && m.session.StartedAt.IsZero() && filtered-m.session.CupWeightEmpty >= m.cfg.StartThreshold:
		m.session.StartedAt = now
		return
	case !timer && elapsed > m.cfg.MaxGrindTime:
		m.fail(now, FailureTimeout)
		return
	case !timer && elapsed > m.cfg.StallWindow &&
		filtered-m.deps.Window.FirstOlderThan(now.Add(-m.cfg.StallWindow)) < m.cfg.StallMinGain:
		m.fail(now, FailureStalled)
		return
	case !timer && m.deps.Window.MinSince(now.Add(-m.cfg.RollingWindow)) < m.session.CupWeightEmpty-m.cfg.CupTolerance:
		m.fail(now, FailureCupLifted)
		return
	}

	if m.deps.Window.MaxSince(now.Add(-m.cfg.RollingWindow)) >= m.target() {
		m.finish(now)
	}
}

func (m *Machine) finish(now time.Time) {
	m.setActuator(false)
	m.session.FinishedAt = now
	m.state = StateFinished
	monitoring.Logf("grind: session %s finished at %.2fg after %v", m.session.ID, m.deps.Weight.Filtered(), m.session.Elapsed(now))
}

func (m *Machine) fail(now time.Time, f Failure) {
	m.setActuator(false)
	m.session.Failure = f
	m.learnPending = false
	m.failedAt = now
	m.state = StateFailed
	monitoring.Logf("grind: session %s failed: %s (weight %.2fg)", m.session.ID, f, m.deps.Weight.Filtered())
}

func (m *Machine) stepFinished(now time.Time) {
	filtered := m.deps.Weight.Filtered()
	if filtered < m.cfg.LiftedWeight {
		m.reset(now, "cup taken")
		return
	}
	if now.Sub(m.session.FinishedAt) <= m.cfg.SettleDelay {
		return
	}
	if m.settings.AutoVibe && !m.vibed && !m.deps.Actuator.Active() {
		m.vibe()
	}
	if m.deps.Weight.Filtered() < m.cfg.EmptyWeight {
		m.reset(now, "platform empty")
	}
}

// vibe pulses the grinder to shake loose grounds stuck in the chute.
func (m *Machine) vibe() {
	m.vibed = true
	v := m.cfg.Vibe
	monitoring.Logf("grind: auto-vibe %d pulses", v.Pulses)
	for i := 0; i < v.Pulses; i++ {
		m.setActuator(true)
		m.clock.Sleep(v.On)
		m.setActuator(false)
		m.clock.Sleep(v.Off)
	}
	m.clock.Sleep(v.Settle)
}

func (m *Machine) stepFailed(now time.Time) {
	if m.deps.Weight.Filtered() >= m.cfg.FailedResetWeight {
		m.reset(now, "platform pressed")
		return
	}
	if m.cfg.FailedTimeout > 0 && now.Sub(m.failedAt) >= m.cfg.FailedTimeout {
		m.reset(now, "failure timed out")
	}
}

func (m *Machine) reset(now time.Time, reason string) {
	if m.state != StateEmpty {
		monitoring.Logf("grind: back to empty (%s)", reason)
	}
	m.setActuator(false)
	m.state = StateEmpty
	m.session = Session{}
	m.learnPending = false
	m.vibed = false
	m.captureAt = time.Time{}
	m.failedAt = time.Time{}
}

func (m *Machine) setActuator(on bool) {
	if m.deps.Actuator.Active() == on {
		return
	}
	if err := m.deps.Actuator.SetActive(on); err != nil {
		monitoring.Logf("grind: failed to switch grinder %v: %v", on, err)
	}
}

// Acknowledge leaves the Failed state. It does nothing in other states.
func (m *Machine) Acknowledge() {
	now := m.clock.Now()
	if m.state == StateFailed {
		m.reset(now, "failure acknowledged")
	}
	m.publish(now)
}
