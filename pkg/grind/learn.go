package grind

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/itohio/grindscale/pkg/monitoring"
	"github.com/itohio/grindscale/pkg/prefs"
)

// ExitFinished is the user leaving the finished screen. It runs the pending
// shot-offset learning, then returns to Empty. Outside Finished, and on a
// second call for the same session, it does nothing.
func (m *Machine) ExitFinished(ctx context.Context) (Learning, bool, error) {
	now := m.clock.Now()
	l, ok, err := m.exitFinished(ctx, now)
	m.publish(now)
	return l, ok, err
}

func (m *Machine) exitFinished(ctx context.Context, now time.Time) (Learning, bool, error) {
	if m.state != StateFinished {
		return Learning{}, false, nil
	}
	l, ok, err := m.learn(ctx, now)
	m.reset(now, "finished screen closed")
	return l, ok, err
}

// LearnShotOffset compares the final weight of the session with its target
// and moves the shot offset by the error when it exceeds the deadband. It
// runs at most once per session and reports whether it ran.
func (m *Machine) LearnShotOffset(ctx context.Context) (Learning, bool, error) {
	now := m.clock.Now()
	l, ok, err := m.learn(ctx, now)
	m.publish(now)
	return l, ok, err
}

func (m *Machine) learn(ctx context.Context, now time.Time) (Learning, bool, error) {
	if !m.learnPending {
		return Learning{}, false, nil
	}
	m.learnPending = false

	actual, err := m.fresh(ctx)
	if err != nil {
		monitoring.Logf("grind: fresh final read failed, using history: %v", err)
		actual = m.deps.Window.AverageSince(now.Add(-m.cfg.FreshTimeout))
	}
	if !m.session.StartedAt.IsZero() {
		actual += m.settings.Compensation
	}

	l := Learning{
		Actual:   actual,
		Target:   m.settings.TargetWeight + m.session.CupWeightEmpty,
		Previous: m.settings.ShotOffset,
	}
	l.Error = l.Target - actual

	if math.Abs(l.Error) > m.cfg.Deadband {
		m.settings.ShotOffset = clamp(m.settings.ShotOffset+l.Error, -m.cfg.MaxShotOffset, m.cfg.MaxShotOffset)
		l.Adjusted = true
	}
	m.settings.ShotCount++
	l.ShotOffset = m.settings.ShotOffset
	l.ShotCount = m.settings.ShotCount

	if l.Adjusted {
		monitoring.Logf("grind: target %.2fg, actual %.2fg, error %.2fg, shot offset %.2fg -> %.2fg",
			l.Target, l.Actual, l.Error, l.Previous, l.ShotOffset)
	} else {
		monitoring.Logf("grind: accuracy good (error %.2fg), shot offset kept at %.2fg", l.Error, l.ShotOffset)
	}

	err = m.persist(func(sec *prefs.Section) {
		if l.Adjusted {
			sec.PutFloat(prefs.KeyShotOffset, l.ShotOffset)
		}
		sec.PutUint(prefs.KeyShotCount, l.ShotCount)
	})
	if err != nil {
		return l, true, fmt.Errorf("failed to persist shot offset: %w", err)
	}
	return l, true, nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
