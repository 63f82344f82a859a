package scale

import (
	"context"
	"fmt"

	"github.com/itohio/grindscale/pkg/calibration"
	"github.com/itohio/grindscale/pkg/grind"
	"github.com/itohio/grindscale/pkg/monitoring"
	"github.com/itohio/grindscale/pkg/prefs"
)

// beginCalibration pauses the grind machine until release is called. It
// fails with ErrBusy unless the machine is Empty and no other calibration
// is running.
func (s *Scale) beginCalibration(ctx context.Context) (release func(), err error) {
	err = s.onStatus(ctx, func(context.Context) error {
		if st := s.machine.State(); st != grind.StateEmpty {
			return fmt.Errorf("%w: grind state is %s", ErrBusy, st)
		}
		if !s.calibrating.CompareAndSwap(false, true) {
			return fmt.Errorf("%w: calibration in progress", ErrBusy)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return func() { s.calibrating.Store(false) }, nil
}

// calibrate runs fn on the sampling worker with the grind machine paused.
func (s *Scale) calibrate(ctx context.Context, fn func(ctx context.Context) error) error {
	release, err := s.beginCalibration(ctx)
	if err != nil {
		return err
	}
	defer release()

	return s.Submit(ctx, fn)
}

// Tare zeroes every channel while the taring message is on screen. The
// message is held for the configured time whether or not the tare succeeds.
func (s *Scale) Tare(ctx context.Context) error {
	if st := s.machine.State(); st == grind.StateGrinding {
		return fmt.Errorf("tare: %w: grind state is %s", ErrBusy, st)
	}

	var err error
	s.WithDisplayLock(func() {
		snap := s.Snapshot()
		snap.Message = MessageTaring
		s.render(snap)

		err = s.Submit(ctx, func(ctx context.Context) error {
			return s.calib.Tare(ctx, true)
		})
		if err != nil {
			monitoring.Logf("scale: tare failed: %v", err)
			snap = s.Snapshot()
			snap.Message = MessageTareFailed
			s.render(snap)
		}

		select {
		case <-ctx.Done():
		case <-s.clock.After(s.cfg.Display.TareHold):
		}
	})
	return err
}

// TareChannel captures the empty reading of channel ch for a calibration
// session.
func (s *Scale) TareChannel(ctx context.Context, ch int) error {
	return s.calibrate(ctx, func(context.Context) error {
		return s.calib.TareChannel(ch)
	})
}

// EnterCalibration waits for a known mass on channel ch.
func (s *Scale) EnterCalibration(ctx context.Context, ch int) error {
	return s.calibrate(ctx, func(context.Context) error {
		return s.calib.Enter(ch)
	})
}

// ApplyWeight completes the calibration session on channel ch.
func (s *Scale) ApplyWeight(ctx context.Context, ch int, grams float64) (calibration.Result, error) {
	var res calibration.Result
	err := s.calibrate(ctx, func(context.Context) error {
		var err error
		res, err = s.calib.ApplyWeight(ch, grams)
		return err
	})
	if err != nil {
		return calibration.Result{}, err
	}
	return res, nil
}

// AbortCalibration closes the session on channel ch without changes.
func (s *Scale) AbortCalibration(ch int) {
	s.calib.Abort(ch)
}

// RawRead averages raw conversions of channel ch for diagnostics.
func (s *Scale) RawRead(ctx context.Context, ch int) (calibration.RawReading, error) {
	var r calibration.RawReading
	err := s.Submit(ctx, func(context.Context) error {
		var err error
		r, err = s.calib.RawRead(ch)
		return err
	})
	if err != nil {
		return calibration.RawReading{}, err
	}
	return r, nil
}

// CombinedTare tares the primary channel and captures the secondary offset.
func (s *Scale) CombinedTare(ctx context.Context) error {
	return s.calibrate(ctx, s.calib.CombinedTare)
}

// CaptureSecondaryOffset sets the secondary offset from the current reading.
func (s *Scale) CaptureSecondaryOffset(ctx context.Context) (int64, error) {
	var off int64
	err := s.calibrate(ctx, func(context.Context) error {
		var err error
		off, err = s.calib.CaptureSecondaryOffset()
		return err
	})
	if err != nil {
		return 0, err
	}
	return off, nil
}

// Reset restores factory calibration and forgets the learned shot offset.
// The grind settings are reloaded from the rewritten store.
func (s *Scale) Reset(ctx context.Context) error {
	if err := s.calibrate(ctx, func(context.Context) error {
		return s.calib.Reset()
	}); err != nil {
		return err
	}

	settings, err := prefs.LoadSettings(s.store, s.cfg)
	if err != nil {
		return err
	}
	return s.onStatus(ctx, func(context.Context) error {
		s.machine.Reload(grind.SettingsFromPrefs(settings))
		return nil
	})
}

// Guided rescales every channel so the fused weight of the placed mass
// reads known. The platform is checked first, then confirm is called to
// wait for the user to place the mass; false aborts with
// calibration.ErrAborted. The grind machine stays paused throughout.
func (s *Scale) Guided(ctx context.Context, known float64, confirm func(ctx context.Context) (bool, error)) (calibration.GuidedResult, error) {
	release, err := s.beginCalibration(ctx)
	if err != nil {
		return calibration.GuidedResult{}, err
	}
	defer release()

	err = s.Submit(ctx, func(context.Context) error {
		return s.calib.CheckGuided(known)
	})
	if err != nil {
		return calibration.GuidedResult{}, err
	}

	ok, err := confirm(ctx)
	if err != nil {
		return calibration.GuidedResult{}, err
	}
	if !ok {
		return calibration.GuidedResult{}, calibration.ErrAborted
	}

	var res calibration.GuidedResult
	err = s.Submit(ctx, func(ctx context.Context) error {
		var err error
		res, err = s.calib.Guided(ctx, known)
		return err
	})
	if err != nil {
		return calibration.GuidedResult{}, err
	}
	return res, nil
}

// ToggleAZT flips auto-zero tracking and persists the new state.
func (s *Scale) ToggleAZT() (bool, error) {
	on := s.tracker.Toggle()
	err := s.store.With(s.cfg.Store.Namespace, func(sec *prefs.Section) error {
		sec.PutBool(prefs.KeyAZT, on)
		return nil
	})
	if err != nil {
		return on, fmt.Errorf("failed to persist auto-zero state: %w", err)
	}
	monitoring.Logf("scale: auto-zero tracking %s", onOff(on))
	return on, nil
}

// ExitFinished leaves the finished screen, learning the shot offset if the
// session has not been learned from yet.
func (s *Scale) ExitFinished(ctx context.Context) (grind.Learning, bool, error) {
	var (
		l       grind.Learning
		learned bool
	)
	err := s.onStatus(ctx, func(ctx context.Context) error {
		var err error
		l, learned, err = s.machine.ExitFinished(ctx)
		return err
	})
	if err != nil {
		return grind.Learning{}, false, err
	}
	return l, learned, nil
}
