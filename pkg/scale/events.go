package scale

import (
	"context"
	"errors"
	"fmt"

	"github.com/itohio/grindscale/pkg/grind"
)

// ErrUnknownEvent is returned by Dispatch for event types it does not handle.
var ErrUnknownEvent = errors.New("unknown event")

// Event is a user input from the display or another front end.
type Event interface {
	isEvent()
}

type (
	// TareEvent zeroes the platform while showing the taring message.
	TareEvent struct{}
	// EnterCalibrationEvent opens a calibration session on Channel (0 based).
	EnterCalibrationEvent struct{ Channel int }
	// CalibrationWeightEvent completes the session on Channel with a known mass.
	CalibrationWeightEvent struct {
		Channel int
		Grams   float64
	}
	// ToggleAZTEvent flips auto-zero tracking.
	ToggleAZTEvent struct{}
	// AdjustTargetEvent moves the target weight.
	AdjustTargetEvent struct{ Delta float64 }
	// AdjustShotOffsetEvent moves the shot offset.
	AdjustShotOffsetEvent struct{ Delta float64 }
	// SetSettingEvent changes a grind setting from its text form.
	SetSettingEvent struct {
		Setting grind.Setting
		Value   string
	}
	// ExitFinishedEvent leaves the finished screen, learning the shot offset.
	ExitFinishedEvent struct{}
	// AcknowledgeEvent clears a failed grind.
	AcknowledgeEvent struct{}
)

func (TareEvent) isEvent()              {}
func (EnterCalibrationEvent) isEvent()  {}
func (CalibrationWeightEvent) isEvent() {}
func (ToggleAZTEvent) isEvent()         {}
func (AdjustTargetEvent) isEvent()      {}
func (AdjustShotOffsetEvent) isEvent()  {}
func (SetSettingEvent) isEvent()        {}
func (ExitFinishedEvent) isEvent()      {}
func (AcknowledgeEvent) isEvent()       {}

// Dispatch handles ev and returns once it has been applied. Grind events run
// on the status worker, calibration events on the sampling worker.
func (s *Scale) Dispatch(ctx context.Context, ev Event) error {
	switch ev := ev.(type) {
	case TareEvent:
		return s.Tare(ctx)
	case EnterCalibrationEvent:
		return s.EnterCalibration(ctx, ev.Channel)
	case CalibrationWeightEvent:
		_, err := s.ApplyWeight(ctx, ev.Channel, ev.Grams)
		return err
	case ToggleAZTEvent:
		_, err := s.ToggleAZT()
		return err
	case AdjustTargetEvent:
		return s.onStatus(ctx, func(context.Context) error {
			_, err := s.machine.AdjustTarget(ev.Delta)
			return err
		})
	case AdjustShotOffsetEvent:
		return s.onStatus(ctx, func(context.Context) error {
			_, err := s.machine.AdjustShotOffset(ev.Delta)
			return err
		})
	case SetSettingEvent:
		return s.onStatus(ctx, func(context.Context) error {
			return s.machine.Set(ev.Setting, ev.Value)
		})
	case ExitFinishedEvent:
		_, _, err := s.ExitFinished(ctx)
		return err
	case AcknowledgeEvent:
		return s.onStatus(ctx, func(context.Context) error {
			s.machine.Acknowledge()
			return nil
		})
	default:
		return fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
	}
}
