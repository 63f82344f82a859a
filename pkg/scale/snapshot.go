package scale

import (
	"time"

	"github.com/itohio/grindscale/pkg/calibration"
	"github.com/itohio/grindscale/pkg/grind"
)

// Messages shown while the display lock is held.
const (
	MessageTaring     = "Taring..."
	MessageTareFailed = "Tare failed: sensor not ready"
)

// Snapshot is everything the display needs, copied at one instant.
type Snapshot struct {
	Timestamp time.Time

	Weight        float64   // filtered platform weight
	DisplayWeight float64   // grounds in the cup while grinding or finished
	Channels      []float64 // per channel grams of the last cycle
	Ready         bool

	State   grind.State
	Failure grind.Failure
	Elapsed time.Duration

	Target       float64
	Cup          float64 // empty cup weight of the current session
	CupSetting   float64 // configured cup weight
	Compensation float64
	ShotOffset   float64
	ShotCount    uint64
	Trigger      grind.Trigger
	TimerMode    bool
	ManualMode   bool
	AutoVibe     bool

	AZT         bool
	Calibrating bool
	Grinder     bool

	Message string
}

// Snapshot copies the current state. It never touches the sensors.
func (s *Scale) Snapshot() Snapshot {
	st := s.machine.Status()
	last := s.engine.Last()

	snap := Snapshot{
		Timestamp:     s.clock.Now(),
		Weight:        last.Filtered,
		DisplayWeight: last.Filtered,
		Channels:      last.Grams,
		Ready:         s.engine.Ready(),
		State:         st.State,
		Failure:       st.Session.Failure,
		Elapsed:       st.Elapsed,
		Target:        st.Settings.TargetWeight,
		Cup:           st.Session.CupWeightEmpty,
		CupSetting:    st.Settings.CupWeight,
		Compensation:  st.Settings.Compensation,
		ShotOffset:    st.Settings.ShotOffset,
		ShotCount:     st.Settings.ShotCount,
		Trigger:       st.Settings.Trigger,
		TimerMode:     st.Settings.TimerMode,
		ManualMode:    st.Settings.ManualMode,
		AutoVibe:      st.Settings.AutoVibe,
		AZT:           s.tracker.Enabled(),
		Calibrating:   s.calibrating.Load() || s.calib.Busy(),
		Grinder:       s.hw.Actuator.Active(),
	}

	switch st.State {
	case grind.StateGrinding:
		snap.DisplayWeight -= snap.Cup
	case grind.StateFinished:
		// Grounds stuck in the chute never reach the cup.
		snap.DisplayWeight += st.Settings.Compensation - snap.Cup
	}

	return snap
}

// ChannelStatus describes one channel's live conversion parameters and its
// calibration session.
type ChannelStatus struct {
	Name        string
	Divisor     float64
	Offset      int64
	Calibration calibration.State
}

// Channels returns the status of every channel.
func (s *Scale) Channels() []ChannelStatus {
	out := make([]ChannelStatus, len(s.channels))
	for i, ch := range s.channels {
		out[i] = ChannelStatus{
			Name:        ch.Name(),
			Divisor:     ch.Divisor(),
			Offset:      ch.Offset(),
			Calibration: s.calib.State(i),
		}
	}
	return out
}
