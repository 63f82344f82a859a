package grind

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/itohio/grindscale/pkg/prefs"
)

var (
	ErrUnknownState   = errors.New("unknown grind state")
	ErrUnknownSetting = errors.New("unknown setting")
	ErrUnknownTrigger = errors.New("unknown grind trigger")
	ErrInvalidValue   = errors.New("invalid setting value")
)

// State of the grind state machine.
type State int

const (
	StateEmpty State = iota
	StateGrinding
	StateFinished
	StateFailed
)

var stateNames = map[State]string{
	StateEmpty:    "empty",
	StateGrinding: "grinding",
	StateFinished: "finished",
	StateFailed:   "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ParseState parses a state name.
func ParseState(name string) (State, error) {
	for s, n := range stateNames {
		if strings.EqualFold(n, name) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownState, name)
}

// Failure is the reason a grind failed.
type Failure int

const (
	FailureNone Failure = iota
	FailureCupRemoved
	FailureSensorNotReady
	FailureTimeout
	FailureStalled
	FailureCupLifted
	FailureActuator
)

func (f Failure) String() string {
	switch f {
	case FailureNone:
		return "none"
	case FailureCupRemoved:
		return "cup removed"
	case FailureSensorNotReady:
		return "sensor not ready"
	case FailureTimeout:
		return "max grind time exceeded"
	case FailureStalled:
		return "no weight increase"
	case FailureCupLifted:
		return "cup lifted"
	case FailureActuator:
		return "actuator error"
	default:
		return fmt.Sprintf("Failure(%d)", int(f))
	}
}

// Trigger selects what starts an automatic grind.
type Trigger int

const (
	TriggerButton Trigger = iota
	TriggerCup
)

func (t Trigger) String() string {
	switch t {
	case TriggerButton:
		return "button"
	case TriggerCup:
		return "cup"
	default:
		return fmt.Sprintf("Trigger(%d)", int(t))
	}
}

// ParseTrigger parses "button" or "cup".
func ParseTrigger(name string) (Trigger, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "button":
		return TriggerButton, nil
	case "cup":
		return TriggerCup, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownTrigger, name)
	}
}

// Setting names a user adjustable setting.
type Setting int

const (
	SettingTimerMode Setting = iota
	SettingTrigger
	SettingManualMode
	SettingAutoVibe
	SettingCupWeight
	SettingCompensation
)

var settingNames = map[Setting]string{
	SettingTimerMode:    "timerMode",
	SettingTrigger:      "trigger",
	SettingManualMode:   "manualMode",
	SettingAutoVibe:     "autoVibe",
	SettingCupWeight:    "cupWeight",
	SettingCompensation: "compensation",
}

func (s Setting) String() string {
	if name, ok := settingNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Setting(%d)", int(s))
}

// ParseSetting parses a setting name, ignoring case.
func ParseSetting(name string) (Setting, error) {
	for s, n := range settingNames {
		if strings.EqualFold(n, name) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownSetting, name)
}

// Session is one grind from start to return to Empty.
type Session struct {
	ID                uuid.UUID
	StartedAt         time.Time // zero in timer mode until grounds arrive
	FinishedAt        time.Time
	CupWeightEmpty    float64
	TargetWeight      float64
	ShotOffsetApplied float64
	Failure           Failure
}

// Elapsed returns the grind time at now.
func (s Session) Elapsed(now time.Time) time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	if !s.FinishedAt.IsZero() {
		return s.FinishedAt.Sub(s.StartedAt)
	}
	return now.Sub(s.StartedAt)
}

// Settings are the persisted values the machine works with.
type Settings struct {
	TargetWeight float64
	ShotOffset   float64
	CupWeight    float64
	Compensation float64
	ShotCount    uint64
	TimerMode    bool
	Trigger      Trigger
	ManualMode   bool
	AutoVibe     bool
}

// SettingsFromPrefs picks the grind settings out of the persisted settings.
func SettingsFromPrefs(p prefs.Settings) Settings {
	trigger := TriggerCup
	if p.ButtonTrigger {
		trigger = TriggerButton
	}
	return Settings{
		TargetWeight: p.TargetWeight,
		ShotOffset:   p.ShotOffset,
		CupWeight:    p.CupWeight,
		Compensation: p.Compensation,
		ShotCount:    p.ShotCount,
		TimerMode:    p.TimerMode,
		Trigger:      trigger,
		ManualMode:   p.ManualMode,
		AutoVibe:     p.AutoVibe,
	}
}

// Status is a consistent copy of the machine state for readers on other
// goroutines.
type Status struct {
	State        State
	Session      Session
	Settings     Settings
	Elapsed      time.Duration
	LearnPending bool
	Capturing    bool
}

// Learning reports one shot-offset learning run.
type Learning struct {
	Actual     float64
	Target     float64
	Error      float64
	Previous   float64
	ShotOffset float64
	ShotCount  uint64
	Adjusted   bool
}
