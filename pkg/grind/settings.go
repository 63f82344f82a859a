package grind

import (
	"fmt"
	"strconv"

	"github.com/itohio/grindscale/pkg/monitoring"
	"github.com/itohio/grindscale/pkg/prefs"
)

// Settings returns the live settings.
func (m *Machine) Settings() Settings {
	return m.Status().Settings
}

// AdjustTarget moves the target weight by delta, within [0, MaxTarget].
func (m *Machine) AdjustTarget(delta float64) (float64, error) {
	m.settings.TargetWeight = clamp(m.settings.TargetWeight+delta, 0, m.cfg.MaxTarget)
	v := m.settings.TargetWeight
	m.publish(m.clock.Now())
	return v, m.persist(func(sec *prefs.Section) {
		sec.PutFloat(prefs.KeyTargetWeight, v)
	})
}

// AdjustShotOffset moves the shot offset by delta, within ±MaxShotOffset.
func (m *Machine) AdjustShotOffset(delta float64) (float64, error) {
	m.settings.ShotOffset = clamp(m.settings.ShotOffset+delta, -m.cfg.MaxShotOffset, m.cfg.MaxShotOffset)
	v := m.settings.ShotOffset
	m.publish(m.clock.Now())
	return v, m.persist(func(sec *prefs.Section) {
		sec.PutFloat(prefs.KeyShotOffset, v)
	})
}

// Set changes one setting from its text form and persists it.
func (m *Machine) Set(setting Setting, value string) error {
	s := m.settings
	var put func(sec *prefs.Section)

	switch setting {
	case SettingTimerMode, SettingManualMode, SettingAutoVibe:
		on, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalidValue, setting, value)
		}
		key := prefs.KeyTimerMode
		switch setting {
		case SettingTimerMode:
			s.TimerMode = on
		case SettingManualMode:
			s.ManualMode = on
			key = prefs.KeyManualMode
		case SettingAutoVibe:
			s.AutoVibe = on
			key = prefs.KeyAutoVibe
		}
		put = func(sec *prefs.Section) { sec.PutBool(key, on) }

	case SettingTrigger:
		t, err := ParseTrigger(value)
		if err != nil {
			return err
		}
		s.Trigger = t
		put = func(sec *prefs.Section) { sec.PutBool(prefs.KeyButtonTrigger, t == TriggerButton) }

	case SettingCupWeight, SettingCompensation:
		v, err := strconv.ParseFloat(value, 64)
		if err != nil || v < 0 || v > m.cfg.MaxTarget*10 {
			return fmt.Errorf("%w: %s=%q", ErrInvalidValue, setting, value)
		}
		key := prefs.KeyCupWeight
		if setting == SettingCupWeight {
			s.CupWeight = v
		} else {
			s.Compensation = v
			key = prefs.KeyCompensation
		}
		put = func(sec *prefs.Section) { sec.PutFloat(key, v) }

	default:
		return fmt.Errorf("%w: %s", ErrUnknownSetting, setting)
	}

	// Leaving manual mode must not leave the grinder running.
	if m.settings.ManualMode && !s.ManualMode && m.state == StateEmpty {
		m.setActuator(false)
	}
	m.settings = s
	m.publish(m.clock.Now())
	monitoring.Logf("grind: %s set to %s", setting, value)

	return m.persist(put)
}

// Reload replaces the in-memory settings after the store was rewritten
// elsewhere, e.g. by a factory reset. Nothing is persisted.
func (m *Machine) Reload(s Settings) {
	m.settings = s
	m.publish(m.clock.Now())
}

func (m *Machine) persist(fn func(sec *prefs.Section)) error {
	if m.deps.Store == nil {
		return nil
	}
	return m.deps.Store.With(m.namespace, func(sec *prefs.Section) error {
		fn(sec)
		return nil
	})
}
