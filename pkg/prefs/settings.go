package prefs

import (
	"fmt"

	"github.com/itohio/grindscale/pkg/config"
	"github.com/itohio/grindscale/pkg/loadcell"
	"github.com/itohio/grindscale/pkg/monitoring"
)

// Persisted keys.
const (
	KeyTargetWeight     = "setWeight"
	KeyShotOffset       = "shotOffset"
	KeyLegacyShotOffset = "offset"
	KeyCupWeight        = "cup"
	KeyCompensation     = "compensation"
	KeyShotCount        = "shotCount"
	KeyTimerMode        = "scaleMode"
	KeyButtonTrigger    = "grindMode"
	KeyManualMode       = "manualGrindMode"
	KeyAutoVibe         = "autoVibe"
	KeyAZT              = "azt"
)

// DivisorKey returns the key of channel i's divisor.
func DivisorKey(i int) string {
	if i == 0 {
		return "calibration"
	}
	return fmt.Sprintf("calibration%d", i+1)
}

// OffsetKey returns the key of channel i's raw offset.
func OffsetKey(i int) string {
	return fmt.Sprintf("offset%d", i+1)
}

// Settings is the persisted runtime configuration.
type Settings struct {
	Divisors      []float64
	Offsets       []int64
	TargetWeight  float64
	ShotOffset    float64
	CupWeight     float64
	Compensation  float64
	ShotCount     uint64
	TimerMode     bool
	ButtonTrigger bool
	ManualMode    bool
	AutoVibe      bool
	AZTEnabled    bool
}

// DefaultSettings returns the factory settings described by cfg.
func DefaultSettings(cfg *config.Config) Settings {
	s := Settings{
		Divisors:      make([]float64, len(cfg.Channels)),
		Offsets:       make([]int64, len(cfg.Channels)),
		TargetWeight:  cfg.Defaults.TargetWeight,
		ShotOffset:    cfg.Defaults.ShotOffset,
		CupWeight:     cfg.Defaults.CupWeight,
		Compensation:  cfg.Defaults.Compensation,
		ButtonTrigger: cfg.Defaults.Trigger == "button",
		AutoVibe:      cfg.Defaults.AutoVibe,
		AZTEnabled:    !cfg.Defaults.DisableAZT,
	}
	for i, ch := range cfg.Channels {
		s.Divisors[i] = ch.Divisor
	}
	return s
}

// LoadSettings reads the settings from store, falling back to defaults for
// missing keys. Divisors that are not positive and finite are replaced by
// their default and written back.
func LoadSettings(store *Store, cfg *config.Config) (Settings, error) {
	s := DefaultSettings(cfg)

	err := store.With(cfg.Store.Namespace, func(sec *Section) error {
		for i := range s.Divisors {
			key := DivisorKey(i)
			d := sec.Float(key, s.Divisors[i])
			if !loadcell.ValidDivisor(d) {
				monitoring.Logf("prefs: %s=%v: %v, restoring %v", key, d, ErrInvalidPersistedValue, s.Divisors[i])
				sec.PutFloat(key, s.Divisors[i])
				continue
			}
			s.Divisors[i] = d
		}
		for i := range s.Offsets {
			s.Offsets[i] = sec.Int(OffsetKey(i), 0)
		}

		s.TargetWeight = sec.Float(KeyTargetWeight, s.TargetWeight)
		legacy := sec.Float(KeyLegacyShotOffset, s.ShotOffset)
		s.ShotOffset = sec.Float(KeyShotOffset, legacy)
		s.CupWeight = sec.Float(KeyCupWeight, s.CupWeight)
		s.Compensation = sec.Float(KeyCompensation, s.Compensation)
		s.ShotCount = sec.Uint(KeyShotCount, 0)
		s.TimerMode = sec.Bool(KeyTimerMode, s.TimerMode)
		s.ButtonTrigger = sec.Bool(KeyButtonTrigger, s.ButtonTrigger)
		s.ManualMode = sec.Bool(KeyManualMode, s.ManualMode)
		s.AutoVibe = sec.Bool(KeyAutoVibe, s.AutoVibe)
		s.AZTEnabled = sec.Bool(KeyAZT, s.AZTEnabled)
		return nil
	})
	if err != nil {
		return s, fmt.Errorf("failed to load settings: %w", err)
	}
	return s, nil
}

// SaveSettings writes every setting.
func SaveSettings(store *Store, namespace string, s Settings) error {
	return store.With(namespace, func(sec *Section) error {
		for i, d := range s.Divisors {
			sec.PutFloat(DivisorKey(i), d)
		}
		for i, o := range s.Offsets {
			sec.PutInt(OffsetKey(i), o)
		}
		sec.PutFloat(KeyTargetWeight, s.TargetWeight)
		sec.PutFloat(KeyShotOffset, s.ShotOffset)
		sec.PutFloat(KeyCupWeight, s.CupWeight)
		sec.PutFloat(KeyCompensation, s.Compensation)
		sec.PutUint(KeyShotCount, s.ShotCount)
		sec.PutBool(KeyTimerMode, s.TimerMode)
		sec.PutBool(KeyButtonTrigger, s.ButtonTrigger)
		sec.PutBool(KeyManualMode, s.ManualMode)
		sec.PutBool(KeyAutoVibe, s.AutoVibe)
		sec.PutBool(KeyAZT, s.AZTEnabled)
		return nil
	})
}

// Open creates the store selected by cfg.
func Open(cfg config.StoreConfig) (*Store, error) {
	switch cfg.Backend {
	case "memory":
		return New(NewMemory()), nil
	case "yaml":
		b, err := OpenYAML(cfg.Path)
		if err != nil {
			return nil, err
		}
		return New(b), nil
	case "sqlite":
		b, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		return New(b), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
