package prefs

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/itohio/grindscale/pkg/config"
	"github.com/itohio/grindscale/pkg/monitoring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	monitoring.SetLogger(nil)
}

func configFor(backend, path string) config.StoreConfig {
	return config.StoreConfig{Backend: backend, Path: path, Namespace: "scale"}
}

func TestLoadSettings_Defaults(t *testing.T) {
	cfg := config.Default()
	s, err := LoadSettings(New(NewMemory()), cfg)
	require.NoError(t, err)

	want := Settings{
		Divisors:      []float64{4362.59, 4362.59},
		Offsets:       []int64{0, 0},
		TargetWeight:  18,
		ShotOffset:    -2.5,
		CupWeight:     70,
		Compensation:  1,
		ButtonTrigger: true,
		AZTEnabled:    true,
	}
	if diff := cmp.Diff(want, s); diff != "" {
		t.Errorf("LoadSettings() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadSettings_RoundTrip(t *testing.T) {
	cfg := config.Default()
	store := New(NewMemory())

	saved := DefaultSettings(cfg)
	saved.Divisors = []float64{1409.88, 1411.2}
	saved.Offsets = []int64{84123, -20977}
	saved.ShotOffset = -3.25
	saved.ShotCount = 41
	saved.TimerMode = true
	saved.ManualMode = true
	saved.AutoVibe = true
	require.NoError(t, SaveSettings(store, cfg.Store.Namespace, saved))

	loaded, err := LoadSettings(store, cfg)
	require.NoError(t, err)
	if diff := cmp.Diff(saved, loaded); diff != "" {
		t.Errorf("LoadSettings() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadSettings_InvalidDivisorIsRestored(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{name: "zero", value: "0"},
		{name: "negative", value: "-12.5"},
		{name: "infinite", value: "+Inf"},
		{name: "nan", value: "NaN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			m := NewMemory()
			require.NoError(t, m.Put("scale", "calibration2", tt.value))

			s, err := LoadSettings(New(m), cfg)
			require.NoError(t, err)
			assert.Equal(t, 4362.59, s.Divisors[1])

			v, ok, _ := m.Get("scale", "calibration2")
			require.True(t, ok)
			assert.Equal(t, "4362.59", v, "default is written back")
			assert.False(t, math.IsNaN(s.Divisors[1]))
		})
	}
}

func TestLoadSettings_LegacyShotOffset(t *testing.T) {
	cfg := config.Default()

	m := NewMemory()
	require.NoError(t, m.Put("scale", KeyLegacyShotOffset, "-1.5"))
	s, err := LoadSettings(New(m), cfg)
	require.NoError(t, err)
	assert.Equal(t, -1.5, s.ShotOffset)

	// The current key wins over the legacy one.
	require.NoError(t, m.Put("scale", KeyShotOffset, "-0.5"))
	s, err = LoadSettings(New(m), cfg)
	require.NoError(t, err)
	assert.Equal(t, -0.5, s.ShotOffset)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "calibration", DivisorKey(0))
	assert.Equal(t, "calibration2", DivisorKey(1))
	assert.Equal(t, "offset1", OffsetKey(0))
	assert.Equal(t, "offset2", OffsetKey(1))
}
