package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
//
// Values here are static tuning and hardware parameters. User facing values
// that change at runtime (divisors, offsets, target weight, shot offset, mode
// flags) live in the persistent preferences store; the Defaults section only
// provides their factory values.
type Config struct {
	Serial      SerialConfig      `yaml:"serial"`
	Channels    []ChannelConfig   `yaml:"channels"`
	Sampling    SamplingConfig    `yaml:"sampling"`
	Filter      FilterConfig      `yaml:"filter"`
	AZT         AZTConfig         `yaml:"azt"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Grind       GrindConfig       `yaml:"grind"`
	Defaults    DefaultsConfig    `yaml:"defaults"`
	Store       StoreConfig       `yaml:"store"`
	Display     DisplayConfig     `yaml:"display"`
	Mock        MockConfig        `yaml:"mock"`
}

// SerialConfig contains serial port configuration of the HX711 bridge.
type SerialConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
}

// ChannelConfig describes one load cell channel.
type ChannelConfig struct {
	Name    string  `yaml:"name"`
	Divisor float64 `yaml:"divisor"` // Factory scale divisor (counts per gram)
}

// SamplingConfig contains weight acquisition parameters.
type SamplingConfig struct {
	Interval         time.Duration `yaml:"interval"`
	ReadyTimeout     time.Duration `yaml:"ready_timeout"`
	IdleSamples      int           `yaml:"idle_samples"` // Raw samples averaged per idle cycle
	SeedSamples      int           `yaml:"seed_samples"` // Raw samples averaged for the startup seed
	SeedCopies       int           `yaml:"seed_copies"`  // History entries written by the startup seed
	MaxReadyFailures int           `yaml:"max_failures"` // Consecutive failed cycles before readiness drops
	BackoffInterval  time.Duration `yaml:"backoff"`      // Pause after MaxReadyFailures while idle
	HistoryCapacity  int           `yaml:"history_size"` // Entries per history buffer
	SkipStartupTare  bool          `yaml:"skip_tare"`    // Keep persisted offsets instead of taring at boot
}

// FilterConfig contains the recursive estimator tuning.
type FilterConfig struct {
	MeasurementNoise float64 `yaml:"measurement_noise"`
	EstimationError  float64 `yaml:"estimation_error"`
	ProcessNoise     float64 `yaml:"process_noise"` // 0.01 for both of these smooths far more but lags a grind by seconds
}

// AZTConfig contains auto-zero tracking parameters.
type AZTConfig struct {
	Band     float64       `yaml:"band"`     // Near-zero band in grams
	Required int           `yaml:"required"` // Consecutive stable cycles before a correction
	Window   time.Duration `yaml:"window"`
	Cooldown time.Duration `yaml:"cooldown"` // Blocked period after tare and calibration
}

// CalibrationConfig contains tare and calibration parameters.
type CalibrationConfig struct {
	TareAttempts      int           `yaml:"tare_attempts"`
	TareRetryDelay    time.Duration `yaml:"tare_retry_delay"`
	TareReadyTimeout  time.Duration `yaml:"tare_ready_timeout"`
	TareSamples       int           `yaml:"tare_samples"`
	SecondarySamples  int           `yaml:"secondary_samples"`
	ChannelSamples    int           `yaml:"channel_samples"`
	GuidedSamples     int           `yaml:"guided_samples"`
	VerifySamples     int           `yaml:"verify_samples"`
	RawSamples        int           `yaml:"raw_samples"`
	ReadyTimeout      time.Duration `yaml:"ready_timeout"`
	MaxWeight         float64       `yaml:"max_weight"`      // Upper bound of a reference mass in grams
	EmptyThreshold    float64       `yaml:"empty_threshold"` // Platform counts as empty below this
	MinMeasured       float64       `yaml:"min_measured"`    // Guided calibration aborts at or below this
	ConfirmTimeout    time.Duration `yaml:"confirm_timeout"`
	ConfirmSettle     time.Duration `yaml:"confirm_settle"`
	SecondaryTareWait time.Duration `yaml:"secondary_tare_wait"`
}

// GrindConfig contains grind state machine parameters.
type GrindConfig struct {
	StatusInterval    time.Duration `yaml:"status_interval"`
	Debounce          time.Duration `yaml:"debounce"`
	CaptureWindow     time.Duration `yaml:"capture_window"`
	FreshSamples      int           `yaml:"fresh_samples"`
	FreshTimeout      time.Duration `yaml:"fresh_timeout"`
	CupTolerance      float64       `yaml:"cup_tolerance"`
	CupWindow         time.Duration `yaml:"cup_window"`
	CupAverageWindow  time.Duration `yaml:"cup_average_window"`
	RollingWindow     time.Duration `yaml:"rolling_window"`
	CupRemovedWeight  float64       `yaml:"cup_removed_weight"` // Negative weight that fails a grind
	StartThreshold    float64       `yaml:"start_threshold"`    // Timer mode: gain that starts the clock
	MaxGrindTime      time.Duration `yaml:"max_grind_time"`
	StallWindow       time.Duration `yaml:"stall_window"`
	StallMinGain      float64       `yaml:"stall_min_gain"`
	SettleDelay       time.Duration `yaml:"settle_delay"`
	EmptyWeight       float64       `yaml:"empty_weight"`        // Finished returns to Empty below this after settling
	LiftedWeight      float64       `yaml:"lifted_weight"`       // Finished returns to Empty immediately below this
	FailedResetWeight float64       `yaml:"failed_reset_weight"` // Pressing the platform resets a failed grind
	FailedTimeout     time.Duration `yaml:"failed_timeout"`      // 0 waits for acknowledgement
	Deadband          float64       `yaml:"deadband"`
	MaxShotOffset     float64       `yaml:"max_shot_offset"`
	MaxTarget         float64       `yaml:"max_target"`
	Vibe              VibeConfig    `yaml:"vibe"`
}

// VibeConfig describes the auto-vibe pulse train run after a finished grind.
type VibeConfig struct {
	Pulses int           `yaml:"pulses"`
	On     time.Duration `yaml:"on"`
	Off    time.Duration `yaml:"off"`
	Settle time.Duration `yaml:"settle"`
}

// DefaultsConfig contains factory values for persisted preferences.
type DefaultsConfig struct {
	TargetWeight float64 `yaml:"target_weight"`
	ShotOffset   float64 `yaml:"shot_offset"`
	CupWeight    float64 `yaml:"cup_weight"`
	Compensation float64 `yaml:"compensation"`
	Trigger      string  `yaml:"trigger"` // "button" or "cup"
	DisableAZT   bool    `yaml:"disable_azt"`
	AutoVibe     bool    `yaml:"auto_vibe"`
}

// StoreConfig selects the persistent preferences backend.
type StoreConfig struct {
	Backend   string `yaml:"backend"` // "yaml", "sqlite" or "memory"
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// DisplayConfig contains display worker parameters.
type DisplayConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	TareHold        time.Duration `yaml:"tare_hold"` // How long the taring message stays up
	TraceWindow     time.Duration `yaml:"trace_window"`
	TracePoints     int           `yaml:"trace_points"` // Max points drawn by the weight trace
}

// MockConfig contains simulated load cell configuration.
type MockConfig struct {
	Offsets    []int64       `yaml:"offsets"`     // Raw counts at zero load per channel
	NoiseLevel float64       `yaml:"noise_level"` // Noise amplitude in counts
	SampleRate time.Duration `yaml:"sample_rate"` // HX711 conversion period
	GrindRate  float64       `yaml:"grind_rate"`  // Grams per second added while the grinder runs
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			Port:     "/dev/ttyACM0",
			BaudRate: 115200,
		},
		Channels: []ChannelConfig{
			{Name: "primary", Divisor: 4362.59},
			{Name: "secondary", Divisor: 4362.59},
		},
		Sampling: SamplingConfig{
			Interval:         50 * time.Millisecond,
			ReadyTimeout:     300 * time.Millisecond,
			IdleSamples:      1,
			SeedSamples:      5,
			SeedCopies:       20,
			MaxReadyFailures: 5,
			BackoffInterval:  500 * time.Millisecond,
			HistoryCapacity:  200, // 10 s at 20 Hz
		},
		Filter: FilterConfig{
			MeasurementNoise: 0.5,
			EstimationError:  1.0,
			ProcessNoise:     1.0,
		},
		AZT: AZTConfig{
			Band:     0.25,
			Required: 8,
			Window:   2 * time.Second,
			Cooldown: 10 * time.Second,
		},
		Calibration: CalibrationConfig{
			TareAttempts:      3,
			TareRetryDelay:    200 * time.Millisecond,
			TareReadyTimeout:  time.Second,
			TareSamples:       10,
			SecondarySamples:  20,
			ChannelSamples:    20,
			GuidedSamples:     30,
			VerifySamples:     10,
			RawSamples:        30,
			ReadyTimeout:      500 * time.Millisecond,
			MaxWeight:         1000,
			EmptyThreshold:    2,
			MinMeasured:       0.0001,
			ConfirmTimeout:    30 * time.Second,
			ConfirmSettle:     1200 * time.Millisecond,
			SecondaryTareWait: 700 * time.Millisecond,
		},
		Grind: GrindConfig{
			StatusInterval:    50 * time.Millisecond,
			Debounce:          30 * time.Millisecond,
			CaptureWindow:     600 * time.Millisecond,
			FreshSamples:      5,
			FreshTimeout:      500 * time.Millisecond,
			CupTolerance:      5,
			CupWindow:         time.Second,
			CupAverageWindow:  500 * time.Millisecond,
			RollingWindow:     200 * time.Millisecond,
			CupRemovedWeight:  -10,
			StartThreshold:    0.1,
			MaxGrindTime:      20 * time.Second,
			StallWindow:       5 * time.Second,
			StallMinGain:      1,
			SettleDelay:       5 * time.Second,
			EmptyWeight:       3,
			LiftedWeight:      5,
			FailedResetWeight: 150,
			Deadband:          0.3,
			MaxShotOffset:     10,
			MaxTarget:         100,
			Vibe: VibeConfig{
				Pulses: 2,
				On:     60 * time.Millisecond,
				Off:    80 * time.Millisecond,
				Settle: 150 * time.Millisecond,
			},
		},
		Defaults: DefaultsConfig{
			TargetWeight: 18,
			ShotOffset:   -2.5,
			CupWeight:    70,
			Compensation: 1.0,
			Trigger:      "button",
		},
		Store: StoreConfig{
			Backend:   "yaml",
			Path:      "grindscale-prefs.yaml",
			Namespace: "scale",
		},
		Display: DisplayConfig{
			RefreshInterval: 100 * time.Millisecond,
			TareHold:        2 * time.Second,
			TraceWindow:     30 * time.Second,
			TracePoints:     300,
		},
		Mock: MockConfig{
			Offsets:    []int64{84000, -21000},
			NoiseLevel: 40,
			SampleRate: 12500 * time.Microsecond, // HX711 at 80 SPS
			GrindRate:  1.5,
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist, return defaults
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Ensure minimum required fields are set (use defaults if missing)
	cfg.ensureDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks values that defaults cannot repair.
func (c *Config) Validate() error {
	if n := len(c.Channels); n < 1 || n > 2 {
		return fmt.Errorf("invalid channel count %d: expected 1 or 2", n)
	}
	for i, ch := range c.Channels {
		if ch.Divisor <= 0 {
			return fmt.Errorf("channel %d: divisor must be positive, got %v", i+1, ch.Divisor)
		}
	}
	switch c.Defaults.Trigger {
	case "button", "cup":
	default:
		return fmt.Errorf("invalid grind trigger %q: expected button or cup", c.Defaults.Trigger)
	}
	switch c.Store.Backend {
	case "yaml", "sqlite", "memory":
	default:
		return fmt.Errorf("invalid store backend %q", c.Store.Backend)
	}
	return nil
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Serial.Port == "" {
		c.Serial.Port = def.Serial.Port
	}
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = def.Serial.BaudRate
	}

	if len(c.Channels) == 0 {
		c.Channels = def.Channels
	}
	for i := range c.Channels {
		if c.Channels[i].Name == "" && i < len(def.Channels) {
			c.Channels[i].Name = def.Channels[i].Name
		}
		if c.Channels[i].Divisor == 0 {
			c.Channels[i].Divisor = def.Channels[0].Divisor
		}
	}

	orDuration(&c.Sampling.Interval, def.Sampling.Interval)
	orDuration(&c.Sampling.ReadyTimeout, def.Sampling.ReadyTimeout)
	orInt(&c.Sampling.IdleSamples, def.Sampling.IdleSamples)
	orInt(&c.Sampling.SeedSamples, def.Sampling.SeedSamples)
	orInt(&c.Sampling.SeedCopies, def.Sampling.SeedCopies)
	orInt(&c.Sampling.MaxReadyFailures, def.Sampling.MaxReadyFailures)
	orDuration(&c.Sampling.BackoffInterval, def.Sampling.BackoffInterval)
	orInt(&c.Sampling.HistoryCapacity, def.Sampling.HistoryCapacity)

	orFloat(&c.Filter.MeasurementNoise, def.Filter.MeasurementNoise)
	orFloat(&c.Filter.EstimationError, def.Filter.EstimationError)
	orFloat(&c.Filter.ProcessNoise, def.Filter.ProcessNoise)

	orFloat(&c.AZT.Band, def.AZT.Band)
	orInt(&c.AZT.Required, def.AZT.Required)
	orDuration(&c.AZT.Window, def.AZT.Window)
	orDuration(&c.AZT.Cooldown, def.AZT.Cooldown)

	cal, dcal := &c.Calibration, def.Calibration
	orInt(&cal.TareAttempts, dcal.TareAttempts)
	orDuration(&cal.TareRetryDelay, dcal.TareRetryDelay)
	orDuration(&cal.TareReadyTimeout, dcal.TareReadyTimeout)
	orInt(&cal.TareSamples, dcal.TareSamples)
	orInt(&cal.SecondarySamples, dcal.SecondarySamples)
	orInt(&cal.ChannelSamples, dcal.ChannelSamples)
	orInt(&cal.GuidedSamples, dcal.GuidedSamples)
	orInt(&cal.VerifySamples, dcal.VerifySamples)
	orInt(&cal.RawSamples, dcal.RawSamples)
	orDuration(&cal.ReadyTimeout, dcal.ReadyTimeout)
	orFloat(&cal.MaxWeight, dcal.MaxWeight)
	orFloat(&cal.EmptyThreshold, dcal.EmptyThreshold)
	orFloat(&cal.MinMeasured, dcal.MinMeasured)
	orDuration(&cal.ConfirmTimeout, dcal.ConfirmTimeout)
	orDuration(&cal.ConfirmSettle, dcal.ConfirmSettle)
	orDuration(&cal.SecondaryTareWait, dcal.SecondaryTareWait)

	g, dg := &c.Grind, def.Grind
	orDuration(&g.StatusInterval, dg.StatusInterval)
	orDuration(&g.Debounce, dg.Debounce)
	orDuration(&g.CaptureWindow, dg.CaptureWindow)
	orInt(&g.FreshSamples, dg.FreshSamples)
	orDuration(&g.FreshTimeout, dg.FreshTimeout)
	orFloat(&g.CupTolerance, dg.CupTolerance)
	orDuration(&g.CupWindow, dg.CupWindow)
	orDuration(&g.CupAverageWindow, dg.CupAverageWindow)
	orDuration(&g.RollingWindow, dg.RollingWindow)
	orFloat(&g.CupRemovedWeight, dg.CupRemovedWeight)
	orFloat(&g.StartThreshold, dg.StartThreshold)
	orDuration(&g.MaxGrindTime, dg.MaxGrindTime)
	orDuration(&g.StallWindow, dg.StallWindow)
	orFloat(&g.StallMinGain, dg.StallMinGain)
	orDuration(&g.SettleDelay, dg.SettleDelay)
	orFloat(&g.EmptyWeight, dg.EmptyWeight)
	orFloat(&g.LiftedWeight, dg.LiftedWeight)
	orFloat(&g.FailedResetWeight, dg.FailedResetWeight)
	orFloat(&g.Deadband, dg.Deadband)
	orFloat(&g.MaxShotOffset, dg.MaxShotOffset)
	orFloat(&g.MaxTarget, dg.MaxTarget)
	orInt(&g.Vibe.Pulses, dg.Vibe.Pulses)
	orDuration(&g.Vibe.On, dg.Vibe.On)
	orDuration(&g.Vibe.Off, dg.Vibe.Off)
	orDuration(&g.Vibe.Settle, dg.Vibe.Settle)

	orFloat(&c.Defaults.TargetWeight, def.Defaults.TargetWeight)
	orFloat(&c.Defaults.CupWeight, def.Defaults.CupWeight)
	if c.Defaults.Trigger == "" {
		c.Defaults.Trigger = def.Defaults.Trigger
	}

	if c.Store.Backend == "" {
		c.Store.Backend = def.Store.Backend
	}
	if c.Store.Path == "" {
		c.Store.Path = def.Store.Path
	}
	if c.Store.Namespace == "" {
		c.Store.Namespace = def.Store.Namespace
	}

	orDuration(&c.Display.RefreshInterval, def.Display.RefreshInterval)
	orDuration(&c.Display.TareHold, def.Display.TareHold)
	orDuration(&c.Display.TraceWindow, def.Display.TraceWindow)
	orInt(&c.Display.TracePoints, def.Display.TracePoints)

	if len(c.Mock.Offsets) == 0 {
		c.Mock.Offsets = def.Mock.Offsets
	}
	orDuration(&c.Mock.SampleRate, def.Mock.SampleRate)
	orFloat(&c.Mock.GrindRate, def.Mock.GrindRate)
}

func orDuration(v *time.Duration, def time.Duration) {
	if *v == 0 {
		*v = def
	}
}

func orInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func orFloat(v *float64, def float64) {
	if *v == 0 {
		*v = def
	}
}
