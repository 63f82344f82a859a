package loadcell

import "time"

// Source delivers raw HX711 conversions for one channel.
type Source interface {
	// WaitReady blocks until a fresh conversion is available or timeout elapses.
	WaitReady(timeout time.Duration) bool
	// Read consumes the next conversion.
	Read() (int64, error)
}

// Channel is one load cell amplifier path: a raw count source plus the
// offset and divisor that turn counts into grams.
type Channel interface {
	Name() string
	WaitReady(timeout time.Duration) bool
	ReadRaw() (int64, error)
	ReadRawAverage(n int) (int64, error)
	Offset() int64
	SetOffset(offset int64)
	Divisor() float64
	SetDivisor(divisor float64) error
	Grams(raw int64) float64
}

// Actuator switches the grinder motor.
type Actuator interface {
	SetActive(on bool) error
	Active() bool
}

// Button is the manual trigger input.
type Button interface {
	Pressed() bool
}

// Device is an HX711 front end (real or simulated) carrying every channel,
// the grinder switch and the button.
type Device interface {
	Connect() error
	Close() error
	IsConnected() bool
	Source(i int) Source
	Actuator
	Button
}

var (
	_ Channel = (*Cell)(nil)

	_ Device = (*Bridge)(nil)
	_ Device = (*Mock)(nil)

	_ Source   = (*bridgeSource)(nil)
	_ Actuator = (*Bridge)(nil)
	_ Button   = (*Bridge)(nil)

	_ Source   = (*mockSource)(nil)
	_ Actuator = (*Mock)(nil)
	_ Button   = (*Mock)(nil)
)
