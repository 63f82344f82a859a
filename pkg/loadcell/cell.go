package loadcell

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// DefaultReadyTimeout bounds each wait inside ReadRawAverage.
const DefaultReadyTimeout = time.Second

var (
	// ErrNotReady is returned when a conversion does not arrive in time.
	ErrNotReady = errors.New("load cell not ready")
	// ErrInvalidDivisor is returned for divisors that are not positive and finite.
	ErrInvalidDivisor = errors.New("invalid scale divisor")
)

// Cell implements Channel on top of a raw Source.
type Cell struct {
	name         string
	src          Source
	readyTimeout time.Duration

	mu      sync.RWMutex
	offset  int64
	divisor float64
}

// NewCell creates a channel. The divisor must be positive and finite.
func NewCell(name string, src Source, offset int64, divisor float64) (*Cell, error) {
	if !ValidDivisor(divisor) {
		return nil, fmt.Errorf("%s: %w: %v", name, ErrInvalidDivisor, divisor)
	}
	return &Cell{
		name:         name,
		src:          src,
		readyTimeout: DefaultReadyTimeout,
		offset:       offset,
		divisor:      divisor,
	}, nil
}

// ValidDivisor reports whether d can be used as a scale divisor.
func ValidDivisor(d float64) bool {
	return d > 0 && !math.IsInf(d, 0) && !math.IsNaN(d)
}

// Name returns the channel name.
func (c *Cell) Name() string { return c.name }

// WaitReady blocks until the source has a fresh conversion.
func (c *Cell) WaitReady(timeout time.Duration) bool {
	return c.src.WaitReady(timeout)
}

// ReadRaw returns one raw conversion.
func (c *Cell) ReadRaw() (int64, error) {
	v, err := c.src.Read()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", c.name, err)
	}
	return v, nil
}

// ReadRawAverage returns the integer mean of n consecutive conversions.
func (c *Cell) ReadRawAverage(n int) (int64, error) {
	if n < 1 {
		n = 1
	}
	var sum int64
	for i := 0; i < n; i++ {
		if !c.src.WaitReady(c.readyTimeout) {
			return 0, fmt.Errorf("%s: sample %d of %d: %w", c.name, i+1, n, ErrNotReady)
		}
		v, err := c.src.Read()
		if err != nil {
			return 0, fmt.Errorf("%s: sample %d of %d: %w", c.name, i+1, n, err)
		}
		sum += v
	}
	return sum / int64(n), nil
}

// Offset returns the raw count at zero load.
func (c *Cell) Offset() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}

// SetOffset sets the raw count at zero load.
func (c *Cell) SetOffset(offset int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset = offset
}

// Divisor returns counts per gram.
func (c *Cell) Divisor() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.divisor
}

// SetDivisor sets counts per gram. Non-positive and non-finite values are
// rejected and leave the live divisor unchanged.
func (c *Cell) SetDivisor(divisor float64) error {
	if !ValidDivisor(divisor) {
		return fmt.Errorf("%s: %w: %v", c.name, ErrInvalidDivisor, divisor)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.divisor = divisor
	return nil
}

// Grams converts a raw count using the live offset and divisor.
func (c *Cell) Grams(raw int64) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return float64(raw-c.offset) / c.divisor
}
