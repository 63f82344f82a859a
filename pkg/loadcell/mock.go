package loadcell

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chewxy/math32"
	"github.com/itohio/grindscale/pkg/config"
)

// Mock simulates the load cell platform, grinder and button for development
// without hardware. Every channel observes the same platform mass.
type Mock struct {
	cfg      *config.MockConfig
	offsets  []int64
	divisors []float64

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	connected bool
	notify    chan struct{}

	// Simulation state
	tick     uint64
	mass     float64
	latest   []int64
	seq      []uint64
	consumed []uint64
	ready    []bool
	pressed  bool
	active   bool
	toggles  int
}

// NewMock creates a simulated platform. divisors are the true counts per gram
// of each simulated channel; offsets come from cfg and default to zero.
func NewMock(cfg *config.MockConfig, divisors []float64) *Mock {
	if cfg == nil {
		cfg = &config.MockConfig{
			NoiseLevel: 0,
			SampleRate: 12500 * time.Microsecond,
			GrindRate:  1.5,
		}
	}

	n := len(divisors)
	offsets := make([]int64, n)
	copy(offsets, cfg.Offsets)

	ready := make([]bool, n)
	for i := range ready {
		ready[i] = true
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Mock{
		cfg:      cfg,
		offsets:  offsets,
		divisors: append([]float64(nil), divisors...),
		ctx:      ctx,
		cancel:   cancel,
		notify:   make(chan struct{}),
		latest:   make([]int64, n),
		seq:      make([]uint64, n),
		consumed: make([]uint64, n),
		ready:    ready,
	}
}

// Connect starts generating conversions at the configured sample rate.
func (m *Mock) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return fmt.Errorf("already connected")
	}
	m.connected = true

	go m.generate()

	return nil
}

// Close stops the simulation. Pending waits return not ready.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil
	}

	m.cancel()
	m.connected = false

	return nil
}

// IsConnected returns whether the simulation is running.
func (m *Mock) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Source returns the raw source of channel i (0 based).
func (m *Mock) Source(i int) Source {
	return &mockSource{mock: m, idx: i}
}

// SetMass places grams on the platform.
func (m *Mock) SetMass(grams float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mass = grams
}

// Mass returns the simulated platform mass.
func (m *Mock) Mass() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mass
}

// SetReady makes channel i stop (or resume) producing conversions.
func (m *Mock) SetReady(i int, ready bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready[i] = ready
}

// Press sets the button state.
func (m *Mock) Press(pressed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pressed = pressed
}

// Pressed returns the button state.
func (m *Mock) Pressed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pressed
}

// SetActive switches the simulated grinder.
func (m *Mock) SetActive(on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != on {
		m.toggles++
	}
	m.active = on
	return nil
}

// Active returns the simulated grinder state.
func (m *Mock) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Toggles returns how many times the grinder changed state.
func (m *Mock) Toggles() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.toggles
}

// Step produces one conversion per ready channel. The running grinder adds
// GrindRate grams per second of simulated time.
func (m *Mock) Step() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tick++
	if m.active {
		m.mass += m.cfg.GrindRate * m.cfg.SampleRate.Seconds()
	}

	for i := range m.latest {
		if !m.ready[i] {
			continue
		}
		m.latest[i] = m.offsets[i] + int64(m.mass*m.divisors[i]) + int64(m.noise(i))
		m.seq[i]++
	}

	close(m.notify)
	m.notify = make(chan struct{})
}

// noise returns a deterministic pseudo noise in counts for channel i.
func (m *Mock) noise(i int) float32 {
	level := float32(m.cfg.NoiseLevel)
	if level == 0 {
		return 0
	}
	t := float32(m.tick) + float32(i)*17
	n := math32.Sin(t*0.91) + math32.Cos(t*1.37)
	if m.active {
		// Motor vibration rides on top of the strain gauge noise.
		n += 2 * math32.Sin(t*2.3)
	}
	return n * level * 0.5
}

func (m *Mock) generate() {
	ticker := time.NewTicker(m.cfg.SampleRate)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Step()
		}
	}
}

type mockSource struct {
	mock *Mock
	idx  int
}

func (s *mockSource) WaitReady(timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	m := s.mock
	for {
		m.mu.Lock()
		fresh := m.seq[s.idx] > m.consumed[s.idx]
		notify := m.notify
		m.mu.Unlock()

		if fresh {
			return true
		}

		select {
		case <-notify:
		case <-deadline.C:
			return false
		case <-m.ctx.Done():
			return false
		}
	}
}

func (s *mockSource) Read() (int64, error) {
	if !s.WaitReady(DefaultReadyTimeout) {
		return 0, ErrNotReady
	}

	m := s.mock
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumed[s.idx] = m.seq[s.idx]
	return m.latest[s.idx], nil
}
