package loadcell

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/itohio/grindscale/pkg/monitoring"
	"go.bug.st/serial"
)

const (
	// DefaultBaudRate is the baud rate of the HX711 bridge firmware.
	DefaultBaudRate = 115200
	// MaxChannels is the number of HX711 amplifiers on the bridge.
	MaxChannels = 2

	minRaw = -1 << 23
	maxRaw = 1<<23 - 1
)

// Frame is one line reported by the bridge firmware.
type Frame struct {
	Timestamp time.Time
	Raw       [MaxChannels]int64
	Ready     [MaxChannels]bool
	Button    bool
	Grinder   bool
}

// Port represents a serial port.
type Port struct {
	Name        string
	Description string
}

// Bridge is a connection to the HX711 bridge MCU. It demultiplexes the
// streamed frames into per-channel sources and forwards grinder commands.
type Bridge struct {
	port     string
	baudRate int

	conn      io.ReadWriteCloser
	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	connected bool

	latest   [MaxChannels]int64
	seq      [MaxChannels]uint64
	consumed [MaxChannels]uint64
	notify   chan struct{} // closed and replaced on every frame
	button   bool
	active   bool
}

// NewBridge creates a Bridge for the given serial port.
func NewBridge(port string, baudRate int) *Bridge {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Bridge{
		port:     port,
		baudRate: baudRate,
		ctx:      ctx,
		cancel:   cancel,
		notify:   make(chan struct{}),
	}
}

// Ports returns a list of available serial ports.
func Ports() ([]Port, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	result := make([]Port, 0, len(ports))
	for _, name := range ports {
		result = append(result, Port{Name: name, Description: name})
	}
	return result, nil
}

// Connect opens the serial port and starts reading frames.
func (b *Bridge) Connect() error {
	port, err := serial.Open(b.port, &serial.Mode{BaudRate: b.baudRate})
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", b.port, err)
	}
	return b.attach(port)
}

// attach starts reading frames from an already open connection.
func (b *Bridge) attach(conn io.ReadWriteCloser) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.connected {
		return fmt.Errorf("already connected")
	}

	b.conn = conn
	b.connected = true

	go b.readFrames(conn)

	return nil
}

// Close closes the connection and stops reading frames.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return nil
	}

	b.cancel()

	if b.conn != nil {
		if err := b.conn.Close(); err != nil {
			monitoring.Logf("Error closing serial port: %v", err)
		}
		b.conn = nil
	}

	b.connected = false

	return nil
}

// IsConnected returns whether the bridge is currently connected.
func (b *Bridge) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Source returns the raw source of channel i (0 based).
func (b *Bridge) Source(i int) Source {
	return &bridgeSource{bridge: b, idx: i}
}

// SetActive switches the grinder relay on the bridge.
func (b *Bridge) SetActive(on bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return fmt.Errorf("not connected")
	}

	cmd := "G0\n"
	if on {
		cmd = "G1\n"
	}
	if _, err := io.WriteString(b.conn, cmd); err != nil {
		return fmt.Errorf("failed to send grinder command: %w", err)
	}
	b.active = on

	return nil
}

// Active returns the last commanded grinder state.
func (b *Bridge) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// Pressed returns the button state from the latest frame.
func (b *Bridge) Pressed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.button
}

// readFrames reads lines from the serial port and publishes them to the sources.
func (b *Bridge) readFrames(r io.Reader) {
	defer func() {
		if r := recover(); r != nil {
			monitoring.Logf("Panic in readFrames: %v", r)
		}
	}()

	scanner := bufio.NewScanner(r)
	for {
		select {
		case <-b.ctx.Done():
			return
		default:
			if !scanner.Scan() {
				if err := scanner.Err(); err != nil && err != io.EOF {
					monitoring.Logf("Error reading from serial port: %v", err)
				}
				return
			}

			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}

			frame, err := parseLine(line)
			if err != nil {
				monitoring.Logf("Failed to parse line '%s': %v", line, err)
				continue
			}
			b.publish(frame)
		}
	}
}

func (b *Bridge) publish(f Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range f.Raw {
		if f.Ready[i] {
			b.latest[i] = f.Raw[i]
			b.seq[i]++
		}
	}
	b.button = f.Button

	close(b.notify)
	b.notify = make(chan struct{})
}

type bridgeSource struct {
	bridge *Bridge
	idx    int
}

func (s *bridgeSource) WaitReady(timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		b := s.bridge
		b.mu.Lock()
		fresh := b.seq[s.idx] > b.consumed[s.idx]
		notify := b.notify
		b.mu.Unlock()

		if fresh {
			return true
		}

		select {
		case <-notify:
		case <-deadline.C:
			return false
		case <-b.ctx.Done():
			return false
		}
	}
}

func (s *bridgeSource) Read() (int64, error) {
	if !s.WaitReady(DefaultReadyTimeout) {
		return 0, ErrNotReady
	}

	b := s.bridge
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consumed[s.idx] = b.seq[s.idx]
	return b.latest[s.idx], nil
}

// parseLine parses a line from the bridge into a Frame.
// Format: micros,raw1,raw2,flags where flags are four digits:
// ready1 ready2 button grinder.
// Example: 1234567890,8388607,-120034,1110
func parseLine(line string) (Frame, error) {
	parts := strings.Split(line, ",")
	if len(parts) != 4 {
		return Frame{}, fmt.Errorf("invalid line format: expected 4 comma-separated values, got %d", len(parts))
	}

	micros, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Frame{}, fmt.Errorf("invalid timestamp: %w", err)
	}

	var f Frame
	f.Timestamp = time.Unix(0, micros*1000)

	for i := 0; i < MaxChannels; i++ {
		raw, err := strconv.ParseInt(parts[i+1], 10, 32)
		if err != nil {
			return Frame{}, fmt.Errorf("invalid raw%d: %w", i+1, err)
		}
		if raw < minRaw || raw > maxRaw {
			return Frame{}, fmt.Errorf("raw%d out of 24-bit range: %d", i+1, raw)
		}
		f.Raw[i] = raw
	}

	flags := parts[3]
	if len(flags) != 4 {
		return Frame{}, fmt.Errorf("invalid flags: expected 4 digits, got %d", len(flags))
	}
	for i, c := range flags {
		if c != '0' && c != '1' {
			return Frame{}, fmt.Errorf("invalid flag %q at position %d", c, i)
		}
	}

	f.Ready[0] = flags[0] == '1'
	f.Ready[1] = flags[1] == '1'
	f.Button = flags[2] == '1'
	f.Grinder = flags[3] == '1'

	return f, nil
}
