package loadcell

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    Frame
		wantErr bool
	}{
		{
			name: "valid line - both ready, button pressed",
			line: "1234567890,8388607,-120034,1110",
			want: Frame{
				Timestamp: time.Unix(0, 1234567890*1000),
				Raw:       [MaxChannels]int64{8388607, -120034},
				Ready:     [MaxChannels]bool{true, true},
				Button:    true,
			},
		},
		{
			name: "valid line - secondary not ready, grinder on",
			line: "42,100,0,1001",
			want: Frame{
				Timestamp: time.Unix(0, 42*1000),
				Raw:       [MaxChannels]int64{100, 0},
				Ready:     [MaxChannels]bool{true, false},
				Grinder:   true,
			},
		},
		{
			name: "valid line - minimum raw",
			line: "1,-8388608,0,1000",
			want: Frame{
				Timestamp: time.Unix(0, 1000),
				Raw:       [MaxChannels]int64{-8388608, 0},
				Ready:     [MaxChannels]bool{true, false},
			},
		},
		{name: "invalid - wrong number of fields", line: "1,2,3", wantErr: true},
		{name: "invalid - too many fields", line: "1,2,3,1100,extra", wantErr: true},
		{name: "invalid - non-numeric timestamp", line: "abc,1,2,1100", wantErr: true},
		{name: "invalid - non-numeric raw", line: "1,abc,2,1100", wantErr: true},
		{name: "invalid - raw above 24 bits", line: "1,8388608,2,1100", wantErr: true},
		{name: "invalid - raw below 24 bits", line: "1,1,-8388609,1100", wantErr: true},
		{name: "invalid - flags wrong length", line: "1,1,2,110", wantErr: true},
		{name: "invalid - flags not binary", line: "1,1,2,11x0", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseLine(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.Timestamp.UnixNano(), got.Timestamp.UnixNano())
			assert.Equal(t, tt.want.Raw, got.Raw)
			assert.Equal(t, tt.want.Ready, got.Ready)
			assert.Equal(t, tt.want.Button, got.Button)
			assert.Equal(t, tt.want.Grinder, got.Grinder)
		})
	}
}

// pipePort is an in-memory serial port: the test writes firmware lines into
// fw and reads host commands from host.
type pipePort struct {
	io.Reader
	io.Writer
	closers []io.Closer
}

func (p *pipePort) Close() error {
	for _, c := range p.closers {
		c.Close()
	}
	return nil
}

func newPipeBridge(t *testing.T) (*Bridge, *io.PipeWriter, *io.PipeReader) {
	t.Helper()
	fromFw, fw := io.Pipe()
	host, toHost := io.Pipe()

	b := NewBridge("test", 0)
	require.NoError(t, b.attach(&pipePort{
		Reader:  fromFw,
		Writer:  toHost,
		closers: []io.Closer{fromFw, toHost},
	}))
	t.Cleanup(func() { b.Close() })
	return b, fw, host
}

func TestBridge_SourcesFollowFrames(t *testing.T) {
	b, fw, _ := newPipeBridge(t)
	primary := b.Source(0)
	secondary := b.Source(1)

	assert.False(t, primary.WaitReady(10*time.Millisecond))

	_, err := io.WriteString(fw, "1,1500,-300,1110\n")
	require.NoError(t, err)

	require.True(t, primary.WaitReady(time.Second))
	v, err := primary.Read()
	require.NoError(t, err)
	assert.Equal(t, int64(1500), v)

	v, err = secondary.Read()
	require.NoError(t, err)
	assert.Equal(t, int64(-300), v)
	assert.True(t, b.Pressed())

	// Consumed conversions are not reported again.
	assert.False(t, primary.WaitReady(10*time.Millisecond))

	// A frame with the secondary not ready only refreshes the primary.
	_, err = io.WriteString(fw, "2,1600,0,1000\n")
	require.NoError(t, err)
	require.True(t, primary.WaitReady(time.Second))
	assert.False(t, secondary.WaitReady(10*time.Millisecond))
	assert.False(t, b.Pressed())
}

func TestBridge_SkipsMalformedLines(t *testing.T) {
	b, fw, _ := newPipeBridge(t)

	_, err := io.WriteString(fw, "garbage\n\n3,77,0,1000\n")
	require.NoError(t, err)

	src := b.Source(0)
	require.True(t, src.WaitReady(time.Second))
	v, err := src.Read()
	require.NoError(t, err)
	assert.Equal(t, int64(77), v)
}

func TestBridge_SetActive(t *testing.T) {
	b, _, host := newPipeBridge(t)

	done := make(chan string, 1)
	go func() {
		buf := make([]byte, 3)
		_, _ = io.ReadFull(host, buf)
		done <- string(buf)
	}()

	require.NoError(t, b.SetActive(true))
	assert.Equal(t, "G1\n", <-done)
	assert.True(t, b.Active())
}

func TestBridge_NotConnected(t *testing.T) {
	b := NewBridge("test", 0)
	assert.False(t, b.IsConnected())
	assert.Error(t, b.SetActive(true))
	assert.NoError(t, b.Close())
}
