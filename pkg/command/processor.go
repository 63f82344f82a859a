package command

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/itohio/grindscale/pkg/config"
	"github.com/itohio/grindscale/pkg/timeutil"
)

// Processor reads commands line by line and runs them against a Controller.
// A Processor serves one Run at a time.
type Processor struct {
	ctrl  Controller
	cfg   config.CalibrationConfig
	clock timeutil.Clock
	cmds  map[byte]*Command

	w     io.Writer
	lines <-chan string
}

// New creates a processor over ctrl.
func New(ctrl Controller, cfg *config.Config, clock timeutil.Clock) *Processor {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	cmds := map[byte]*Command{
		HelpCommand.Flag: HelpCommand,
	}
	for _, cmd := range commands {
		cmds[cmd.Flag] = cmd
	}
	return &Processor{
		ctrl:  ctrl,
		cfg:   cfg.Calibration,
		clock: clock,
		cmds:  cmds,
	}
}

// Run executes commands read from r and writes their output to w until r is
// exhausted or ctx is cancelled. Command errors are reported on w and do not
// stop the loop.
func (p *Processor) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- strings.TrimSpace(scanner.Text()):
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	p.w = w
	p.lines = lines

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					return err
				default:
					return nil
				}
			}
			if line == "" {
				continue
			}
			if err := p.execute(ctx, line); err != nil {
				p.println("error: %v", err)
			}
		}
	}
}

func (p *Processor) execute(ctx context.Context, line string) error {
	cmd, ok := p.cmds[line[0]]
	if !ok {
		return fmt.Errorf("unknown command %q, 'h' lists commands", line[:1])
	}
	return cmd.Run(ctx, p, line[1:])
}

func (p *Processor) println(format string, args ...interface{}) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

// confirm waits for the next input line. An empty line or anything but "a"
// confirms; "a", closed input and ConfirmTimeout abort.
func (p *Processor) confirm(ctx context.Context) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-p.clock.After(p.cfg.ConfirmTimeout):
		p.println("Timed out waiting for confirmation.")
		return false, nil
	case line, ok := <-p.lines:
		if !ok {
			return false, nil
		}
		return !strings.EqualFold(line, "a"), nil
	}
}

// placeMass prompts for the known mass once the platform has been checked
// and waits for the user to confirm it is in place.
func (p *Processor) placeMass(ctx context.Context) (bool, error) {
	p.println("Platform is empty. Place the known mass now and let it settle...")
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-p.clock.After(p.cfg.ConfirmSettle):
	}

	p.println("When the mass is stable press ENTER to continue, or 'a' then ENTER to abort.")
	ok, err := p.confirm(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		p.println("Guided calibration aborted.")
		return false, nil
	}
	p.println("Reading every channel, keep the mass still...")
	return true, nil
}

func guided(ctx context.Context, p *Processor, args string) error {
	known, err := strconv.ParseFloat(strings.TrimSpace(args), 64)
	if err != nil || known <= 0 {
		return fmt.Errorf("%w: usage G<grams>, e.g. G77.08", ErrUsage)
	}

	p.println("Guided calibration with a known mass of %.3fg.", known)
	res, err := p.ctrl.Guided(ctx, known, p.placeMass)
	if err != nil {
		return err
	}

	for i, m := range res.Measured {
		p.println("Channel %d measured %.3fg (noise %.1f counts)", i+1, m, res.Noise[i])
	}
	p.println("Average %.3fg, multiplier %.6f", res.Average, res.Multiplier)
	for i, d := range res.Divisors {
		p.println("Channel %d divisor %.6f", i+1, d)
	}
	p.println("Verification: %.3fg (expected %.3fg)", res.Verification, known)
	return nil
}

func (p *Processor) printStatus() {
	snap := p.ctrl.Snapshot()

	ready := "ready"
	if !snap.Ready {
		ready = "not ready"
	}

	p.println("=== Scale status ===")
	p.println("State:       %s", snap.State)
	if snap.Failure != 0 {
		p.println("Failure:     %s", snap.Failure)
	}
	p.println("Weight:      %.2fg (%s)", snap.Weight, ready)
	p.println("Target:      %.2fg, shot offset %.2fg over %d shots", snap.Target, snap.ShotOffset, snap.ShotCount)
	p.println("Trigger:     %s, timer mode %s, manual %s", snap.Trigger, onOff(snap.TimerMode), onOff(snap.ManualMode))
	p.println("Auto-zero:   %s", onOff(snap.AZT))
	for i, st := range p.ctrl.Channels() {
		p.println("Channel %d:   %s divisor %.2f counts/g, offset %d, calibration %s, tare %s",
			i+1, st.Name, st.Divisor, st.Offset, st.Calibration.Mode, captured(st.Calibration.TareRaw))
	}
}

func captured(raw int64) string {
	if raw == 0 {
		return "not captured"
	}
	return strconv.FormatInt(raw, 10)
}
