// Package command implements the line oriented calibration and diagnostic
// console of the scale.
package command

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/itohio/grindscale/pkg/calibration"
	"github.com/itohio/grindscale/pkg/grind"
	"github.com/itohio/grindscale/pkg/scale"
)

// ErrUsage is returned for malformed command arguments.
var ErrUsage = errors.New("invalid arguments")

// Controller is the scale as seen from the console. Channels are 0 based.
type Controller interface {
	TareChannel(ctx context.Context, ch int) error
	EnterCalibration(ctx context.Context, ch int) error
	ApplyWeight(ctx context.Context, ch int, grams float64) (calibration.Result, error)
	AbortCalibration(ch int)
	Snapshot() scale.Snapshot
	Channels() []scale.ChannelStatus
	RawRead(ctx context.Context, ch int) (calibration.RawReading, error)
	CombinedTare(ctx context.Context) error
	CaptureSecondaryOffset(ctx context.Context) (int64, error)
	Reset(ctx context.Context) error
	Guided(ctx context.Context, known float64, confirm func(ctx context.Context) (bool, error)) (calibration.GuidedResult, error)
	ToggleAZT() (bool, error)
	ExitFinished(ctx context.Context) (grind.Learning, bool, error)
}

// Command is one console command. args is the rest of the line after Flag.
type Command struct {
	Flag        byte
	Usage       string
	Run         func(ctx context.Context, p *Processor, args string) error
	Description string
}

var (
	TareCommand = &Command{
		Flag:  't',
		Usage: "t[n]",
		Run: func(ctx context.Context, p *Processor, args string) error {
			ch, err := channelArg(args)
			if err != nil {
				return err
			}
			p.println("Taring channel %d, please wait...", ch+1)
			if err := p.ctrl.TareChannel(ctx, ch); err != nil {
				return err
			}
			st := p.ctrl.Channels()[ch]
			p.println("Channel %d tare captured: %d counts", ch+1, st.Calibration.TareRaw)
			p.println("Place the reference mass and enter calibration with 'c%d'.", ch+1)
			return nil
		},
		Description: "Capture the empty reading of channel n (default 1) for calibration.",
	}
	CalibrateCommand = &Command{
		Flag:  'c',
		Usage: "c[n]",
		Run: func(ctx context.Context, p *Processor, args string) error {
			ch, err := channelArg(args)
			if err != nil {
				return err
			}
			if err := p.ctrl.EnterCalibration(ctx, ch); err != nil {
				return err
			}
			p.println("Calibrating channel %d: place the reference mass.", ch+1)
			p.println("Then enter its weight in grams, e.g. 'w%d 48.1'.", ch+1)
			return nil
		},
		Description: "Enter calibration mode on channel n after 't'.",
	}
	WeightCommand = &Command{
		Flag:  'w',
		Usage: "w[n] <g>",
		Run: func(ctx context.Context, p *Processor, args string) error {
			ch, grams, err := weightArgs(args)
			if err != nil {
				return err
			}
			p.println("Channel %d: using %.2fg as reference, reading...", ch+1, grams)
			res, err := p.ctrl.ApplyWeight(ctx, ch, grams)
			if err != nil {
				return err
			}
			p.println("=== Calibration result, channel %d ===", ch+1)
			p.println("Raw tare:        %d", res.TareRaw)
			p.println("Raw with weight: %.0f (noise %.1f counts)", res.Raw, res.Noise)
			p.println("Raw difference:  %.0f counts", res.Raw-float64(res.TareRaw))
			p.println("Divisor:         %.2f counts/g (was %.2f)", res.Divisor, res.Previous)
			p.println("Verification:    %.2fg (expected %.2fg)", res.Verification, grams)
			return nil
		},
		Description: "Complete calibration of channel n with a reference mass of g grams.",
	}
	QuitCalibrationCommand = &Command{
		Flag:  'q',
		Usage: "q[n]",
		Run: func(ctx context.Context, p *Processor, args string) error {
			ch, err := channelArg(args)
			if err != nil {
				return err
			}
			p.ctrl.AbortCalibration(ch)
			p.println("Channel %d calibration cancelled.", ch+1)
			return nil
		},
		Description: "Leave calibration mode on channel n without changes.",
	}
	StatusCommand = &Command{
		Flag:  's',
		Usage: "s",
		Run: func(ctx context.Context, p *Processor, args string) error {
			p.printStatus()
			return nil
		},
		Description: "Show the scale status.",
	}
	RawCommand = &Command{
		Flag:  'p',
		Usage: "p[n]",
		Run: func(ctx context.Context, p *Processor, args string) error {
			ch, err := channelArg(args)
			if err != nil {
				return err
			}
			r, err := p.ctrl.RawRead(ctx, ch)
			if err != nil {
				return err
			}
			p.println("[raw %d] raw=%d offset=%d divisor=%.5f grams=%.3f", ch+1, r.Raw, r.Offset, r.Divisor, r.Grams)
			return nil
		},
		Description: "Print an averaged raw reading of channel n.",
	}
	CombinedTareCommand = &Command{
		Flag:  'T',
		Usage: "T",
		Run: func(ctx context.Context, p *Processor, args string) error {
			p.println("Combined tare: taring primary and capturing the secondary offset...")
			if err := p.ctrl.CombinedTare(ctx); err != nil {
				return err
			}
			for i, st := range p.ctrl.Channels() {
				p.println("Channel %d offset %d", i+1, st.Offset)
			}
			return nil
		},
		Description: "Tare the empty platform on every channel.",
	}
	SecondaryOffsetCommand = &Command{
		Flag:  'O',
		Usage: "O",
		Run: func(ctx context.Context, p *Processor, args string) error {
			off, err := p.ctrl.CaptureSecondaryOffset(ctx)
			if err != nil {
				return err
			}
			p.println("Secondary offset set to %d and saved.", off)
			return nil
		},
		Description: "Capture the secondary channel offset from the current reading.",
	}
	ResetCommand = &Command{
		Flag:  'R',
		Usage: "R",
		Run: func(ctx context.Context, p *Processor, args string) error {
			p.println("Resetting calibration, offsets and shot offset to defaults...")
			if err := p.ctrl.Reset(ctx); err != nil {
				return err
			}
			for i, st := range p.ctrl.Channels() {
				p.println("Channel %d divisor reset to %.6f", i+1, st.Divisor)
			}
			p.println("Reset complete. Run 'T' on the empty platform, then calibrate again.")
			return nil
		},
		Description: "Factory reset of calibration and the learned shot offset.",
	}
	GuidedCommand = &Command{
		Flag:        'G',
		Usage:       "G<g>",
		Run:         guided,
		Description: "Guided calibration of every channel with a known mass of g grams.",
	}
	AZTCommand = &Command{
		Flag:  'a',
		Usage: "a",
		Run: func(ctx context.Context, p *Processor, args string) error {
			on, err := p.ctrl.ToggleAZT()
			if err != nil {
				return err
			}
			p.println("Auto-zero tracking %s.", onOff(on))
			return nil
		},
		Description: "Toggle auto-zero tracking.",
	}
	ExitFinishedCommand = &Command{
		Flag:  'x',
		Usage: "x",
		Run: func(ctx context.Context, p *Processor, args string) error {
			l, learned, err := p.ctrl.ExitFinished(ctx)
			if err != nil {
				return err
			}
			if !learned {
				p.println("Nothing to learn.")
				return nil
			}
			p.println("Shot %d: %.2fg for target %.2fg (error %+.2fg)", l.ShotCount, l.Actual, l.Target, l.Error)
			if l.Adjusted {
				p.println("Shot offset %.2f -> %.2f", l.Previous, l.ShotOffset)
			} else {
				p.println("Shot offset kept at %.2f", l.ShotOffset)
			}
			return nil
		},
		Description: "Leave the finished screen and learn the shot offset.",
	}
	HelpCommand = &Command{
		Flag:  'h',
		Usage: "h",
		Run: func(ctx context.Context, p *Processor, args string) error {
			p.println("=== Commands ===")
			for _, cmd := range commands {
				p.println("%-9s %s", cmd.Usage, cmd.Description)
			}
			p.println("%-9s %s", "h", "Show this help.")
			return nil
		},
		Description: "Show this help.",
	}
)

var commands = []*Command{
	TareCommand,
	CalibrateCommand,
	WeightCommand,
	QuitCalibrationCommand,
	StatusCommand,
	RawCommand,
	CombinedTareCommand,
	SecondaryOffsetCommand,
	ResetCommand,
	GuidedCommand,
	AZTCommand,
	ExitFinishedCommand,
}

// channelArg parses the optional 1 based channel digit that follows a flag.
func channelArg(args string) (int, error) {
	args = strings.TrimSpace(args)
	if args == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(args)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: channel %q", ErrUsage, args)
	}
	return n - 1, nil
}

// weightArgs parses "w48.1", "w1 48.1", "w2 48.1" and "w248.1". Without a
// separating space a leading 2 selects the secondary channel.
func weightArgs(args string) (int, float64, error) {
	fields := strings.Fields(args)
	var ch int
	var value string

	switch len(fields) {
	case 1:
		value = fields[0]
		if value[0] == '2' {
			ch, value = 1, value[1:]
		}
	case 2:
		var err error
		if ch, err = channelArg(fields[0]); err != nil {
			return 0, 0, err
		}
		value = fields[1]
	default:
		return 0, 0, fmt.Errorf("%w: expected w[n] <grams>", ErrUsage)
	}

	grams, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: weight %q", ErrUsage, value)
	}
	return ch, grams, nil
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
