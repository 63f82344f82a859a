package main

import (
	"context"
	"fmt"
	"image/color"
	"sync"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/app"
	"fyne.io/fyne/v2/canvas"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/dialog"
	"fyne.io/fyne/v2/theme"
	"fyne.io/fyne/v2/widget"
	"github.com/itohio/grindscale/pkg/config"
	"github.com/itohio/grindscale/pkg/grind"
	"github.com/itohio/grindscale/pkg/scale"
	"github.com/itohio/grindscale/pkg/scope"
)

// eventTimeout bounds a button press. UI tare holds its message for
// Display.TareHold on top of the tare itself.
const eventTimeout = 10 * time.Second

// targetStep is one detent of the target buttons, in grams.
const targetStep = 0.1

var _ scale.Renderer = (*window)(nil)

// window is the desktop display: a large weight readout, the grind status,
// the weight trace and the buttons that stand in for the rotary encoder.
type window struct {
	cfg        *config.Config
	configPath string

	app    fyne.App
	win    fyne.Window
	scale  *scale.Scale
	scope  *scope.ScopeWidget
	weight *canvas.Text
	state  *canvas.Text
	info   *widget.Label
	detail *widget.Label

	exitBtn *widget.Button
	ackBtn  *widget.Button
	aztBtn  *widget.Button

	mu   sync.Mutex
	last scale.Snapshot
}

func newWindow(cfg *config.Config, configPath string) *window {
	a := app.NewWithID("com.itohio.grindscale")
	w := &window{
		cfg:        cfg,
		configPath: configPath,
		app:        a,
		win:        a.NewWindow("Grinding Scale"),
		scope:      scope.New(cfg),
	}

	w.weight = canvas.NewText("--.-- g", color.White)
	w.weight.TextSize = 72
	w.weight.TextStyle = fyne.TextStyle{Bold: true, Monospace: true}
	w.weight.Alignment = fyne.TextAlignCenter

	w.state = canvas.NewText("", color.White)
	w.state.TextSize = 24
	w.state.Alignment = fyne.TextAlignCenter

	w.info = widget.NewLabel("")
	w.info.Alignment = fyne.TextAlignCenter
	w.detail = widget.NewLabel("")
	w.detail.Alignment = fyne.TextAlignCenter

	w.win.SetContent(container.NewBorder(
		w.createToolbar(),
		container.NewVBox(w.info, w.detail),
		nil,
		nil,
		container.NewVSplit(
			container.NewVBox(w.weight, w.state),
			w.scope,
		),
	))
	w.win.Resize(fyne.NewSize(800, 600))
	w.win.CenterOnScreen()
	return w
}

// createToolbar creates the tare, target, exit and settings buttons.
func (w *window) createToolbar() fyne.CanvasObject {
	tareBtn := widget.NewButtonWithIcon("Tare", theme.ViewRefreshIcon(), func() {
		w.dispatch(scale.TareEvent{})
	})
	w.exitBtn = widget.NewButtonWithIcon("Done", theme.ConfirmIcon(), func() {
		w.dispatch(scale.ExitFinishedEvent{})
	})
	w.ackBtn = widget.NewButtonWithIcon("Acknowledge", theme.CancelIcon(), func() {
		w.dispatch(scale.AcknowledgeEvent{})
	})
	w.exitBtn.Disable()
	w.ackBtn.Disable()

	targetDown := widget.NewButtonWithIcon("", theme.ContentRemoveIcon(), func() {
		w.dispatch(scale.AdjustTargetEvent{Delta: -targetStep})
	})
	targetUp := widget.NewButtonWithIcon("", theme.ContentAddIcon(), func() {
		w.dispatch(scale.AdjustTargetEvent{Delta: targetStep})
	})

	w.aztBtn = widget.NewButton("AZT", func() {
		w.dispatch(scale.ToggleAZTEvent{})
	})
	settingsBtn := widget.NewButtonWithIcon("", theme.SettingsIcon(), func() {
		showSettingsDialog(w)
	})

	return container.NewBorder(
		nil,
		nil,
		container.NewHBox(tareBtn, w.exitBtn, w.ackBtn),
		container.NewHBox(targetDown, widget.NewLabel("Target"), targetUp, w.aztBtn, settingsBtn),
		nil,
	)
}

// dispatch sends ev without blocking the fyne thread and reports failures
// in a dialog.
func (w *window) dispatch(ev scale.Event) {
	if w.scale == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout+w.cfg.Display.TareHold)
		defer cancel()
		if err := w.scale.Dispatch(ctx, ev); err != nil {
			fyne.Do(func() {
				dialog.ShowError(fmt.Errorf("%T: %w", ev, err), w.win)
			})
		}
	}()
}

// Render implements scale.Renderer. It runs on the display worker.
func (w *window) Render(snap scale.Snapshot) {
	w.mu.Lock()
	w.last = snap
	w.mu.Unlock()

	w.scope.Render(snap)
	fyne.Do(func() {
		w.update(snap)
	})
}

// snapshot returns the last rendered snapshot.
func (w *window) snapshot() scale.Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// update refreshes the widgets. It runs on the fyne thread.
func (w *window) update(snap scale.Snapshot) {
	w.weight.Text = formatWeight(snap)
	w.weight.Refresh()

	w.state.Text, w.state.Color = stateText(snap)
	w.state.Refresh()

	w.info.SetText(fmt.Sprintf("Target %.1fg   Shot offset %+.2fg (%d shots)   Cup %.1fg",
		snap.Target, snap.ShotOffset, snap.ShotCount, snap.Cup))
	w.detail.SetText(fmt.Sprintf("Trigger %s   Timer %s   Manual %s   Auto-vibe %s   Grinder %s",
		snap.Trigger, onOff(snap.TimerMode), onOff(snap.ManualMode), onOff(snap.AutoVibe), onOff(snap.Grinder)))

	setEnabled(w.exitBtn, snap.State == grind.StateFinished)
	setEnabled(w.ackBtn, snap.State == grind.StateFailed)
	if snap.AZT {
		w.aztBtn.Importance = widget.HighImportance
	} else {
		w.aztBtn.Importance = widget.MediumImportance
	}
	w.aztBtn.Refresh()
}

// run shows the window until it is closed or ctx is cancelled.
func (w *window) run(ctx context.Context, s *scale.Scale) {
	w.scale = s
	go func() {
		<-ctx.Done()
		fyne.Do(w.app.Quit)
	}()
	w.win.ShowAndRun()
}

func formatWeight(snap scale.Snapshot) string {
	if snap.Message != "" {
		return snap.Message
	}
	if !snap.Ready {
		return "--.-- g"
	}
	return fmt.Sprintf("%.2f g", snap.DisplayWeight)
}

func stateText(snap scale.Snapshot) (string, color.Color) {
	switch {
	case snap.Calibrating:
		return "Calibrating", color.RGBA{R: 100, G: 200, B: 255, A: 255}
	case snap.State == grind.StateGrinding:
		return fmt.Sprintf("Grinding to %.1fg  %.1fs", snap.Target, snap.Elapsed.Seconds()), color.RGBA{R: 255, G: 165, B: 0, A: 255}
	case snap.State == grind.StateFinished:
		return fmt.Sprintf("Finished in %.1fs", snap.Elapsed.Seconds()), color.RGBA{R: 80, G: 200, B: 120, A: 255}
	case snap.State == grind.StateFailed:
		return "Failed: " + snap.Failure.String(), color.RGBA{R: 220, G: 60, B: 60, A: 255}
	case snap.ManualMode:
		return "Manual", color.White
	default:
		return "Ready", color.White
	}
}

func setEnabled(btn *widget.Button, on bool) {
	if on {
		btn.Enable()
	} else {
		btn.Disable()
	}
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
