package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/dialog"
	"fyne.io/fyne/v2/widget"
	"github.com/itohio/grindscale/pkg/grind"
	"github.com/itohio/grindscale/pkg/loadcell"
	"github.com/itohio/grindscale/pkg/scale"
)

// showSettingsDialog displays the grind and hardware settings.
func showSettingsDialog(w *window) {
	tabs := container.NewAppTabs(
		createGrindTab(w),
		createShotOffsetTab(w),
		createSerialTab(w),
	)

	d := dialog.NewCustom("Settings", "Close", tabs, w.win)
	d.Resize(fyne.NewSize(480, 420))
	d.Show()
}

// createGrindTab edits the persisted grind settings of the scale.
func createGrindTab(w *window) *container.TabItem {
	snap := w.snapshot()

	cupEntry := widget.NewEntry()
	cupEntry.SetText(strconv.FormatFloat(snap.CupSetting, 'f', 1, 64))
	compEntry := widget.NewEntry()
	compEntry.SetText(strconv.FormatFloat(snap.Compensation, 'f', 2, 64))

	trigger := widget.NewSelect([]string{grind.TriggerButton.String(), grind.TriggerCup.String()}, nil)
	trigger.SetSelected(snap.Trigger.String())

	timerMode := widget.NewCheck("", nil)
	timerMode.SetChecked(snap.TimerMode)
	manualMode := widget.NewCheck("", nil)
	manualMode.SetChecked(snap.ManualMode)
	autoVibe := widget.NewCheck("", nil)
	autoVibe.SetChecked(snap.AutoVibe)

	form := &widget.Form{
		Items: []*widget.FormItem{
			{Text: "Cup weight (g)", Widget: cupEntry},
			{Text: "Compensation (g)", Widget: compEntry},
			{Text: "Trigger", Widget: trigger},
			{Text: "Timer mode", Widget: timerMode},
			{Text: "Manual mode", Widget: manualMode},
			{Text: "Auto-vibe", Widget: autoVibe},
		},
		OnSubmit: func() {
			events := []scale.SetSettingEvent{
				{Setting: grind.SettingTrigger, Value: trigger.Selected},
				{Setting: grind.SettingTimerMode, Value: strconv.FormatBool(timerMode.Checked)},
				{Setting: grind.SettingManualMode, Value: strconv.FormatBool(manualMode.Checked)},
				{Setting: grind.SettingAutoVibe, Value: strconv.FormatBool(autoVibe.Checked)},
			}
			if cupEntry.Text != "" {
				events = append(events, scale.SetSettingEvent{Setting: grind.SettingCupWeight, Value: cupEntry.Text})
			}
			if compEntry.Text != "" {
				events = append(events, scale.SetSettingEvent{Setting: grind.SettingCompensation, Value: compEntry.Text})
			}
			w.applySettings(events)
		},
	}

	return container.NewTabItem("Grind", form)
}

// createShotOffsetTab nudges the learned shot offset by hand.
func createShotOffsetTab(w *window) *container.TabItem {
	current := widget.NewLabel(fmt.Sprintf("%+.2f g", w.snapshot().ShotOffset))
	nudge := func(delta float64) func() {
		return func() {
			w.dispatch(scale.AdjustShotOffsetEvent{Delta: delta})
			current.SetText(fmt.Sprintf("%+.2f g (adjusting %+.1f)", w.snapshot().ShotOffset+delta, delta))
		}
	}

	return container.NewTabItem("Shot offset", container.NewVBox(
		current,
		container.NewGridWithColumns(4,
			widget.NewButton("-1.0", nudge(-1)),
			widget.NewButton("-0.1", nudge(-0.1)),
			widget.NewButton("+0.1", nudge(0.1)),
			widget.NewButton("+1.0", nudge(1)),
		),
	))
}

// createSerialTab selects the HX711 bridge port. The change is saved to the
// configuration file and used on the next start.
func createSerialTab(w *window) *container.TabItem {
	ports, err := loadcell.Ports()
	portOptions := []string{}
	portMap := make(map[string]string)
	if err == nil {
		for _, port := range ports {
			display := port.Name
			if port.Description != "" && port.Description != port.Name {
				display = fmt.Sprintf("%s (%s)", port.Name, port.Description)
			}
			portOptions = append(portOptions, display)
			portMap[display] = port.Name
		}
	}

	current := w.cfg.Serial.Port
	selected := current
	found := false
	for _, opt := range portOptions {
		if portMap[opt] == current {
			selected, found = opt, true
			break
		}
	}
	if !found && current != "" {
		portOptions = append(portOptions, current)
		portMap[current] = current
	}

	portSelect := widget.NewSelect(portOptions, nil)
	if selected != "" {
		portSelect.SetSelected(selected)
	}

	form := &widget.Form{
		Items: []*widget.FormItem{
			{Text: "Serial port", Widget: portSelect},
		},
		OnSubmit: func() {
			if portSelect.Selected == "" {
				return
			}
			port := portMap[portSelect.Selected]
			if port == "" {
				port = portSelect.Selected
			}
			if port == w.cfg.Serial.Port {
				return
			}
			w.cfg.Serial.Port = port
			if err := w.cfg.Save(w.configPath); err != nil {
				dialog.ShowError(fmt.Errorf("failed to save config: %w", err), w.win)
				return
			}
			dialog.ShowInformation("Serial port", "Saved. Restart to connect to "+port+".", w.win)
		},
	}

	return container.NewTabItem("Serial", form)
}

// applySettings dispatches events in order and reports every failure at once.
func (w *window) applySettings(events []scale.SetSettingEvent) {
	if w.scale == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		defer cancel()

		var errs []error
		for _, ev := range events {
			if err := w.scale.Dispatch(ctx, ev); err != nil {
				errs = append(errs, err)
			}
		}
		if err := errors.Join(errs...); err != nil {
			fyne.Do(func() {
				dialog.ShowError(err, w.win)
			})
		}
	}()
}
