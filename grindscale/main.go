package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/itohio/grindscale/pkg/command"
	"github.com/itohio/grindscale/pkg/config"
	"github.com/itohio/grindscale/pkg/loadcell"
	"github.com/itohio/grindscale/pkg/prefs"
	"github.com/itohio/grindscale/pkg/scale"
	"github.com/itohio/grindscale/pkg/timeutil"
)

var _ command.Controller = (*scale.Scale)(nil)

// progressInterval paces the grind progress lines of a headless scale.
const progressInterval = time.Second

func main() {
	var (
		configFlag   = flag.String("config", "config.yaml", "Configuration file path")
		portFlag     = flag.String("p", "", "Serial port override (e.g., COM3 or /dev/ttyACM0)")
		mockFlag     = flag.Bool("mock", false, "Use a simulated platform instead of the HX711 bridge")
		storeFlag    = flag.String("store", "", "Preferences store override: memory, yaml:<path> or sqlite:<path>")
		headlessFlag = flag.Bool("headless", false, "Run without a window, logging state changes")
	)
	flag.Parse()

	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *portFlag != "" {
		cfg.Serial.Port = *portFlag
	}
	if *storeFlag != "" {
		if err := overrideStore(&cfg.Store, *storeFlag); err != nil {
			log.Fatalf("Invalid -store: %v", err)
		}
	}

	device := openDevice(cfg, *mockFlag)
	defer device.Close()

	store, err := prefs.Open(cfg.Store)
	if err != nil {
		log.Fatalf("Failed to open preferences: %v", err)
	}
	defer store.Close()

	hw := scale.Hardware{
		Actuator: device,
		Button:   device,
	}
	for i := range cfg.Channels {
		hw.Sources = append(hw.Sources, device.Source(i))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var win *window
	var renderers []scale.Renderer
	if *headlessFlag {
		renderers = append(renderers, scale.NewLogRenderer(nil, progressInterval))
	} else {
		win = newWindow(cfg, *configFlag)
		renderers = append(renderers, win)
	}

	s, err := scale.New(cfg, timeutil.RealClock{}, hw, store, renderers...)
	if err != nil {
		log.Fatalf("Failed to create scale: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	go func() {
		console := command.New(s, cfg, timeutil.RealClock{})
		if err := console.Run(ctx, os.Stdin, os.Stdout); err != nil {
			log.Printf("Console stopped: %v", err)
		}
	}()

	if win != nil {
		// The window owns the main goroutine until it is closed.
		win.run(ctx, s)
		stop()
	}

	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("Scale stopped: %v", err)
	}
}

// openDevice connects the serial bridge, or the simulator when useMock is set.
func openDevice(cfg *config.Config, useMock bool) loadcell.Device {
	var device loadcell.Device
	if useMock {
		divisors := make([]float64, len(cfg.Channels))
		for i, ch := range cfg.Channels {
			divisors[i] = ch.Divisor
		}
		device = loadcell.NewMock(&cfg.Mock, divisors)
		log.Printf("Using simulated platform")
	} else {
		device = loadcell.NewBridge(cfg.Serial.Port, cfg.Serial.BaudRate)
	}

	if err := device.Connect(); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	if !useMock {
		log.Printf("Connected to HX711 bridge on %s", cfg.Serial.Port)
	}
	return device
}
