//go:build tinygo

package main

import "machine"

const (
	// Sampling configuration
	POLL_INTERVAL_US = 500 // Main loop period; HX711 at 80 SPS converts every 12.5ms
	GAIN_PULSES      = 1   // Extra clock pulses after the 24 data bits: 1 = channel A, gain 128

	// HX711 pins (RATE tied high for 80 SPS)
	PIN_HX1_DOUT = machine.D1
	PIN_HX1_SCK  = machine.D2
	PIN_HX2_DOUT = machine.D3
	PIN_HX2_SCK  = machine.D4

	// Grinder relay and trigger button (active low, internal pull-up)
	PIN_GRINDER = machine.D7
	PIN_BUTTON  = machine.D8

	// Serial configuration
	// Frame format: "micros,raw1,raw2,flags\n", e.g. "1234567890,-8388608,8388607,1101\n"
	// = ~36 bytes max per line, at most 160 lines/sec (two amplifiers at 80 SPS)
	// = 5,760 bytes/sec. UART 8N1 at 115200 moves 11,520 bytes/sec.
	UART_BAUD_RATE = 115200
)
