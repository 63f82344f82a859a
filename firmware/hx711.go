//go:build tinygo

package main

import (
	"machine"
	"runtime/interrupt"
	"runtime/volatile"
)

// spinLoops keeps each SCK level for about a microsecond on a 48MHz core.
const spinLoops = 12

var spinReg volatile.Register32

// hx711 is one bit-banged HX711 amplifier.
type hx711 struct {
	dout machine.Pin
	sck  machine.Pin
}

func (h hx711) configure() {
	h.dout.Configure(machine.PinConfig{Mode: machine.PinInput})
	h.sck.Configure(machine.PinConfig{Mode: machine.PinOutput})
	h.sck.Low()
}

// ready reports whether a conversion is waiting. DOUT goes low when it is.
func (h hx711) ready() bool {
	return !h.dout.Get()
}

// read clocks out one 24-bit two's complement conversion and selects the
// next channel and gain. SCK must not stay high for more than 60us or the
// chip powers down, so interrupts are held off while clocking.
func (h hx711) read() int32 {
	state := interrupt.Disable()
	defer interrupt.Restore(state)

	var v uint32
	for range 24 {
		h.sck.High()
		spin()
		v <<= 1
		if h.dout.Get() {
			v |= 1
		}
		h.sck.Low()
		spin()
	}
	for range GAIN_PULSES {
		h.sck.High()
		spin()
		h.sck.Low()
		spin()
	}

	// Sign extend bit 23.
	if v&0x800000 != 0 {
		v |= 0xFF000000
	}
	return int32(v)
}

func spin() {
	for i := uint32(0); i < spinLoops; i++ {
		spinReg.Set(i)
	}
}
