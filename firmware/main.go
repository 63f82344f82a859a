//go:build tinygo

//go:generate tinygo flash -target=xiao

package main

import (
	"machine"
	"time"
)

var (
	uart = machine.UART0

	amps = [2]hx711{
		{dout: PIN_HX1_DOUT, sck: PIN_HX1_SCK},
		{dout: PIN_HX2_DOUT, sck: PIN_HX2_SCK},
	}

	// Latest conversions and whether they are new since the last frame
	raw   [2]int32
	fresh [2]bool

	grinderOn bool

	// Serial buffer for reading commands
	serialBuffer [8]byte
	serialPos    int
)

func main() {
	for _, a := range amps {
		a.configure()
	}

	PIN_GRINDER.Configure(machine.PinConfig{Mode: machine.PinOutput})
	PIN_GRINDER.Low()
	PIN_BUTTON.Configure(machine.PinConfig{Mode: machine.PinInputPullup})

	uart.Configure(machine.UARTConfig{
		BaudRate: UART_BAUD_RATE,
	})

	for {
		processSerial()

		for i, a := range amps {
			if a.ready() {
				raw[i] = a.read()
				fresh[i] = true
			}
		}

		// One frame per conversion of either amplifier.
		if fresh[0] || fresh[1] {
			outputFrame()
			fresh = [2]bool{}
		}

		time.Sleep(POLL_INTERVAL_US * time.Microsecond)
	}
}

// outputFrame prints "micros,raw1,raw2,flags" where flags are
// ready1 ready2 button grinder.
// Example: "1234567890,8388607,-120034,1110\n"
func outputFrame() {
	timestampMicros := time.Now().UnixNano() / 1000

	print(timestampMicros)
	print(",")
	print(raw[0])
	print(",")
	print(raw[1])
	print(",")
	printFlag(fresh[0])
	printFlag(fresh[1])
	printFlag(!PIN_BUTTON.Get())
	printFlag(grinderOn)
	print("\n")
}

func printFlag(on bool) {
	if on {
		print("1")
	} else {
		print("0")
	}
}

// processSerial accepts "G1" and "G0" lines that switch the grinder relay.
func processSerial() {
	for uart.Buffered() > 0 {
		data, err := uart.ReadByte()
		if err != nil {
			break
		}

		if data == '\n' || data == '\r' {
			if serialPos == 2 && serialBuffer[0] == 'G' {
				switch serialBuffer[1] {
				case '1':
					setGrinder(true)
				case '0':
					setGrinder(false)
				}
			}
			serialPos = 0
			continue
		}

		if data == ' ' || data == '\t' {
			continue
		}

		if serialPos < len(serialBuffer) {
			serialBuffer[serialPos] = data
			serialPos++
		}
	}
}

func setGrinder(on bool) {
	grinderOn = on
	if on {
		PIN_GRINDER.High()
	} else {
		PIN_GRINDER.Low()
	}
}
