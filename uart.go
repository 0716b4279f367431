//go:build tinygo

package main

import (
	"machine"
	"time"
)

// serialChannel adapts the machine serial console to the loader's byte
// channel contract. Framing and baud are whatever the host configured
// on the CDC/UART side; the loader only sees bytes.
type serialChannel struct{}

func (serialChannel) ReadByte() byte {
	for {
		if machine.Serial.Buffered() > 0 {
			if b, err := machine.Serial.ReadByte(); err == nil {
				return b
			}
		}
		time.Sleep(pollTime)
	}
}

func (serialChannel) WriteByte(b byte) {
	machine.Serial.WriteByte(b)
}

func (serialChannel) Buffered() int {
	return machine.Serial.Buffered()
}
