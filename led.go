//go:build tinygo

package main

import "machine"

// Status LED: solid while a session owns the channel, toggling once
// per heartbeat while the loader is resident after an error.
const pinStatusLED = machine.LED

var ledState bool

// initLED configures the status LED pin for output.
func initLED() {
	pinStatusLED.Configure(machine.PinConfig{Mode: machine.PinOutput})
	pinStatusLED.Low()
}

// ledSet drives the status LED.
func ledSet(on bool) {
	ledState = on
	if on {
		pinStatusLED.High()
	} else {
		pinStatusLED.Low()
	}
}

// ledToggle flips the status LED.
func ledToggle() {
	ledSet(!ledState)
}
