package main

import (
	"time"

	"github.com/yezzfusl/triple-bootloader/loader"
)

// heartbeatInterval paces the resident diagnostic emitted after a
// session that did not hand over to the application.
const heartbeatInterval = time.Second

// heartbeatMessage is printed once per heartbeat while the loader
// stays resident waiting for an external reset.
const heartbeatMessage = "Bootloader idle due to error"

// resultMessage is the diagnostic line for a finished session. Only a
// fully programmed image counts as success; Quit ends the session
// cleanly but leaves the loader resident.
func resultMessage(status loader.Status) string {
	if status.Success() {
		return "Programming successful"
	}
	return "Programming failed"
}
