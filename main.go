//go:build tinygo

package main

import (
	"log/slog"
	"machine"
	"time"

	"github.com/yezzfusl/triple-bootloader/config"
	"github.com/yezzfusl/triple-bootloader/loader"
	"github.com/yezzfusl/triple-bootloader/mcu"
	"github.com/yezzfusl/triple-bootloader/telemetry"
	"github.com/yezzfusl/triple-bootloader/version"
)

// pollTime paces the busy loops that wait on the byte channel and the
// network stack.
const pollTime = time.Millisecond

func main() {
	time.Sleep(2 * time.Second) // Give time to connect to USB and monitor output.
	println("========================================")
	println("  Triple Bootloader")
	println("  Version:", version.Version)
	println("  Git SHA:", version.GitSHA)
	println("  Built:  ", version.BuildDate)
	println("========================================")

	logger := slog.New(telemetry.NewConsoleHandler(machine.Serial, nil))

	initLED()
	ledSet(true) // Solid while a session owns the channel.

	var (
		ch loader.ByteChannel
		nb *netboot
	)
	if config.NetbootEnabled() {
		var err error
		nb, err = startNetboot(logger)
		if err != nil {
			logger.Error("netboot:start-failed", slog.String("err", err.Error()))
			residentLoop(logger)
		}
		ch, err = nb.accept(logger)
		if err != nil {
			logger.Error("netboot:no-client", slog.String("err", err.Error()))
			residentLoop(logger)
		}
	} else {
		ch = serialChannel{}
	}

	sess := loader.New(ch, &mcu.Flash{}, loader.Config{
		PageSize:    mcu.PageSize,
		AppEnd:      mcu.AppEnd,
		IdleTimeout: config.IdleTimeout(),
		Logger:      logger,
	})
	status := sess.Run()

	if nb != nil {
		nb.report(status, sess.Written(), logger)
		nb.close()
	}

	logger.Info(resultMessage(status),
		slog.String("status", status.String()),
		slog.Int("bytes", int(sess.Written())),
	)

	if status.Success() {
		ledSet(false)
		code := mcu.JumpToApplication()
		// Only reachable when the bootrom rejects the handoff.
		logger.Error("Application jump rejected", slog.Int("code", code))
	}

	residentLoop(logger)
}

// residentLoop keeps the loader in place after any outcome other than
// a clean application handoff, emitting a heartbeat until external
// reset.
func residentLoop(logger *slog.Logger) {
	for {
		time.Sleep(heartbeatInterval)
		ledToggle()
		logger.Info(heartbeatMessage)
	}
}
