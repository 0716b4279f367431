package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/term"

	"github.com/yezzfusl/triple-bootloader/loader"
)

// flashCmd streams a validated image and waits for one ack per record.
func flashCmd(t transport, path string) error {
	img, err := loadHexFile(path)
	if err != nil {
		return err
	}

	fmt.Printf("Firmware: %s\n", path)
	fmt.Printf("Records:  %d\n", len(img.Records))
	fmt.Printf("Size:     %d bytes (%d KB)\n", img.DataBytes, img.DataBytes/1024)
	fmt.Println()

	start := time.Now()
	for i, rec := range img.Records {
		if _, err := t.Write([]byte(rec.Line + "\r\n")); err != nil {
			return fmt.Errorf("record %d: send: %w", i, err)
		}
		if err := waitAck(t); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}

		if rec.Type == recordData && (i%32 == 0 || i == len(img.Records)-1) {
			pct := (i + 1) * 100 / len(img.Records)
			fmt.Printf("\rProgramming... %3d%%", pct)
		}
	}
	fmt.Printf("\rProgramming... 100%%\n")
	fmt.Printf("Done: %d bytes in %.1fs\n", img.DataBytes, time.Since(start).Seconds())
	fmt.Println("Device is booting the application.")
	return nil
}

// quitCmd asks a waiting loader to end its session without programming.
func quitCmd(t transport) error {
	if _, err := t.Write([]byte{'Q'}); err != nil {
		return err
	}
	if err := waitAck(t); err != nil {
		return err
	}
	fmt.Println("Loader acknowledged quit; device stays in the loader.")
	return nil
}

// waitAck scans the channel for STK_OK, skipping the ASCII diagnostic
// lines the loader interleaves on the same wire. A missing ack within
// the timeout means the session died (the device prints why).
func waitAck(t transport) error {
	if err := t.setReadTimeout(ackTimeout); err != nil {
		return err
	}
	deadline := time.Now().Add(ackTimeout)

	var diag []byte
	buf := make([]byte, 64)
	for time.Now().Before(deadline) {
		n, err := t.Read(buf)
		for _, b := range buf[:n] {
			if b == loader.StkOK {
				return nil
			}
			diag = append(diag, b)
		}
		if err != nil && !errors.Is(err, io.EOF) && !isTimeout(err) {
			return fmt.Errorf("read: %w", err)
		}
	}

	if len(diag) > 0 {
		return fmt.Errorf("no ack; device said: %s", trimCRLF(string(diag)))
	}
	return fmt.Errorf("no ack within %s", ackTimeout)
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

func trimCRLF(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\r' || s[len(s)-1] == '\n') {
		s = s[:len(s)-1]
	}
	return s
}

// monitorCmd is a raw console on the loader channel: device output to
// stdout, keystrokes to the device. Exit with Ctrl+C.
func monitorCmd(t transport) error {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("raw mode: %w", err)
		}
		defer term.Restore(fd, oldState)
	}

	fmt.Print("Monitoring; Ctrl+C to exit.\r\n")

	go func() {
		buf := make([]byte, 1)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				return
			}
			if n > 0 && buf[0] == 0x03 { // Ctrl+C
				os.Exit(0)
			}
			t.Write(buf[:n])
		}
	}()

	t.setReadTimeout(250 * time.Millisecond)
	buf := make([]byte, 256)
	for {
		n, err := t.Read(buf)
		if n > 0 {
			os.Stdout.Write(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) || isTimeout(err) {
				continue
			}
			return err
		}
	}
}
