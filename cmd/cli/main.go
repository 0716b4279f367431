// Command cli is the host-side flasher for the triple bootloader. It
// streams an Intel-HEX image to a device running the loader, over a
// serial port or the netboot TCP transport, and tracks the per-record
// acknowledgements.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"go.bug.st/serial"
)

const (
	defaultBaud    = 115200
	defaultTimeout = 10 * time.Second
	ackTimeout     = 5 * time.Second
)

func main() {
	port := flag.String("port", "", "Serial device path (e.g. /dev/ttyACM0)")
	baud := flag.Int("baud", defaultBaud, "Serial baud rate")
	tcp := flag.String("tcp", "", "Netboot address host:port (instead of -port)")
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() == 0 {
		printUsage()
		os.Exit(2)
	}

	switch cmd := flag.Arg(0); cmd {
	case "info":
		if flag.NArg() < 2 {
			fatalUsage("Usage: cli info <firmware.hex>")
		}
		if err := infoCmd(flag.Arg(1)); err != nil {
			fatalf("Error: %v", err)
		}

	case "flash":
		if flag.NArg() < 2 {
			fatalUsage("Usage: cli [-port dev | -tcp addr] flash <firmware.hex>")
		}
		t, err := openTransport(*port, *baud, *tcp)
		if err != nil {
			fatalf("Error: %v", err)
		}
		defer t.Close()
		if err := flashCmd(t, flag.Arg(1)); err != nil {
			fatalf("Flash failed: %v", err)
		}

	case "quit":
		t, err := openTransport(*port, *baud, *tcp)
		if err != nil {
			fatalf("Error: %v", err)
		}
		defer t.Close()
		if err := quitCmd(t); err != nil {
			fatalf("Error: %v", err)
		}

	case "monitor":
		t, err := openTransport(*port, *baud, *tcp)
		if err != nil {
			fatalf("Error: %v", err)
		}
		defer t.Close()
		if err := monitorCmd(t); err != nil {
			fatalf("Error: %v", err)
		}

	case "help":
		printUsage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %q\n", cmd)
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Println("Triple Bootloader CLI")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  cli [-port <dev> [-baud <n>] | -tcp <host:port>] <command> [arguments]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  info <firmware.hex>     Inspect a hex image (no device needed)")
	fmt.Println("  flash <firmware.hex>    Program the image and wait for acks")
	fmt.Println("  quit                    Ask a waiting loader to exit cleanly")
	fmt.Println("  monitor                 Raw console on the loader channel")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  cli -port /dev/ttyACM0 flash blink.hex")
	fmt.Println("  cli -tcp 192.168.1.99:4242 flash blink.hex")
	fmt.Println("  cli info blink.hex")
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}

func fatalUsage(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}

// transport is a loader byte channel from the host's side: a stream
// with a settable receive deadline for the ack waits.
type transport interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	setReadTimeout(d time.Duration) error
}

type serialTransport struct {
	serial.Port
}

func (t serialTransport) setReadTimeout(d time.Duration) error {
	return t.Port.SetReadTimeout(d)
}

type tcpTransport struct {
	net.Conn
}

func (t tcpTransport) setReadTimeout(d time.Duration) error {
	return t.Conn.SetReadDeadline(time.Now().Add(d))
}

// openTransport opens the serial port or dials the netboot listener.
func openTransport(port string, baud int, tcpAddr string) (transport, error) {
	switch {
	case port != "" && tcpAddr != "":
		return nil, fmt.Errorf("-port and -tcp are mutually exclusive")
	case port != "":
		p, err := serial.Open(port, &serial.Mode{BaudRate: baud})
		if err != nil {
			return nil, fmt.Errorf("open serial port %s: %w", port, err)
		}
		return serialTransport{p}, nil
	case tcpAddr != "":
		conn, err := net.DialTimeout("tcp", tcpAddr, defaultTimeout)
		if err != nil {
			return nil, fmt.Errorf("connect to %s: %w", tcpAddr, err)
		}
		return tcpTransport{conn}, nil
	default:
		return nil, fmt.Errorf("no device: pass -port or -tcp")
	}
}
