// Package loader implements the firmware update state machine: a
// line-oriented hex record protocol received over a byte channel, a
// single-page flash programming engine, and the session controller
// that ties them together.
//
// The package is hardware-free. The device binds machine UART and ROM
// flash calls to the ByteChannel and Flash interfaces; tests bind
// in-memory fakes.
package loader

import (
	"io"
	"log/slog"
	"time"
)

// ByteChannel is the byte-oriented link to the host.
type ByteChannel interface {
	// ReadByte blocks until a byte is available and returns it.
	ReadByte() byte
	// WriteByte blocks until the byte has been handed to the transmitter.
	WriteByte(b byte)
	// Buffered returns the number of bytes ReadByte would return
	// without blocking.
	Buffered() int
}

// Flash is page-granular program memory with erase-before-write
// semantics. All calls block until the hardware operation completes.
type Flash interface {
	// ErasePage erases the page containing addr. addr must be
	// page-aligned.
	ErasePage(addr uint32)
	// FillWord stages one little-endian 16-bit word into the page
	// latch at the page-relative offset of addr.
	FillWord(addr uint32, w uint16)
	// CommitPage writes the staged latch to the page containing addr.
	CommitPage(addr uint32)
	// ReadByte reads one byte of program memory.
	ReadByte(addr uint32) byte
}

// STK500 protocol bytes. Only OK is emitted; the rest are reserved for
// hosts that probe with the full STK500 dialect.
const (
	StkOK      = 0x10
	StkFailed  = 0x11
	StkUnknown = 0x12
	StkInsync  = 0x14
	StkNosync  = 0x15
	CrcEOP     = 0x20
)

// Status is the terminal outcome of a session.
type Status uint8

const (
	StatusOk Status = iota
	StatusVerifyFail
	StatusChecksumFail
	StatusBadRecord
	StatusTimeout
	StatusQuit
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusOk:
		return "ok"
	case StatusVerifyFail:
		return "verify-fail"
	case StatusChecksumFail:
		return "checksum-fail"
	case StatusBadRecord:
		return "bad-record"
	case StatusTimeout:
		return "timeout"
	case StatusQuit:
		return "quit"
	default:
		return "unknown"
	}
}

// Success reports whether the session ended with a fully programmed
// image. Quit is a clean exit but does not hand over to the
// application.
func (s Status) Success() bool {
	return s == StatusOk
}

// DefaultIdleTimeout is how long the session waits between bytes
// before giving up.
const DefaultIdleTimeout = 5 * time.Second

// idleTick paces the channel-idle poll loop.
const idleTick = time.Millisecond

// Config carries the compile-time constants of the device.
type Config struct {
	// PageSize is the flash page size in bytes. Must be even.
	PageSize uint32
	// AppEnd is the first flash address the session must not write:
	// the base of the loader's own region. Bytes that would land at or
	// past AppEnd are consumed from the stream but discarded.
	AppEnd uint32
	// IdleTimeout bounds the wait between received bytes while the
	// session is between records. Zero means DefaultIdleTimeout.
	IdleTimeout time.Duration
	// Logger receives the session diagnostics. Nil discards them.
	Logger *slog.Logger
}

// Session is one run of the update protocol, from first byte to a
// terminal Status. A Session is not reusable; make a new one per
// attempt.
type Session struct {
	ch  ByteChannel
	log *slog.Logger

	rec  recordReader
	page pageWriter

	idleTimeout time.Duration
	sleep       func(time.Duration) // swapped out by tests
}

// New prepares a session over ch writing through fl.
func New(ch ByteChannel, fl Flash, cfg Config) *Session {
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	timeout := cfg.IdleTimeout
	if timeout == 0 {
		timeout = DefaultIdleTimeout
	}
	return &Session{
		ch:          ch,
		log:         log,
		rec:         recordReader{ch: ch},
		page:        newPageWriter(fl, cfg.PageSize, cfg.AppEnd),
		idleTimeout: timeout,
		sleep:       time.Sleep,
	}
}

// Written returns how many bytes the session has accepted so far,
// capped at AppEnd. After a StatusOk session this is the image size.
func (s *Session) Written() uint32 {
	return s.page.cursor
}

// Run drives the session to completion: it polls the channel, parses
// records, programs pages, and returns the terminal status. Run never
// writes at or past AppEnd.
func (s *Session) Run() Status {
	s.log.Info("Bootloader started")

	remaining := s.idleTimeout
	for remaining > 0 {
		if s.ch.Buffered() == 0 {
			s.sleep(idleTick)
			remaining -= idleTick
			continue
		}
		b := s.ch.ReadByte()
		remaining = s.idleTimeout

		switch b {
		case ':':
			status, terminal := s.record()
			if terminal {
				return status
			}
		case 'Q':
			s.log.Info("Quit command received")
			s.ch.WriteByte(StkOK)
			return StatusQuit
		default:
			// Line terminators and noise between records.
		}
	}

	s.log.Info("Bootloader timed out")
	return StatusTimeout
}

// record consumes one record after its ':' introducer. It returns the
// session status and whether that status is terminal; a successfully
// processed data record is acked and the session continues.
func (s *Session) record() (Status, bool) {
	hdr := s.rec.header()

	switch hdr.Type {
	case recordData:
		s.log.Info("Processing data record",
			slog.Int("len", int(hdr.Length)),
			slog.Int("written", int(s.page.cursor)),
		)
		for i := 0; i < int(hdr.Length); i++ {
			if !s.page.accept(s.rec.dataByte()) {
				s.log.Info("Verification failed")
				return StatusVerifyFail, true
			}
		}
		if !s.rec.checksumOK() {
			s.log.Info("Checksum error")
			return StatusChecksumFail, true
		}
		s.ch.WriteByte(StkOK)
		return StatusOk, false

	case recordEOF:
		s.log.Info("Processing end of file record")
		if !s.rec.checksumOK() {
			s.log.Info("Checksum error")
			return StatusChecksumFail, true
		}
		if !s.page.finish() {
			s.log.Info("Verification failed")
			return StatusVerifyFail, true
		}
		s.ch.WriteByte(StkOK)
		return StatusOk, true

	default:
		s.log.Info("Invalid record type", slog.Int("type", int(hdr.Type)))
		return StatusBadRecord, true
	}
}
