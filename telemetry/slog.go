// Package telemetry provides the diagnostic logging bridge for the
// bootloader: a slog.Handler that renders records as compact
// `msg key=val` ASCII lines, terminated by \r\n, into the serial
// console (or any io.Writer). The message path allocates nothing, so
// it is safe to use while the flash engine owns all remaining RAM.
package telemetry

import (
	"context"
	"io"
	"log/slog"
)

// lineSize bounds one diagnostic line. Longer lines are truncated.
const lineSize = 128

// maxAttrs bounds how many attributes one line carries.
const maxAttrs = 4

// ConsoleHandler is a slog.Handler for the loader's byte channel.
type ConsoleHandler struct {
	w     io.Writer
	level slog.Leveler
	attrs []slog.Attr
	group string
}

// NewConsoleHandler creates a handler writing to w (typically
// machine.Serial on the device). A nil opts logs at Info and above.
func NewConsoleHandler(w io.Writer, opts *slog.HandlerOptions) *ConsoleHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &ConsoleHandler{w: w, level: opts.Level}
}

// Enabled reports whether the handler handles records at the given level.
func (h *ConsoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	threshold := slog.LevelInfo
	if h.level != nil {
		threshold = h.level.Level()
	}
	return level >= threshold
}

// Handle renders the record into a fixed buffer and writes it.
func (h *ConsoleHandler) Handle(_ context.Context, r slog.Record) error {
	var buf [lineSize]byte
	pos := 0

	if h.group != "" {
		pos = copyString(buf[:], pos, h.group)
		pos = copyString(buf[:], pos, ":")
	}
	pos = copyString(buf[:], pos, r.Message)

	n := 0
	for _, a := range h.attrs {
		if n >= maxAttrs {
			break
		}
		pos = copyAttr(buf[:], pos, a)
		n++
	}
	r.Attrs(func(a slog.Attr) bool {
		if n >= maxAttrs || pos >= lineSize-10 {
			return false
		}
		pos = copyAttr(buf[:], pos, a)
		n++
		return true
	})

	if pos > lineSize-2 {
		pos = lineSize - 2
	}
	buf[pos] = '\r'
	buf[pos+1] = '\n'
	_, err := h.w.Write(buf[:pos+2])
	return err
}

// WithAttrs returns a new Handler with the given attributes added.
func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(merged, h.attrs)
	copy(merged[len(h.attrs):], attrs)
	return &ConsoleHandler{w: h.w, level: h.level, attrs: merged, group: h.group}
}

// WithGroup returns a new Handler with the given group name.
func (h *ConsoleHandler) WithGroup(name string) slog.Handler {
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &ConsoleHandler{w: h.w, level: h.level, attrs: h.attrs, group: group}
}

// copyAttr appends " key=value" to the buffer.
func copyAttr(buf []byte, pos int, a slog.Attr) int {
	pos = copyString(buf, pos, " ")
	pos = copyString(buf, pos, a.Key)
	pos = copyString(buf, pos, "=")
	return copyValue(buf, pos, a.Value)
}

// copyString copies s into buf at pos, truncating at the buffer end.
func copyString(buf []byte, pos int, s string) int {
	for i := 0; i < len(s) && pos < len(buf); i++ {
		buf[pos] = s[i]
		pos++
	}
	return pos
}

func copyValue(buf []byte, pos int, v slog.Value) int {
	switch v.Kind() {
	case slog.KindString:
		return copyString(buf, pos, v.String())
	case slog.KindInt64:
		return copyInt64(buf, pos, v.Int64())
	case slog.KindUint64:
		return copyUint64(buf, pos, v.Uint64())
	case slog.KindBool:
		if v.Bool() {
			return copyString(buf, pos, "true")
		}
		return copyString(buf, pos, "false")
	case slog.KindDuration:
		return copyInt64(buf, pos, v.Duration().Milliseconds())
	default:
		return copyString(buf, pos, "?")
	}
}

func copyInt64(buf []byte, pos int, n int64) int {
	if n < 0 {
		if pos < len(buf) {
			buf[pos] = '-'
			pos++
		}
		n = -n
	}
	return copyUint64(buf, pos, uint64(n))
}

func copyUint64(buf []byte, pos int, n uint64) int {
	if n == 0 {
		if pos < len(buf) {
			buf[pos] = '0'
			pos++
		}
		return pos
	}
	var digits [20]byte
	i := len(digits)
	for n > 0 {
		i--
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	for ; i < len(digits) && pos < len(buf); i++ {
		buf[pos] = digits[i]
		pos++
	}
	return pos
}
