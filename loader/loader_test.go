package loader

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testPageSize = 128
	testAppEnd   = 0x7000
	testFlashEnd = 0x7200
)

// scriptChannel replays a canned input stream and records everything
// the session transmits.
type scriptChannel struct {
	in  []byte
	pos int
	out []byte

	// ready, when set, gates Buffered until the session has slept at
	// least that many ticks. Used by the timeout tests.
	ready  int
	sleeps int
}

func (c *scriptChannel) ReadByte() byte {
	if c.pos >= len(c.in) {
		panic("scriptChannel: read past end of script")
	}
	b := c.in[c.pos]
	c.pos++
	return b
}

func (c *scriptChannel) WriteByte(b byte) { c.out = append(c.out, b) }

func (c *scriptChannel) Buffered() int {
	if c.sleeps < c.ready {
		return 0
	}
	return len(c.in) - c.pos
}

// memFlash models page-granular flash with a word latch. corrupt maps
// addresses to values forced after every commit, for the verify tests.
type memFlash struct {
	mem     []byte
	latch   [testPageSize * 4]byte
	pages   uint32 // latch page size, set per test
	erases  []uint32
	commits []uint32
	corrupt map[uint32]byte
}

func newMemFlash(pageSize uint32) *memFlash {
	f := &memFlash{mem: make([]byte, testFlashEnd), pages: pageSize}
	for i := range f.mem {
		f.mem[i] = 0xFF
	}
	return f
}

func (f *memFlash) ErasePage(addr uint32) {
	f.erases = append(f.erases, addr)
	for i := uint32(0); i < f.pages; i++ {
		f.mem[addr+i] = 0xFF
	}
}

func (f *memFlash) FillWord(addr uint32, w uint16) {
	off := addr % f.pages
	f.latch[off] = byte(w)
	f.latch[off+1] = byte(w >> 8)
}

func (f *memFlash) CommitPage(addr uint32) {
	f.commits = append(f.commits, addr)
	copy(f.mem[addr:addr+f.pages], f.latch[:f.pages])
	for a, v := range f.corrupt {
		if a >= addr && a < addr+f.pages {
			f.mem[a] = v
		}
	}
}

func (f *memFlash) ReadByte(addr uint32) byte { return f.mem[addr] }

// dataRecord encodes one data record with a valid checksum.
func dataRecord(addr uint16, payload []byte) string {
	sum := byte(len(payload)) + byte(addr>>8) + byte(addr) + 0x00
	s := fmt.Sprintf(":%02X%04X00", len(payload), addr)
	for _, b := range payload {
		sum += b
		s += fmt.Sprintf("%02X", b)
	}
	return s + fmt.Sprintf("%02X", byte(-sum))
}

const eofRecord = ":00000001FF"

func newTestSession(ch *scriptChannel, fl Flash, appEnd uint32) *Session {
	s := New(ch, fl, Config{PageSize: testPageSize, AppEnd: appEnd})
	s.sleep = func(time.Duration) { ch.sleeps++ }
	return s
}

func pattern(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i*7 + 3)
	}
	return p
}

func TestSingleRecordSinglePage(t *testing.T) {
	payload := []byte{
		0x0C, 0x94, 0x34, 0x00, 0x0C, 0x94, 0x3E, 0x00,
		0x0C, 0x94, 0x3E, 0x00, 0x0C, 0x94, 0x3E, 0x00,
	}
	ch := &scriptChannel{in: []byte(dataRecord(0, payload) + "\r\n" + eofRecord)}
	fl := newMemFlash(testPageSize)
	s := newTestSession(ch, fl, testAppEnd)

	status := s.Run()

	require.Equal(t, StatusOk, status)
	require.Equal(t, []byte{StkOK, StkOK}, ch.out)
	assert.Equal(t, uint32(16), s.Written())
	assert.Equal(t, payload, fl.mem[:16])
	for i := 16; i < testPageSize; i++ {
		assert.EqualValues(t, 0xFF, fl.mem[i], "tail of partial page at %d", i)
	}
	assert.Equal(t, []uint32{0}, fl.erases)
	assert.Equal(t, []uint32{0}, fl.commits)
}

func TestMultiPageImage(t *testing.T) {
	image := pattern(3*testPageSize + 20)
	var in string
	for off := 0; off < len(image); off += 16 {
		end := min(off+16, len(image))
		in += dataRecord(uint16(off), image[off:end]) + "\n"
	}
	in += eofRecord

	ch := &scriptChannel{in: []byte(in)}
	fl := newMemFlash(testPageSize)
	s := newTestSession(ch, fl, testAppEnd)

	require.Equal(t, StatusOk, s.Run())
	assert.EqualValues(t, len(image), s.Written())
	assert.Equal(t, image, fl.mem[:len(image)])

	// Three boundary flushes plus the final partial one, in order.
	want := []uint32{0, testPageSize, 2 * testPageSize, 3 * testPageSize}
	assert.Equal(t, want, fl.erases)
	assert.Equal(t, want, fl.commits)

	// One ack per record, one more for EOF.
	records := (len(image) + 15) / 16
	assert.Len(t, ch.out, records+1)
}

func TestChecksumErrorAbortsSession(t *testing.T) {
	good := dataRecord(0, pattern(16))
	bad := []byte(dataRecord(16, pattern(16)))
	bad[len(bad)-1]++ // corrupt the checksum's low nibble

	ch := &scriptChannel{in: []byte(good + string(bad) + eofRecord)}
	fl := newMemFlash(testPageSize)
	s := newTestSession(ch, fl, testAppEnd)

	status := s.Run()

	require.Equal(t, StatusChecksumFail, status)
	assert.Equal(t, []byte{StkOK}, ch.out, "only the good record is acked")
	// Neither record filled a page, so nothing may have reached flash.
	assert.Empty(t, fl.commits)
	for i := 0; i < 32; i++ {
		assert.EqualValues(t, 0xFF, fl.mem[i])
	}
}

func TestChecksumErrorKeepsFlushedPages(t *testing.T) {
	image := pattern(testPageSize)
	bad := []byte(dataRecord(uint16(testPageSize), pattern(8)))
	bad[len(bad)-1] ^= 0x01

	in := dataRecord(0, image[:64]) + dataRecord(64, image[64:]) + string(bad)
	ch := &scriptChannel{in: []byte(in)}
	fl := newMemFlash(testPageSize)
	s := newTestSession(ch, fl, testAppEnd)

	require.Equal(t, StatusChecksumFail, s.Run())
	// The full page flushed by the second record stays programmed.
	assert.Equal(t, image, fl.mem[:testPageSize])
	assert.Equal(t, []uint32{0}, fl.commits)
}

func TestOversizeImageStopsAtAppEnd(t *testing.T) {
	const appEnd = 2 * testPageSize
	ch := &scriptChannel{}
	fl := newMemFlash(testPageSize)
	// Sentinel the loader region so a stray write is visible.
	for i := appEnd; i < testFlashEnd; i++ {
		fl.mem[i] = 0xA5
	}

	image := pattern(appEnd)
	var in string
	for off := 0; off < appEnd-16; off += 16 {
		in += dataRecord(uint16(off), image[off:off+16]) + "\n"
	}
	// Final data record runs 4 bytes past the writable region.
	tail := append(append([]byte{}, image[appEnd-16:]...), 0xDE, 0xAD, 0xBE, 0xEF)
	in += dataRecord(uint16(appEnd-16), tail) + "\n" + eofRecord
	ch.in = []byte(in)

	s := newTestSession(ch, fl, appEnd)
	status := s.Run()

	require.Equal(t, StatusOk, status)
	assert.EqualValues(t, appEnd, s.Written(), "cursor caps at the loader base")
	assert.Equal(t, image, fl.mem[:appEnd])
	for i := appEnd; i < testFlashEnd; i++ {
		require.EqualValues(t, 0xA5, fl.mem[i], "loader region touched at %#x", i)
	}
	// Every record acked, including the oversize one and EOF.
	records := appEnd/16 + 1
	assert.Len(t, ch.out, records)
}

func TestQuitStaysResident(t *testing.T) {
	ch := &scriptChannel{in: []byte("Q")}
	fl := newMemFlash(testPageSize)
	s := newTestSession(ch, fl, testAppEnd)

	status := s.Run()

	require.Equal(t, StatusQuit, status)
	assert.False(t, status.Success())
	assert.Equal(t, []byte{StkOK}, ch.out)
	assert.Empty(t, fl.erases)
	assert.Empty(t, fl.commits)
}

func TestIdleTimeout(t *testing.T) {
	ch := &scriptChannel{}
	fl := newMemFlash(testPageSize)
	s := newTestSession(ch, fl, testAppEnd)

	status := s.Run()

	require.Equal(t, StatusTimeout, status)
	assert.Empty(t, ch.out, "no protocol byte on timeout")
	assert.Equal(t, int(DefaultIdleTimeout/time.Millisecond), ch.sleeps)
}

func TestIdleCountdownResetsOnTraffic(t *testing.T) {
	// A stray byte arrives after 3000 idle ticks; the countdown must
	// restart from the full window.
	ch := &scriptChannel{in: []byte("\n"), ready: 3000}
	fl := newMemFlash(testPageSize)
	s := newTestSession(ch, fl, testAppEnd)

	require.Equal(t, StatusTimeout, s.Run())
	total := 3000 + int(DefaultIdleTimeout/time.Millisecond)
	assert.Equal(t, total, ch.sleeps)
}

func TestBadRecordType(t *testing.T) {
	ch := &scriptChannel{in: []byte(":01000002AAFC")}
	fl := newMemFlash(testPageSize)
	s := newTestSession(ch, fl, testAppEnd)

	status := s.Run()

	require.Equal(t, StatusBadRecord, status)
	assert.Empty(t, ch.out)
	assert.Empty(t, fl.commits)
}

func TestVerifyFailAbortsSession(t *testing.T) {
	ch := &scriptChannel{}
	fl := newMemFlash(testPageSize)
	fl.corrupt = map[uint32]byte{testPageSize + 5: 0x00}

	image := pattern(2 * testPageSize)
	var in string
	for off := 0; off < len(image); off += 16 {
		in += dataRecord(uint16(off), image[off:off+16])
	}
	in += eofRecord
	ch.in = []byte(in)

	s := newTestSession(ch, fl, testAppEnd)
	status := s.Run()

	require.Equal(t, StatusVerifyFail, status)
	// Page 0 verified clean; its records were acked. The record that
	// completed the corrupted page gets no ack.
	assert.Equal(t, uint32(0), fl.commits[0])
	assert.Len(t, ch.out, 2*testPageSize/16-1)
}

func TestVerifyFailOnFinalPartialFlush(t *testing.T) {
	ch := &scriptChannel{in: []byte(dataRecord(0, pattern(16)) + eofRecord)}
	fl := newMemFlash(testPageSize)
	fl.corrupt = map[uint32]byte{3: 0x42}

	s := newTestSession(ch, fl, testAppEnd)

	require.Equal(t, StatusVerifyFail, s.Run())
	assert.Equal(t, []byte{StkOK}, ch.out, "data record acked, EOF not")
}

func TestReflashIsIdempotent(t *testing.T) {
	image := pattern(testPageSize + 32)
	var in string
	for off := 0; off < len(image); off += 20 {
		in += dataRecord(uint16(off), image[off:off+20])
	}
	in += eofRecord

	fl := newMemFlash(testPageSize)
	var outs [][]byte
	for run := 0; run < 2; run++ {
		ch := &scriptChannel{in: []byte(in)}
		s := newTestSession(ch, fl, testAppEnd)
		require.Equal(t, StatusOk, s.Run(), "run %d", run)
		outs = append(outs, ch.out)
	}

	assert.Equal(t, outs[0], outs[1])
	assert.Equal(t, image, fl.mem[:len(image)])
}

func TestLowercaseHexAccepted(t *testing.T) {
	payload := []byte{0xAB, 0xCD, 0xEF}
	rec := dataRecord(0, payload)
	lower := ""
	for _, c := range rec {
		if c >= 'A' && c <= 'F' {
			c += 'a' - 'A'
		}
		lower += string(c)
	}

	ch := &scriptChannel{in: []byte(lower + eofRecord)}
	fl := newMemFlash(testPageSize)
	s := newTestSession(ch, fl, testAppEnd)

	require.Equal(t, StatusOk, s.Run())
	assert.Equal(t, payload, fl.mem[:3])
}
