package loader

// pageWriter gathers accepted bytes into a single RAM page and commits
// it to flash whenever the cursor crosses a page boundary. The buffer
// is held at 0xFF outside the written prefix so a partial final page
// leaves its tail at the erased-flash value.
type pageWriter struct {
	fl       Flash
	pageSize uint32
	appEnd   uint32

	buf    []byte
	cursor uint32 // absolute byte offset of the next accepted byte
}

func newPageWriter(fl Flash, pageSize, appEnd uint32) pageWriter {
	w := pageWriter{
		fl:       fl,
		pageSize: pageSize,
		appEnd:   appEnd,
		buf:      make([]byte, pageSize),
	}
	w.blank()
	return w
}

func (w *pageWriter) blank() {
	for i := range w.buf {
		w.buf[i] = 0xFF
	}
}

// accept places b at the cursor and flushes on a page boundary. Bytes
// at or past appEnd are discarded without advancing the cursor. It
// returns false when a flush fails read-back verification.
func (w *pageWriter) accept(b byte) bool {
	if w.cursor >= w.appEnd {
		return true
	}
	w.buf[w.cursor%w.pageSize] = b
	w.cursor++
	if w.cursor%w.pageSize == 0 {
		return w.flush(w.cursor-w.pageSize, w.pageSize)
	}
	return true
}

// finish flushes the trailing partial page at end of stream. Verify
// covers only the bytes actually written into it.
func (w *pageWriter) finish() bool {
	rem := w.cursor % w.pageSize
	if rem == 0 {
		return true
	}
	return w.flush(w.cursor-rem, rem)
}

// flush erases the page at base, stages the whole buffer as
// little-endian words, commits, and verifies the first n bytes against
// the buffer. On success the buffer is blanked for the next page.
func (w *pageWriter) flush(base, n uint32) bool {
	w.fl.ErasePage(base)
	for i := uint32(0); i < w.pageSize; i += 2 {
		word := uint16(w.buf[i]) | uint16(w.buf[i+1])<<8
		w.fl.FillWord(base+i, word)
	}
	w.fl.CommitPage(base)
	for j := uint32(0); j < n; j++ {
		if w.fl.ReadByte(base+j) != w.buf[j] {
			return false
		}
	}
	w.blank()
	return true
}
