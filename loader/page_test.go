package loader

import "testing"

func TestPageBufferBlankedBetweenFlushes(t *testing.T) {
	fl := newMemFlash(testPageSize)
	w := newPageWriter(fl, testPageSize, testAppEnd)

	// Fill page 0 with zeros, then write a 4-byte partial into page 1.
	for i := 0; i < testPageSize; i++ {
		if !w.accept(0x00) {
			t.Fatal("unexpected verify failure")
		}
	}
	for _, b := range []byte{1, 2, 3, 4} {
		if !w.accept(b) {
			t.Fatal("unexpected verify failure")
		}
	}
	if !w.finish() {
		t.Fatal("final flush failed verify")
	}

	// The tail of page 1 must hold the erased-flash value, not stale
	// zeros from page 0.
	for i := testPageSize + 4; i < 2*testPageSize; i++ {
		if fl.mem[i] != 0xFF {
			t.Fatalf("mem[%#x] = %#x, want 0xFF", i, fl.mem[i])
		}
	}
	if got := fl.mem[testPageSize]; got != 1 {
		t.Errorf("mem[page1+0] = %#x, want 1", got)
	}
}

func TestFinishWithoutPartialPageIsNoop(t *testing.T) {
	fl := newMemFlash(testPageSize)
	w := newPageWriter(fl, testPageSize, testAppEnd)

	for i := 0; i < testPageSize; i++ {
		w.accept(byte(i))
	}
	flushes := len(fl.commits)
	if !w.finish() {
		t.Fatal("finish failed")
	}
	if len(fl.commits) != flushes {
		t.Errorf("finish flushed again: %d commits, want %d", len(fl.commits), flushes)
	}
}

func TestDiscardPastAppEnd(t *testing.T) {
	const appEnd = testPageSize
	fl := newMemFlash(testPageSize)
	w := newPageWriter(fl, testPageSize, appEnd)

	for i := 0; i < testPageSize; i++ {
		w.accept(0xAA)
	}
	for i := 0; i < 10; i++ {
		w.accept(0xBB) // past the loader base: consumed, discarded
	}

	if w.cursor != appEnd {
		t.Fatalf("cursor = %d, want %d", w.cursor, appEnd)
	}
	if fl.mem[appEnd] != 0xFF {
		t.Errorf("mem[appEnd] = %#x, want untouched 0xFF", fl.mem[appEnd])
	}
}

func TestFlushStagesWholePageAsWords(t *testing.T) {
	fl := newMemFlash(testPageSize)
	w := newPageWriter(fl, testPageSize, testAppEnd)

	w.accept(0x34)
	w.accept(0x12)
	if !w.finish() {
		t.Fatal("finish failed")
	}

	// Little-endian word order on read-back.
	if fl.mem[0] != 0x34 || fl.mem[1] != 0x12 {
		t.Errorf("mem[0:2] = %#x %#x, want 0x34 0x12", fl.mem[0], fl.mem[1])
	}
	if len(fl.erases) != 1 || fl.erases[0] != 0 {
		t.Errorf("erases = %v, want [0]", fl.erases)
	}
}
