package loader

// Record types of the hex stream. Anything else aborts the session;
// extended-address records are not handled, the stream is strictly
// contiguous from offset 0.
const (
	recordData = 0x00
	recordEOF  = 0x01
)

// header is the fixed prefix of a record: byte count, 16-bit load
// address (big-endian on the wire) and record type. The address field
// is decoded but not used by the session; the write cursor is the
// authoritative destination.
type header struct {
	Length byte
	Addr   uint16
	Type   byte
}

// recordReader reconstructs records from the ASCII-hex stream, two
// nibbles per byte, and keeps the running 8-bit checksum.
type recordReader struct {
	ch  ByteChannel
	sum byte
}

// nibble reads one ASCII character and decodes it as a hex digit.
// Non-hex characters decode to 0.
func (r *recordReader) nibble() byte {
	switch c := r.ch.ReadByte(); {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return 0
	}
}

// hexByte reads two nibbles, high then low, and folds the decoded byte
// into the running checksum.
func (r *recordReader) hexByte() byte {
	b := r.nibble()<<4 | r.nibble()
	r.sum += b
	return b
}

// header reads the record prefix following ':' and resets the running
// checksum to cover exactly this record.
func (r *recordReader) header() header {
	r.sum = 0
	length := r.hexByte()
	addr := uint16(r.hexByte())<<8 | uint16(r.hexByte())
	typ := r.hexByte()
	return header{Length: length, Addr: addr, Type: typ}
}

// dataByte reads one payload byte.
func (r *recordReader) dataByte() byte {
	return r.hexByte()
}

// checksumOK reads the record's checksum byte and validates it. The
// received byte is the two's complement of the sum of every other
// decoded byte, so folding it in too must leave the sum at zero.
func (r *recordReader) checksumOK() bool {
	r.hexByte()
	return r.sum == 0
}
