package transport

import (
	"encoding/binary"
	"hash/crc32"
)

// fullOverhead is the per-frame cost of the Full variant: length word,
// sequence word and trailing checksum.
const fullOverhead = 12

// Full is the untagged framing variant: a little-endian total length,
// a per-direction sequence number, the payload and a CRC32-IEEE checksum
// over everything before it. It has no wire tag and therefore cannot be
// wrapped in Obfuscated.
type Full struct {
	sendSeq uint32
	recvSeq uint32
}

// NewFull creates a Full transport.
func NewFull() *Full {
	return &Full{}
}

// Pack frames the payload and advances the send sequence counter.
func (t *Full) Pack(payload []byte) []byte {
	total := uint32(len(payload) + fullOverhead)

	out := make([]byte, 0, total)
	out = binary.LittleEndian.AppendUint32(out, total)
	out = binary.LittleEndian.AppendUint32(out, t.sendSeq)
	out = append(out, payload...)
	out = binary.LittleEndian.AppendUint32(out, crc32.ChecksumIEEE(out))

	t.sendSeq++
	return out
}

// Unpack locates one complete frame, verifying the declared length, the
// receive sequence number and the checksum. A mismatch in any of them is
// fatal to the connection.
func (t *Full) Unpack(buf []byte) (Span, error) {
	if len(buf) < 4 {
		return Span{}, ErrNeedMoreData
	}
	total := binary.LittleEndian.Uint32(buf)
	if total < fullOverhead || total%4 != 0 || total-fullOverhead > MaxPayloadSize {
		return Span{}, &FramingError{Op: OpLength, Got: total}
	}
	if len(buf) < int(total) {
		return Span{}, ErrNeedMoreData
	}

	seq := binary.LittleEndian.Uint32(buf[4:])
	if seq != t.recvSeq {
		return Span{}, &FramingError{Op: OpSequence, Got: seq, Want: t.recvSeq}
	}

	sum := binary.LittleEndian.Uint32(buf[total-4:])
	if want := crc32.ChecksumIEEE(buf[:total-4]); sum != want {
		return Span{}, &FramingError{Op: OpChecksum, Got: sum, Want: want}
	}

	t.recvSeq++
	return Span{
		DataStart: 8,
		DataEnd:   int(total) - 4,
		Next:      int(total),
	}, nil
}

// Reset restarts both sequence counters for a fresh connection.
func (t *Full) Reset() {
	t.sendSeq = 0
	t.recvSeq = 0
}

// Tag panics: Full is untagged and must never be wrapped in Obfuscated.
func (t *Full) Tag() [4]byte {
	panic("transport: full transport has no tag and cannot be obfuscated")
}

// Deobfuscate is the identity for plain transports.
func (t *Full) Deobfuscate(buf []byte) {}
