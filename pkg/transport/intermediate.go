package transport

import "encoding/binary"

// Intermediate is the tagged framing variant with a plain 4-byte
// little-endian length prefix. The first Pack after construction or Reset
// emits the 4-byte tag as an init marker.
type Intermediate struct {
	init bool
}

// NewIntermediate creates an Intermediate transport.
func NewIntermediate() *Intermediate {
	return &Intermediate{}
}

// Pack frames the payload with its length prefix.
func (t *Intermediate) Pack(payload []byte) []byte {
	out := make([]byte, 0, 8+len(payload))
	if !t.init {
		tag := t.Tag()
		out = append(out, tag[:]...)
		t.init = true
	}
	out = binary.LittleEndian.AppendUint32(out, uint32(len(payload)))
	return append(out, payload...)
}

// Unpack locates one complete frame in buf.
func (t *Intermediate) Unpack(buf []byte) (Span, error) {
	if len(buf) < 4 {
		return Span{}, ErrNeedMoreData
	}
	length := binary.LittleEndian.Uint32(buf)
	if length > MaxPayloadSize {
		return Span{}, &FramingError{Op: OpLength, Got: length}
	}
	if len(buf) < 4+int(length) {
		return Span{}, ErrNeedMoreData
	}
	return Span{
		DataStart: 4,
		DataEnd:   4 + int(length),
		Next:      4 + int(length),
	}, nil
}

// Reset clears the init marker so the next Pack re-identifies the variant.
func (t *Intermediate) Reset() {
	t.init = false
}

// Tag returns the Intermediate wire tag.
func (t *Intermediate) Tag() [4]byte {
	return [4]byte{0xee, 0xee, 0xee, 0xee}
}

// Deobfuscate is the identity for plain transports.
func (t *Intermediate) Deobfuscate(buf []byte) {}
