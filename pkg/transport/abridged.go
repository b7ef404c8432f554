package transport

// Abridged framing constants.
const (
	abridgedInit     = 0xef // one-byte init marker sent before the first frame
	abridgedExtended = 0x7f // marker for the 3-byte extended length form
)

// Abridged is the minimal tagged framing variant. Payload length is
// transmitted divided by four: one byte when len/4 < 127, otherwise the
// 0x7f marker followed by a 3-byte little-endian value. The first Pack
// after construction or Reset emits a single 0xef init byte.
type Abridged struct {
	init bool
}

// NewAbridged creates an Abridged transport.
func NewAbridged() *Abridged {
	return &Abridged{}
}

// Pack frames the payload. The payload length must be a multiple of four;
// violating that is a programming error and panics.
func (t *Abridged) Pack(payload []byte) []byte {
	if len(payload)%4 != 0 {
		panic("transport: abridged payload length must be a multiple of 4")
	}
	lenDiv4 := len(payload) / 4
	if lenDiv4 >= 1<<24 {
		panic("transport: abridged payload too large")
	}

	out := make([]byte, 0, 5+len(payload))
	if !t.init {
		out = append(out, abridgedInit)
		t.init = true
	}
	if lenDiv4 < 127 {
		out = append(out, byte(lenDiv4))
	} else {
		out = append(out, abridgedExtended,
			byte(lenDiv4), byte(lenDiv4>>8), byte(lenDiv4>>16))
	}
	return append(out, payload...)
}

// Unpack locates one complete frame in buf.
func (t *Abridged) Unpack(buf []byte) (Span, error) {
	if len(buf) < 1 {
		return Span{}, ErrNeedMoreData
	}

	headerLen := 1
	length := uint32(buf[0])
	if length >= abridgedExtended {
		if len(buf) < 4 {
			return Span{}, ErrNeedMoreData
		}
		headerLen = 4
		length = uint32(buf[1]) | uint32(buf[2])<<8 | uint32(buf[3])<<16
	}
	length *= 4

	if length > MaxPayloadSize {
		return Span{}, &FramingError{Op: OpLength, Got: length}
	}
	if len(buf) < headerLen+int(length) {
		return Span{}, ErrNeedMoreData
	}
	return Span{
		DataStart: headerLen,
		DataEnd:   headerLen + int(length),
		Next:      headerLen + int(length),
	}, nil
}

// Reset clears the init marker so the next Pack re-identifies the variant.
func (t *Abridged) Reset() {
	t.init = false
}

// Tag returns the Abridged wire tag.
func (t *Abridged) Tag() [4]byte {
	return [4]byte{0xef, 0xef, 0xef, 0xef}
}

// Deobfuscate is the identity for plain transports.
func (t *Abridged) Deobfuscate(buf []byte) {}
