// Package transport implements the wire framing layer of the client.
// It converts opaque payload buffers to and from wire packets under a
// pluggable framing scheme, and optionally disguises the whole byte
// stream as random-looking traffic via the Obfuscated decorator.
package transport

// MaxPayloadSize is the sanity bound for a declared payload length.
// A frame announcing more than this is treated as a framing violation
// rather than an allocation request.
const MaxPayloadSize = 2 * 1024 * 1024

// Span describes the location of one complete message inside a receive
// buffer: the payload occupies [DataStart, DataEnd) and the next frame,
// if any, begins at Next.
type Span struct {
	DataStart int // first payload byte
	DataEnd   int // one past the last payload byte
	Next      int // offset of the next frame
}

// Transport frames opaque payloads into wire packets and locates complete
// messages inside a partially received buffer. Implementations keep
// per-connection framing state (init markers, sequence counters) and must
// be driven by a single caller per direction; concurrent callers have to
// serialize externally.
//
// A transport is either tagged (self-identifying via a 4-byte constant,
// safe to wrap in Obfuscated) or untagged (ambiguous framing; wrapping it
// is a programming error and panics).
type Transport interface {
	// Pack frames the payload into wire bytes. Some variants emit a
	// one-time init marker on the first call after construction or Reset.
	Pack(payload []byte) []byte

	// Unpack inspects a possibly partial buffer. It returns the span of
	// one complete message, ErrNeedMoreData if no decision can be made
	// yet, or a *FramingError on a wire violation.
	Unpack(buf []byte) (Span, error)

	// Reset reinitializes per-connection framing state after a reconnect
	// without discarding the higher-level session.
	Reset()

	// Tag returns the 4-byte constant identifying this framing variant.
	// Calling it on an untagged variant is a contract violation and
	// panics.
	Tag() [4]byte

	// Deobfuscate transforms received bytes in place. It is the identity
	// for plain transports; Obfuscated applies its receive keystream.
	Deobfuscate(buf []byte)
}
