package transport

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"
)

// obfuscatedHeaderLen is the size of the disguised handshake header sent
// once at the start of every obfuscated connection.
const obfuscatedHeaderLen = 64

// forbiddenFirstInts are 4-byte leading sequences the random header must
// never start with: they collide with the signatures of other protocols
// (HTTP verbs, TLS records, the plain transport init markers) and would
// get the stream classified by middleboxes.
var forbiddenFirstInts = [9][4]byte{
	{0x44, 0x41, 0x45, 0x48},
	{0x54, 0x53, 0x4f, 0x50},
	{0x20, 0x54, 0x45, 0x47},
	{0x49, 0x54, 0x50, 0x4f},
	{0x02, 0x01, 0x03, 0x16},
	{0xdd, 0xdd, 0xdd, 0xdd},
	{0xee, 0xee, 0xee, 0xee},
	{0x50, 0x4f, 0x53, 0x54},
	{0x47, 0x45, 0x54, 0x20},
}

// Obfuscated wraps a tagged transport and makes the byte stream
// statistically indistinguishable from random data: everything is XORed
// through AES-256-CTR with per-connection random keys, and a disguised
// 64-byte header carrying the inner transport's tag is prepended to the
// first outgoing packet.
//
// The receive and transmit directions use independent key/IV pairs derived
// from the same random header read in opposite byte order; the two
// keystreams are never interchangeable.
//
// Obfuscated must not be nested and must not wrap an untagged transport
// such as Full. Both are programming errors and panic.
type Obfuscated struct {
	inner  Transport
	random io.Reader
	head   []byte // pending header, nil once sent
	rx     cipher.Stream
	tx     cipher.Stream
}

// NewObfuscated creates an Obfuscated decorator around a tagged transport,
// drawing key material from crypto/rand.
func NewObfuscated(inner Transport) *Obfuscated {
	return NewObfuscatedFrom(inner, rand.Reader)
}

// NewObfuscatedFrom is like NewObfuscated with an explicit source of
// randomness. Production code should use NewObfuscated; the parameter
// exists so header generation can be driven deterministically in tests.
func NewObfuscatedFrom(inner Transport, random io.Reader) *Obfuscated {
	t := &Obfuscated{inner: inner, random: random}
	t.generateKeys()
	return t
}

// generateKeys draws the 64-byte connection header by rejection sampling,
// splices in the inner tag, and derives both direction ciphers. The
// transmit keystream is advanced over an encrypted copy of the full header
// so the payload that follows it continues at offset 64, and the encrypted
// copy's last 8 bytes replace the plaintext ones, which is how the remote
// end tells this handshake apart from the forbidden signatures.
func (t *Obfuscated) generateKeys() {
	init := make([]byte, obfuscatedHeaderLen)
	for headerForbidden(init) {
		if _, err := io.ReadFull(t.random, init); err != nil {
			panic("transport: obfuscation entropy source failed: " + err.Error())
		}
	}

	tag := t.inner.Tag()
	copy(init[56:60], tag[:])

	initRev := make([]byte, obfuscatedHeaderLen)
	for i, b := range init {
		initRev[obfuscatedHeaderLen-1-i] = b
	}

	t.rx = newCTR(initRev[8:40], initRev[40:56])
	t.tx = newCTR(init[8:40], init[40:56])

	encrypted := make([]byte, obfuscatedHeaderLen)
	t.tx.XORKeyStream(encrypted, init)
	copy(init[56:64], encrypted[56:64])

	t.head = init
}

// headerForbidden reports whether the candidate header must be redrawn:
// an all-zero second word, a first byte equal to the abridged init marker,
// or a leading sequence from the deny list.
func headerForbidden(init []byte) bool {
	if init[4] == 0 && init[5] == 0 && init[6] == 0 && init[7] == 0 {
		return true
	}
	if init[0] == abridgedInit {
		return true
	}
	for _, start := range forbiddenFirstInts {
		if bytes.Equal(init[:4], start[:]) {
			return true
		}
	}
	return false
}

func newCTR(key, iv []byte) cipher.Stream {
	block, err := aes.NewCipher(key)
	if err != nil {
		// key is always 32 bytes here
		panic("transport: " + err.Error())
	}
	return cipher.NewCTR(block, iv)
}

// Pack delegates framing to the inner transport, applies the transmit
// keystream over the result in place, and prepends the pending header to
// exactly the first packet of the connection.
func (t *Obfuscated) Pack(payload []byte) []byte {
	framed := t.inner.Pack(payload)
	t.tx.XORKeyStream(framed, framed)
	if t.head != nil {
		framed = append(t.head, framed...)
		t.head = nil
	}
	return framed
}

// Unpack delegates entirely to the inner transport. Framing decisions
// operate on bytes that have already been through Deobfuscate.
func (t *Obfuscated) Unpack(buf []byte) (Span, error) {
	return t.inner.Unpack(buf)
}

// Reset resets the inner transport and regenerates the header and both
// keystreams for a fresh connection.
func (t *Obfuscated) Reset() {
	t.inner.Reset()
	t.generateKeys()
}

// Tag panics: an obfuscated transport must never itself be wrapped.
func (t *Obfuscated) Tag() [4]byte {
	panic("transport: obfuscated transport cannot be nested")
}

// Deobfuscate applies the receive keystream in place. Callers must run it
// over every received byte exactly once, in order, before any framing
// attempt; a stream cipher cannot tolerate skipped or replayed regions.
func (t *Obfuscated) Deobfuscate(buf []byte) {
	t.rx.XORKeyStream(buf, buf)
}
