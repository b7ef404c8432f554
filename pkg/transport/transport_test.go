package transport

import (
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unpackPayload runs Unpack and slices the located payload out of buf.
func unpackPayload(t *testing.T, tr Transport, buf []byte) ([]byte, int) {
	t.Helper()
	span, err := tr.Unpack(buf)
	require.NoError(t, err)
	return buf[span.DataStart:span.DataEnd], span.Next
}

func samplePayload(n int) []byte {
	payload := make([]byte, n)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	return payload
}

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		make func() Transport
		skip int // init marker bytes emitted by the first Pack
	}{
		{"abridged", func() Transport { return NewAbridged() }, 1},
		{"intermediate", func() Transport { return NewIntermediate() }, 4},
		{"full", func() Transport { return NewFull() }, 0},
	}

	sizes := []int{0, 4, 128, 504, 2048, 1 << 19}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for _, size := range sizes {
				sender := tc.make()
				receiver := tc.make()
				payload := samplePayload(size)

				wire := sender.Pack(payload)
				got, next := unpackPayload(t, receiver, wire[tc.skip:])
				assert.Equal(t, payload, got)
				assert.Equal(t, len(wire)-tc.skip, next)
			}
		})
	}
}

func TestRoundTripSuccessiveFrames(t *testing.T) {
	sender := NewIntermediate()
	receiver := NewIntermediate()

	first := sender.Pack(samplePayload(16))
	second := sender.Pack(samplePayload(32))

	// the peer never sees our init marker
	wire := append(append([]byte{}, first[4:]...), second...)

	got, next := unpackPayload(t, receiver, wire)
	assert.Equal(t, samplePayload(16), got)

	got, _ = unpackPayload(t, receiver, wire[next:])
	assert.Equal(t, samplePayload(32), got)
}

func TestAbridgedInitMarkerOnce(t *testing.T) {
	tr := NewAbridged()
	first := tr.Pack(samplePayload(8))
	second := tr.Pack(samplePayload(8))

	assert.Equal(t, byte(abridgedInit), first[0])
	assert.NotEqual(t, byte(abridgedInit), second[0])
	assert.Len(t, second, 9)

	tr.Reset()
	again := tr.Pack(samplePayload(8))
	assert.Equal(t, byte(abridgedInit), again[0])
}

func TestAbridgedExtendedLength(t *testing.T) {
	// 127*4 bytes is the first size needing the extended form
	payload := samplePayload(127 * 4)
	sender := NewAbridged()
	wire := sender.Pack(payload)[1:]

	require.Equal(t, byte(abridgedExtended), wire[0])

	got, _ := unpackPayload(t, NewAbridged(), wire)
	assert.Equal(t, payload, got)
}

func TestAbridgedPackMisalignedPanics(t *testing.T) {
	assert.Panics(t, func() {
		NewAbridged().Pack(samplePayload(7))
	})
}

func TestUnpackNeedMoreData(t *testing.T) {
	wire := NewIntermediate().Pack(samplePayload(64))[4:]

	receiver := NewIntermediate()
	for cut := 0; cut < len(wire); cut++ {
		_, err := receiver.Unpack(wire[:cut])
		require.ErrorIs(t, err, ErrNeedMoreData, "cut=%d", cut)
	}
	_, err := receiver.Unpack(wire)
	require.NoError(t, err)
}

func TestUnpackOversizedLength(t *testing.T) {
	buf := binary.LittleEndian.AppendUint32(nil, MaxPayloadSize+4)

	_, err := NewIntermediate().Unpack(buf)
	var fe *FramingError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, OpLength, fe.Op)
	assert.True(t, IsFatal(err))
}

func TestFullSequenceMismatch(t *testing.T) {
	sender := NewFull()
	sender.Pack(samplePayload(4)) // advance send seq past the receiver's
	wire := sender.Pack(samplePayload(4))

	_, err := NewFull().Unpack(wire)
	var fe *FramingError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, OpSequence, fe.Op)
}

func TestFullChecksumMismatch(t *testing.T) {
	wire := NewFull().Pack(samplePayload(16))
	wire[9] ^= 0xff // corrupt the payload, keep the stored checksum

	_, err := NewFull().Unpack(wire)
	var fe *FramingError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, OpChecksum, fe.Op)
}

func TestFullChecksumMatchesWire(t *testing.T) {
	wire := NewFull().Pack(samplePayload(20))
	stored := binary.LittleEndian.Uint32(wire[len(wire)-4:])
	assert.Equal(t, crc32.ChecksumIEEE(wire[:len(wire)-4]), stored)
}

func TestFullResetRestartsSequences(t *testing.T) {
	sender := NewFull()
	receiver := NewFull()
	for i := 0; i < 3; i++ {
		_, next := unpackPayload(t, receiver, sender.Pack(samplePayload(4)))
		_ = next
	}

	sender.Reset()
	receiver.Reset()
	got, _ := unpackPayload(t, receiver, sender.Pack(samplePayload(4)))
	assert.Equal(t, samplePayload(4), got)
}

func TestTags(t *testing.T) {
	assert.Equal(t, [4]byte{0xef, 0xef, 0xef, 0xef}, NewAbridged().Tag())
	assert.Equal(t, [4]byte{0xee, 0xee, 0xee, 0xee}, NewIntermediate().Tag())
	assert.Panics(t, func() { NewFull().Tag() })
}

func TestPlainDeobfuscateIsIdentity(t *testing.T) {
	buf := samplePayload(32)
	want := append([]byte{}, buf...)
	NewAbridged().Deobfuscate(buf)
	assert.Equal(t, want, buf)
}
