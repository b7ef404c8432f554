// Package session implements the salt lifecycle and request dispatch
// discipline that sits directly above the wire transport: it attaches a
// server-issued salt to every outgoing request, tracks in-flight requests
// by correlation id, and keeps salt acquisition off the callers' path.
package session

import (
	"bytes"
	"encoding/binary"
	"time"
)

// Envelope kinds.
const (
	KindRequest      byte = iota + 1 // salt-bearing client request
	KindResponse                     // server response to a request
	KindSaltUpdate                   // server-pushed salt set
	KindSaltRejected                 // server refused the salt on a request
	KindSaltRequest                  // client control message asking for fresh salts
)

// Envelope field sizes in bytes.
const (
	KindSize       = 1
	SaltSize       = 8
	MsgIDSize      = 8
	DataLengthSize = 4
	HeaderSize     = KindSize + SaltSize + MsgIDSize + DataLengthSize
)

// Envelope is the unit handed to the transport for framing:
//
//	+------+--------+--------+-------------+---------+
//	| Kind |  Salt  | Msg ID | Data Length | Payload |
//	+------+--------+--------+-------------+---------+
//	|  1B  |   8B   |   8B   |     4B      |   var   |
//
// All integers are little-endian. Salt is zero on envelopes that travel
// the salt-free control path (KindSaltRequest) and carries the rejected
// salt on KindSaltRejected.
type Envelope struct {
	Kind    byte   // operation type
	Salt    int64  // anti-replay salt attached to the message
	MsgID   int64  // client-chosen correlation id
	Payload []byte // optional body
}

// Encode serializes the envelope into wire-ready bytes.
func (e *Envelope) Encode() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize+len(e.Payload)))

	buf.WriteByte(e.Kind)
	binary.Write(buf, binary.LittleEndian, e.Salt)
	binary.Write(buf, binary.LittleEndian, e.MsgID)
	binary.Write(buf, binary.LittleEndian, uint32(len(e.Payload)))
	buf.Write(e.Payload)

	return buf.Bytes()
}

// DecodeEnvelope deserializes one message into an envelope. Returns nil if
// the data is truncated, carries an unknown kind, or disagrees with its
// declared payload length; the caller logs and drops such messages.
func DecodeEnvelope(data []byte) *Envelope {
	if len(data) < HeaderSize {
		return nil
	}

	kind := data[0]
	if kind < KindRequest || kind > KindSaltRequest {
		return nil
	}

	salt := int64(binary.LittleEndian.Uint64(data[KindSize:]))
	msgID := int64(binary.LittleEndian.Uint64(data[KindSize+SaltSize:]))
	length := binary.LittleEndian.Uint32(data[KindSize+SaltSize+MsgIDSize:])
	if uint32(len(data)) != uint32(HeaderSize)+length {
		return nil
	}

	var payload []byte
	if length > 0 {
		payload = make([]byte, length)
		copy(payload, data[HeaderSize:])
	}

	return &Envelope{Kind: kind, Salt: salt, MsgID: msgID, Payload: payload}
}

// saltEntrySize is the encoded size of one salt in a KindSaltUpdate body.
const saltEntrySize = 24

// EncodeSalts serializes a salt set as a KindSaltUpdate payload: a 4-byte
// count followed by {id, valid-since, valid-until} triples with the
// timestamps in unix seconds.
func EncodeSalts(salts []Salt) []byte {
	out := binary.LittleEndian.AppendUint32(nil, uint32(len(salts)))
	for _, s := range salts {
		out = binary.LittleEndian.AppendUint64(out, uint64(s.ID))
		out = binary.LittleEndian.AppendUint64(out, uint64(s.ValidSince.Unix()))
		out = binary.LittleEndian.AppendUint64(out, uint64(s.ValidUntil.Unix()))
	}
	return out
}

// DecodeSalts parses a KindSaltUpdate payload. Returns nil on truncated or
// inconsistent input.
func DecodeSalts(data []byte) []Salt {
	if len(data) < 4 {
		return nil
	}
	count := binary.LittleEndian.Uint32(data)
	if int(count)*saltEntrySize != len(data)-4 {
		return nil
	}

	salts := make([]Salt, 0, count)
	for i := uint32(0); i < count; i++ {
		entry := data[4+i*saltEntrySize:]
		salts = append(salts, Salt{
			ID:         int64(binary.LittleEndian.Uint64(entry)),
			ValidSince: time.Unix(int64(binary.LittleEndian.Uint64(entry[8:])), 0),
			ValidUntil: time.Unix(int64(binary.LittleEndian.Uint64(entry[16:])), 0),
		})
	}
	return salts
}
