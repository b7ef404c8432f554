package transport

import (
	"errors"
	"fmt"
)

// ErrNeedMoreData signals that the receive buffer does not yet contain a
// complete frame. It is a normal keep-reading condition, not a failure.
var ErrNeedMoreData = errors.New("transport: need more data")

// Framing violation kinds, used as the Op field of FramingError.
const (
	OpLength   = "length"   // declared length malformed or over MaxPayloadSize
	OpSequence = "sequence" // Full variant sequence number mismatch
	OpChecksum = "checksum" // Full variant CRC mismatch
)

// FramingError reports a wire-level framing violation. It is fatal to the
// connection: the owner is expected to Reset the transport and reconnect.
type FramingError struct {
	Op   string // which check failed
	Got  uint32 // value seen on the wire
	Want uint32 // expected value, when meaningful
}

func (e *FramingError) Error() string {
	if e.Op == OpLength {
		return fmt.Sprintf("transport: bad declared length %d", e.Got)
	}
	return fmt.Sprintf("transport: %s mismatch: got %d, want %d", e.Op, e.Got, e.Want)
}

// IsFatal reports whether err ends the connection. Framing violations are
// fatal; ErrNeedMoreData and nil are not.
func IsFatal(err error) bool {
	var fe *FramingError
	return errors.As(err, &fe)
}
