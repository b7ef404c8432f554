// Package conn provides the thin byte-stream carriers underneath the
// session layer: a TCP dialer with retry and a websocket adapter. The
// carriers own socket lifecycle; the layers above consume them purely as
// read/write primitives.
package conn

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Retry configuration for dialing.
const (
	InitialRetryDelay = 50 * time.Millisecond // starting delay between retries
	MaxRetryDelay     = 3 * time.Second       // maximum delay between retries
	BackoffFactor     = 1.5                   // multiplier for exponential backoff
	MaxDialAttempts   = 4                     // connection attempts before giving up
)

// Stream is a raw bidirectional byte stream with an identity for log
// correlation. It is the only thing the session layer sees.
type Stream interface {
	io.ReadWriteCloser

	// ID identifies this connection in logs.
	ID() uuid.UUID

	// RemoteAddr describes the peer endpoint.
	RemoteAddr() string
}

// tcpStream adapts a net.Conn into a Stream.
type tcpStream struct {
	net.Conn
	id uuid.UUID
}

func (s *tcpStream) ID() uuid.UUID { return s.id }

func (s *tcpStream) RemoteAddr() string { return s.Conn.RemoteAddr().String() }

// Dial connects to addr over TCP, retrying with exponential backoff until
// the attempt budget or the context runs out.
func Dial(ctx context.Context, addr string) (Stream, error) {
	var dialer net.Dialer
	retryDelay := InitialRetryDelay

	for attempt := 1; ; attempt++ {
		c, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			s := &tcpStream{Conn: c, id: uuid.New()}
			log.Debug().
				Stringer("conn_id", s.id).
				Str("addr", addr).
				Msg("Connected")
			return s, nil
		}

		if attempt >= MaxDialAttempts || ctx.Err() != nil {
			return nil, err
		}

		log.Warn().Err(err).Int("attempt", attempt).Str("addr", addr).Msg("Dial failed, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
		retryDelay = time.Duration(float64(retryDelay) * BackoffFactor)
		if retryDelay > MaxRetryDelay {
			retryDelay = MaxRetryDelay
		}
	}
}
