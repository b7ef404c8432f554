package conn

import (
	"context"
	"io"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// wsStream adapts a websocket connection into a continuous byte stream:
// writes become binary messages, reads drain messages in arrival order.
type wsStream struct {
	ws      *websocket.Conn
	id      uuid.UUID
	current io.Reader // remainder of the message being drained
}

// DialWebSocket connects to a ws:// or wss:// endpoint and exposes it as
// a Stream. Obfuscated transports ride websockets unchanged: the framing
// layer never learns which carrier it is on.
func DialWebSocket(ctx context.Context, url string) (Stream, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	s := &wsStream{ws: ws, id: uuid.New()}
	log.Debug().
		Stringer("conn_id", s.id).
		Str("url", url).
		Msg("Websocket connected")
	return s, nil
}

func (s *wsStream) Read(p []byte) (int, error) {
	for {
		if s.current == nil {
			kind, r, err := s.ws.NextReader()
			if err != nil {
				return 0, err
			}
			if kind != websocket.BinaryMessage {
				continue
			}
			s.current = r
		}

		n, err := s.current.Read(p)
		if err == io.EOF {
			s.current = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	if err := s.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	return s.ws.Close()
}

func (s *wsStream) ID() uuid.UUID { return s.id }

func (s *wsStream) RemoteAddr() string { return s.ws.RemoteAddr().String() }
