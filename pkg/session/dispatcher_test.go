package session_test

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgwire/pkg/session"
	"tgwire/pkg/transport"
)

// fakeServer drives the remote side of a dispatcher over a net.Pipe,
// using the Full framing variant in both directions. The handle callback
// maps each received envelope to the envelopes to send back.
type fakeServer struct {
	conn   net.Conn
	recv   *transport.Full
	send   *transport.Full
	handle func(*session.Envelope) []*session.Envelope
	out    chan *session.Envelope // decouples replies from the read loop
}

func newFakeServer(conn net.Conn, handle func(*session.Envelope) []*session.Envelope) *fakeServer {
	s := &fakeServer{
		conn:   conn,
		recv:   transport.NewFull(),
		send:   transport.NewFull(),
		handle: handle,
		out:    make(chan *session.Envelope, 256),
	}
	go s.run()
	go s.writeLoop()
	return s
}

func (s *fakeServer) writeLoop() {
	for env := range s.out {
		if _, err := s.conn.Write(s.send.Pack(env.Encode())); err != nil {
			return
		}
	}
}

func (s *fakeServer) run() {
	var buf []byte
	chunk := make([]byte, 4096)

	for {
		n, err := s.conn.Read(chunk)
		if err != nil {
			return
		}
		buf = append(buf, chunk[:n]...)

		for len(buf) > 0 {
			span, uerr := s.recv.Unpack(buf)
			if uerr == transport.ErrNeedMoreData {
				break
			}
			if uerr != nil {
				return
			}

			env := session.DecodeEnvelope(buf[span.DataStart:span.DataEnd])
			buf = buf[span.Next:]
			if env == nil {
				continue
			}
			for _, reply := range s.handle(env) {
				s.out <- reply
			}
		}
	}
}

func validSalt(id int64) session.Salt {
	now := time.Now()
	return session.Salt{
		ID:         id,
		ValidSince: now.Add(-time.Minute),
		ValidUntil: now.Add(time.Hour),
	}
}

// startDispatcher wires a dispatcher to a fake server and tears both down
// with the test.
func startDispatcher(t *testing.T, handle func(*session.Envelope) []*session.Envelope, salts ...session.Salt) *session.Dispatcher {
	t.Helper()

	clientEnd, serverEnd := net.Pipe()
	newFakeServer(serverEnd, handle)

	d := session.NewDispatcher(context.Background(), clientEnd, transport.NewFull(), salts...)
	d.Start()

	t.Cleanup(func() {
		d.Stop()
		clientEnd.Close()
		serverEnd.Close()
	})
	return d
}

// echoHandler responds to requests with their payload and to salt
// requests with the given salt set.
func echoHandler(salts ...session.Salt) func(*session.Envelope) []*session.Envelope {
	return func(env *session.Envelope) []*session.Envelope {
		switch env.Kind {
		case session.KindRequest:
			return []*session.Envelope{{
				Kind:    session.KindResponse,
				MsgID:   env.MsgID,
				Payload: env.Payload,
			}}
		case session.KindSaltRequest:
			return []*session.Envelope{{
				Kind:    session.KindSaltUpdate,
				MsgID:   env.MsgID,
				Payload: session.EncodeSalts(salts),
			}}
		}
		return nil
	}
}

// halfWriteStream delivers half of the first written frame and reports a
// transient error, then behaves normally. The peer keeps the delivered
// prefix either way.
type halfWriteStream struct {
	net.Conn
	mu      sync.Mutex
	tripped bool
}

func (s *halfWriteStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	tripped := s.tripped
	s.tripped = true
	s.mu.Unlock()

	if !tripped {
		n, _ := s.Conn.Write(p[:len(p)/2])
		return n, errors.New("interrupted")
	}
	return s.Conn.Write(p)
}

func TestWriteRetryResumesAfterPartialDelivery(t *testing.T) {
	// A retried frame must continue after the bytes the failed write
	// already delivered: re-sending the prefix would desync the peer's
	// framing and the response would never arrive.
	clientEnd, serverEnd := net.Pipe()
	newFakeServer(serverEnd, echoHandler())

	stream := &halfWriteStream{Conn: clientEnd}
	d := session.NewDispatcher(context.Background(), stream, transport.NewFull(), validSalt(1))
	d.Start()
	t.Cleanup(func() {
		d.Stop()
		clientEnd.Close()
		serverEnd.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := d.Invoke(ctx, []byte("split me"))
	require.NoError(t, err)
	assert.Equal(t, []byte("split me"), got)
}

func TestInvokeRoundTrip(t *testing.T) {
	d := startDispatcher(t, echoHandler(), validSalt(1))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := d.Invoke(ctx, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), got)
}

func TestInvokeOutOfOrderResponses(t *testing.T) {
	// hold the first request's response until a second request arrives
	var mu sync.Mutex
	var held *session.Envelope

	d := startDispatcher(t, func(env *session.Envelope) []*session.Envelope {
		if env.Kind != session.KindRequest {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		reply := &session.Envelope{Kind: session.KindResponse, MsgID: env.MsgID, Payload: env.Payload}
		if held == nil {
			held = reply
			return nil
		}
		return []*session.Envelope{reply, held}
	}, validSalt(1))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	results := make([][]byte, 2)
	for i, payload := range [][]byte{[]byte("first"), []byte("second")} {
		wg.Add(1)
		go func(i int, payload []byte) {
			defer wg.Done()
			got, err := d.Invoke(ctx, payload)
			assert.NoError(t, err)
			results[i] = got
		}(i, payload)
		time.Sleep(50 * time.Millisecond) // keep submit order deterministic
	}
	wg.Wait()

	assert.Equal(t, []byte("first"), results[0])
	assert.Equal(t, []byte("second"), results[1])
}

func TestConcurrentRequestsSurviveSaltExhaustion(t *testing.T) {
	// The store starts empty: every request must park, the background
	// refresh must fetch salts on its own, and all callers must complete
	// without ever waiting inline for a salt.
	const n = 16

	d := startDispatcher(t, echoHandler(validSalt(9)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = d.Invoke(ctx, []byte{byte(i), 0, 0, 0})
		}(i)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("requests hung waiting for a salt")
	}

	for i, err := range errs {
		assert.NoError(t, err, "request %d", i)
	}
}

func TestInvokeTimeoutDoesNotAffectOthers(t *testing.T) {
	// the server answers only requests carrying a nonzero first byte
	d := startDispatcher(t, func(env *session.Envelope) []*session.Envelope {
		if env.Kind != session.KindRequest || env.Payload[0] == 0 {
			return nil
		}
		return []*session.Envelope{{Kind: session.KindResponse, MsgID: env.MsgID, Payload: env.Payload}}
	}, validSalt(1))

	shortCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := d.Invoke(shortCtx, []byte{0, 0, 0, 0})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	ctx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	got, err := d.Invoke(ctx, []byte{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, got)
}

func TestSaltRejectedTriggersImmediateRetry(t *testing.T) {
	const badSalt, goodSalt = 11, 12

	d := startDispatcher(t, func(env *session.Envelope) []*session.Envelope {
		if env.Kind != session.KindRequest {
			return nil
		}
		if env.Salt == badSalt {
			replacement := binary.LittleEndian.AppendUint64(nil, uint64(goodSalt))
			return []*session.Envelope{{
				Kind:    session.KindSaltRejected,
				Salt:    env.Salt,
				MsgID:   env.MsgID,
				Payload: replacement,
			}}
		}
		return []*session.Envelope{{Kind: session.KindResponse, MsgID: env.MsgID, Payload: env.Payload}}
	}, validSalt(badSalt))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := d.Invoke(ctx, []byte("retry me"))
	require.NoError(t, err)
	assert.Equal(t, []byte("retry me"), got)

	for _, s := range d.Salts().Snapshot() {
		assert.NotEqual(t, int64(badSalt), s.ID, "rejected salt must be invalidated")
	}
}

func TestSaltRejectionReleasesParkedRequests(t *testing.T) {
	// One request goes out on a salt that then expires; a second request
	// parks against the empty store. The rejection's replacement salt must
	// release the parked request, not just the rejected one.
	const oldSalt, newSalt = 21, 22

	var mu sync.Mutex
	var heldID int64
	var rejected bool

	handle := func(env *session.Envelope) []*session.Envelope {
		mu.Lock()
		defer mu.Unlock()
		switch env.Kind {
		case session.KindRequest:
			if env.Salt == oldSalt {
				heldID = env.MsgID
				return nil
			}
			return []*session.Envelope{{Kind: session.KindResponse, MsgID: env.MsgID, Payload: env.Payload}}
		case session.KindSaltRequest:
			// answer the refresh path with a rejection of the held
			// request instead of a salt set
			if heldID != 0 && !rejected {
				rejected = true
				replacement := binary.LittleEndian.AppendUint64(nil, uint64(newSalt))
				return []*session.Envelope{{
					Kind:    session.KindSaltRejected,
					Salt:    oldSalt,
					MsgID:   heldID,
					Payload: replacement,
				}}
			}
		}
		return nil
	}

	now := time.Now()
	dying := session.Salt{
		ID:         oldSalt,
		ValidSince: now.Add(-time.Minute),
		ValidUntil: now.Add(200 * time.Millisecond),
	}
	d := startDispatcher(t, handle, dying)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results := make(chan error, 2)
	go func() {
		_, err := d.Invoke(ctx, []byte("held"))
		results <- err
	}()

	time.Sleep(300 * time.Millisecond) // let the seeded salt expire

	go func() {
		_, err := d.Invoke(ctx, []byte("parked"))
		results <- err
	}()

	for i := 0; i < 2; i++ {
		require.NoError(t, <-results)
	}
}

func TestUnmatchedResponseDropped(t *testing.T) {
	d := startDispatcher(t, func(env *session.Envelope) []*session.Envelope {
		if env.Kind != session.KindRequest {
			return nil
		}
		return []*session.Envelope{
			{Kind: session.KindResponse, MsgID: env.MsgID + 1000, Payload: []byte("stray")},
			{Kind: session.KindResponse, MsgID: env.MsgID, Payload: env.Payload},
		}
	}, validSalt(1))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := d.Invoke(ctx, []byte("real"))
	require.NoError(t, err)
	assert.Equal(t, []byte("real"), got)
}

func TestStopFailsInflight(t *testing.T) {
	d := startDispatcher(t, func(*session.Envelope) []*session.Envelope {
		return nil // never answer
	}, validSalt(1))

	errCh := make(chan error, 1)
	go func() {
		_, err := d.Invoke(context.Background(), []byte{1, 2, 3, 4})
		errCh <- err
	}()

	time.Sleep(200 * time.Millisecond)
	d.Stop()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, session.ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight request not released by Stop")
	}

	_, err := d.Invoke(context.Background(), []byte{0, 0, 0, 0})
	assert.ErrorIs(t, err, session.ErrClosed)
}

func TestFramingViolationIsFatal(t *testing.T) {
	clientEnd, serverEnd := net.Pipe()
	t.Cleanup(func() { clientEnd.Close(); serverEnd.Close() })

	d := session.NewDispatcher(context.Background(), clientEnd, transport.NewFull(), validSalt(1))
	d.Start()
	t.Cleanup(d.Stop)

	// swallow the client's request, then reply with an absurd length word
	go func() {
		buf := make([]byte, 4096)
		serverEnd.Read(buf)
		garbage := binary.LittleEndian.AppendUint32(nil, 0xfffffff0)
		garbage = append(garbage, make([]byte, 12)...)
		serverEnd.Write(garbage)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := d.Invoke(ctx, []byte{1, 2, 3, 4})
	require.Error(t, err)
	assert.True(t, transport.IsFatal(d.Err()), "dispatcher must record the framing violation")
}

func TestPendingSnapshot(t *testing.T) {
	d := startDispatcher(t, func(*session.Envelope) []*session.Envelope {
		return nil
	}) // empty salt store: requests park

	go d.Invoke(context.Background(), []byte{1, 2, 3, 4})

	require.Eventually(t, func() bool {
		infos := d.Pending()
		return len(infos) == 1 && infos[0].State == "pending"
	}, 2*time.Second, 10*time.Millisecond)
}
