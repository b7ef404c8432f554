package session

import (
	"context"
	"encoding/binary"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"tgwire/pkg/transport"
)

// Retry configuration for the send path and the salt refresh loop.
const (
	InitialRetryDelay = 50 * time.Millisecond // starting delay between retries
	MaxRetryDelay     = 3 * time.Second       // maximum delay between retries
	BackoffFactor     = 1.5                   // multiplier for exponential backoff
	MaxSendAttempts   = 5                     // write attempts before a request fails
)

// saltGraceWindow is the assumed validity of a replacement salt announced
// through a rejection notice, which carries no explicit window.
const saltGraceWindow = 30 * time.Minute

// readChunkSize is the size of a single read from the byte stream.
const readChunkSize = 8 * 1024

// outgoing is one unit of work for the writer goroutine: an encoded
// envelope and, for salt-bearing requests, the entry to fail if the write
// budget runs out. Control messages travel with a nil call.
type outgoing struct {
	wire []byte
	c    *call
}

// Dispatcher multiplexes concurrent logical requests over one ordered byte
// stream. It attaches a salt from its SaltStore to every outgoing request,
// frames it through the Transport, and fulfills responses out of order by
// correlation id.
//
// All framing and obfuscation state is mutated under a single-writer,
// single-reader discipline: one goroutine owns Pack and the stream writes,
// one goroutine owns reads, Deobfuscate and Unpack. Callers never touch
// either. A caller submitting a request suspends only on "response
// received or context done" — when the salt store is empty the request is
// parked and salt acquisition proceeds in the background, so no caller
// ever blocks inline waiting for a salt.
//
// The Dispatcher consumes the stream purely as read/write primitives and
// never closes it; the connection layer owns the socket lifecycle and must
// close it to release the reader after Stop.
type Dispatcher struct {
	stream io.ReadWriter
	trans  transport.Transport
	salts  *SaltStore

	mu     sync.Mutex
	calls  map[int64]*call // live entries, pending and sent
	parked []*call         // entries awaiting a salt, in submit order
	fatal  error           // first fatal error, set before cancel

	nextID int64 // correlation id counter, atomic

	sendCh    chan outgoing
	refreshCh chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewDispatcher creates a dispatcher over the given byte stream and
// framing transport. The salt store starts with the restored salts, if
// any; call Start before submitting requests.
func NewDispatcher(parentCtx context.Context, stream io.ReadWriter, trans transport.Transport, restored ...Salt) *Dispatcher {
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	return &Dispatcher{
		stream:    stream,
		trans:     trans,
		salts:     NewSaltStore(restored...),
		calls:     make(map[int64]*call),
		sendCh:    make(chan outgoing),
		refreshCh: make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the writer, reader and salt refresh goroutines.
func (d *Dispatcher) Start() {
	go d.writeLoop()
	go d.receiveLoop()
	go d.saltLoop()
}

// Stop terminates the dispatcher, failing every in-flight request with
// ErrClosed. It does not close the byte stream; the connection layer does.
func (d *Dispatcher) Stop() {
	d.shutdown(nil)
}

// Err returns the fatal error that brought the dispatcher down, or nil
// after a clean Stop.
func (d *Dispatcher) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fatal
}

// Salts exposes the salt store for seeding and for the persistence layer's
// snapshots.
func (d *Dispatcher) Salts() *SaltStore {
	return d.salts
}

// Invoke submits one request and blocks until its response arrives, the
// caller's context ends, or the dispatcher shuts down. When no salt is
// currently valid the request is parked, a background salt refresh is
// triggered, and the call is dispatched as soon as fresh salts are
// ingested — the caller's goroutine never waits inline for a salt.
func (d *Dispatcher) Invoke(ctx context.Context, payload []byte) ([]byte, error) {
	if d.ctx.Err() != nil {
		return nil, ErrClosed
	}

	c := newCall(atomic.AddInt64(&d.nextID, 1), payload)

	d.mu.Lock()
	d.calls[c.id] = c
	salt, ok := d.salts.Current()
	if ok {
		c.state = stateSent
		c.salt = salt.ID
	} else {
		d.parked = append(d.parked, c)
	}
	d.mu.Unlock()

	if ok {
		d.dispatch(c, salt.ID)
	} else {
		log.Debug().Int64("msg_id", c.id).Msg("No valid salt, parking request")
		d.requestSalts()
	}

	select {
	case <-c.done:
		return c.response, c.err
	case <-ctx.Done():
		d.abandon(c.id)
		return nil, ctx.Err()
	case <-d.ctx.Done():
		return nil, d.closeErr()
	}
}

// Pending returns a diagnostic snapshot of all live request entries.
func (d *Dispatcher) Pending() []CallInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	out := make([]CallInfo, 0, len(d.calls))
	for _, c := range d.calls {
		out = append(out, CallInfo{
			ID:       c.id,
			State:    c.state.String(),
			Attempts: c.attempts,
			Age:      now.Sub(c.submitted),
		})
	}
	return out
}

// dispatch hands an already-registered entry to the writer goroutine with
// the given salt attached.
func (d *Dispatcher) dispatch(c *call, saltID int64) {
	env := Envelope{Kind: KindRequest, Salt: saltID, MsgID: c.id, Payload: c.payload}
	select {
	case d.sendCh <- outgoing{wire: env.Encode(), c: c}:
	case <-d.ctx.Done():
	}
}

// requestSalts triggers the background salt refresh. Non-blocking; a
// trigger already pending is enough.
func (d *Dispatcher) requestSalts() {
	select {
	case d.refreshCh <- struct{}{}:
	default:
	}
}

// abandon removes an entry whose caller gave up. A response arriving later
// is dropped as unmatched. No-op if the entry already resolved.
func (d *Dispatcher) abandon(id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.calls[id]
	if !ok {
		return
	}
	delete(d.calls, id)
	c.finish(nil, context.Canceled)
}

// writeLoop is the single owner of Pack and stream writes.
func (d *Dispatcher) writeLoop() {
	for {
		select {
		case <-d.ctx.Done():
			return
		case out := <-d.sendCh:
			d.writeFrame(out)
		}
	}
}

// writeFrame packs and writes one frame, retrying with bounded exponential
// backoff. A failed write may still have delivered a prefix of the frame;
// those bytes are on the ordered stream for good, so each retry resumes
// after them — re-sending a delivered region would desync the peer's
// framing and, under obfuscation, its keystream. Exhausting the budget
// fails the owning request and brings the dispatcher down: the ordered
// stream is no longer trustworthy.
func (d *Dispatcher) writeFrame(out outgoing) {
	wire := d.trans.Pack(out.wire)
	retryDelay := InitialRetryDelay

	for attempt := 1; ; attempt++ {
		if out.c != nil {
			d.mu.Lock()
			out.c.attempts++
			out.c.sentAt = time.Now()
			d.mu.Unlock()
		}

		n, err := d.stream.Write(wire)
		if err == nil {
			return
		}
		wire = wire[n:]

		if attempt >= MaxSendAttempts {
			log.Error().Err(err).Int("attempts", attempt).Msg("Frame write failed, giving up")
			if out.c != nil {
				d.failCall(out.c, ErrSendFailed)
			}
			d.shutdown(err)
			return
		}

		log.Warn().Err(err).Int("attempt", attempt).Msg("Frame write failed, retrying")
		var cerr error
		retryDelay, cerr = waitDelay(d.ctx, retryDelay)
		if cerr != nil {
			return
		}
	}
}

// receiveLoop is the single owner of reads, Deobfuscate and Unpack. It
// fans completed messages out to waiting callers and feeds salt traffic
// back into the store.
func (d *Dispatcher) receiveLoop() {
	var buf []byte
	chunk := make([]byte, readChunkSize)

	for {
		n, err := d.stream.Read(chunk)
		if n > 0 {
			d.trans.Deobfuscate(chunk[:n])
			buf = append(buf, chunk[:n]...)

			for len(buf) > 0 {
				span, uerr := d.trans.Unpack(buf)
				if uerr == transport.ErrNeedMoreData {
					break
				}
				if uerr != nil {
					log.Error().Err(uerr).Msg("Framing violation, closing connection")
					d.shutdown(uerr)
					return
				}
				d.handleMessage(buf[span.DataStart:span.DataEnd])
				buf = buf[span.Next:]
			}
		}
		if err != nil {
			if d.ctx.Err() == nil {
				d.shutdown(err)
			}
			return
		}
	}
}

// handleMessage routes one deframed message. Anything malformed or
// unexpected is logged and dropped, never fatal.
func (d *Dispatcher) handleMessage(msg []byte) {
	env := DecodeEnvelope(msg)
	if env == nil {
		log.Debug().Int("len", len(msg)).Msg("Dropping malformed envelope")
		return
	}

	switch env.Kind {
	case KindResponse:
		d.resolve(env.MsgID, env.Payload)
	case KindSaltUpdate:
		salts := DecodeSalts(env.Payload)
		if salts == nil {
			log.Debug().Msg("Dropping malformed salt update")
			return
		}
		d.ingestSalts(salts)
	case KindSaltRejected:
		d.handleSaltRejected(env)
	default:
		log.Debug().Uint8("kind", env.Kind).Msg("Dropping unexpected envelope kind")
	}
}

// resolve fulfills the entry matching a response's correlation id.
func (d *Dispatcher) resolve(id int64, payload []byte) {
	d.mu.Lock()
	c, ok := d.calls[id]
	if ok {
		delete(d.calls, id)
		c.finish(payload, nil)
	}
	d.mu.Unlock()

	if !ok {
		log.Debug().Int64("msg_id", id).Msg("Dropping unmatched response")
	}
}

// ingestSalts merges a server-pushed salt set and re-dispatches every
// parked request. Ingest is applied before any retry, and repeated pushes
// of the same set are harmless.
func (d *Dispatcher) ingestSalts(salts []Salt) {
	if n := d.salts.Ingest(salts); n > 0 {
		log.Debug().Int("merged", n).Msg("Salt set updated")
	}
	d.drainParked()
}

// drainParked attaches the current salt to every parked request and hands
// them to the writer, in submit order. The handoff runs on its own
// goroutine: drainParked is called from the reader, and the reader must
// never block on the writer or the peer could stall both directions.
func (d *Dispatcher) drainParked() {
	salt, ok := d.salts.Current()
	if !ok {
		return
	}

	d.mu.Lock()
	ready := make([]*call, 0, len(d.parked))
	for _, c := range d.parked {
		if _, live := d.calls[c.id]; live && c.state == statePending {
			c.state = stateSent
			c.salt = salt.ID
			ready = append(ready, c)
		}
	}
	d.parked = nil
	d.mu.Unlock()

	if len(ready) == 0 {
		return
	}
	go func() {
		for _, c := range ready {
			d.dispatch(c, salt.ID)
		}
	}()
}

// handleSaltRejected processes a "salt invalid" notice: the refused salt
// is dropped, the announced replacement is merged, and the offending
// request gets a single immediate retry with a different salt, falling
// back to the parked state when none is available.
func (d *Dispatcher) handleSaltRejected(env *Envelope) {
	log.Debug().Int64("salt", env.Salt).Int64("msg_id", env.MsgID).Msg("Server rejected salt")
	d.salts.Invalidate(env.Salt)
	if len(env.Payload) == SaltSize {
		now := time.Now()
		d.salts.Ingest([]Salt{{
			ID:         int64(binary.LittleEndian.Uint64(env.Payload)),
			ValidSince: now,
			ValidUntil: now.Add(saltGraceWindow),
		}})
		// the replacement frees any requests parked since the old salt
		// died; release them now instead of on the next refresh poll
		d.drainParked()
	}

	d.mu.Lock()
	c, ok := d.calls[env.MsgID]
	if !ok || c.state != stateSent {
		d.mu.Unlock()
		return
	}

	salt, have := d.salts.Current()
	if have && salt.ID != env.Salt && !c.saltRetry {
		c.saltRetry = true
		c.salt = salt.ID
		d.mu.Unlock()
		// runs on the reader; hand off without blocking on the writer
		go d.dispatch(c, salt.ID)
		return
	}

	c.state = statePending
	c.saltRetry = false
	d.parked = append(d.parked, c)
	d.mu.Unlock()
	d.requestSalts()
}

// saltLoop is the background salt acquisition path. It emits salt-free
// control messages with backoff until the store holds a usable salt again,
// keeping forward progress independent of pending request volume.
func (d *Dispatcher) saltLoop() {
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.refreshCh:
		}

		retryDelay := InitialRetryDelay
		for d.ctx.Err() == nil {
			if _, ok := d.salts.Current(); ok {
				d.drainParked()
				break
			}

			env := Envelope{Kind: KindSaltRequest, MsgID: atomic.AddInt64(&d.nextID, 1)}
			select {
			case d.sendCh <- outgoing{wire: env.Encode()}:
			case <-d.ctx.Done():
				return
			}

			var err error
			retryDelay, err = waitDelay(d.ctx, retryDelay)
			if err != nil {
				return
			}
		}
	}
}

// failCall resolves one entry with an error.
func (d *Dispatcher) failCall(c *call, err error) {
	d.mu.Lock()
	delete(d.calls, c.id)
	c.finish(nil, err)
	d.mu.Unlock()
}

// closeErr is what callers of a downed dispatcher receive.
func (d *Dispatcher) closeErr() error {
	if err := d.Err(); err != nil {
		return err
	}
	return ErrClosed
}

// shutdown terminates the dispatcher once, recording the fatal error and
// failing every live entry.
func (d *Dispatcher) shutdown(err error) {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.fatal = err
		failWith := err
		if failWith == nil {
			failWith = ErrClosed
		}
		for id, c := range d.calls {
			delete(d.calls, id)
			c.finish(nil, failWith)
		}
		d.parked = nil
		d.mu.Unlock()

		d.cancel()
		log.Debug().Err(err).Msg("Dispatcher stopped")
	})
}

// waitDelay sleeps for the current backoff delay and returns the next one,
// growing by BackoffFactor up to MaxRetryDelay. Returns the context error
// if the dispatcher shuts down mid-wait.
func waitDelay(ctx context.Context, retryDelay time.Duration) (time.Duration, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-time.After(retryDelay):
		retryDelay = time.Duration(float64(retryDelay) * BackoffFactor)
		if retryDelay > MaxRetryDelay {
			retryDelay = MaxRetryDelay
		}
		return retryDelay, nil
	}
}
