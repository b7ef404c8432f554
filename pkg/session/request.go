package session

import (
	"time"
)

// callState tracks the lifecycle of an in-flight request.
type callState int

const (
	// statePending marks a request parked while the salt store is empty.
	statePending callState = iota

	// stateSent marks a request on the wire awaiting its response.
	stateSent

	// stateDone marks a resolved, failed or abandoned request.
	stateDone
)

func (s callState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateSent:
		return "sent"
	default:
		return "done"
	}
}

// call is one in-flight request entry. It is owned exclusively by the
// Dispatcher, which is the only mutator; the waiting caller holds nothing
// but the done channel to be notified on.
type call struct {
	id      int64  // correlation id
	payload []byte // serialized request body

	state     callState
	salt      int64     // salt attached on the last send
	sentAt    time.Time // last send timestamp
	attempts  int       // send attempts so far
	saltRetry bool      // immediate retry after a salt rejection used up
	response  []byte
	err       error
	done      chan struct{}
	submitted time.Time
}

func newCall(id int64, payload []byte) *call {
	return &call{
		id:        id,
		payload:   payload,
		state:     statePending,
		done:      make(chan struct{}),
		submitted: time.Now(),
	}
}

// finish resolves the entry exactly once. Caller must have removed it
// from the dispatcher tables first.
func (c *call) finish(response []byte, err error) {
	if c.state == stateDone {
		return
	}
	c.state = stateDone
	c.response = response
	c.err = err
	close(c.done)
}

// CallInfo is a read-only snapshot of one in-flight request, exposed for
// diagnostics.
type CallInfo struct {
	ID       int64
	State    string
	Attempts int
	Age      time.Duration
}
