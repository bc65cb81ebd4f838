// Package transport implements the per-connection state that turns raw
// byte streams into HTTP/1.x transactions: Session (one transport
// connection), Stream (the byte channel inside it), the incremental
// HTTP/1 parser, body framing (sized/chunked/gzip), and Transaction
// (one request/response exchange with its arena).
package transport

import (
	"sync/atomic"

	"github.com/kfcemployee/goserver/internal/parking"
	"github.com/kfcemployee/goserver/internal/refbuf"
	"github.com/kfcemployee/goserver/internal/ring"
)

// SessionStatus is the lifecycle state of a Session (spec §3).
type SessionStatus int32

const (
	StatusOpen SessionStatus = iota
	StatusClosing
	StatusClosed
)

// EventKind tags the ServerEvent union carried as SQE user-data (spec
// invariant I5: the tag is either zero or refers to a ServerEvent kept
// alive until the CQE is processed; see eventTag).
type EventKind int

const (
	EventReadBuffer EventKind = iota
	EventCancelReadBuffer
	EventCloseStream
	EventCheckServerStatus
	EventAccept
)

// ServerEvent is the tagged union stashed behind an SQE's user-data
// field: the field holds a registry tag from eventTag/TagEvent, and
// EventFromTag recovers the event from a Completion's UserData.
type ServerEvent struct {
	Kind     EventKind
	Session  *Session
	Stream   *Stream
	Buffer   *refbuf.RefBuffer
	ListenFD int // valid for EventAccept: the listening socket this accept was posted against
}

// Session represents one transport connection. HTTP/1 carries exactly
// one Stream at a time (invariant I6); HTTP/2 stream IDs are reserved
// for a future revision and are not implemented here (Non-goal).
type Session struct {
	FD        int
	Ring      ring.Ring
	status    atomic.Int32
	lock      parking.Mutex
	activeOp  *ServerEvent
	activeTag uint64
	pool      *refbuf.Pool
	streams   []*Stream
	keepAlive KeepAliveConfig
	readSize  int

	closeCond parking.Cond

	// OnTransaction is invoked once per completed request. The
	// dispatcher sets this to push the transaction onto the bounded
	// worker pool rather than running handler code on the ring
	// goroutine itself.
	OnTransaction func(*Transaction)
}

// KeepAliveConfig mirrors the Keep-Alive advisory the stream emits.
type KeepAliveConfig struct {
	Enabled bool
	Timeout int // seconds, advisory only
}

// NewSession wraps an accepted file descriptor. readSize is the size of
// read buffers pulled from the session's pool.
func NewSession(fd int, r ring.Ring, readSize int, ka KeepAliveConfig) *Session {
	s := &Session{
		FD:        fd,
		Ring:      r,
		pool:      refbuf.NewPool(),
		keepAlive: ka,
		readSize:  readSize,
	}
	s.status.Store(int32(StatusOpen))
	return s
}

// Status reports the session's current lifecycle state.
func (s *Session) Status() SessionStatus { return SessionStatus(s.status.Load()) }

// OpenStream creates this session's single HTTP/1 stream. Calling it
// twice while one is already open is a programming error (invariant I6
// violation) and panics, matching the spec's "state violations:
// fatal" policy for asserts.
func (s *Session) OpenStream() *Stream {
	s.lock.Lock()
	defer s.lock.Unlock()

	for _, st := range s.streams {
		if st.State() != StreamClosed {
			panic("transport: session already has an open HTTP/1 stream")
		}
	}

	st := newStream(s, uint32(len(s.streams)+1))
	s.streams = append(s.streams, st)
	return st
}

// SetReadBuffer acquires a read buffer from the pool and posts a recv
// SQE tagged with a ReadBuffer event.
func (s *Session) SetReadBuffer() error {
	s.lock.Lock()
	if s.activeOp != nil {
		s.lock.Unlock()
		return nil
	}
	buf := s.pool.Acquire(s.readSize)
	ev := &ServerEvent{Kind: EventReadBuffer, Session: s, Buffer: buf}
	tag := eventTag(ev)
	s.activeOp = ev
	s.activeTag = tag
	s.lock.Unlock()

	return s.Ring.Recv(s.FD, buf.Bytes(), tag)
}

// ReceiveRead is called by the dispatcher when a ReadBuffer completion
// arrives. On success it appends the received bytes to the current
// stream's input queue and asks the stream to try to complete a
// transaction; on EOF or error it drops the slice and begins closing.
func (s *Session) ReceiveRead(c ring.Completion, buf *refbuf.RefBuffer) {
	s.lock.Lock()
	s.activeOp = nil
	st := s.currentStream()
	s.lock.Unlock()

	n, err := c.AsRecv()
	if err != nil || n == 0 {
		buf.Release()
		s.beginClosing()
		return
	}

	if st == nil {
		buf.Release()
		return
	}
	slice := buf.Ref(0, n)
	buf.Release() // the queued slice now owns the only live reference
	st.Feed(slice)
}

func (s *Session) currentStream() *Stream {
	for _, st := range s.streams {
		if st.State() != StreamClosed {
			return st
		}
	}
	return nil
}

// CancelReadBuffer posts a cancel SQE for the in-flight read, if any.
// A submission-queue-full is transient: force a flush of whatever is
// already staged and retry, rather than dropping the cancel (spec §4.4:
// "a submission-queue-full on cancel waits on the dispatcher's
// sq_available condition and retries").
func (s *Session) CancelReadBuffer() error {
	s.lock.Lock()
	ev := s.activeOp
	tag := s.activeTag
	s.lock.Unlock()
	if ev == nil {
		return nil
	}
	for {
		err := s.Ring.Cancel(tag)
		if err != ring.ErrSubmissionQueueFull {
			return err
		}
		if _, err := s.Ring.Submit(0); err != nil {
			return err
		}
	}
}

// Close transitions the session toward destruction: marks it Closing
// and cancels any active read.
func (s *Session) Close() {
	s.status.Store(int32(StatusClosing))
	_ = s.CancelReadBuffer()
}

// CheckClosing reports whether the session may be destroyed now: its
// status is not Open, it has no active ring operation, and every
// stream is Closed. As a side effect it asks any idle stream to begin
// closing, matching the spec's "calling check_closing causes idle
// streams to begin their close".
func (s *Session) CheckClosing() bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.status.Load() == int32(StatusOpen) {
		return false
	}
	if s.activeOp != nil {
		return false
	}
	ready := true
	for _, st := range s.streams {
		if st.State() == StreamIdle {
			st.beginClose()
		}
		if st.State() != StreamClosed {
			ready = false
		}
	}
	return ready
}

// Destroy releases the session's buffer pool. Callers must only call
// this once CheckClosing has returned true (invariant I1).
func (s *Session) Destroy() {
	s.status.Store(int32(StatusClosed))
	s.pool.Destroy()
}

func (s *Session) beginClosing() {
	s.status.CompareAndSwap(int32(StatusOpen), int32(StatusClosing))
}

// ClearActiveOp clears the record of the session's outstanding ring
// operation. The dispatcher calls this once a Cancel completion for
// that operation has been processed, since (per §4.2's cancel(user_data)
// contract) the cancelled op's own completion never separately arrives.
func (s *Session) ClearActiveOp() {
	s.lock.Lock()
	s.activeOp = nil
	s.lock.Unlock()
}

// RemoveStream drops st from the session's stream list. The dispatcher
// calls this once a CloseStream event for st has been processed and no
// transaction is in progress, per spec §4.7 step 2.
func (s *Session) RemoveStream(st *Stream) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for i, cur := range s.streams {
		if cur == st {
			s.streams = append(s.streams[:i], s.streams[i+1:]...)
			return
		}
	}
}
