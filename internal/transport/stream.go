package transport

import (
	"strconv"
	"sync/atomic"

	"github.com/kfcemployee/goserver/internal/parking"
	"github.com/kfcemployee/goserver/internal/refbuf"
	"github.com/kfcemployee/goserver/internal/ring"
)

// StreamState is the lifecycle state of a Stream (spec §4 data model).
type StreamState int32

const (
	StreamIdle StreamState = iota
	StreamOpen
	StreamHalfClosedLocal
	StreamHalfClosedRemote
	StreamClosed
)

// Stream is the byte channel inside a Session. HTTP/1 carries exactly
// one live Stream per Session (invariant I6).
type Stream struct {
	session *Session
	id      uint32

	state atomic.Int32
	lock  parking.Mutex
	cond  parking.Cond

	input      []refbuf.RefSlice
	parser     parserState
	bodyPrefix []byte // bytes read past the header terminator, held for body_reader
	pending    bool   // a Transaction is in progress for this stream

	writeRing ring.Ring // sub-ring so Stream writes don't contend with the accept/read ring

	keepAlive bool
}

func newStream(s *Session, id uint32) *Stream {
	st := &Stream{session: s, id: id, parser: newParserState(), keepAlive: s.keepAlive.Enabled}
	st.state.Store(int32(StreamIdle))
	if wr, err := s.Ring.From(8); err == nil {
		st.writeRing = wr
	} else {
		st.writeRing = s.Ring
	}
	return st
}

// State reports the stream's current lifecycle state.
func (s *Stream) State() StreamState { return StreamState(s.state.Load()) }

// Feed appends a freshly received chunk to the stream's input queue
// and attempts to advance the request parser. A completed request
// materialises a Transaction; any bytes read past the header
// terminator are held in bodyPrefix for the transaction's body reader,
// matching spec §4.5.
func (s *Stream) Feed(chunk refbuf.RefSlice) {
	s.lock.Lock()
	s.input = append(s.input, chunk)
	s.state.CompareAndSwap(int32(StreamIdle), int32(StreamOpen))
	s.lock.Unlock()

	s.tryParse()
	s.cond.Broadcast()
}

func (s *Stream) tryParse() {
	for {
		s.lock.Lock()
		if s.pending {
			s.lock.Unlock()
			return
		}
		var chunk refbuf.RefSlice
		haveChunk := false
		if len(s.input) > 0 {
			chunk = s.input[0]
			s.input = s.input[1:]
			haveChunk = true
		}
		s.lock.Unlock()

		if !haveChunk && !s.parser.hasScratch() {
			return
		}

		var data []byte
		if haveChunk {
			data = chunk.Bytes()
		}
		final, err := s.parser.feed(data)
		if haveChunk {
			chunk.Unref()
		}
		if err != nil {
			s.writeBadRequest()
			s.close()
			return
		}
		if !final {
			if !haveChunk {
				return
			}
			continue
		}

		req := s.parser.req
		leftover := s.parser.scratch
		s.parser = newParserState()

		s.lock.Lock()
		s.pending = true
		if len(leftover) > 0 {
			s.bodyPrefix = append(s.bodyPrefix, leftover...)
		}
		s.lock.Unlock()

		newTransaction(s, req)
		return
	}
}

// nextRaw returns the next chunk of raw bytes available for body
// reading, draining any header-terminator leftover first and then the
// wire input queue. The returned release func must be called once the
// caller is done copying out of the returned slice.
func (s *Stream) nextRaw() ([]byte, func(), bool) {
	s.lock.Lock()
	if len(s.bodyPrefix) > 0 {
		b := s.bodyPrefix
		s.bodyPrefix = nil
		s.lock.Unlock()
		return b, func() {}, true
	}
	s.lock.Unlock()

	chunk, ok := s.readBuffer()
	if !ok {
		return nil, nil, false
	}
	return chunk.Bytes(), chunk.Unref, true
}

// pushback prepends unconsumed raw bytes to bodyPrefix so the next
// nextRaw call returns them first, instead of letting them fall on the
// floor — used when a body reader pulls a chunk larger than it needed
// (spec §4.5: "any residual bytes ... are pushed back to the input
// queue"). Those residual bytes are frequently the start of the next
// pipelined request, so losing them here would corrupt it.
func (s *Stream) pushback(b []byte) {
	if len(b) == 0 {
		return
	}
	cp := append([]byte(nil), b...)
	s.lock.Lock()
	s.bodyPrefix = append(cp, s.bodyPrefix...)
	s.lock.Unlock()
}

// transactionDone is called by Transaction.deinit via
// mark_response_end: it clears the in-progress flag and either
// re-arms a read (keep-alive) or closes the stream.
func (s *Stream) transactionDone() {
	s.lock.Lock()
	s.pending = false
	remaining := len(s.input) > 0
	s.lock.Unlock()

	if remaining {
		s.tryParse()
	}

	if s.keepAlive {
		_ = s.session.SetReadBuffer()
	} else {
		s.close()
	}
}

// readBuffer returns the next queued RefSlice, blocking on the
// stream's condition until one arrives or the stream closes
// (spec §4.5 read_buffer).
func (s *Stream) readBuffer() (refbuf.RefSlice, bool) {
	s.lock.Lock()
	for len(s.input) == 0 && s.State() != StreamClosed {
		_ = s.session.SetReadBuffer()
		s.cond.Wait(&s.lock, 0)
	}
	if len(s.input) == 0 {
		s.lock.Unlock()
		return refbuf.RefSlice{}, false
	}
	chunk := s.input[0]
	s.input = s.input[1:]
	s.lock.Unlock()
	return chunk, true
}

// close sets the stream Closed, notifies any waiters, and posts a
// CloseStream event so the dispatcher can remove it from the owning
// Session's stream list later (spec §4.5 close()).
func (s *Stream) close() {
	s.state.Store(int32(StreamClosed))
	s.cond.Broadcast()

	ev := &ServerEvent{Kind: EventCloseStream, Session: s.session, Stream: s}
	tag := eventTag(ev)
	_ = s.session.Ring.Nop(tag)
}

// TransactionInProgress reports whether a Transaction is currently
// live for this stream. The dispatcher refuses to destroy a stream
// while this holds, re-posting its CloseStream event as a nop until
// the transaction ends (spec §4.5/§4.7).
func (s *Stream) TransactionInProgress() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.pending
}

// beginClose transitions an Idle stream toward Closed, invoked from
// Session.CheckClosing when the session itself is shutting down.
func (s *Stream) beginClose() {
	if s.State() == StreamIdle {
		s.close()
		return
	}
	s.state.CompareAndSwap(int32(StreamOpen), int32(StreamHalfClosedLocal))
}

// writeSlice schedules one send on the stream's write ring and waits
// for its completion before returning (spec §4.5 write_slice/flush:
// "one-per-SQE correspondence").
func (s *Stream) writeSlice(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if err := s.writeRing.Send(s.session.FD, b, 0); err != nil {
		return err
	}
	c, err := s.writeRing.CQE()
	if err != nil {
		return err
	}
	_, err = c.AsSend()
	return err
}

// writeBadRequest writes a literal 400 Bad Request response with an
// embedded HTML body, used when the parser cannot make sense of the
// request line or headers (spec §6 "Failure responses").
func (s *Stream) writeBadRequest() {
	body := []byte("<html><body><h1>400 Bad Request</h1></body></html>")
	headers := []Header{
		{Key: []byte("Content-Type"), Val: []byte("text/html")},
		{Key: []byte("Content-Length"), Val: []byte(strconv.Itoa(len(body)))},
		{Key: []byte("Connection"), Val: []byte("close")},
	}
	if err := s.writeResponse([]byte("HTTP/1.1 400 Bad Request\r\n"), headers); err != nil {
		return
	}
	_ = s.writeSlice(body)
}

// writeResponse serialises a status line + header block and submits
// it, consuming the matching completion before returning (spec §4.5
// write_response).
func (s *Stream) writeResponse(statusLine []byte, headers []Header) error {
	buf := make([]byte, 0, 256)
	buf = append(buf, statusLine...)
	for _, h := range headers {
		buf = append(buf, h.Key...)
		buf = append(buf, ':', ' ')
		buf = append(buf, h.Val...)
		buf = append(buf, '\r', '\n')
	}
	buf = append(buf, '\r', '\n')
	return s.writeSlice(buf)
}
