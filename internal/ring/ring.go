// Package ring provides a uniform completion-ring abstraction over two
// backends: a Linux io_uring implementation and a portable poll(2)
// implementation. Callers never see which backend is in use; they only
// see Ring, SQE, and Completion.
package ring

import (
	"errors"
	"unsafe"
)

// Op identifies the kind of operation an SQE carries.
type Op uint8

const (
	OpNop Op = iota
	OpAccept
	OpRecv
	OpSend
	OpClose
	OpCancel
)

// Errors surfaced through Completion's typed accessors. Each maps a
// backend-specific errno onto one of the kinds §7 of the spec names.
var (
	ErrSubmissionQueueFull = errors.New("ring: submission queue full")
	ErrAgain               = errors.New("ring: resource temporarily unavailable")
	ErrConnRefused         = errors.New("ring: connection refused")
	ErrConnReset           = errors.New("ring: connection reset by peer")
	ErrNotConnected        = errors.New("ring: transport endpoint not connected")
	ErrNotSocket           = errors.New("ring: not a socket")
	ErrMessageTooBig       = errors.New("ring: message too long")
	ErrBrokenPipe          = errors.New("ring: broken pipe")
	ErrNoEntity            = errors.New("ring: no such entity to cancel")
	ErrAlready             = errors.New("ring: operation already in progress")
	ErrInvalid             = errors.New("ring: invalid argument")
	ErrUnexpected          = errors.New("ring: unexpected I/O error")
)

// SQE is a submission-queue entry obtained from Ring.SQE. Its fields
// are populated by the convenience methods on Ring; callers needing a
// raw Nop/Cancel can set Op and UserData directly.
type SQE struct {
	Op       Op
	Fd       int
	Buf      []byte
	UserData uint64
}

// Completion is one completion-queue entry.
type Completion struct {
	UserData        uint64
	op              Op
	res             int32
	errno           int
	socketNonEmpty  bool
}

// UserDataPtr reinterprets the user-data tag as a raw pointer. The tag
// is whatever value the submitter attached; the result is a valid
// pointer only when the submitter stored one there.
func (c *Completion) UserDataPtr() unsafe.Pointer {
	return unsafe.Pointer(uintptr(c.UserData))
}

// SocketNonEmpty reports whether the kernel indicated more data is
// available on the socket beyond what this completion delivered.
func (c *Completion) SocketNonEmpty() bool { return c.socketNonEmpty }

// Op reports which opcode this completion actually answers. A caller
// needs this alongside the user-data tag's ServerEvent.Kind because
// Cancel's completion carries the *target* operation's tag (per §4.2's
// cancel(user_data) contract), not a freshly minted one — so the same
// tag can surface here tagged OpCancel even though the ServerEvent it
// points at was registered as a ReadBuffer.
func (c *Completion) Op() Op { return c.op }

func kindFor(errno int) error {
	switch errno {
	case 0:
		return nil
	case errEAGAIN:
		return ErrAgain
	case errECONNREFUSED:
		return ErrConnRefused
	case errECONNRESET:
		return ErrConnReset
	case errENOTCONN:
		return ErrNotConnected
	case errENOTSOCK:
		return ErrNotSocket
	case errEMSGSIZE:
		return ErrMessageTooBig
	case errEPIPE:
		return ErrBrokenPipe
	case errENOENT:
		return ErrNoEntity
	case errEALREADY:
		return ErrAlready
	case errEINVAL:
		return ErrInvalid
	default:
		return ErrUnexpected
	}
}

// AsRecv decodes a recv completion: n>=0 bytes received, or an error
// kind from §7. n==0 with err==nil signals orderly peer shutdown.
func (c *Completion) AsRecv() (n int, err error) {
	if c.res < 0 {
		return 0, kindFor(c.errno)
	}
	return int(c.res), nil
}

// AsAccept decodes an accept completion into the new fd, or an error.
func (c *Completion) AsAccept() (fd int, err error) {
	if c.res < 0 {
		return -1, kindFor(c.errno)
	}
	return int(c.res), nil
}

// AsSend decodes a send completion into bytes written, or an error.
func (c *Completion) AsSend() (n int, err error) {
	if c.res < 0 {
		return 0, kindFor(c.errno)
	}
	return int(c.res), nil
}

// AsClose decodes a close completion.
func (c *Completion) AsClose() error {
	if c.res < 0 {
		return kindFor(c.errno)
	}
	return nil
}

// AsCancel decodes a cancel completion. A cancel that raced the
// original op's natural completion reports ErrAlready; one that found
// nothing to cancel reports ErrNoEntity. Both are logged and ignored by
// callers per §7.
func (c *Completion) AsCancel() error {
	if c.res < 0 {
		return kindFor(c.errno)
	}
	return nil
}

// Ring is the uniform surface both backends implement.
type Ring interface {
	// SQE returns a freshly initialized submission slot, or
	// ErrSubmissionQueueFull if the queue has no room.
	SQE() (*SQE, error)

	// Submit publishes all pending submissions and blocks until at
	// least waitN completions are ready, returning the number of SQEs
	// submitted.
	Submit(waitN int) (int, error)

	// CQE returns one completion, blocking (driving the backend) until
	// one is available.
	CQE() (Completion, error)

	// Nop, Accept, Recv, Send, CloseFd, Cancel are convenience
	// constructors that allocate an SQE and attach userData.
	Nop(userData uint64) error
	Accept(fd int, userData uint64) error
	Recv(fd int, buf []byte, userData uint64) error
	Send(fd int, buf []byte, userData uint64) error
	CloseFd(fd int, userData uint64) error
	Cancel(userData uint64) error

	// From creates a child ring sharing this ring's backend worker
	// pool, used so a Stream's writes don't contend with the server's
	// accept/read ring.
	From(entries int) (Ring, error)

	// Close releases the ring's backend resources.
	Close() error
}
