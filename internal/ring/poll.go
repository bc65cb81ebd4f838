package ring

import (
	"sync"

	"golang.org/x/sys/unix"
)

// maxQueueDepth bounds the number of submissions a single Ring will
// accept before a caller must Submit to drain them, mirroring the
// io_uring backend's fixed-size submission queue.
const maxQueueDepth = 4096

// workgroup is the poll backend's shared interest set: every Ring
// created via From shares one workgroup, so a parent ring's accept
// loop and a stream's sub-ring both get serviced by the same poll(2)
// call, matching the spec's "child rings share the work queue with a
// parent ring" requirement.
type workgroup struct {
	mu     sync.Mutex
	items  map[int]*pendingOp
	wakeR  int
	wakeW  int
	closed bool
}

type pendingOp struct {
	ring     *pollRing
	op       Op
	userData uint64
}

func newWorkgroup() (*workgroup, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK); err != nil {
		return nil, err
	}
	return &workgroup{
		items: make(map[int]*pendingOp),
		wakeR: fds[0],
		wakeW: fds[1],
	}, nil
}

func (w *workgroup) wake() {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return
	}
	var b [1]byte
	unix.Write(w.wakeW, b[:])
}

func (w *workgroup) register(fd int, op *pendingOp) {
	w.mu.Lock()
	w.items[fd] = op
	w.mu.Unlock()
	w.wake()
}

func (w *workgroup) unregister(fd int) *pendingOp {
	w.mu.Lock()
	op := w.items[fd]
	delete(w.items, fd)
	w.mu.Unlock()
	return op
}

// pollOnce blocks on poll(2) across every registered fd plus the
// wake pipe, then services whichever fds became ready, routing the
// resulting Completion onto the owning Ring's local queue.
func (w *workgroup) pollOnce() {
	w.mu.Lock()
	pfds := make([]unix.PollFd, 0, len(w.items)+1)
	fds := make([]int, 0, len(w.items))
	pfds = append(pfds, unix.PollFd{Fd: int32(w.wakeR), Events: unix.POLLIN})
	for fd := range w.items {
		pfds = append(pfds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
		fds = append(fds, fd)
	}
	w.mu.Unlock()

	n, err := unix.Poll(pfds, -1)
	if err != nil || n == 0 {
		return
	}

	if pfds[0].Revents != 0 {
		var buf [64]byte
		for {
			if _, err := unix.Read(w.wakeR, buf[:]); err != nil {
				break
			}
		}
	}

	for i, fd := range fds {
		ev := pfds[i+1].Revents
		if ev == 0 {
			continue
		}
		op := w.unregister(fd)
		if op == nil {
			continue
		}
		completeReadyOp(op, fd, uint32(ev))
	}
}

func completeReadyOp(op *pendingOp, fd int, revents uint32) {
	c := Completion{UserData: op.userData, op: op.op}
	switch op.op {
	case OpAccept:
		nfd, _, err := unix.Accept4(fd, unix.SOCK_NONBLOCK)
		if err != nil {
			c.res, c.errno = -1, errnoOf(err)
		} else {
			c.res = int32(nfd)
		}
	case OpRecv:
		buf := op.ring.takeRecvBuf(op.userData)
		n, err := unix.Read(fd, buf)
		if err != nil {
			c.res, c.errno = -1, errnoOf(err)
		} else {
			c.res = int32(n)
			c.socketNonEmpty = revents&unix.POLLIN != 0 && n == len(buf)
		}
	}
	op.ring.pushCompletion(c)
}

func errnoOf(err error) int {
	if errno, ok := err.(unix.Errno); ok {
		return int(errno)
	}
	return -1
}

// pollRing is the portable Ring implementation.
type pollRing struct {
	wg    *workgroup
	owner bool

	mu       sync.Mutex
	pending  []*SQE
	ready    []Completion
	recvBufs map[uint64][]byte
	depth    int
}

// NewPollRing creates a root Ring backed by poll(2), suitable for any
// platform providing golang.org/x/sys/unix's Poll (all Unix targets;
// WASI per the spec's platform table uses the same backend).
func NewPollRing(entries int) (Ring, error) {
	wg, err := newWorkgroup()
	if err != nil {
		return nil, err
	}
	r := newPollRing(wg, entries)
	r.owner = true
	return r, nil
}

func newPollRing(wg *workgroup, entries int) *pollRing {
	return &pollRing{wg: wg, depth: entries, recvBufs: make(map[uint64][]byte)}
}

func (r *pollRing) takeRecvBuf(userData uint64) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.recvBufs[userData]
	delete(r.recvBufs, userData)
	return b
}

func (r *pollRing) pushCompletion(c Completion) {
	r.mu.Lock()
	r.ready = append(r.ready, c)
	r.mu.Unlock()
}

func (r *pollRing) SQE() (*SQE, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	limit := r.depth
	if limit <= 0 {
		limit = maxQueueDepth
	}
	if len(r.pending) >= limit {
		return nil, ErrSubmissionQueueFull
	}
	sqe := &SQE{}
	r.pending = append(r.pending, sqe)
	return sqe, nil
}

// flush drains any SQEs staged by SQE()/Nop()/Recv()/... since the
// last flush and services the immediate ones (Nop, Send, Close,
// Cancel), registering Accept/Recv with the shared workgroup. Both
// Submit and CQE call this: convenience methods only stage an SQE, so
// without this a caller that never calls Submit directly (every
// Stream/Session call site in this codebase) would stage ops the
// backend never actually services.
func (r *pollRing) flush() int {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, sqe := range batch {
		r.submitOne(sqe)
	}
	return len(batch)
}

func (r *pollRing) Submit(waitN int) (int, error) {
	n := r.flush()

	for waitN > 0 {
		r.mu.Lock()
		have := len(r.ready)
		r.mu.Unlock()
		if have >= waitN {
			break
		}
		r.wg.pollOnce()
	}
	return n, nil
}

func (r *pollRing) submitOne(sqe *SQE) {
	switch sqe.Op {
	case OpNop:
		r.pushCompletion(Completion{UserData: sqe.UserData, op: OpNop})
	case OpAccept:
		r.wg.register(sqe.Fd, &pendingOp{ring: r, op: OpAccept, userData: sqe.UserData})
	case OpRecv:
		r.mu.Lock()
		r.recvBufs[sqe.UserData] = sqe.Buf
		r.mu.Unlock()
		r.wg.register(sqe.Fd, &pendingOp{ring: r, op: OpRecv, userData: sqe.UserData})
	case OpSend:
		n, err := unix.Write(sqe.Fd, sqe.Buf)
		c := Completion{UserData: sqe.UserData, op: OpSend}
		if err != nil {
			c.res, c.errno = -1, errnoOf(err)
		} else {
			c.res = int32(n)
		}
		r.pushCompletion(c)
	case OpClose:
		err := unix.Close(sqe.Fd)
		c := Completion{UserData: sqe.UserData, op: OpClose}
		if err != nil {
			c.res, c.errno = -1, errnoOf(err)
		}
		r.pushCompletion(c)
	case OpCancel:
		r.cancel(sqe.UserData)
	}
}

func (r *pollRing) cancel(target uint64) {
	found := false
	r.wg.mu.Lock()
	for fd, op := range r.wg.items {
		if op.ring == r && op.userData == target {
			delete(r.wg.items, fd)
			found = true
			break
		}
	}
	r.wg.mu.Unlock()
	c := Completion{UserData: target, op: OpCancel}
	if !found {
		c.res, c.errno = -1, errENOENT
	}
	r.pushCompletion(c)
}

func (r *pollRing) CQE() (Completion, error) {
	r.flush()

	r.mu.Lock()
	for len(r.ready) == 0 {
		r.mu.Unlock()
		r.wg.pollOnce()
		r.mu.Lock()
	}
	c := r.ready[0]
	r.ready = r.ready[1:]
	r.mu.Unlock()
	return c, nil
}

func (r *pollRing) Nop(userData uint64) error {
	sqe, err := r.SQE()
	if err != nil {
		return err
	}
	sqe.Op, sqe.UserData = OpNop, userData
	return nil
}

func (r *pollRing) Accept(fd int, userData uint64) error {
	sqe, err := r.SQE()
	if err != nil {
		return err
	}
	sqe.Op, sqe.Fd, sqe.UserData = OpAccept, fd, userData
	return nil
}

func (r *pollRing) Recv(fd int, buf []byte, userData uint64) error {
	sqe, err := r.SQE()
	if err != nil {
		return err
	}
	sqe.Op, sqe.Fd, sqe.Buf, sqe.UserData = OpRecv, fd, buf, userData
	return nil
}

func (r *pollRing) Send(fd int, buf []byte, userData uint64) error {
	sqe, err := r.SQE()
	if err != nil {
		return err
	}
	sqe.Op, sqe.Fd, sqe.Buf, sqe.UserData = OpSend, fd, buf, userData
	return nil
}

func (r *pollRing) CloseFd(fd int, userData uint64) error {
	sqe, err := r.SQE()
	if err != nil {
		return err
	}
	sqe.Op, sqe.Fd, sqe.UserData = OpClose, fd, userData
	return nil
}

func (r *pollRing) Cancel(userData uint64) error {
	sqe, err := r.SQE()
	if err != nil {
		return err
	}
	sqe.Op, sqe.UserData = OpCancel, userData
	return nil
}

func (r *pollRing) From(entries int) (Ring, error) {
	return newPollRing(r.wg, entries), nil
}

func (r *pollRing) Close() error {
	if !r.owner {
		return nil
	}
	r.wg.mu.Lock()
	r.wg.closed = true
	r.wg.mu.Unlock()
	unix.Close(r.wg.wakeR)
	unix.Close(r.wg.wakeW)
	return nil
}
