//go:build linux

package ring

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Raw io_uring ABI constants. golang.org/x/sys/unix does not wrap
// io_uring directly, so these are declared here the way the retrieval
// pack's momentics-hioload-ws io_uring reference does: raw opcode and
// syscall numbers, issued through unix.Syscall.
const (
	ioringOpNop    = 0
	ioringOpAccept = 13
	ioringOpClose  = 19
	ioringOpRead   = 22
	ioringOpWrite  = 23
	ioringOpRecv   = 27
	ioringOpSend   = 26
	ioringOpCancel = 14

	sysIoUringSetup  = 425
	sysIoUringEnter  = 426

	ioringEnterGetevents = 1 << 0

	ioringOffSqRing = 0
	ioringOffCqRing = 0x8000000
	ioringOffSqes   = 0x10000000

	ioringFeatSingleMmap = 1 << 0
)

// ioUringParams mirrors struct io_uring_params.
type ioUringParams struct {
	sqEntries    uint32
	cqEntries    uint32
	flags        uint32
	sqThreadCPU  uint32
	sqThreadIdle uint32
	features     uint32
	wqFd         uint32
	resv         [3]uint32
	sqOff        ioSqringOffsets
	cqOff        ioCqringOffsets
}

type ioSqringOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	flags       uint32
	dropped     uint32
	array       uint32
	resv1       uint32
	resv2       uint64
}

type ioCqringOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	overflow    uint32
	cqes        uint32
	flags       uint32
	resv1       uint32
	resv2       uint64
}

// ioUringSQE mirrors struct io_uring_sqe (the fields this backend
// actually populates; reserved/union members are zeroed).
type ioUringSQE struct {
	opcode      uint8
	flags       uint8
	ioprio      uint16
	fd          int32
	off         uint64
	addr        uint64
	length      uint32
	rwFlags     uint32
	userData    uint64
	bufIndex    uint16
	personality uint16
	spliceFdIn  int32
	pad2        [2]uint64
}

// ioUringCQE mirrors struct io_uring_cqe.
type ioUringCQE struct {
	userData uint64
	res      int32
	flags    uint32
}

func ioUringSetup(entries uint32, p *ioUringParams) (int, error) {
	fd, _, errno := unix.Syscall(sysIoUringSetup, uintptr(entries), uintptr(unsafe.Pointer(p)), 0)
	if errno != 0 {
		return -1, errno
	}
	return int(fd), nil
}

func ioUringEnter(fd int, toSubmit, minComplete uint32, flags uint32) (int, error) {
	n, _, errno := unix.Syscall6(sysIoUringEnter, uintptr(fd), uintptr(toSubmit), uintptr(minComplete), uintptr(flags), 0, 0)
	if errno != 0 {
		return -1, errno
	}
	return int(n), nil
}

// uringRing is the Linux io_uring Ring implementation.
type uringRing struct {
	shared *uringShared
	owner  bool

	mu      sync.Mutex
	pending []*SQE
	ready   []Completion
	recvBuf map[uint64][]byte
}

// uringShared is the mmap'd kernel state. A ring created with From
// shares the parent's file descriptor and mappings: both submit
// through the same fd, which is exactly "child rings share the work
// queue with a parent ring".
type uringShared struct {
	fd int

	sqMmap  []byte
	cqMmap  []byte
	sqeMmap []byte

	sqHead  *uint32
	sqTail  *uint32
	sqMask  uint32
	sqArray []uint32
	sqes    []ioUringSQE

	cqHead *uint32
	cqTail *uint32
	cqMask uint32
	cqes   []ioUringCQE

	// opKind tracks which Op a still-outstanding user-data tag was
	// submitted as. The kernel's CQE carries only user_data and a
	// result, not the opcode, so CQE() cannot otherwise tell a Cancel's
	// completion (which echoes the *target's* tag, per §4.2) apart from
	// that target's own original completion.
	//
	// ringOf tracks which uringRing instance owns each still-outstanding
	// tag, so a completion drained by one goroutine can be routed to the
	// *ready queue of whichever ring (root or a From-derived stream
	// ring) actually submitted it. Both maps are guarded by opMu.
	opMu   sync.Mutex
	opKind map[uint64]Op
	ringOf map[uint64]*uringRing

	submitMu sync.Mutex
	sqeTail  uint32

	// cqMu serializes the read-entry/advance-cqHead sequence against
	// the shared kernel completion ring. A From-derived ring's
	// writeRing is drained concurrently with the parent's main ring by
	// separate goroutines (server dispatch loop vs. worker pool), and
	// both read the same mmap'd cqHead/cqTail pair; without this lock
	// two goroutines can both observe head != tail and consume the same
	// entry, or advance cqHead past an entry neither of them returned.
	cqMu sync.Mutex
}

// NewURingRing creates a root Ring backed by io_uring, for Linux 5.15+
// as the spec's platform table requires.
func NewURingRing(entries int) (Ring, error) {
	params := &ioUringParams{}
	fd, err := ioUringSetup(uint32(entries), params)
	if err != nil {
		return nil, err
	}

	shared, err := mapURing(fd, params)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	return &uringRing{shared: shared, owner: true, recvBuf: make(map[uint64][]byte)}, nil
}

func mapURing(fd int, p *ioUringParams) (*uringShared, error) {
	sqSize := p.sqOff.array + p.sqEntries*4
	cqSize := p.cqOff.cqes + p.cqEntries*uint32(unsafe.Sizeof(ioUringCQE{}))

	sqMmap, err := unix.Mmap(fd, ioringOffSqRing, int(sqSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return nil, err
	}
	cqMmap := sqMmap
	if p.features&ioringFeatSingleMmap == 0 {
		cqMmap, err = unix.Mmap(fd, ioringOffCqRing, int(cqSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
		if err != nil {
			unix.Munmap(sqMmap)
			return nil, err
		}
	}

	sqeSize := int(p.sqEntries) * int(unsafe.Sizeof(ioUringSQE{}))
	sqeMmap, err := unix.Mmap(fd, ioringOffSqes, sqeSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Munmap(sqMmap)
		if p.features&ioringFeatSingleMmap == 0 {
			unix.Munmap(cqMmap)
		}
		return nil, err
	}

	shared := &uringShared{
		fd:      fd,
		sqMmap:  sqMmap,
		cqMmap:  cqMmap,
		sqeMmap: sqeMmap,
		sqHead:  (*uint32)(unsafe.Pointer(&sqMmap[p.sqOff.head])),
		sqTail:  (*uint32)(unsafe.Pointer(&sqMmap[p.sqOff.tail])),
		sqMask:  *(*uint32)(unsafe.Pointer(&sqMmap[p.sqOff.ringMask])),
		cqHead:  (*uint32)(unsafe.Pointer(&cqMmap[p.cqOff.head])),
		cqTail:  (*uint32)(unsafe.Pointer(&cqMmap[p.cqOff.tail])),
		cqMask:  *(*uint32)(unsafe.Pointer(&cqMmap[p.cqOff.ringMask])),
		opKind:  make(map[uint64]Op),
		ringOf:  make(map[uint64]*uringRing),
	}

	arrayPtr := (*uint32)(unsafe.Pointer(&sqMmap[p.sqOff.array]))
	shared.sqArray = unsafe.Slice(arrayPtr, p.sqEntries)

	sqePtr := (*ioUringSQE)(unsafe.Pointer(&sqeMmap[0]))
	shared.sqes = unsafe.Slice(sqePtr, p.sqEntries)

	cqePtr := (*ioUringCQE)(unsafe.Pointer(&cqMmap[p.cqOff.cqes]))
	shared.cqes = unsafe.Slice(cqePtr, p.cqEntries)

	return shared, nil
}

func (r *uringRing) SQE() (*SQE, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) >= len(r.shared.sqes) {
		return nil, ErrSubmissionQueueFull
	}
	sqe := &SQE{}
	r.pending = append(r.pending, sqe)
	return sqe, nil
}

func opToOpcode(op Op) uint8 {
	switch op {
	case OpAccept:
		return ioringOpAccept
	case OpRecv:
		return ioringOpRecv
	case OpSend:
		return ioringOpSend
	case OpClose:
		return ioringOpClose
	case OpCancel:
		return ioringOpCancel
	default:
		return ioringOpNop
	}
}

// flush writes any SQEs staged since the last flush into the kernel's
// submission ring, returning how many were written. It does not itself
// call io_uring_enter; Submit and CQE each decide their own wait
// count.
func (r *uringRing) flush() int {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()

	if len(batch) == 0 {
		return 0
	}

	sh := r.shared
	sh.opMu.Lock()
	for _, sqe := range batch {
		sh.opKind[sqe.UserData] = sqe.Op
		sh.ringOf[sqe.UserData] = r
	}
	sh.opMu.Unlock()

	sh.submitMu.Lock()
	for _, sqe := range batch {
		idx := sh.sqeTail & sh.sqMask
		kernelSQE := &sh.sqes[idx]
		*kernelSQE = ioUringSQE{
			opcode:   opToOpcode(sqe.Op),
			fd:       int32(sqe.Fd),
			userData: sqe.UserData,
		}
		if sqe.Buf != nil {
			kernelSQE.addr = uint64(uintptr(unsafe.Pointer(&sqe.Buf[0])))
			kernelSQE.length = uint32(len(sqe.Buf))
		}
		if sqe.Op == OpCancel {
			// ASYNC_CANCEL names the operation to cancel in addr.
			kernelSQE.addr = sqe.UserData
		}
		sh.sqArray[idx] = idx
		sh.sqeTail++
	}
	atomic.StoreUint32(sh.sqTail, sh.sqeTail)
	sh.submitMu.Unlock()
	return len(batch)
}

func (r *uringRing) Submit(waitN int) (int, error) {
	n := r.flush()
	sh := r.shared
	if _, err := ioUringEnter(sh.fd, uint32(n), uint32(waitN), ioringEnterGetevents); err != nil {
		return 0, err
	}
	return n, nil
}

// popReady returns and removes this ring's own next queued completion,
// if any has already been drained from the kernel and routed here.
func (r *uringRing) popReady() (Completion, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ready) == 0 {
		return Completion{}, false
	}
	c := r.ready[0]
	r.ready = r.ready[1:]
	return c, true
}

func (r *uringRing) pushCompletion(c Completion) {
	r.mu.Lock()
	r.ready = append(r.ready, c)
	r.mu.Unlock()
}

// drainCQ pulls every entry currently visible in the shared kernel
// completion ring and routes each to the *ready queue of the uringRing
// that submitted it, tracked via ringOf. cqMu makes the
// read-entry/advance-cqHead sequence atomic across every ring sharing
// this uringShared, so concurrent CQE() callers on the root ring and a
// From-derived stream ring never race on the same cqHead/cqTail pair.
func (sh *uringShared) drainCQ() int {
	sh.cqMu.Lock()
	defer sh.cqMu.Unlock()

	n := 0
	for {
		head := atomic.LoadUint32(sh.cqHead)
		tail := atomic.LoadUint32(sh.cqTail)
		if head == tail {
			return n
		}
		entry := sh.cqes[head&sh.cqMask]
		atomic.StoreUint32(sh.cqHead, head+1)
		n++

		c := Completion{UserData: entry.userData, res: entry.res}
		if entry.res < 0 {
			c.errno = int(-entry.res)
		}

		sh.opMu.Lock()
		c.op = sh.opKind[entry.userData]
		owner := sh.ringOf[entry.userData]
		delete(sh.opKind, entry.userData)
		delete(sh.ringOf, entry.userData)
		sh.opMu.Unlock()

		if owner != nil {
			owner.pushCompletion(c)
		}
	}
}

func (r *uringRing) CQE() (Completion, error) {
	sh := r.shared
	if n := r.flush(); n > 0 {
		if _, err := ioUringEnter(sh.fd, uint32(n), 0, 0); err != nil {
			return Completion{}, err
		}
	}

	for {
		if c, ok := r.popReady(); ok {
			return c, nil
		}

		sh.drainCQ()

		if c, ok := r.popReady(); ok {
			return c, nil
		}

		if _, err := ioUringEnter(sh.fd, 0, 1, ioringEnterGetevents); err != nil {
			return Completion{}, err
		}
	}
}

func (r *uringRing) Nop(userData uint64) error {
	sqe, err := r.SQE()
	if err != nil {
		return err
	}
	sqe.Op, sqe.UserData = OpNop, userData
	return nil
}

func (r *uringRing) Accept(fd int, userData uint64) error {
	sqe, err := r.SQE()
	if err != nil {
		return err
	}
	sqe.Op, sqe.Fd, sqe.UserData = OpAccept, fd, userData
	return nil
}

func (r *uringRing) Recv(fd int, buf []byte, userData uint64) error {
	sqe, err := r.SQE()
	if err != nil {
		return err
	}
	sqe.Op, sqe.Fd, sqe.Buf, sqe.UserData = OpRecv, fd, buf, userData
	return nil
}

func (r *uringRing) Send(fd int, buf []byte, userData uint64) error {
	sqe, err := r.SQE()
	if err != nil {
		return err
	}
	sqe.Op, sqe.Fd, sqe.Buf, sqe.UserData = OpSend, fd, buf, userData
	return nil
}

func (r *uringRing) CloseFd(fd int, userData uint64) error {
	sqe, err := r.SQE()
	if err != nil {
		return err
	}
	sqe.Op, sqe.Fd, sqe.UserData = OpClose, fd, userData
	return nil
}

func (r *uringRing) Cancel(userData uint64) error {
	sqe, err := r.SQE()
	if err != nil {
		return err
	}
	sqe.Op, sqe.UserData = OpCancel, userData
	return nil
}

// From returns a new Ring handle sharing this ring's kernel file
// descriptor and mmap'd queues, so writes submitted through it are
// serviced by the same worker queue as the parent.
func (r *uringRing) From(entries int) (Ring, error) {
	return &uringRing{shared: r.shared, recvBuf: make(map[uint64][]byte)}, nil
}

func (r *uringRing) Close() error {
	if !r.owner {
		return nil
	}
	sh := r.shared
	unix.Munmap(sh.sqeMmap)
	if &sh.cqMmap[0] != &sh.sqMmap[0] {
		unix.Munmap(sh.cqMmap)
	}
	unix.Munmap(sh.sqMmap)
	return unix.Close(sh.fd)
}
