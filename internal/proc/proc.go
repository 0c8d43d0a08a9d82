// Package proc implements PROC (spec.md §4.7): the per-process state a
// loaded or forked program carries between traps, and the load/exec/
// page-fault logic that mutates it. Grounded on biscuit's tinfo
// package for the idiom of a small mutex-guarded note struct tracking
// liveness and doom flags, generalized from biscuit's green-thread
// model (which layers processes over Go goroutines via a patched
// runtime) down to the spec's single-core trap-frame-swap model, which
// needs no goroutine or channel machinery at all.
package proc

import (
	"sync"

	"wafer/internal/errs"
	"wafer/internal/fdtable"
	"wafer/internal/kconfig"
	"wafer/internal/klog"
	"wafer/internal/pgtbl"
)

var log = klog.For("proc")

// Pid is a process id. 0 is never assigned to a live process.
type Pid uint32

// TrapFrame is the fixed-layout register snapshot the assembly trap
// vectors save into and restore from (spec.md §3): general registers,
// vector registers, SP, ELR, SPSR, TTBR0/1, and TPIDR (holding the
// PID). Field order matters to anything written in assembly against
// this layout, so it is never reordered casually.
type TrapFrame struct {
	X    [31]uint64 // x0..x30
	V    [32][2]uint64 // q0..q31, 128 bits each
	SP   uint64
	ELR  uint64
	SPSR uint64
	TTBR0 uint64
	TTBR1 uint64
	TPIDR uint64 // holds the owning process's PID
}

// SPSR bits init masks at entry (spec.md §4.7: "spsr |= (F|A|D)").
const (
	spsrMaskFIQ   = 1 << 6
	spsrMaskAsync = 1 << 8
	spsrMaskDebug = 1 << 9
)

// Pid returns the PID stashed in TPIDR.
func (tf *TrapFrame) Pid() Pid { return Pid(tf.TPIDR) }

// State is one of Ready/Running/Waiting(poll)/Dead (spec.md §3).
type State int

const (
	Ready State = iota
	Running
	Waiting
	Dead
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Waiting:
		return "waiting"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// PollFunc inspects a process on each scheduler visit while it is
// Waiting; returning true transitions it back to Ready (spec.md §3).
type PollFunc func(p *Process) bool

// Process is PROC's central struct (spec.md §3): trap frame, user page
// table, scheduling state, FD set, env map, last-page watermark, and
// liveness flag.
type Process struct {
	mu sync.Mutex

	Pid   Pid
	Tf    TrapFrame
	PT    *pgtbl.Table
	Fds   *fdtable.ProcSet
	Env   map[string]string

	state State
	poll  PollFunc

	// pendingPoll is staged by a syscall handler (sleep, wait_pid) just
	// before it asks the scheduler to schedule the process out as
	// Waiting; ScheduleOut consumes it via TakePendingPoll so the state
	// transition and the poll closure arrive atomically together.
	pendingPoll PollFunc

	// LastPage is the highest virtual address Load/Exec has mapped,
	// used by request_page to grow the image (spec.md §4.7, §6 n=7).
	LastPage uintptr

	dead bool
}

// New constructs a fresh, unscheduled process with its own page table
// and FD set. alloc backs the page table's page allocations.
func New(alloc pgtbl.PageAllocator) *Process {
	return &Process{
		PT:    pgtbl.New(alloc),
		Fds:   fdtable.NewProcSet(),
		Env:   make(map[string]string),
		state: Ready,
	}
}

// State returns the process's current scheduling state under lock.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SetState transitions the process to s. Transitioning to Waiting
// without a poll function is a programming error: the scheduler would
// never be able to wake it.
func (p *Process) SetState(s State, poll PollFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s == Waiting && poll == nil {
		panic("proc: Waiting state requires a poll function")
	}
	p.state = s
	p.poll = poll
}

// IsReady reports whether the process can be scheduled onto the CPU:
// either already Ready, or Waiting with its poll closure now
// satisfied, in which case it is flipped to Ready as a side effect
// (spec.md §4.7: "switch_to ... find first process with is_ready()
// true (polling Waiting states)").
func (p *Process) IsReady() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case Ready:
		return true
	case Waiting:
		if p.poll != nil && p.poll(p) {
			p.state = Ready
			p.poll = nil
			return true
		}
		return false
	default:
		return false
	}
}

// MarkDead sets the dead-flag ahead of removal, so wait_pid pollers
// waiting on this PID unblock even before Drop runs (spec.md §4.7:
// "kill ... set its dead-flag (released for any wait_pid waiters)").
func (p *Process) MarkDead() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dead = true
	p.state = Dead
}

// SetPendingPoll stages poll to be attached the next time this process
// is scheduled out into the Waiting state (spec.md §4.7 Wait-pid,
// Sleep: both are "Waiting(poll)" where poll is decided by the
// syscall handler, not by the scheduler itself).
func (p *Process) SetPendingPoll(poll PollFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pendingPoll = poll
}

// TakePendingPoll returns and clears the staged poll closure.
func (p *Process) TakePendingPoll() PollFunc {
	p.mu.Lock()
	defer p.mu.Unlock()
	poll := p.pendingPoll
	p.pendingPoll = nil
	return poll
}

// Dead reports the liveness flag wait_pid pollers observe.
func (p *Process) Dead() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dead
}

// Drop releases every resource the process owns: its FD set and its
// page table's backing pages.
func (p *Process) Drop(fdt *fdtable.Table) {
	p.Fds.CloseAll(fdt)
	p.PT.Drop()
}

// pageRange returns the inclusive count of whole pages needed to hold
// n bytes.
func pageRange(n int) int {
	return (n + kconfig.PageSize - 1) / kconfig.PageSize
}

// Load maps code at USER_IMG_BASE and a stack page at USER_STACK_BASE,
// copies img into the code pages, and resets the trap frame so the
// process starts executing at the image's entry point (spec.md §4.7
// Load).
func (p *Process) Load(img []byte, kernelTTBR0 uintptr) error {
	if _, err := p.PT.Alloc(kconfig.USERStackBase, pgtbl.PermR|pgtbl.PermW); err != nil {
		return errs.Wrap(errs.KindOOM, err, "proc: no page for user stack")
	}

	n := pageRange(len(img))
	if n == 0 {
		n = 1
	}
	base := uintptr(kconfig.USERIMGBase)
	off := 0
	for i := 0; i < n; i++ {
		va := base + uintptr(i)*kconfig.PageSize
		page, err := p.PT.Alloc(va, pgtbl.PermR|pgtbl.PermW|pgtbl.PermX)
		if err != nil {
			return errs.Wrap(errs.KindOOM, err, "proc: no page for code image")
		}
		end := off + kconfig.PageSize
		if end > len(img) {
			end = len(img)
		}
		copy(page, img[off:end])
		off = end
		if va > p.LastPage {
			p.LastPage = va
		}
	}

	p.resetTrapFrame(kernelTTBR0)
	return nil
}

func (p *Process) resetTrapFrame(kernelTTBR0 uintptr) {
	p.Tf = TrapFrame{}
	p.Tf.SP = uint64(kconfig.USERStackBase + kconfig.PageSize)
	p.Tf.ELR = uint64(kconfig.USERIMGBase)
	p.Tf.TTBR0 = uint64(kernelTTBR0)
	p.Tf.TTBR1 = 0 // filled in by the caller once the user table is installed
	p.Tf.SPSR |= spsrMaskFIQ | spsrMaskAsync | spsrMaskDebug
	p.Tf.TPIDR = uint64(p.Pid)
}

// Exec loads a new image into the process's existing page table
// (try_alloc reuses already-mapped pages), resets the trap frame, then
// packs argv (spec.md §4.7 Exec).
func (p *Process) Exec(img []byte, argv []string, kernelTTBR0 uintptr) error {
	// FD table carries over untouched (spec §9 Open Question: exec
	// preserves descriptors); environment does not.
	p.Env = map[string]string{}

	n := pageRange(len(img))
	if n == 0 {
		n = 1
	}
	base := uintptr(kconfig.USERIMGBase)
	off := 0
	for i := 0; i < n; i++ {
		va := base + uintptr(i)*kconfig.PageSize
		page, err := p.PT.TryAlloc(va, pgtbl.PermR|pgtbl.PermW|pgtbl.PermX)
		if err != nil {
			return errs.Wrap(errs.KindOOM, err, "proc: no page for exec image")
		}
		end := off + kconfig.PageSize
		if end > len(img) {
			end = len(img)
		}
		for j := range page {
			page[j] = 0
		}
		copy(page, img[off:end])
		off = end
		if va > p.LastPage {
			p.LastPage = va
		}
	}
	p.resetTrapFrame(kernelTTBR0)
	argc, argvBase, err := p.initArgs(argv)
	if err != nil {
		return err
	}
	p.Tf.X[0] = uint64(argc)
	p.Tf.X[1] = uint64(argvBase)
	return nil
}

// initArgs packs argv as an array of (len, ptr) pairs immediately
// preceding the raw argument bytes, at the top of the user stack
// (spec.md §4.7 Argument passing). Capped at kconfig.ArgMax entries.
func (p *Process) initArgs(argv []string) (argc int, base uintptr, err error) {
	if len(argv) > kconfig.ArgMax {
		argv = argv[:kconfig.ArgMax]
	}
	page, ok := p.PT.Lookup(kconfig.USERStackBase)
	if !ok {
		return 0, 0, errs.New(errs.KindInvalidInput, "proc: no stack page mapped for init_args")
	}

	var raw []byte
	offsets := make([]int, len(argv))
	for i, a := range argv {
		offsets[i] = len(raw)
		raw = append(raw, []byte(a)...)
	}
	headerSize := len(argv) * 16 // (len uint64, ptr uint64) per entry
	total := headerSize + len(raw)
	if total > kconfig.PageSize {
		return 0, 0, errs.New(errs.KindInvalidInput, "proc: argv too large for one stack page")
	}

	start := kconfig.PageSize - total
	bytesBase := kconfig.USERStackBase + uintptr(start+headerSize)
	for i, a := range argv {
		entryOff := start + i*16
		putU64(page[entryOff:], uint64(len(a)))
		putU64(page[entryOff+8:], uint64(bytesBase)+uint64(offsets[i]))
	}
	copy(page[start+headerSize:], raw)
	return len(argv), kconfig.USERStackBase + uintptr(start), nil
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// PageFault implements the growing-stack heuristic (spec.md §4.7,
// REDESIGN FLAGS / §9): a translation fault at level 3 from user space
// is satisfied by demand-allocating the faulting page if its address
// falls at or above USER_STACK_START; anything else is refused and the
// caller kills the process.
func (p *Process) PageFault(addr uintptr) bool {
	if addr < kconfig.USERStackStart {
		log.Warningf("pid=%d refusing page fault at %#x (below stack growth region)", p.Pid, addr)
		return false
	}
	va := addr &^ uintptr(kconfig.PageOffsetMask)
	if _, err := p.PT.TryAlloc(va, pgtbl.PermR|pgtbl.PermW); err != nil {
		log.Warningf("pid=%d page fault alloc failed at %#x: %v", p.Pid, addr, err)
		return false
	}
	if va > p.LastPage {
		p.LastPage = va
	}
	return true
}

// Fork deep-copies the page table and duplicates the FD set into a
// fresh child Process; the child's x0 is zeroed so a single fork call
// observes two different return values in parent and child (spec.md
// §4.7 fork).
func (p *Process) Fork(tf *TrapFrame, fdt *fdtable.Table) (*Process, error) {
	childPT, err := p.PT.Duplicate()
	if err != nil {
		return nil, err
	}
	childFds, err := p.Fds.Clone(fdt)
	if err != nil {
		childPT.Drop()
		return nil, err
	}
	child := &Process{
		PT:       childPT,
		Fds:      childFds,
		Env:      copyEnv(p.Env),
		state:    Ready,
		LastPage: p.LastPage,
	}
	child.Tf = *tf
	child.Tf.X[0] = 0
	return child, nil
}

func copyEnv(src map[string]string) map[string]string {
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
