package trap

import (
	"wafer/internal/klog"
	"wafer/internal/proc"
	"wafer/internal/sched"
)

var log = klog.For("trap")

// IRQHandler is invoked for one pending interrupt source.
type IRQHandler func()

// Dispatcher routes a decoded trap to the scheduler, the syscall
// table, or the page-fault path (spec.md §4.8). wfi is injected so the
// scheduler's "none ready" spin can be exercised without a real
// wait-for-interrupt instruction.
type Dispatcher struct {
	Sched *sched.Scheduler
	Syscalls *SyscallTable
	Shell    ShellFunc
	wfi      func()

	irqs map[int]IRQHandler
}

// New constructs a Dispatcher. wfi is called by the scheduler whenever
// no process is ready to run; pass nil outside of tests to let the
// real idle loop issue WFI.
func New(s *sched.Scheduler, sc *SyscallTable, shell ShellFunc, wfi func()) *Dispatcher {
	return &Dispatcher{Sched: s, Syscalls: sc, Shell: shell, wfi: wfi, irqs: make(map[int]IRQHandler)}
}

// RegisterIRQ attaches a handler to an interrupt source number.
func (d *Dispatcher) RegisterIRQ(source int, h IRQHandler) {
	d.irqs[source] = h
}

// DispatchIRQ invokes the registered handler for every source in
// pending, in order (spec.md §4.8: "iterate every known interrupt
// source; for each pending one, invoke its registered handler").
func (d *Dispatcher) DispatchIRQ(pending []int) {
	for _, src := range pending {
		if h, ok := d.irqs[src]; ok {
			h()
		}
	}
}

// currentProcess resolves the process owning tf via its TPIDR-stashed
// PID.
func (d *Dispatcher) currentProcess(tf *proc.TrapFrame) *proc.Process {
	return d.Sched.Find(tf.Pid())
}

// DispatchSync handles one synchronous exception (spec.md §4.8):
// Brk enters the debug shell and advances past the instruction; Svc
// routes to the syscall table; a level-3 translation fault from user
// space is routed to the current process's page-fault handler, which
// is killed on refusal; anything else is logged.
func (d *Dispatcher) DispatchSync(esr uint64, tf *proc.TrapFrame) {
	kind, imm := ClassifySync(esr)
	switch kind {
	case KindBrk:
		tf.ELR += 4
		if d.Shell != nil {
			d.Shell(tf)
		}
	case KindSvc:
		d.Syscalls.Handle(imm, tf)
	case KindPageFault:
		p := d.currentProcess(tf)
		if p == nil {
			log.Warningf("page fault with no current process, ttbr0=%#x", tf.TTBR0)
			return
		}
		faultAddr := uintptr(tf.X[0]) // FAR_EL1 value, threaded in by the vector stub
		if !p.PageFault(faultAddr) {
			log.Warningf("pid=%d killed: unhandled page fault at %#x", p.Pid, faultAddr)
			d.Sched.Kill(tf, d.wfi)
		}
	default:
		log.Warningf("unhandled synchronous exception, esr=%#x", esr)
	}
}

// TimerTick is the timer ISR (spec.md §4.8, §4.7): rearm is the
// caller's responsibility (it owns the hardware timer register); this
// just drives pure preemptive round robin.
func (d *Dispatcher) TimerTick(tf *proc.TrapFrame) {
	d.Sched.Switch(proc.Ready, tf, d.wfi)
}
