// Package sched implements SCHED (spec.md §4.7): a FIFO round-robin
// scheduler over proc.Process values, driven by the timer IRQ.
// Grounded on biscuit's tinfo.Threadinfo_t for the idiom of a single
// mutex-guarded map/queue of thread state, generalized from biscuit's
// OS-thread-backed model (each biscuit "process" is really a pool of
// goroutines scheduled by the host Go runtime) down to the spec's
// single ready queue explicitly swapping one TrapFrame at a time —
// there is no underlying runtime scheduler to delegate to here.
package sched

import (
	"time"

	"wafer/internal/errs"
	"wafer/internal/fdtable"
	"wafer/internal/klog"
	"wafer/internal/proc"
)

var log = klog.For("sched")

// Scheduler is the single global ready queue (spec.md §3, §5). It
// holds no lock of its own: the design is single-core, and every
// method assumes one caller at a time.
type Scheduler struct {
	queue  []*proc.Process
	lastID proc.Pid
	fdt    *fdtable.Table
}

// New constructs an empty scheduler. fdt is the global descriptor
// table Kill and Fork use to release/duplicate FDs.
func New(fdt *fdtable.Table) *Scheduler {
	return &Scheduler{fdt: fdt}
}

// nextPid assigns the next PID, saturating instead of wrapping to 0
// (spec.md §4.7: "wrap handled by saturation" -- pid 0 is reserved and
// must never be reassigned to a live process).
func (s *Scheduler) nextPid() proc.Pid {
	if s.lastID == ^proc.Pid(0) {
		return s.lastID
	}
	s.lastID++
	return s.lastID
}

// Add assigns p a PID, stamps it into the trap frame's TPIDR, and
// pushes it to the back of the queue (spec.md §4.7 add).
func (s *Scheduler) Add(p *proc.Process) proc.Pid {
	p.Pid = s.nextPid()
	p.Tf.TPIDR = uint64(p.Pid)
	s.queue = append(s.queue, p)
	return p.Pid
}

// Len reports the number of processes currently tracked, live or
// waiting.
func (s *Scheduler) Len() int { return len(s.queue) }

// ScheduleOut pops the front of the queue, requires it be Running,
// saves tf into its context, transitions it to newState, and pushes it
// to the back. Returns whether a swap actually happened (spec.md §4.7
// schedule_out).
func (s *Scheduler) ScheduleOut(newState proc.State, tf *proc.TrapFrame) bool {
	if len(s.queue) == 0 {
		return false
	}
	front := s.queue[0]
	if front.State() != proc.Running {
		return false
	}
	front.Tf = *tf
	front.SetState(newState, front.TakePendingPoll())
	s.queue = append(s.queue[1:], front)
	return true
}

// SwitchTo finds the first ready process (polling Waiting states as a
// side effect), removes it from the queue, marks it Running, copies
// its saved context into tf, and pushes it to the front so it will be
// found again first next time a poll is needed (spec.md §4.7
// switch_to). Returns its PID, or ok=false if none were ready.
func (s *Scheduler) SwitchTo(tf *proc.TrapFrame) (pid proc.Pid, ok bool) {
	for i, p := range s.queue {
		if !p.IsReady() {
			continue
		}
		s.queue = append(s.queue[:i:i], s.queue[i+1:]...)
		p.SetState(proc.Running, nil)
		*tf = p.Tf
		s.queue = append([]*proc.Process{p}, s.queue...)
		return p.Pid, true
	}
	return 0, false
}

// Switch implements the timer ISR's core action: schedule the running
// process out as newState, then spin calling SwitchTo until a ready
// process is found, issuing WFI between attempts when none are ready
// (spec.md §4.7 switch). wfi is injected so tests don't need to model
// a real wait-for-interrupt instruction.
func (s *Scheduler) Switch(newState proc.State, tf *proc.TrapFrame, wfi func()) proc.Pid {
	s.ScheduleOut(newState, tf)
	for {
		if pid, ok := s.SwitchTo(tf); ok {
			return pid
		}
		if wfi != nil {
			wfi()
		}
	}
}

// Fork duplicates the front (currently running) process's VM and FD
// set into a new child, zeroing the child's x0, adds it to the queue,
// and returns its PID (spec.md §4.7 fork).
func (s *Scheduler) Fork(tf *proc.TrapFrame) (proc.Pid, error) {
	if len(s.queue) == 0 {
		return 0, errs.New(errs.KindInvalidInput, "sched: fork with no running process")
	}
	parent := s.queue[0]
	child, err := parent.Fork(tf, s.fdt)
	if err != nil {
		return 0, err
	}
	return s.Add(child), nil
}

// Kill schedules the running process out as Dead, pops it back off
// (it was just pushed to the rear by ScheduleOut), marks its dead-flag
// for any wait_pid waiters, drops its resources, and immediately
// switches to the next ready process (spec.md §4.7 kill). It returns 0
// without switching when no process is left in the queue.
func (s *Scheduler) Kill(tf *proc.TrapFrame, wfi func()) proc.Pid {
	s.ScheduleOut(proc.Dead, tf)
	if len(s.queue) == 0 {
		return 0
	}
	dead := s.queue[len(s.queue)-1]
	s.queue = s.queue[:len(s.queue)-1]
	dead.MarkDead()
	dead.Drop(s.fdt)
	log.Infof("pid=%d killed", dead.Pid)
	if len(s.queue) == 0 {
		return 0
	}
	return s.Switch(proc.Ready, tf, wfi)
}

// WaitPollFor returns a PollFunc that reports true once target's
// dead-flag is set; the wait_pid handler stages it before scheduling
// the caller out as Waiting (spec.md §4.7 Wait-pid). The caller is
// expected to have already found target via Find.
func WaitPollFor(target *proc.Process) proc.PollFunc {
	return func(*proc.Process) bool { return target.Dead() }
}

// SleepPollFor returns a PollFunc that wakes once now() has advanced at
// least ms milliseconds past the call to SleepPollFor, writing the
// actual elapsed time back into the waiting process's x0 on wake
// (spec.md §4.7 Sleep).
func SleepPollFor(ms int64, now func() time.Time) proc.PollFunc {
	start := now()
	return func(p *proc.Process) bool {
		elapsed := now().Sub(start).Milliseconds()
		if elapsed < ms {
			return false
		}
		p.Tf.X[0] = uint64(elapsed)
		return true
	}
}

// Find returns the process with the given PID, or nil.
func (s *Scheduler) Find(pid proc.Pid) *proc.Process {
	for _, p := range s.queue {
		if p.Pid == pid {
			return p
		}
	}
	return nil
}
