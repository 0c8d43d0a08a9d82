package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wafer/internal/fdtable"
	"wafer/internal/halloc"
	"wafer/internal/pgtbl"
	"wafer/internal/proc"
)

func newProcess(t *testing.T) *proc.Process {
	t.Helper()
	buf := make([]byte, 4*1024*1024)
	h := halloc.NewHeap(buf)
	return proc.New(pgtbl.HeapPages{Heap: h})
}

func TestAddAssignsIncreasingPids(t *testing.T) {
	s := New(fdtable.New())
	a := s.Add(newProcess(t))
	b := s.Add(newProcess(t))
	require.Less(t, a, b)
	require.EqualValues(t, 2, s.Len())
}

func TestSwitchRoundRobinsAmongReady(t *testing.T) {
	s := New(fdtable.New())
	p1 := newProcess(t)
	p2 := newProcess(t)
	s.Add(p1)
	s.Add(p2)

	var tf proc.TrapFrame
	pid, ok := s.SwitchTo(&tf)
	require.True(t, ok)
	require.Equal(t, p1.Pid, pid)
	require.Equal(t, proc.Running, p1.State())

	// Preempt p1 back to Ready, then the next switch should pick p2.
	s.ScheduleOut(proc.Ready, &tf)
	pid, ok = s.SwitchTo(&tf)
	require.True(t, ok)
	require.Equal(t, p2.Pid, pid)
}

func TestSwitchWaitsOnWfiWhenNoneReady(t *testing.T) {
	s := New(fdtable.New())
	p := newProcess(t)
	s.Add(p)
	p.SetState(proc.Waiting, func(*proc.Process) bool { return false })

	var tf proc.TrapFrame
	calls := 0
	s.Switch(proc.Ready, &tf, func() {
		calls++
		if calls == 2 {
			p.SetState(proc.Ready, nil)
		}
	})
	require.GreaterOrEqual(t, calls, 2)
}

func TestForkAddsChildWithZeroedX0(t *testing.T) {
	s := New(fdtable.New())
	parent := newProcess(t)
	require.NoError(t, parent.Load(make([]byte, 16), 0))
	s.Add(parent)

	var tf proc.TrapFrame
	_, ok := s.SwitchTo(&tf)
	require.True(t, ok)
	tf.X[0] = 123

	childPid, err := s.Fork(&tf)
	require.NoError(t, err)
	child := s.Find(childPid)
	require.NotNil(t, child)
	require.EqualValues(t, 0, child.Tf.X[0])
}

func TestKillRemovesDeadProcessAndSwitchesAway(t *testing.T) {
	s := New(fdtable.New())
	p1 := newProcess(t)
	p2 := newProcess(t)
	s.Add(p1)
	s.Add(p2)

	var tf proc.TrapFrame
	_, ok := s.SwitchTo(&tf)
	require.True(t, ok)

	pid := s.Kill(&tf, nil)
	require.Equal(t, p2.Pid, pid)
	require.True(t, p1.Dead())
	require.Nil(t, s.Find(p1.Pid))
}

func TestWaitPollForObservesTargetDeath(t *testing.T) {
	s := New(fdtable.New())
	target := newProcess(t)
	s.Add(target)

	waiter := newProcess(t)
	poll := WaitPollFor(target)
	require.False(t, poll(waiter))
	target.MarkDead()
	require.True(t, poll(waiter))
}

func TestSleepPollForWakesAfterDurationAndRecordsElapsed(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }
	poll := SleepPollFor(50, clock)

	p := newProcess(t)
	require.False(t, poll(p))

	now = now.Add(60 * time.Millisecond)
	require.True(t, poll(p))
	require.EqualValues(t, 60, p.Tf.X[0])
}
