package trap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"wafer/internal/fdtable"
	"wafer/internal/kconfig"
	"wafer/internal/mount"
	"wafer/internal/proc"
	"wafer/internal/sched"
)

func newDispatchEnv(t *testing.T) (*Dispatcher, *sched.Scheduler, *proc.Process, proc.TrapFrame) {
	t.Helper()
	e := newTestEnv(t)
	sc := NewSyscallTable(e.s, mount.NewMap(), e.fdt, e.console, nil, nil)
	d := New(e.s, sc, nil, func() {})
	return d, e.s, e.p, e.tf
}

func TestDispatchSyncBrkAdvancesElrAndInvokesShell(t *testing.T) {
	d, s, p, tf := newDispatchEnv(t)
	called := false
	var sawPid proc.Pid
	d.Shell = func(tf *proc.TrapFrame) {
		called = true
		sawPid = proc.Pid(tf.TPIDR)
	}

	elr := tf.ELR
	esr := uint64(0x3C) << 26
	d.DispatchSync(esr, &tf)
	require.True(t, called)
	require.Equal(t, elr+4, tf.ELR)
	require.Equal(t, p.Pid, sawPid)
	_ = s
}

func TestDispatchSyncSvcRoutesToSyscallTable(t *testing.T) {
	d, _, p, tf := newDispatchEnv(t)
	esr := uint64(0x15)<<26 | sysGetpid
	d.DispatchSync(esr, &tf)
	require.EqualValues(t, p.Pid, tf.X[0])
	require.EqualValues(t, 0, tf.X[7])
}

func TestDispatchSyncPageFaultGrowsStackWithoutKilling(t *testing.T) {
	d, s, p, tf := newDispatchEnv(t)
	tf.X[0] = uint64(kconfig.USERStackStart + kconfig.PageSize)
	// Force a translation-fault level 3 data abort.
	esr := uint64(0x24)<<26 | 0b000111
	d.DispatchSync(esr, &tf)
	require.NotNil(t, s.Find(p.Pid))
}

func TestDispatchSyncUnhandledPageFaultKillsProcess(t *testing.T) {
	d, s, p, tf := newDispatchEnv(t)
	tf.X[0] = 0 // below USERStackStart: PageFault refuses
	esr := uint64(0x24)<<26 | 0b000111
	d.DispatchSync(esr, &tf)
	require.Nil(t, s.Find(p.Pid))
}

func TestDispatchSyncOtherExceptionIsIgnored(t *testing.T) {
	d, s, p, tf := newDispatchEnv(t)
	esr := uint64(0x01) << 26
	require.NotPanics(t, func() { d.DispatchSync(esr, &tf) })
	require.NotNil(t, s.Find(p.Pid))
}

func TestTimerTickSwitchesBetweenReadyProcesses(t *testing.T) {
	d, s, p1, tf := newDispatchEnv(t)

	p2, err := p1.Fork(&tf, fdtable.New())
	require.NoError(t, err)
	s.Add(p2)

	d.TimerTick(&tf)
	require.Equal(t, p2.Pid, proc.Pid(tf.TPIDR))
}

func TestDispatchIRQInvokesRegisteredHandlerOnly(t *testing.T) {
	d, _, _, _ := newDispatchEnv(t)
	var fired []int
	d.RegisterIRQ(1, func() { fired = append(fired, 1) })
	d.RegisterIRQ(2, func() { fired = append(fired, 2) })

	d.DispatchIRQ([]int{2, 5})
	require.Equal(t, []int{2}, fired)
}
