package trap

import (
	"time"

	"wafer/internal/errs"
	"wafer/internal/fat32"
	"wafer/internal/fdtable"
	"wafer/internal/kconfig"
	"wafer/internal/mount"
	"wafer/internal/pgtbl"
	"wafer/internal/proc"
	"wafer/internal/sched"
	"wafer/internal/ustr"
)

// Console is the single-byte UART-style device behind syscalls 11/12
// (spec.md §6).
type Console interface {
	ReadByte() (byte, error)
	WriteByte(b byte) error
}

// fileHandle is what file_seek/read/write need beyond fdtable.File's
// bare Close; satisfied by *fat32.File.
type fileHandle interface {
	fdtable.File
	Read([]byte) (int, error)
	Write([]byte) (int, error)
	Seek(int64, int) (int64, error)
}

// SyscallTable is handle_syscall (spec.md §4.8, §6): it reads/mutates
// a TrapFrame against the scheduler, mount map, and descriptor table.
type SyscallTable struct {
	Sched   *sched.Scheduler
	Mounts  *mount.Map
	Fdt     *fdtable.Table
	Console Console
	Now     func() time.Time
	Wfi     func()

	bootTime time.Time
}

// NewSyscallTable constructs a SyscallTable. now defaults to time.Now
// if nil.
func NewSyscallTable(s *sched.Scheduler, m *mount.Map, fdt *fdtable.Table, console Console, now func() time.Time, wfi func()) *SyscallTable {
	if now == nil {
		now = time.Now
	}
	return &SyscallTable{Sched: s, Mounts: m, Fdt: fdt, Console: console, Now: now, Wfi: wfi, bootTime: now()}
}

// Syscall numbers (spec.md §6).
const (
	sysExit        = 1
	sysSleep       = 2
	sysGetpid      = 3
	sysFork        = 4
	sysExec        = 5
	sysWaitPid     = 6
	sysRequestPage = 7
	sysTime        = 10
	sysInput       = 11
	sysOutput      = 12
	sysEnvGet      = 13
	sysEnvSet      = 14
	sysFsCreate    = 20
	sysFsOpen      = 21
	sysFsClose     = 22
	sysFsDelete    = 23
	sysFsMetadata  = 24
	sysFsFlush     = 25
	sysFsMount     = 26
	sysFsUnmount   = 27
	sysFileSeek    = 30
	sysFileRead    = 31
	sysFileWrite   = 32
	sysDirList     = 40
)

// Handle dispatches SVC immediate n against tf, resolving the current
// process from the PID stashed in tf's TPIDR (spec.md §4.8: Svc(n) =>
// handle_syscall(n, tf)). Status lands in x7; most calls also set x0.
func (st *SyscallTable) Handle(n uint16, tf *proc.TrapFrame) {
	p := st.Sched.Find(tf.Pid())
	if p == nil {
		tf.X[7] = uint64(errs.Code(errs.New(errs.KindNotFound, "trap: no current process")))
		return
	}

	var result uint64
	err := st.dispatch(int(n), p, tf, &result)
	tf.X[7] = uint64(errs.Code(err))
	if err == nil {
		tf.X[0] = result
	}
}

func (st *SyscallTable) dispatch(n int, p *proc.Process, tf *proc.TrapFrame, result *uint64) error {
	switch n {
	case sysExit:
		st.Sched.Kill(tf, st.Wfi)
		return nil
	case sysSleep:
		ms := int64(tf.X[0])
		p.SetPendingPoll(sched.SleepPollFor(ms, st.Now))
		st.Sched.Switch(proc.Waiting, tf, st.Wfi)
		*result = tf.X[0] // keep the elapsed ms the poll wrote on wake
		return nil
	case sysGetpid:
		*result = uint64(p.Pid)
		return nil
	case sysFork:
		child, err := st.Sched.Fork(tf)
		if err != nil {
			return err
		}
		*result = uint64(child)
		return nil
	case sysExec:
		return st.exec(p, tf)
	case sysWaitPid:
		target := st.Sched.Find(proc.Pid(tf.X[0]))
		if target == nil {
			return errs.New(errs.KindNotFound, "trap: wait_pid on unknown pid")
		}
		p.SetPendingPoll(sched.WaitPollFor(target))
		st.Sched.Switch(proc.Waiting, tf, st.Wfi)
		return nil
	case sysRequestPage:
		return st.requestPage(p, tf, result)
	case sysTime:
		now := st.Now()
		*result = uint64(now.Unix())
		tf.X[1] = uint64(now.Nanosecond())
		return nil
	case sysInput:
		b, err := st.Console.ReadByte()
		if err != nil {
			return errs.Wrap(errs.KindTransient, err, "trap: console read failed")
		}
		*result = uint64(b)
		return nil
	case sysOutput:
		return errs.Wrap(errs.KindTransient, st.Console.WriteByte(byte(tf.X[0])), "trap: console write failed")
	case sysEnvGet:
		return st.envGet(p, tf)
	case sysEnvSet:
		return st.envSet(p, tf)
	case sysFsCreate:
		return st.fsCreate(p, tf)
	case sysFsOpen:
		return st.fsOpen(p, tf, result)
	case sysFsClose:
		return st.fsClose(p, tf)
	case sysFsDelete:
		return st.fsDelete(p, tf)
	case sysFsMetadata:
		return st.fsMetadata(p, tf)
	case sysFsFlush:
		return st.Mounts.FlushAll()
	case sysFsMount:
		return errs.New(errs.KindInvalidInput, "trap: fs_mount requires a pre-built VFAT handle, not exposed over the raw syscall ABI")
	case sysFsUnmount:
		path, err := readUserString(p, uintptr(tf.X[0]))
		if err != nil {
			return err
		}
		return st.Mounts.Unmount(ustr.New(path))
	case sysFileSeek:
		return st.fileOp(p, tf, result, func(f fileHandle) (int, error) {
			off, err := f.Seek(int64(tf.X[1]), int(tf.X[2]))
			return int(off), err
		})
	case sysFileRead:
		return st.fileRead(p, tf, result)
	case sysFileWrite:
		return st.fileWrite(p, tf, result)
	case sysDirList:
		return st.dirList(p, tf, result)
	default:
		return errs.New(errs.KindInvalidInput, "trap: unknown syscall number")
	}
}

func (st *SyscallTable) requestPage(p *proc.Process, tf *proc.TrapFrame, result *uint64) error {
	n := int(tf.X[0])
	prevBreak := p.LastPage
	base := prevBreak + kconfig.PageSize
	for i := 0; i < n; i++ {
		va := base + uintptr(i)*kconfig.PageSize
		if _, err := p.PT.Alloc(va, pgtbl.PermR|pgtbl.PermW); err != nil {
			return err
		}
		p.LastPage = va
	}
	*result = uint64(prevBreak)
	return nil
}

func (st *SyscallTable) exec(p *proc.Process, tf *proc.TrapFrame) error {
	path, err := readUserString(p, uintptr(tf.X[0]))
	if err != nil {
		return err
	}
	argv, err := readUserArgv(p, uintptr(tf.X[1]))
	if err != nil {
		return err
	}
	img, err := st.readWholeFile(path)
	if err != nil {
		return err
	}
	return p.Exec(img, argv, uintptr(tf.TTBR0))
}

func (st *SyscallTable) readWholeFile(path string) ([]byte, error) {
	v, local, err := st.Mounts.Route(ustr.New(path))
	if err != nil {
		return nil, err
	}
	e, err := v.Open(local)
	if err != nil {
		return nil, err
	}
	f, err := fat32.OpenFile(v, e)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, f.Size())
	if _, err := f.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (st *SyscallTable) envGet(p *proc.Process, tf *proc.TrapFrame) error {
	key, err := readUserString(p, uintptr(tf.X[0]))
	if err != nil {
		return err
	}
	val, ok := p.Env[key]
	if !ok {
		return errs.New(errs.KindNotFound, "trap: no such env var")
	}
	return writeUserBytes(p, uintptr(tf.X[1]), append([]byte(val), 0))
}

func (st *SyscallTable) envSet(p *proc.Process, tf *proc.TrapFrame) error {
	key, err := readUserString(p, uintptr(tf.X[0]))
	if err != nil {
		return err
	}
	val, err := readUserString(p, uintptr(tf.X[1]))
	if err != nil {
		return err
	}
	p.Env[key] = val
	return nil
}

func (st *SyscallTable) fsCreate(p *proc.Process, tf *proc.TrapFrame) error {
	path, err := readUserString(p, uintptr(tf.X[0]))
	if err != nil {
		return err
	}
	v, local, err := st.Mounts.Route(ustr.New(path))
	if err != nil {
		return err
	}
	parent, name, err := splitParent(v, local)
	if err != nil {
		return err
	}
	if tf.X[1] != 0 {
		_, err := v.MkDir(parent, name)
		return err
	}
	return v.MkFile(parent, name)
}

func (st *SyscallTable) fsOpen(p *proc.Process, tf *proc.TrapFrame, result *uint64) error {
	path, err := readUserString(p, uintptr(tf.X[0]))
	if err != nil {
		return err
	}
	v, local, err := st.Mounts.Route(ustr.New(path))
	if err != nil {
		return err
	}
	e, err := v.Open(local)
	if err != nil {
		return err
	}
	f, err := fat32.OpenFile(v, e)
	if err != nil {
		return err
	}
	fd, err := st.Fdt.Open(path, f)
	if err != nil {
		return err
	}
	p.Fds.Add(fd)
	*result = uint64(fd)
	return nil
}

func (st *SyscallTable) fsClose(p *proc.Process, tf *proc.TrapFrame) error {
	fd := fdtable.Fd(tf.X[0])
	if err := st.Fdt.Critical(p.Fds, fd, func(fdtable.File) error { return nil }); err != nil {
		return err
	}
	if err := st.Fdt.Close(fd); err != nil {
		return err
	}
	p.Fds.Remove(fd)
	return nil
}

func (st *SyscallTable) fsDelete(p *proc.Process, tf *proc.TrapFrame) error {
	path, err := readUserString(p, uintptr(tf.X[0]))
	if err != nil {
		return err
	}
	v, local, err := st.Mounts.Route(ustr.New(path))
	if err != nil {
		return err
	}
	parent, name, err := splitParent(v, local)
	if err != nil {
		return err
	}
	return v.Unlink(parent, name)
}

func (st *SyscallTable) fsMetadata(p *proc.Process, tf *proc.TrapFrame) error {
	path, err := readUserString(p, uintptr(tf.X[0]))
	if err != nil {
		return err
	}
	v, local, err := st.Mounts.Route(ustr.New(path))
	if err != nil {
		return err
	}
	s, err := v.Stat(local, 0)
	if err != nil {
		return err
	}
	var buf [32]byte
	putU64(buf[0:], s.Size())
	putU32(buf[8:], s.Mode())
	if s.IsDir() {
		buf[12] = 1
	}
	return writeUserBytes(p, uintptr(tf.X[1]), buf[:])
}

func (st *SyscallTable) fileOp(p *proc.Process, tf *proc.TrapFrame, result *uint64, f func(fileHandle) (int, error)) error {
	fd := fdtable.Fd(tf.X[0])
	var n int
	var opErr error
	err := st.Fdt.Critical(p.Fds, fd, func(file fdtable.File) error {
		fh, ok := file.(fileHandle)
		if !ok {
			return errs.New(errs.KindInvalidInput, "trap: descriptor is not a regular file")
		}
		n, opErr = f(fh)
		return opErr
	})
	if err != nil {
		return err
	}
	*result = uint64(n)
	return nil
}

func (st *SyscallTable) fileRead(p *proc.Process, tf *proc.TrapFrame, result *uint64) error {
	n := int(tf.X[2])
	buf := make([]byte, n)
	if err := st.fileOp(p, tf, result, func(f fileHandle) (int, error) { return f.Read(buf) }); err != nil {
		return err
	}
	return writeUserBytes(p, uintptr(tf.X[1]), buf[:*result])
}

func (st *SyscallTable) fileWrite(p *proc.Process, tf *proc.TrapFrame, result *uint64) error {
	n := int(tf.X[2])
	buf, err := readUserBytes(p, uintptr(tf.X[1]), n)
	if err != nil {
		return err
	}
	return st.fileOp(p, tf, result, func(f fileHandle) (int, error) { return f.Write(buf) })
}

func (st *SyscallTable) dirList(p *proc.Process, tf *proc.TrapFrame, result *uint64) error {
	path, err := readUserString(p, uintptr(tf.X[0]))
	if err != nil {
		return err
	}
	v, local, err := st.Mounts.Route(ustr.New(path))
	if err != nil {
		return err
	}
	cluster := v.RootCluster()
	if !local.Eq(ustr.Root) {
		e, err := v.Open(local)
		if err != nil {
			return err
		}
		if !e.IsDir() {
			return errs.New(errs.KindInvalidInput, "trap: dir_list on a non-directory")
		}
		cluster = e.Slot.Entry.Cluster()
	}
	names, err := v.Ls(cluster)
	if err != nil {
		return err
	}
	var joined []byte
	for _, name := range names {
		joined = append(joined, []byte(name)...)
		joined = append(joined, 0)
	}
	if err := writeUserBytes(p, uintptr(tf.X[1]), joined); err != nil {
		return err
	}
	*result = uint64(len(names))
	return nil
}

// splitParent routes local (an absolute path on v) to its parent
// directory cluster and final component name, resolving the parent
// via v.Open when it is not the root.
func splitParent(v interface {
	RootCluster() uint32
	Open(ustr.Ustr) (fat32.OpenEntry, error)
}, local ustr.Ustr) (uint32, string, error) {
	comps := local.Components()
	if len(comps) == 0 {
		return 0, "", errs.New(errs.KindInvalidInput, "trap: path has no final component")
	}
	name := comps[len(comps)-1].String()
	if len(comps) == 1 {
		return v.RootCluster(), name, nil
	}
	parentPath := ustr.Root
	for _, c := range comps[:len(comps)-1] {
		parentPath = parentPath.Extend(c)
	}
	e, err := v.Open(parentPath)
	if err != nil {
		return 0, "", err
	}
	if !e.IsDir() {
		return 0, "", errs.New(errs.KindInvalidInput, "trap: parent is not a directory")
	}
	cluster := e.Slot.Entry.Cluster()
	if cluster == 0 {
		cluster = v.RootCluster()
	}
	return cluster, name, nil
}

func putU32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
