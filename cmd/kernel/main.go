// Command kernel boots the simulated Raspberry Pi 3 environment this
// module models: it opens a disk image as the backing store, mounts
// its root FAT32 partition through CACHE, stands up ALLOC/PT/SCHED,
// wires a SyscallTable and Dispatcher, and then drives preemptive
// round robin over whatever processes the boot image loads, with a
// BRK-triggered debug shell reachable from the console.
//
// There is no real ARMv8 core underneath this binary — Go cannot
// target bare metal without its own runtime replacing the one this
// module relies on for goroutines, GC, and slices — so this command
// is the host-side harness a developer or CI job runs against a disk
// image built by cmd/mkfs, exactly the role biscuit's own "run on
// QEMU" harness plays relative to its x86 kernel image.
package main

import (
	"bufio"
	"debug/elf"
	"fmt"
	"os"
	"sort"
	"time"

	flags "github.com/jessevdk/go-flags"

	"wafer/internal/blockdev"
	"wafer/internal/cache"
	"wafer/internal/diag"
	"wafer/internal/fat32"
	"wafer/internal/fdtable"
	"wafer/internal/halloc"
	"wafer/internal/kconfig"
	"wafer/internal/klog"
	"wafer/internal/mount"
	"wafer/internal/pgtbl"
	"wafer/internal/proc"
	"wafer/internal/sched"
	"wafer/internal/trap"
	"wafer/internal/ustr"
)

var log = klog.For("kernel")

type options struct {
	Image    string `short:"i" long:"image" description:"disk image to boot from" required:"true"`
	Fstab    string `long:"fstab" description:"3-byte root-partition spec: digit '1'-'4', '-', '0'/'1' encrypted flag" default:"1-0"`
	Password string `long:"password" description:"passphrase for an encrypted root partition"`
	Init     string `long:"init" description:"path within the mounted root to load as the first process"`
	Symbols  string `long:"symbols" description:"host ELF file to resolve debug-shell addresses against"`
	HeapMiB  int    `long:"heap-mib" description:"size of the simulated kernel heap, in MiB" default:"16"`
	Diag     bool   `long:"diag" description:"print a partition/mount/heap report and exit"`
}

func main() {
	defer klog.RecoverPanic(log)

	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "kernel:", err)
		os.Exit(1)
	}

	if err := run(opts); err != nil {
		log.Errorf("%v", err)
		fmt.Fprintln(os.Stderr, "kernel:", err)
		os.Exit(1)
	}
}

const sectorSize = 512

func run(opts options) error {
	fstabRaw := []byte(opts.Fstab)
	if len(fstabRaw) != 3 {
		return fmt.Errorf("--fstab must be exactly 3 bytes, got %q", opts.Fstab)
	}
	fstab, err := kconfig.ParseFstab(fstabRaw)
	if err != nil {
		return err
	}

	disk, err := blockdev.OpenFileDisk(opts.Image, sectorSize)
	if err != nil {
		return err
	}
	defer disk.Close()

	var raw blockdev.Disk = disk
	if fstab.Encrypted {
		cipher, err := blockdev.NewAESCipher(blockdev.KeyFromPassword(opts.Password))
		if err != nil {
			return err
		}
		raw = blockdev.NewEncrypted(disk, cipher)
	}

	part, err := cache.Mount(raw, sectorSize)
	if err != nil {
		return err
	}

	var mbrSector [sectorSize]byte
	if err := part.ReadSector(0, mbrSector[:]); err != nil {
		return err
	}
	mbr, err := blockdev.ParseMBR(mbrSector[:])
	if err != nil {
		return err
	}

	rootIdx := fstab.RootPartition - 1
	if rootIdx < 0 || rootIdx > 3 {
		return fmt.Errorf("fstab names out-of-range root partition %d", fstab.RootPartition)
	}

	root, err := fat32.Mount(part, mbr.Partitions[rootIdx].StartLBA)
	if err != nil {
		return err
	}

	mounts := mount.NewMap()
	mounts.SetMBR(mbr)
	if err := mounts.Mount(ustr.Root, root, part, rootIdx, mount.Options{Encrypted: fstab.Encrypted}); err != nil {
		return err
	}

	if opts.Diag {
		return printDiag(mbr, mounts, nil)
	}

	heap := halloc.NewHeap(make([]byte, opts.HeapMiB<<20))
	fdt := fdtable.New()
	scheduler := sched.New(fdt)
	console := &stdioConsole{in: bufio.NewReader(os.Stdin), out: os.Stdout}
	syscalls := trap.NewSyscallTable(scheduler, mounts, fdt, console, time.Now, nil)

	symtab, err := loadSymbols(opts.Symbols)
	if err != nil {
		log.Warningf("no debug symbols loaded: %v", err)
	}

	var currentForShell *proc.Process
	codeFetcher := func(va uint64) ([]byte, error) {
		if currentForShell == nil {
			return nil, fmt.Errorf("kernel: no current process")
		}
		page, ok := currentForShell.PT.Lookup(uintptr(va) &^ uintptr(kconfig.PageOffsetMask))
		if !ok {
			return nil, fmt.Errorf("kernel: address %#x not mapped", va)
		}
		off := int(uintptr(va) & kconfig.PageOffsetMask)
		return page[off:], nil
	}
	shell := &trap.Shell{Code: codeFetcher, Syms: symtab}

	shellFunc := func(tf *proc.TrapFrame) {
		currentForShell = scheduler.Find(tf.Pid())
		line, err := console.readLine()
		if err != nil {
			return
		}
		out := shell.Execute(line, tf)
		console.writeLine(out)
	}

	dispatcher := trap.New(scheduler, syscalls, shellFunc, nil)

	if opts.Init != "" {
		if err := bootInit(root, fdt, scheduler, heap, opts.Init); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(kconfig.Tick)
	defer ticker.Stop()
	var tf proc.TrapFrame
	for range ticker.C {
		if scheduler.Len() == 0 {
			break
		}
		dispatcher.TimerTick(&tf)
	}
	return mounts.FlushAll()
}

func bootInit(root *fat32.VFAT, fdt *fdtable.Table, scheduler *sched.Scheduler, heap *halloc.Heap, path string) error {
	entry, err := root.Open(ustr.New(path))
	if err != nil {
		return err
	}
	f, err := fat32.OpenFile(root, entry)
	if err != nil {
		return err
	}
	defer f.Close()

	img := make([]byte, f.Size())
	if _, err := f.Read(img); err != nil {
		return err
	}

	p := proc.New(pgtbl.HeapPages{Heap: heap})
	if err := p.Load(img, 0); err != nil {
		return err
	}
	scheduler.Add(p)
	return nil
}

func printDiag(mbr *blockdev.MBR, mounts *mount.Map, heap *halloc.Heap) error {
	diag.WritePartitions(os.Stdout, diag.Partitions(mbr, sectorSize))
	diag.WriteMounts(os.Stdout, mounts.List())
	if heap != nil {
		diag.WriteHeap(os.Stdout, diag.Heap(heap.Stats()))
	}
	return nil
}

// stdioConsole adapts the process's host terminal to trap.Console,
// plus the line-buffered read/write the debug shell needs.
type stdioConsole struct {
	in  *bufio.Reader
	out *os.File
}

func (c *stdioConsole) ReadByte() (byte, error) { return c.in.ReadByte() }
func (c *stdioConsole) WriteByte(b byte) error  { return c.out.WriteByte(b) }

func (c *stdioConsole) readLine() (string, error) {
	line, err := c.in.ReadString('\n')
	if err != nil {
		return "", err
	}
	if n := len(line); n > 0 && line[n-1] == '\n' {
		line = line[:n-1]
	}
	return line, nil
}

func (c *stdioConsole) writeLine(s string) {
	fmt.Fprintln(c.out, s)
}

// elfSymbols resolves an address to the nearest preceding symbol in a
// host ELF file, for the debug shell's `bt`/`syms` commands.
type elfSymbols struct {
	addrs []uint64
	names map[uint64]string
}

func loadSymbols(path string) (*elfSymbols, error) {
	if path == "" {
		return nil, fmt.Errorf("kernel: no --symbols file given")
	}
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	syms, err := f.Symbols()
	if err != nil {
		return nil, err
	}

	s := &elfSymbols{names: make(map[uint64]string, len(syms))}
	for _, sym := range syms {
		if sym.Name == "" {
			continue
		}
		s.addrs = append(s.addrs, sym.Value)
		s.names[sym.Value] = sym.Name
	}
	sort.Slice(s.addrs, func(i, j int) bool { return s.addrs[i] < s.addrs[j] })
	return s, nil
}

// Lookup implements trap.SymbolTable: the nearest symbol at or below
// va, within 4 KiB (past that it's not a useful attribution).
func (s *elfSymbols) Lookup(va uint64) (string, bool) {
	if s == nil || len(s.addrs) == 0 {
		return "", false
	}
	i := sort.Search(len(s.addrs), func(i int) bool { return s.addrs[i] > va })
	if i == 0 {
		return "", false
	}
	addr := s.addrs[i-1]
	if va-addr > 4096 {
		return "", false
	}
	return s.names[addr], true
}
