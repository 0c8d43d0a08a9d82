package trap

import (
	"wafer/internal/errs"
	"wafer/internal/kconfig"
	"wafer/internal/proc"
)

func pageAndOffset(p *proc.Process, va uintptr) ([]byte, int, error) {
	base := va &^ uintptr(kconfig.PageOffsetMask)
	page, ok := p.PT.Lookup(base)
	if !ok {
		return nil, 0, errs.New(errs.KindInvalidInput, "trap: unmapped user address")
	}
	return page, int(va - base), nil
}

// readUserBytes copies n bytes out of p's address space starting at
// va, crossing page boundaries as needed.
func readUserBytes(p *proc.Process, va uintptr, n int) ([]byte, error) {
	out := make([]byte, n)
	done := 0
	for done < n {
		page, off, err := pageAndOffset(p, va+uintptr(done))
		if err != nil {
			return nil, err
		}
		want := len(page) - off
		if want > n-done {
			want = n - done
		}
		copy(out[done:done+want], page[off:off+want])
		done += want
	}
	return out, nil
}

// writeUserBytes copies data into p's address space starting at va,
// crossing page boundaries as needed.
func writeUserBytes(p *proc.Process, va uintptr, data []byte) error {
	done := 0
	for done < len(data) {
		page, off, err := pageAndOffset(p, va+uintptr(done))
		if err != nil {
			return err
		}
		want := len(page) - off
		if want > len(data)-done {
			want = len(data) - done
		}
		copy(page[off:off+want], data[done:done+want])
		done += want
	}
	return nil
}

const maxUserString = 4096

// readUserString reads a NUL-terminated string starting at va,
// capped at maxUserString bytes.
func readUserString(p *proc.Process, va uintptr) (string, error) {
	var out []byte
	for i := 0; i < maxUserString; i++ {
		b, err := readUserBytes(p, va+uintptr(i), 1)
		if err != nil {
			return "", err
		}
		if b[0] == 0 {
			break
		}
		out = append(out, b[0])
	}
	return string(out), nil
}

// readUserArgv reads argc strings from the (len, ptr) header array
// init_args built at va, stopping at a zero-length/zero-pointer
// terminator entry or kconfig.ArgMax entries, whichever comes first.
func readUserArgv(p *proc.Process, va uintptr) ([]string, error) {
	var argv []string
	for i := 0; i < kconfig.ArgMax; i++ {
		hdr, err := readUserBytes(p, va+uintptr(i*16), 16)
		if err != nil {
			return nil, err
		}
		length := u64LE(hdr[0:8])
		ptr := u64LE(hdr[8:16])
		if length == 0 && ptr == 0 {
			break
		}
		raw, err := readUserBytes(p, uintptr(ptr), int(length))
		if err != nil {
			return nil, err
		}
		argv = append(argv, string(raw))
	}
	return argv, nil
}

func u64LE(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
