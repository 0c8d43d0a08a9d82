// Package ustr is the kernel's path/string type: a byte slice, not a Go
// string, so that path components can come straight out of user memory
// or a FAT directory entry without an extra validation pass.
package ustr

import "strings"

// Ustr is an immutable-by-convention path or name.
type Ustr []byte

// Root is the canonical "/" path.
var Root = Ustr("/")

// Dot is the canonical "." entry.
var Dot = Ustr(".")

// DotDot is the canonical ".." entry.
var DotDot = Ustr("..")

// New wraps a Go string as a Ustr.
func New(s string) Ustr { return Ustr(s) }

// FromNulTerminated truncates buf at the first NUL byte, mirroring how
// argv/env strings arrive from user memory.
func FromNulTerminated(buf []byte) Ustr {
	for i, b := range buf {
		if b == 0 {
			return Ustr(buf[:i])
		}
	}
	return Ustr(buf)
}

// IsDot reports whether us is ".".
func (us Ustr) IsDot() bool { return len(us) == 1 && us[0] == '.' }

// IsDotDot reports whether us is "..".
func (us Ustr) IsDotDot() bool { return len(us) == 2 && us[0] == '.' && us[1] == '.' }

// IsAbsolute reports whether us begins with '/'.
func (us Ustr) IsAbsolute() bool { return len(us) > 0 && us[0] == '/' }

// Eq reports byte-for-byte equality.
func (us Ustr) Eq(o Ustr) bool { return string(us) == string(o) }

// EqFold reports case-insensitive equality, used for FAT32 lookups.
func (us Ustr) EqFold(o Ustr) bool {
	return strings.EqualFold(string(us), string(o))
}

// Extend appends a '/'-separated component and returns a new Ustr; it
// never mutates the receiver's backing array.
func (us Ustr) Extend(p Ustr) Ustr {
	out := make(Ustr, 0, len(us)+1+len(p))
	out = append(out, us...)
	out = append(out, '/')
	out = append(out, p...)
	return out
}

// ExtendStr is Extend for a Go string component.
func (us Ustr) ExtendStr(p string) Ustr { return us.Extend(Ustr(p)) }

// Components splits an absolute or relative path into its non-empty
// '/'-separated parts.
func (us Ustr) Components() []Ustr {
	var out []Ustr
	start := -1
	for i := 0; i <= len(us); i++ {
		if i == len(us) || us[i] == '/' {
			if start >= 0 {
				out = append(out, us[start:i])
			}
			start = -1
		} else if start < 0 {
			start = i
		}
	}
	return out
}

// String renders us as a Go string, for logging and error messages.
func (us Ustr) String() string { return string(us) }
