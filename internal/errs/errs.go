// Package errs defines the kernel's error taxonomy (spec.md §7) and the
// numeric syscall status codes it collapses to at the trap boundary.
// Every kernel subsystem below internal/trap returns a *Kinded wrapping
// the underlying cause via github.com/pkg/errors; only internal/trap
// ever looks at Code().
package errs

import (
	stderrors "errors"

	"github.com/pkg/errors"
)

// Kind classifies a failure without committing to a concrete error type,
// matching the taxonomy in spec.md §7.
type Kind int

const (
	// KindNotFound covers a missing file/dir, unknown FD, or no such PID.
	KindNotFound Kind = iota
	// KindInvalidInput covers malformed arguments: non-absolute paths,
	// non-dir path components, undersized buffers, bad alignment, sector
	// indices out of range.
	KindInvalidInput
	// KindExists covers duplicate mount points and create-if-not-exists
	// violations.
	KindExists
	// KindBusy covers opening an already-open path or unmounting a
	// prefix of another mount.
	KindBusy
	// KindCorrupt covers on-disk/in-memory corruption: heap header/footer
	// mismatch, bad MBR/BPB signature, partial FAT read. Callers that
	// surface this kind are expected to panic, not recover.
	KindCorrupt
	// KindTransient covers SD-controller timeouts and similar I/O that a
	// caller may legitimately retry.
	KindTransient
	// KindOOM covers heap exhaustion, no free cluster, no free page.
	KindOOM
)

// Numeric status codes from spec.md §6.
const (
	CodeOK                = 1
	CodeUnknown           = 0
	CodeNoEntry           = 10
	CodeNoMemory          = 20
	CodeNoAccess          = 40
	CodeFileExists        = 60
	CodeInvalidArgument   = 70
	CodeIoErrorBase       = 101
	CodeSocketAlreadyOpen = 201
)

// Kinded is the error value every subsystem below the trap boundary
// returns; it carries a Kind alongside the wrapped cause.
type Kinded struct {
	kind  Kind
	cause error
}

func (e *Kinded) Error() string {
	return e.cause.Error()
}

// Unwrap exposes the wrapped cause to errors.Is/As and pkg/errors callers.
func (e *Kinded) Unwrap() error { return e.cause }

// Kind returns the error's classification.
func (e *Kinded) Kind() Kind { return e.kind }

// New wraps msg with the given Kind.
func New(k Kind, msg string) error {
	return &Kinded{kind: k, cause: errors.New(msg)}
}

// Wrap attaches msg and a Kind to an existing error, preserving its
// causal chain for diagnostics.
func Wrap(k Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Kinded{kind: k, cause: errors.Wrap(err, msg)}
}

// KindOf extracts the Kind from err, defaulting to KindInvalidInput for
// errors that never passed through this package (a programming error
// worth noticing, not hiding).
func KindOf(err error) Kind {
	var k *Kinded
	if stderrors.As(err, &k) {
		return k.Kind()
	}
	return KindInvalidInput
}

// Code maps err to the numeric syscall status from spec.md §6. The
// IoError range (101..105) is spread across Kind: KindTransient as
// the reachable disk-timeout subset, KindCorrupt as the rest.
func Code(err error) int {
	if err == nil {
		return CodeOK
	}
	switch KindOf(err) {
	case KindNotFound:
		return CodeNoEntry
	case KindOOM:
		return CodeNoMemory
	case KindBusy, KindExists:
		return CodeFileExists
	case KindInvalidInput:
		return CodeInvalidArgument
	case KindTransient:
		return CodeIoErrorBase
	case KindCorrupt:
		return CodeIoErrorBase + 1
	default:
		return CodeUnknown
	}
}
