// Package klog centralizes kernel logging on top of
// github.com/dsoprea/go-logging, the leveled logger the go-exfat driver
// in the example corpus uses. Every subsystem gets its own named
// *Logger so log lines are attributable ("halloc", "cache", "pgtbl",
// "proc", "sched", "trap", and "kernel" for cmd/kernel).
package klog

import (
	"context"

	log "github.com/dsoprea/go-logging"
)

// Logger is a subsystem-scoped leveled logger.
type Logger struct {
	l    *log.Logger
	name string
}

var ctx = context.Background()

// For returns (creating if necessary) the logger for the named
// subsystem.
func For(name string) *Logger {
	return &Logger{l: log.NewLogger(name), name: name}
}

// Debugf logs a debug-level message.
func (lg *Logger) Debugf(format string, args ...interface{}) {
	lg.l.Debugf(ctx, format, args...)
}

// Infof logs an info-level message.
func (lg *Logger) Infof(format string, args ...interface{}) {
	lg.l.Infof(ctx, format, args...)
}

// Warningf logs a warning-level message, used for the "Other ⇒ log"
// trap-dispatch path and recoverable I/O surprises.
func (lg *Logger) Warningf(format string, args ...interface{}) {
	lg.l.Warningf(ctx, format, args...)
}

// Errorf logs an error-level message and returns a wrapped error
// carrying its own stack, for subsystems that want to both log and
// propagate.
func (lg *Logger) Errorf(format string, args ...interface{}) error {
	err := log.Errorf(format, args...)
	lg.l.Errorf(ctx, err, format, args...)
	return err
}

// RecoverPanic is installed via defer at the top of cmd/kernel's boot
// sequence so an unrecovered corruption
// panic (spec.md §7) still gets a symbolized report instead of a bare
// runtime trace.
func RecoverPanic(lg *Logger) {
	if state := recover(); state != nil {
		var err error
		if e, ok := state.(error); ok {
			err = log.Wrap(e)
		} else {
			err = log.Errorf("panic: %v", state)
		}
		log.PrintError(err)
		panic(state)
	}
}
