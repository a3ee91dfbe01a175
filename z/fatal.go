package z

import (
	"fmt"

	"github.com/elliotcourant/timber"
	"github.com/pkg/errors"
)

var (
	// ErrProtocolViolation is the kind of a FatalError raised when the runtime and the engine disagree about the
	// thread or transaction protocol. Double registration and deregistering mid transaction are examples.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrHeapCorruption is the kind of a FatalError raised when the heap itself is inconsistent, like an object whose
	// layout is unknown or a reference to a freed slot.
	ErrHeapCorruption = errors.New("heap corruption")
)

type (
	// FatalError is the value every fatal assertion panics with. An unrecovered FatalError terminates the process,
	// which is the intended outcome. It is only ever recovered by tests and by tooling that wants to print the
	// diagnostic before exiting.
	FatalError struct {
		// Kind is one of ErrProtocolViolation or ErrHeapCorruption.
		Kind error

		// Diagnostic is the formatted description of the violated invariant and the objects involved.
		Diagnostic string

		cause error
	}
)

func (f *FatalError) Error() string {
	return fmt.Sprintf("fatal %v: %s", f.Kind, f.Diagnostic)
}

// Unwrap exposes the kind so errors.Is(f, ErrProtocolViolation) works.
func (f *FatalError) Unwrap() error {
	return f.Kind
}

// StackTrace is the stack of the goroutine that raised the fatal error.
func (f *FatalError) StackTrace() errors.StackTrace {
	if tracer, ok := f.cause.(interface{ StackTrace() errors.StackTrace }); ok {
		return tracer.StackTrace()
	}

	return nil
}

// Fatalf logs the diagnostic and panics with a *FatalError of the given kind.
func Fatalf(kind error, format string, args ...interface{}) {
	diagnostic := fmt.Sprintf(format, args...)
	timber.Errorf("fatal %v: %s", kind, diagnostic)
	panic(&FatalError{
		Kind:       kind,
		Diagnostic: diagnostic,
		cause:      errors.New(diagnostic),
	})
}

// Check panics with a heap corruption FatalError if err is not nil.
func Check(err error) {
	if err != nil {
		Fatalf(ErrHeapCorruption, "%+v", err)
	}
}

// AssertTrue asserts that b is true. Otherwise, it panics with a heap corruption FatalError.
func AssertTrue(b bool) {
	if !b {
		Fatalf(ErrHeapCorruption, "assert failed")
	}
}

// AssertTruef is AssertTrue with extra info.
func AssertTruef(b bool, format string, args ...interface{}) {
	if !b {
		Fatalf(ErrHeapCorruption, format, args...)
	}
}
