package stmgc

import (
	"time"

	"github.com/elliotcourant/stmgc/layout"
	"github.com/elliotcourant/stmgc/options"
	"github.com/pkg/errors"
)

type (
	// Options are params for creating an Engine.
	//
	// This package provides DefaultOptions which contains options that should work for most applications. Consider
	// using that as a starting point before customizing it for your own needs.
	//
	// Each option X is documented on the WithX method.
	Options struct {
		// Required options.

		Introspector layout.Introspector

		// Usually modified options.

		SweepWorkers       int
		MaxRetries         int
		EventLogging       bool
		HandleVerification options.HandleVerification
		ConflictDetection  options.ConflictDetection

		// Fine tuning options.

		ArenaSegmentSize   int
		SafepointInterval  int
		SafepointWarnAfter time.Duration
	}
)

// DefaultOptions sets a list of recommended options for good performance. Feel free to modify these to suit your
// needs with the WithX methods.
func DefaultOptions(introspector layout.Introspector) Options {
	return Options{
		Introspector:       introspector,
		SweepWorkers:       4,
		MaxRetries:         16,
		EventLogging:       false,
		HandleVerification: options.OnCallback,
		ConflictDetection:  options.DetectOnLoad,
		ArenaSegmentSize:   4096,
		SafepointInterval:  64,
		SafepointWarnAfter: 100 * time.Millisecond,
	}
}

// WithIntrospector returns a new Options value with Introspector set to the given value.
//
// The introspector answers SizeOf and Trace for every object. It is set once, an engine never changes it. A
// *layout.Registry is frozen by Open.
func (opt Options) WithIntrospector(introspector layout.Introspector) Options {
	opt.Introspector = introspector
	return opt
}

// WithSweepWorkers returns a new Options value with SweepWorkers set to the given value.
//
// SweepWorkers is the number of goroutines that sweep arena segments in parallel during a collection.
//
// The default value of SweepWorkers is 4.
func (opt Options) WithSweepWorkers(val int) Options {
	opt.SweepWorkers = val
	return opt
}

// WithMaxRetries returns a new Options value with MaxRetries set to the given value.
//
// MaxRetries is how many times ThreadContext.Atomically re-runs a function whose transaction conflicted.
//
// The default value of MaxRetries is 16.
func (opt Options) WithMaxRetries(val int) Options {
	opt.MaxRetries = val
	return opt
}

// WithEventLogging returns a new Options value with EventLogging set to the given value.
//
// EventLogging provides a way to enable or disable trace.EventLog logging.
//
// The default value of EventLogging is false.
func (opt Options) WithEventLogging(enabled bool) Options {
	opt.EventLogging = enabled
	return opt
}

// WithHandleVerification returns a new Options value with HandleVerification set to the given value.
//
// HandleVerification decides how much a handle is checked before it reaches the introspector.
//
// The default value of HandleVerification is options.OnCallback.
func (opt Options) WithHandleVerification(val options.HandleVerification) Options {
	opt.HandleVerification = val
	return opt
}

// WithConflictDetection returns a new Options value with ConflictDetection set to the given value.
//
// The default value of ConflictDetection is options.DetectOnLoad.
func (opt Options) WithConflictDetection(val options.ConflictDetection) Options {
	opt.ConflictDetection = val
	return opt
}

// WithArenaSegmentSize returns a new Options value with ArenaSegmentSize set to the given value.
//
// ArenaSegmentSize is the number of arena slots a single sweep worker handles at a time.
//
// The default value of ArenaSegmentSize is 4096.
func (opt Options) WithArenaSegmentSize(val int) Options {
	opt.ArenaSegmentSize = val
	return opt
}

// WithSafepointInterval returns a new Options value with SafepointInterval set to the given value.
//
// SafepointInterval is the number of loads and stores between two safepoint polls. Transaction boundaries and
// allocations always poll.
//
// The default value of SafepointInterval is 64.
func (opt Options) WithSafepointInterval(val int) Options {
	opt.SafepointInterval = val
	return opt
}

// WithSafepointWarnAfter returns a new Options value with SafepointWarnAfter set to the given value.
//
// A collection that has waited this long for threads to reach a safepoint logs which threads it is waiting on.
//
// The default value of SafepointWarnAfter is 100ms.
func (opt Options) WithSafepointWarnAfter(val time.Duration) Options {
	opt.SafepointWarnAfter = val
	return opt
}

func (opt Options) validate() error {
	if opt.Introspector == nil {
		return ErrNoIntrospector
	}

	if opt.SweepWorkers < 1 {
		return errors.Wrapf(ErrInvalidOptions, "SweepWorkers must be at least 1, got %d", opt.SweepWorkers)
	}

	if opt.MaxRetries < 0 {
		return errors.Wrapf(ErrInvalidOptions, "MaxRetries cannot be negative, got %d", opt.MaxRetries)
	}

	if opt.ArenaSegmentSize < 1 {
		return errors.Wrapf(ErrInvalidOptions, "ArenaSegmentSize must be at least 1, got %d", opt.ArenaSegmentSize)
	}

	if opt.SafepointInterval < 1 {
		return errors.Wrapf(ErrInvalidOptions, "SafepointInterval must be at least 1, got %d", opt.SafepointInterval)
	}

	if opt.SafepointWarnAfter <= 0 {
		return errors.Wrapf(ErrInvalidOptions, "SafepointWarnAfter must be positive, got %s", opt.SafepointWarnAfter)
	}

	switch opt.HandleVerification {
	case options.NoVerification, options.OnCallback, options.OnVisit:
	default:
		return errors.Wrapf(ErrInvalidOptions, "unknown HandleVerification %d", opt.HandleVerification)
	}

	switch opt.ConflictDetection {
	case options.DetectOnLoad, options.DetectOnCommit:
	default:
		return errors.Wrapf(ErrInvalidOptions, "unknown ConflictDetection %d", opt.ConflictDetection)
	}

	return nil
}
