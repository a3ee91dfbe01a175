package stmgc

import (
	"sync"
	"sync/atomic"

	"github.com/elliotcourant/stmgc/layout"
	"github.com/elliotcourant/stmgc/z"
	"github.com/elliotcourant/timber"
	"github.com/google/uuid"
	"golang.org/x/net/trace"
)

type (
	// Engine is a transactional heap whose objects are described by an Introspector. Goroutines register with it to
	// get a ThreadContext, run transactions through that context, and a collection can run at any time from any
	// goroutine once every registered context reaches a safepoint.
	Engine struct {
		// id is only used in diagnostics, it tells engines in the same process apart.
		id uuid.UUID

		opts         Options
		introspector layout.Introspector

		heap       *heap
		orc        *oracle
		safepoints *safepoints

		// contexts maps goroutine ids to the *ThreadContext registered by that goroutine.
		contexts      sync.Map
		nextContextID uint64

		eventLog trace.EventLog

		// closed is set once by Close, accessed via atomics.
		closed uint32
	}

	// EngineStats is a point in time summary of an engine.
	EngineStats struct {
		Contexts       int
		LiveObjects    int
		CommittedBytes uint64
		Roots          int
		Hashtables     int
		Collections    uint64

		// PendingCommits is the number of committed transactions still kept for conflict detection.
		PendingCommits int
	}

	// freezer is implemented by introspectors that must not change once an engine uses them, like *layout.Registry.
	freezer interface {
		Freeze()
	}
)

// Open creates an engine. The introspector is frozen if it can be, it is never replaced.
func Open(opts Options) (*Engine, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	if f, ok := opts.Introspector.(freezer); ok {
		f.Freeze()
	}

	e := &Engine{
		id:           uuid.New(),
		opts:         opts,
		introspector: opts.Introspector,
		heap:         newHeap(),
		orc:          newOracle(opts),
		safepoints:   newSafepoints(),
	}
	e.eventLog = z.NewEventLog("stmgc.Engine", e.id.String(), opts.EventLogging)

	timber.Infof(
		"stmgc %s: opened with introspector %T, %d sweep workers, handle verification %s, conflict detection %s",
		e.id,
		opts.Introspector,
		opts.SweepWorkers,
		opts.HandleVerification,
		opts.ConflictDetection,
	)

	return e, nil
}

// Close stops the engine. Every thread must have deregistered first.
func (e *Engine) Close() error {
	if n := e.safepoints.registered(); n > 0 {
		return z.Wrapf(ErrContextsRegistered, "%d threads", n)
	}

	if !atomic.CompareAndSwapUint32(&e.closed, 0, 1) {
		return ErrClosed
	}

	e.orc.stop()
	e.eventLog.Printf("closed")
	e.eventLog.Finish()
	timber.Infof("stmgc %s: closed", e.id)

	return nil
}

// ID identifies the engine in diagnostics.
func (e *Engine) ID() uuid.UUID {
	return e.id
}

// Introspector is the introspector the engine was opened with.
func (e *Engine) Introspector() layout.Introspector {
	return e.introspector
}

// IsCommitted reports whether h names an object that every transaction starting now can see. Objects allocated by a
// transaction that has not committed are not committed.
func (e *Engine) IsCommitted(h layout.Handle) bool {
	e.heap.RLock()
	defer e.heap.RUnlock()

	record, ok := e.heap.lookup(h, true)
	return ok && record.state == stateCommitted
}

// Stats summarizes the engine.
func (e *Engine) Stats() EngineStats {
	stats := EngineStats{
		Contexts:       e.safepoints.registered(),
		PendingCommits: e.orc.pending(),
	}

	e.safepoints.lock.Lock()
	stats.Collections = e.safepoints.collections
	e.safepoints.lock.Unlock()

	e.heap.RLock()
	stats.LiveObjects = e.heap.liveObjects
	stats.CommittedBytes = e.heap.committedBytes
	stats.Hashtables = len(e.heap.hashtables)
	for _, entry := range e.heap.roots {
		if !entry.handle.IsNil() {
			stats.Roots++
		}
	}
	e.heap.RUnlock()

	return stats
}

func (e *Engine) isClosed() bool {
	return atomic.LoadUint32(&e.closed) == 1
}
