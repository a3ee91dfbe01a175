package stmgc

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/elliotcourant/stmgc/z"
	"github.com/elliotcourant/timber"
	"github.com/pkg/errors"
)

const (
	// Unregistered is the state of a context after DeregisterThread.
	Unregistered ContextState = iota
	// NoTransaction is the state of a registered context between transactions.
	NoTransaction
	// InTransaction is the state of a context from Begin until its transaction commits or aborts.
	InTransaction
)

type (
	// ContextState is where a ThreadContext is in its lifecycle:
	//  Unregistered -> NoTransaction -> InTransaction -> NoTransaction -> ... -> Unregistered
	ContextState int32

	// ThreadContext is the transactional state of one registered goroutine. It is created by RegisterThread on the
	// goroutine that will use it, and that goroutine is locked to its OS thread until DeregisterThread. Nothing but
	// the owning goroutine may use a context, the collector only looks at it while the owner is parked.
	ThreadContext struct {
		// The following are initialized once and are constant.
		id          uint64
		goroutineID int64
		threadID    int
		engine      *Engine

		// state is written by the owner and read by anyone, accessed via atomics.
		state int32

		// txn is the in-flight transaction, nil unless state is InTransaction.
		txn *Transaction

		stats ContextStats

		// parked and inSafeRegion are guarded by the engine's safepoints lock.
		parked       bool
		inSafeRegion bool
	}

	// ContextStats are the collector bookkeeping counters of one context.
	ContextStats struct {
		Transactions   uint64
		Commits        uint64
		Aborts         uint64
		Conflicts      uint64
		Allocations    uint64
		AllocatedBytes uint64
	}
)

func (s ContextState) String() string {
	switch s {
	case Unregistered:
		return "Unregistered"
	case NoTransaction:
		return "NoTransaction"
	case InTransaction:
		return "InTransaction"
	default:
		return fmt.Sprintf("ContextState(%d)", int32(s))
	}
}

// RegisterThread creates the context of the calling goroutine and locks the goroutine to its OS thread. Registering a
// goroutine that is already registered is fatal.
func (e *Engine) RegisterThread() *ThreadContext {
	goroutineID := z.GoroutineID()
	if e.isClosed() {
		z.Fatalf(z.ErrProtocolViolation, "register_thread: goroutine %d registering with closed engine %s",
			goroutineID, e.id)
	}

	if existing, ok := e.contexts.Load(goroutineID); ok {
		z.Fatalf(
			z.ErrProtocolViolation,
			"register_thread: goroutine %d is already registered as %s with engine %s",
			goroutineID,
			existing,
			e.id,
		)
	}

	runtime.LockOSThread()

	c := &ThreadContext{
		id:          atomic.AddUint64(&e.nextContextID, 1),
		goroutineID: goroutineID,
		threadID:    z.ThreadID(),
		engine:      e,
		state:       int32(NoTransaction),
	}

	e.contexts.Store(goroutineID, c)
	e.safepoints.add(c)
	e.eventLog.Printf("registered %s", c)
	timber.Debugf("stmgc %s: registered %s", e.id, c)

	// A collection may already be waiting for the world to stop, the new context has to join it.
	c.poll()

	return c
}

// DeregisterThread tears down a context, it must be called by the goroutine that registered it. Deregistering a
// context that is still in a transaction is fatal, its speculative state would outlive the thread.
func (e *Engine) DeregisterThread(c *ThreadContext) {
	goroutineID := z.GoroutineID()
	switch {
	case c == nil:
		z.Fatalf(z.ErrProtocolViolation, "deregister_thread: nil context from goroutine %d", goroutineID)
	case c.engine != e:
		z.Fatalf(z.ErrProtocolViolation, "deregister_thread: %s belongs to engine %s not %s", c, c.engine.id, e.id)
	case c.State() == Unregistered:
		z.Fatalf(z.ErrProtocolViolation, "deregister_thread: %s is not registered", c)
	case c.goroutineID != goroutineID:
		z.Fatalf(z.ErrProtocolViolation, "deregister_thread: %s deregistered from goroutine %d", c, goroutineID)
	case c.State() == InTransaction:
		z.Fatalf(
			z.ErrProtocolViolation,
			"deregister_thread: %s is still in a transaction reading at %d",
			c,
			c.txn.readTimestamp,
		)
	case c.inSafeRegion:
		z.Fatalf(z.ErrProtocolViolation, "deregister_thread: %s is inside a safe region", c)
	}

	c.poll()

	e.contexts.Delete(goroutineID)
	e.safepoints.remove(c)
	atomic.StoreInt32(&c.state, int32(Unregistered))
	runtime.UnlockOSThread()

	e.eventLog.Printf("deregistered %s", c)
	timber.Debugf("stmgc %s: deregistered %s", e.id, c)
}

// CurrentContext returns the context registered by the calling goroutine, if there is one.
func (e *Engine) CurrentContext() (*ThreadContext, bool) {
	value, ok := e.contexts.Load(z.GoroutineID())
	if !ok {
		return nil, false
	}

	return value.(*ThreadContext), true
}

// ID is unique among the contexts of one engine.
func (c *ThreadContext) ID() uint64 {
	return c.id
}

// ThreadID is the OS thread the context is locked to, zero where it is not available.
func (c *ThreadContext) ThreadID() int {
	return c.threadID
}

// GoroutineID is the goroutine that registered the context.
func (c *ThreadContext) GoroutineID() int64 {
	return c.goroutineID
}

// State of the context.
func (c *ThreadContext) State() ContextState {
	return ContextState(atomic.LoadInt32(&c.state))
}

// Transaction returns the in-flight transaction.
func (c *ThreadContext) Transaction() (*Transaction, bool) {
	return c.txn, c.txn != nil
}

// Stats returns a copy of the context's counters. Like everything else it must be called by the owning goroutine,
// or after the owner is done with the context.
func (c *ThreadContext) Stats() ContextStats {
	return c.stats
}

func (c *ThreadContext) String() string {
	return fmt.Sprintf("context %d (goroutine %d, thread %d)", c.id, c.goroutineID, c.threadID)
}

// Begin starts a transaction. Starting a transaction while one is already in flight is fatal.
func (c *ThreadContext) Begin() (*Transaction, error) {
	if c.engine.isClosed() {
		return nil, ErrClosed
	}

	c.poll()

	if c.State() == InTransaction {
		z.Fatalf(z.ErrProtocolViolation, "begin: %s is already in a transaction", c)
	}

	txn := newTransaction(c)
	c.txn = txn
	c.stats.Transactions++
	atomic.StoreInt32(&c.state, int32(InTransaction))

	return txn, nil
}

// Atomically runs fn in a transaction and commits it. When fn or the commit fail with ErrConflict everything fn did
// is rolled back and fn is run again, up to MaxRetries more times. Any other error from fn aborts the transaction
// and is returned as is.
func (c *ThreadContext) Atomically(fn func(txn *Transaction) error) error {
	for attempt := 0; ; attempt++ {
		txn, err := c.Begin()
		if err != nil {
			return err
		}

		err = fn(txn)
		if err == nil {
			err = txn.Commit()
		} else {
			txn.Abort()
		}

		if err == nil {
			return nil
		}

		if !errors.Is(err, ErrConflict) {
			return err
		}

		if attempt >= c.engine.opts.MaxRetries {
			return errors.Wrapf(err, "gave up after %d attempts", attempt+1)
		}
	}
}

// Safepoint parks the context if a collection is waiting for the world to stop. Transactional operations already
// poll, long running code that does not touch the heap should call this regularly.
func (c *ThreadContext) Safepoint() {
	c.poll()
}

// EnterSafeRegion tells collections that the context will not touch the heap until LeaveSafeRegion, so they do not
// have to wait for it. It belongs around blocking calls like I/O. The context may be in a transaction, but must not
// use it until it leaves the region.
func (c *ThreadContext) EnterSafeRegion() {
	if c.inSafeRegion {
		z.Fatalf(z.ErrProtocolViolation, "enter_safe_region: %s is already in a safe region", c)
	}

	c.engine.safepoints.enterSafeRegion(c)
}

// LeaveSafeRegion blocks while a collection is running.
func (c *ThreadContext) LeaveSafeRegion() {
	if !c.inSafeRegion {
		z.Fatalf(z.ErrProtocolViolation, "leave_safe_region: %s is not in a safe region", c)
	}

	c.engine.safepoints.leaveSafeRegion(c)
}

// Blocking runs fn inside a safe region.
func (c *ThreadContext) Blocking(fn func()) {
	c.EnterSafeRegion()
	defer c.LeaveSafeRegion()
	fn()
}

func (c *ThreadContext) poll() {
	if c.inSafeRegion {
		z.Fatalf(z.ErrProtocolViolation, "%s touched the heap inside a safe region", c)
	}

	if c.State() == Unregistered {
		z.Fatalf(z.ErrProtocolViolation, "%s used after deregister_thread", c)
	}

	c.engine.safepoints.poll(c)
}

func (c *ThreadContext) endTransaction() {
	c.txn = nil
	atomic.StoreInt32(&c.state, int32(NoTransaction))
}
