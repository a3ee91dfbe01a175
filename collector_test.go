package stmgc

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/elliotcourant/stmgc/layout"
	"github.com/elliotcourant/stmgc/options"
	"github.com/elliotcourant/stmgc/z"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingIntrospector struct {
	*layout.Registry
	sizes  int32
	traces int32
}

func (i *countingIntrospector) SizeOf(obj layout.Object) uint64 {
	atomic.AddInt32(&i.sizes, 1)
	return i.Registry.SizeOf(obj)
}

func (i *countingIntrospector) Trace(obj layout.Object, visit layout.Visitor) {
	atomic.AddInt32(&i.traces, 1)
	i.Registry.Trace(obj, visit)
}

// oversizedIntrospector claims every object is bigger than it is.
type oversizedIntrospector struct {
	*layout.Registry
}

func (i oversizedIntrospector) SizeOf(obj layout.Object) uint64 {
	return i.Registry.SizeOf(obj) + layout.WordSize
}

func TestAbortedObjectIsNeverTraced(t *testing.T) {
	e, types := newTestEngine(t)
	c := e.RegisterThread()
	defer e.DeregisterThread(c)

	txn, err := c.Begin()
	require.NoError(t, err)
	x, err := txn.Allocate(types.node, 32)
	require.NoError(t, err)

	// While the transaction is running its own object can be traced.
	visits := 0
	require.NoError(t, c.Trace(x, func(ref layout.Handle) layout.Handle {
		visits++
		return ref
	}))
	assert.Equal(t, 4, visits)

	txn.Abort()
	assert.Equal(t, NoTransaction, c.State())

	require.NoError(t, c.Walk(func(info ObjectInfo) {
		assert.NotEqual(t, x.Index(), info.Handle.Index(), "aborted object was walked")
	}))

	err = c.Trace(x, func(ref layout.Handle) layout.Handle {
		t.Fatalf("aborted object %s was traced", x)
		return ref
	})
	assert.True(t, errors.Is(err, ErrStaleHandle))

	_, err = c.SizeOf(x)
	assert.True(t, errors.Is(err, ErrStaleHandle))

	stats, err := e.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Marked)
	assert.Equal(t, 0, stats.Live)
}

func TestCommittedLeaf(t *testing.T) {
	e, types := newTestEngine(t)
	c := e.RegisterThread()
	defer e.DeregisterThread(c)

	y := commitObject(t, c, "y", types.leaf)
	assert.True(t, e.IsCommitted(y))

	size, err := c.SizeOf(y)
	require.NoError(t, err)
	assert.Equal(t, uint64(16), size)

	visits := 0
	require.NoError(t, c.Trace(y, func(ref layout.Handle) layout.Handle {
		visits++
		return ref
	}))
	assert.Zero(t, visits)

	var walked []ObjectInfo
	require.NoError(t, c.Walk(func(info ObjectInfo) {
		walked = append(walked, info)
	}))
	require.Len(t, walked, 1)
	assert.Equal(t, ObjectInfo{Handle: y, Type: types.leaf, Size: 16, Committed: true}, walked[0])
}

func TestUnknownLayoutIsFatal(t *testing.T) {
	e, _ := newTestEngine(t)
	c := e.RegisterThread()
	defer e.DeregisterThread(c)

	txn, err := c.Begin()
	require.NoError(t, err)
	defer txn.Abort()

	// The registry cannot size type 77, so Allocate takes the size on faith.
	object, err := txn.Allocate(77, 16)
	require.NoError(t, err)

	fatal := requireFatal(t, z.ErrHeapCorruption, func() {
		_, _ = c.SizeOf(object)
	})
	assert.Contains(t, fatal.Diagnostic, object.String())
	assert.Contains(t, fatal.Diagnostic, "type 77")
	assert.Contains(t, fatal.Diagnostic, "3 layouts")

	requireFatal(t, z.ErrHeapCorruption, func() {
		_ = c.Trace(object, func(ref layout.Handle) layout.Handle { return ref })
	})
}

func TestTraceOfAnotherThreadsPrivateObjectIsFatal(t *testing.T) {
	e, types := newTestEngine(t)

	allocated := make(chan layout.Handle)
	traced := make(chan struct{})
	done := onThread(e, func(other *ThreadContext) {
		txn, err := other.Begin()
		require.NoError(t, err)
		handle, err := txn.New(types.node)
		require.NoError(t, err)
		allocated <- handle

		// Parked in a safe region so the rest of the test can run.
		other.Blocking(func() { <-traced })
		txn.Abort()
	})

	c := e.RegisterThread()
	defer e.DeregisterThread(c)

	private := <-allocated
	assert.False(t, e.IsCommitted(private))

	fatal := requireFatal(t, z.ErrProtocolViolation, func() {
		_ = c.Trace(private, func(ref layout.Handle) layout.Handle { return ref })
	})
	assert.Contains(t, fatal.Diagnostic, private.String())
	assert.Contains(t, fatal.Diagnostic, c.String())

	// Walk skips it instead.
	require.NoError(t, c.Walk(func(info ObjectInfo) {
		assert.NotEqual(t, private, info.Handle)
	}))

	close(traced)
	require.Nil(t, <-done)
}

func TestEngine_Collect(t *testing.T) {
	types := newTestTypes()
	introspector := &countingIntrospector{Registry: types.registry}
	opts := DefaultOptions(introspector).
		WithArenaSegmentSize(2).
		WithSweepWorkers(3)
	e, err := Open(opts)
	require.NoError(t, err)
	defer func() { require.NoError(t, e.Close()) }()

	c := e.RegisterThread()
	defer e.DeregisterThread(c)

	// root -> a -> b, plus garbage that was never linked and a chain that is unlinked later.
	var a, b, unlinked layout.Handle
	var garbage []layout.Handle
	require.NoError(t, c.Atomically(func(txn *Transaction) (err error) {
		if a, err = txn.New(types.pair); err != nil {
			return err
		}
		if b, err = txn.New(types.leaf); err != nil {
			return err
		}
		if unlinked, err = txn.New(types.leaf); err != nil {
			return err
		}
		for i := 0; i < 5; i++ {
			g, err := txn.New(types.node)
			if err != nil {
				return err
			}
			garbage = append(garbage, g)
		}
		if err = txn.StoreRef(a, 8, b); err != nil {
			return err
		}
		if err = txn.StoreRef(a, 16, unlinked); err != nil {
			return err
		}
		return txn.SetRoot("root", a)
	}))
	assert.Equal(t, 8, e.Stats().LiveObjects)

	require.NoError(t, c.Atomically(func(txn *Transaction) error {
		return txn.StoreRef(a, 16, layout.Nil)
	}))

	stats, err := e.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Marked)
	assert.Equal(t, uint64(24+16), stats.MarkedBytes)
	assert.Equal(t, 6, stats.Freed)
	assert.Equal(t, uint64(5*32+16), stats.FreedBytes)
	assert.Equal(t, 2, stats.Live)
	assert.False(t, stats.Joined)
	assert.True(t, atomic.LoadInt32(&introspector.traces) >= 2)

	assert.True(t, e.IsCommitted(a))
	assert.True(t, e.IsCommitted(b))
	assert.False(t, e.IsCommitted(unlinked))
	for _, g := range garbage {
		assert.False(t, e.IsCommitted(g))
	}
	assert.Equal(t, uint64(1), e.Stats().Collections)
	assert.Equal(t, uint64(24+16), e.Stats().CommittedBytes)

	// A second collection finds nothing new.
	stats, err = e.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Freed)
	assert.Equal(t, 2, stats.Marked)
}

func TestEngine_Collect_KeepsInFlightObjects(t *testing.T) {
	e, types := newTestEngine(t)
	c := e.RegisterThread()
	defer e.DeregisterThread(c)

	shared := commitObject(t, c, "shared", types.pair)
	detached := commitObject(t, c, "detached", types.leaf)

	ready := make(chan struct{})
	resume := make(chan struct{})
	var private layout.Handle
	done := onThread(e, func(other *ThreadContext) {
		txn, err := other.Begin()
		require.NoError(t, err)

		private, err = txn.New(types.node)
		require.NoError(t, err)
		require.NoError(t, txn.SetRoot("private", private))
		require.NoError(t, txn.StoreRef(shared, 8, detached))
		close(ready)

		other.Blocking(func() { <-resume })
		require.NoError(t, txn.Commit())
	})

	<-ready

	// Once its root is gone the only reference to detached is the write copy of the running transaction.
	require.NoError(t, c.Atomically(func(txn *Transaction) error {
		return txn.DeleteRoot("detached")
	}))

	stats, err := e.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Freed)
	assert.Equal(t, 3, stats.Marked)
	assert.Equal(t, 3, stats.Live)

	close(resume)
	require.Nil(t, <-done)

	assert.True(t, e.IsCommitted(private))
	assert.True(t, e.IsCommitted(detached))
	require.NoError(t, c.Atomically(func(txn *Transaction) error {
		ref, err := txn.LoadRef(shared, 8)
		require.NoError(t, err)
		assert.Equal(t, detached, ref)
		return nil
	}))
}

func TestEngine_Collect_FromTransaction(t *testing.T) {
	e, types := newTestEngine(t)
	c := e.RegisterThread()
	defer e.DeregisterThread(c)

	txn, err := c.Begin()
	require.NoError(t, err)
	private, err := txn.New(types.leaf)
	require.NoError(t, err)

	stats, err := e.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Marked)
	assert.Equal(t, 0, stats.Freed)

	require.NoError(t, txn.Commit())
	assert.True(t, e.IsCommitted(private))

	// Nothing references it once committed.
	stats, err = e.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Freed)
	assert.False(t, e.IsCommitted(private))
}

func TestEngine_Collect_WaitsForSafepoint(t *testing.T) {
	e, _ := newTestEngine(t, func(opts Options) Options {
		return opts.WithSafepointWarnAfter(5 * time.Millisecond)
	})

	var polls int32
	var stop int32
	started := make(chan struct{})
	done := onThread(e, func(other *ThreadContext) {
		close(started)
		for atomic.LoadInt32(&stop) == 0 {
			time.Sleep(time.Millisecond)
			other.Safepoint()
			atomic.AddInt32(&polls, 1)
		}
	})

	<-started
	_, err := e.Collect(context.Background())
	require.NoError(t, err)

	atomic.StoreInt32(&stop, 1)
	require.Nil(t, <-done)
	assert.True(t, atomic.LoadInt32(&polls) > 0)
}

func TestEngine_Collect_Canceled(t *testing.T) {
	e, types := newTestEngine(t, func(opts Options) Options {
		return opts.WithSafepointWarnAfter(5 * time.Millisecond)
	})

	busy := make(chan struct{})
	release := make(chan struct{})
	done := onThread(e, func(other *ThreadContext) {
		// Never polls while the collection waits.
		close(busy)
		<-release

		require.NoError(t, other.Atomically(func(txn *Transaction) error {
			_, err := txn.New(types.leaf)
			return err
		}))
	})

	<-busy
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := e.Collect(ctx)
	assert.True(t, errors.Is(err, ErrCollectionCanceled))
	assert.Contains(t, err.Error(), "1 threads")

	close(release)
	require.Nil(t, <-done)
	assert.Equal(t, uint64(0), e.Stats().Collections)
}

func TestEngine_Collect_StaleReferenceIsFatal(t *testing.T) {
	for _, verification := range []options.HandleVerification{options.OnCallback, options.OnVisit} {
		t.Run(verification.String(), func(t *testing.T) {
			e, types := newTestEngine(t, func(opts Options) Options {
				return opts.WithHandleVerification(verification)
			})
			c := e.RegisterThread()
			defer e.DeregisterThread(c)

			parent := commitObject(t, c, "parent", types.pair)

			txn, err := c.Begin()
			require.NoError(t, err)
			freed, err := txn.New(types.leaf)
			require.NoError(t, err)
			txn.Abort()

			// A plain store bypasses the checks StoreRef does.
			require.NoError(t, c.Atomically(func(txn *Transaction) error {
				return txn.Store(parent, 8, uint64(freed))
			}))

			fatal := requireFatal(t, z.ErrHeapCorruption, func() {
				_, _ = e.Collect(context.Background())
			})
			assert.Contains(t, fatal.Diagnostic, freed.String())

			// The world was resumed by the failed collection.
			require.NoError(t, c.Atomically(func(txn *Transaction) error {
				return txn.Store(parent, 8, 0)
			}))
			_, err = e.Collect(context.Background())
			require.NoError(t, err)
		})
	}
}

func TestEngine_Collect_OversizedObjectIsFatal(t *testing.T) {
	types := newTestTypes()
	e, err := Open(DefaultOptions(oversizedIntrospector{Registry: types.registry}))
	require.NoError(t, err)
	defer func() { require.NoError(t, e.Close()) }()

	c := e.RegisterThread()
	defer e.DeregisterThread(c)

	commitObject(t, c, "root", types.leaf)

	fatal := requireFatal(t, z.ErrHeapCorruption, func() {
		_, _ = e.Collect(context.Background())
	})
	assert.Contains(t, fatal.Diagnostic, "24 bytes but 16 bytes were allocated")
}

func TestEngine_Collect_KeepsHandlesReadByRunningTransactions(t *testing.T) {
	e, types := newTestEngine(t)
	c := e.RegisterThread()
	defer e.DeregisterThread(c)

	x := commitObject(t, c, "r", types.leaf)

	read := make(chan struct{})
	collected := make(chan struct{})
	attempts := 0
	var loaded error
	done := onThread(e, func(other *ThreadContext) {
		loaded = other.Atomically(func(txn *Transaction) error {
			attempts++
			handle, ok, err := txn.Root("r")
			if err != nil || !ok {
				return err
			}

			if attempts == 1 {
				close(read)
				other.Blocking(func() { <-collected })
			}

			_, err = txn.Load(handle, 0)
			return err
		})
	})

	<-read
	require.NoError(t, c.Atomically(func(txn *Transaction) error {
		return txn.DeleteRoot("r")
	}))

	// Nothing committed reaches x anymore, but the running transaction holds its handle.
	stats, err := e.Collect(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Freed)
	assert.True(t, e.IsCommitted(x))
	close(collected)

	require.Nil(t, <-done)
	require.NoError(t, loaded)

	// The first attempt read a root that changed and was retried, the second found it gone.
	assert.Equal(t, 2, attempts)

	stats, err = e.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Freed)
	assert.False(t, e.IsCommitted(x))
}

func TestEngine_Collect_KeepsLoadedReferences(t *testing.T) {
	e, types := newTestEngine(t)
	c := e.RegisterThread()
	defer e.DeregisterThread(c)

	var parent, child layout.Handle
	require.NoError(t, c.Atomically(func(txn *Transaction) (err error) {
		if parent, err = txn.New(types.pair); err != nil {
			return err
		}
		if child, err = txn.New(types.leaf); err != nil {
			return err
		}
		if err = txn.StoreRef(parent, 8, child); err != nil {
			return err
		}
		return txn.SetRoot("parent", parent)
	}))

	txn, err := c.Begin()
	require.NoError(t, err)
	ref, err := txn.LoadRef(parent, 8)
	require.NoError(t, err)
	require.Equal(t, child, ref)

	// Another thread unlinks the child while this transaction holds it.
	done := onThread(e, func(other *ThreadContext) {
		require.NoError(t, other.Atomically(func(txn *Transaction) error {
			return txn.StoreRef(parent, 8, layout.Nil)
		}))
	})
	require.Nil(t, <-done)

	stats, err := e.Collect(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Freed)

	_, err = txn.Load(child, 0)
	require.NoError(t, err)
	txn.Abort()

	stats, err = e.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Freed)
	assert.False(t, e.IsCommitted(child))
}

func TestEngine_Collect_UnrootedPrivateObjectsAreFatal(t *testing.T) {
	e, types := newTestEngine(t, func(opts Options) Options {
		return opts.WithArenaSegmentSize(1).WithSweepWorkers(1)
	})
	c := e.RegisterThread()
	defer e.DeregisterThread(c)

	txn, err := c.Begin()
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := txn.New(types.leaf)
		require.NoError(t, err)
	}

	// Losing track of the allocations leaves more broken segments than sweep workers.
	allocations := txn.allocations
	txn.allocations = nil

	fatal := requireFatal(t, z.ErrHeapCorruption, func() {
		_, _ = e.Collect(context.Background())
	})
	assert.Contains(t, fatal.Diagnostic, "was not marked")
	assert.Contains(t, fatal.Diagnostic, c.String())

	txn.allocations = allocations
	txn.Abort()

	stats, err := e.Collect(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Live)
}
