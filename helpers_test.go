package stmgc

import (
	"testing"

	"github.com/elliotcourant/stmgc/layout"
	"github.com/elliotcourant/stmgc/z"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type testTypes struct {
	registry *layout.Registry

	// node has four reference slots and no plain words.
	node layout.TypeID

	// leaf has no reference slots.
	leaf layout.TypeID

	// pair is a counter word followed by two references.
	pair layout.TypeID
}

func newTestTypes() testTypes {
	registry := layout.NewRegistry()
	return testTypes{
		registry: registry,
		node:     registry.MustRegister(layout.Layout{Name: "node", Size: 32, RefOffsets: []uint32{0, 8, 16, 24}}),
		leaf:     registry.MustRegister(layout.Layout{Name: "leaf", Size: 16}),
		pair:     registry.MustRegister(layout.Layout{Name: "pair", Size: 24, RefOffsets: []uint32{8, 16}}),
	}
}

func newTestEngine(t *testing.T, tweaks ...func(Options) Options) (*Engine, testTypes) {
	types := newTestTypes()
	opts := DefaultOptions(types.registry)
	for _, tweak := range tweaks {
		opts = tweak(opts)
	}

	e, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, e.Close())
	})

	return e, types
}

// onThread runs fn on a new goroutine registered with e. The returned channel receives whatever fn panicked with,
// nil if it returned normally, after the goroutine deregistered.
func onThread(e *Engine, fn func(c *ThreadContext)) <-chan interface{} {
	done := make(chan interface{}, 1)
	go func() {
		c := e.RegisterThread()
		defer func() {
			r := recover()
			if c.inSafeRegion {
				c.LeaveSafeRegion()
			}
			if txn, ok := c.Transaction(); ok {
				txn.Abort()
			}
			e.DeregisterThread(c)
			done <- r
		}()

		fn(c)
	}()

	return done
}

// requireFatal runs fn and returns the fatal error it raised.
func requireFatal(t *testing.T, kind error, fn func()) (fatal *z.FatalError) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected a fatal error")
		var ok bool
		fatal, ok = r.(*z.FatalError)
		require.True(t, ok, "panicked with %T instead of *z.FatalError: %v", r, r)
		require.True(t, errors.Is(fatal, kind), "expected %v, got %v", kind, fatal)
	}()

	fn()
	return nil
}

// commitObject allocates and commits one object of typeID under root.
func commitObject(t *testing.T, c *ThreadContext, root string, typeID layout.TypeID) layout.Handle {
	var handle layout.Handle
	require.NoError(t, c.Atomically(func(txn *Transaction) (err error) {
		if handle, err = txn.New(typeID); err != nil {
			return err
		}
		return txn.SetRoot(root, handle)
	}))

	return handle
}
