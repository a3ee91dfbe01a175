package stmgc

import (
	"context"
	"fmt"
	"time"

	"github.com/elliotcourant/stmgc/layout"
	"github.com/elliotcourant/stmgc/options"
	"github.com/elliotcourant/stmgc/z"
	"github.com/elliotcourant/timber"
	"github.com/pkg/errors"
)

type (
	// CollectStats describes one collection.
	CollectStats struct {
		// Joined is set when another collection was already under way and this call only waited for it.
		Joined bool

		Marked      int
		MarkedBytes uint64
		Freed       int
		FreedBytes  uint64
		Live        int
		Duration    time.Duration
	}

	// ObjectInfo is what Walk reports about one object.
	ObjectInfo struct {
		Handle layout.Handle
		Type   layout.TypeID
		Size   uint64

		// Refs holds the value of every reference slot in the order Trace visited them, Nil slots included.
		Refs []layout.Handle

		// Committed is false for objects allocated by the walking context's transaction.
		Committed bool
	}

	// marker is the mark phase of a collection. It only exists while the world is stopped and the heap write lock is
	// held.
	marker struct {
		engine *Engine
		heap   *heap
		verify options.HandleVerification

		stack       []layout.Handle
		marked      int
		markedBytes uint64
	}
)

// Collect stops the world, marks everything reachable from the roots and frees every committed object that is not.
// The roots are the committed roots and hashtables, and everything in flight in a transaction of a registered
// context. It can be called from any goroutine, registered or not, inside or outside of a transaction. If ctx is
// done before every other thread reaches a safepoint the collection is given up with ErrCollectionCanceled. If
// another collection is already running Collect waits for that one instead.
func (e *Engine) Collect(ctx context.Context) (CollectStats, error) {
	if e.isClosed() {
		return CollectStats{}, ErrClosed
	}

	self, registered := e.CurrentContext()
	if registered && self.inSafeRegion {
		z.Fatalf(z.ErrProtocolViolation, "collect: %s is inside a safe region", self)
	}

	started := time.Now()
	contexts, joined, err := e.safepoints.stopTheWorld(ctx, self, e.opts.SafepointWarnAfter)
	if err != nil {
		timber.Warningf("stmgc %s: %v", e.id, err)
		return CollectStats{}, err
	}

	if joined {
		return CollectStats{Joined: true, Duration: time.Since(started)}, nil
	}

	defer e.safepoints.resumeTheWorld()

	e.heap.Lock()
	defer e.heap.Unlock()

	defer func() {
		// A fatal error left marks behind, the next collection must not mistake them for its own.
		if r := recover(); r != nil {
			e.heap.clearMarks()
			panic(r)
		}
	}()

	m := &marker{
		engine: e,
		heap:   e.heap,
		verify: e.opts.HandleVerification,
	}
	m.markRoots(contexts)
	m.drain()

	freed, freedBytes := e.sweep()
	e.pruneTombstones()

	stats := CollectStats{
		Marked:      m.marked,
		MarkedBytes: m.markedBytes,
		Freed:       freed,
		FreedBytes:  freedBytes,
		Live:        e.heap.liveObjects,
		Duration:    time.Since(started),
	}

	e.eventLog.Printf("collection: %+v", stats)
	timber.Debugf(
		"stmgc %s: collected %d objects (%d bytes) in %s, %d marked, %d live, %d threads stopped",
		e.id,
		stats.Freed,
		stats.FreedBytes,
		stats.Duration,
		stats.Marked,
		stats.Live,
		len(contexts),
	)

	return stats, nil
}

func (m *marker) markRoots(contexts []*ThreadContext) {
	for name, entry := range m.heap.roots {
		m.mark(entry.handle, true, fmt.Sprintf("root %q", name))
	}

	for _, t := range m.heap.hashtables {
		for key, entry := range t.entries {
			m.mark(entry.value, true, fmt.Sprintf("key %q of %s", key, t))
		}
	}

	for _, c := range contexts {
		txn := c.txn
		if txn == nil {
			continue
		}

		for _, handle := range txn.allocations {
			m.mark(handle, true, c.String())
		}

		for handle, words := range txn.writes {
			m.mark(handle, true, c.String())

			// The private copy may reference objects the committed version no longer does.
			record, _ := m.heap.lookup(handle, false)
			m.trace(&objectView{handle: handle, typeID: record.typeID, words: words}, len(words))
		}

		for name, ref := range txn.rootWrites {
			m.mark(ref, true, fmt.Sprintf("pending root %q of %s", name, c))
		}

		for slot, value := range txn.hashWrites {
			m.mark(value, true, fmt.Sprintf("pending key %q of %s", slot.key, slot.table))
		}

		// Handles the transaction was handed stay valid until it ends, even once nothing committed reaches them.
		for handle := range txn.seen {
			if _, ok := m.heap.lookup(handle, true); ok {
				m.mark(handle, true, fmt.Sprintf("handle read by %s", c))
			}
		}
	}
}

func (m *marker) drain() {
	for len(m.stack) > 0 {
		handle := m.stack[len(m.stack)-1]
		m.stack = m.stack[:len(m.stack)-1]

		record, ok := m.heap.lookup(handle, m.verify != options.NoVerification)
		if !ok {
			z.Fatalf(
				z.ErrHeapCorruption,
				"collect: %s was marked but is not a live object in engine %s",
				handle,
				m.engine.id,
			)
		}

		m.engine.admit("collect", nil, handle, record, true)
		m.trace(&objectView{handle: handle, typeID: record.typeID, words: record.words}, len(record.words))
	}
}

// trace sizes and traces one object. An object the introspector claims is bigger than its allocation is fatal.
func (m *marker) trace(obj *objectView, words int) {
	size := m.engine.introspector.SizeOf(obj)
	if size%layout.WordSize != 0 || size > uint64(words)*layout.WordSize {
		z.Fatalf(
			z.ErrHeapCorruption,
			"collect: size_of %s (type %d) is %d bytes but %d bytes were allocated",
			obj.handle,
			obj.typeID,
			size,
			words*layout.WordSize,
		)
	}
	m.markedBytes += size

	from := obj.handle.String()
	m.engine.introspector.Trace(obj, func(ref layout.Handle) layout.Handle {
		m.mark(ref, m.verify == options.OnVisit, from)
		return ref
	})
}

// mark pushes handle if it was not marked yet. A handle that does not name a live object is fatal, something
// reachable was freed.
func (m *marker) mark(handle layout.Handle, verify bool, from string) {
	if handle.IsNil() {
		return
	}

	record, ok := m.heap.lookup(handle, verify)
	if !ok {
		z.Fatalf(
			z.ErrHeapCorruption,
			"collect: %s reached from %s is not a live object in engine %s",
			handle,
			from,
			m.engine.id,
		)
	}

	if record.marked {
		return
	}

	record.marked = true
	m.marked++
	m.stack = append(m.stack, handle)
}

// sweep frees every committed object that was not marked and clears the marks of the rest. Segments of the arena
// are scanned in parallel, the slots are released afterwards. The heap write lock must be held.
func (e *Engine) sweep() (freed int, freedBytes uint64) {
	objects := e.heap.objects
	segmentSize := e.opts.ArenaSegmentSize
	segments := (len(objects) + segmentSize - 1) / segmentSize
	garbage := make([][]uint32, segments)

	throttle := z.NewThrottle(e.opts.SweepWorkers)
	for segment := 0; segment < segments; segment++ {
		if err := throttle.Do(); err != nil {
			break
		}

		go func(segment int) {
			start := segment * segmentSize
			end := start + segmentSize
			if end > len(objects) {
				end = len(objects)
			}

			var err error
			for index := start; index < end; index++ {
				record := &objects[index]
				switch {
				case record.state == stateFree:
				case record.marked:
					record.marked = false
				case record.state == statePrivate:
					// Allocations of running transactions are roots.
					if err == nil {
						err = errors.Errorf("private object %s of %s was not marked",
							layout.MakeHandle(uint32(index), record.generation), record.owner)
					}
				default:
					garbage[segment] = append(garbage[segment], uint32(index))
				}
			}

			throttle.Done(err)
		}(segment)
	}
	// Every worker has returned here, nothing touches the arena while the fatal error unwinds.
	if err := throttle.Finish(); err != nil {
		z.Fatalf(z.ErrHeapCorruption, "collect: sweep of engine %s: %v", e.id, err)
	}

	for _, indexes := range garbage {
		for _, index := range indexes {
			record := &objects[index]
			freedBytes += uint64(len(record.words)) * layout.WordSize
			e.heap.release(layout.MakeHandle(index, record.generation))
			freed++
		}
	}

	return freed, freedBytes
}

// pruneTombstones drops deleted roots and hashtable entries older than every running transaction. Nobody can read
// them as they were before the delete anymore, so their version has nothing left to tell. The heap write lock must
// be held.
func (e *Engine) pruneTombstones() {
	oldest := e.orc.readMark.DoneUntil()
	for name, entry := range e.heap.roots {
		if entry.handle.IsNil() && entry.version <= oldest {
			delete(e.heap.roots, name)
		}
	}

	for _, t := range e.heap.hashtables {
		for key, entry := range t.entries {
			if entry.value.IsNil() && entry.version <= oldest {
				delete(t.entries, key)
			}
		}
	}
}

// admit is the gate in front of the introspector. It passes while the world is stopped, for committed objects, and
// for objects private to c's own transaction. Handing another context's private object to the introspector is
// fatal.
func (e *Engine) admit(operation string, c *ThreadContext, handle layout.Handle, record *objectRecord, worldStopped bool) {
	if worldStopped {
		z.AssertTruef(e.safepoints.worldStopped(), "%s: %s traced as stopped while the world is running", operation, handle)
		return
	}

	if record.state == stateCommitted || (record.state == statePrivate && record.owner == c) {
		return
	}

	z.Fatalf(
		z.ErrProtocolViolation,
		"%s: %s is private to %s and cannot be traced from %s while the world is running in engine %s",
		operation,
		handle,
		record.owner,
		c,
		e.id,
	)
}

// SizeOf asks the introspector for the size of h as this context sees it.
func (c *ThreadContext) SizeOf(h layout.Handle) (uint64, error) {
	obj, err := c.view("size_of", h)
	if err != nil {
		return 0, err
	}

	return c.engine.introspector.SizeOf(obj), nil
}

// Trace runs the introspector's trace of h as this context sees it. The object is a snapshot, values returned by
// visit are not written back to the heap.
func (c *ThreadContext) Trace(h layout.Handle, visit layout.Visitor) error {
	obj, err := c.view("trace", h)
	if err != nil {
		return err
	}

	c.engine.introspector.Trace(obj, visit)
	return nil
}

// Walk calls fn for every object visible to this context: every committed object, and everything allocated by its
// own transaction. Write copies of the transaction are reported instead of the committed words.
func (c *ThreadContext) Walk(fn func(info ObjectInfo)) error {
	if c.engine.isClosed() {
		return ErrClosed
	}

	c.poll()

	e := c.engine
	verify := e.opts.HandleVerification != options.NoVerification

	e.heap.RLock()
	views := make([]*objectView, 0, e.heap.liveObjects)
	committed := make([]bool, 0, e.heap.liveObjects)
	for index := range e.heap.objects {
		record := &e.heap.objects[index]
		if record.state == stateFree || (record.state == statePrivate && record.owner != c) {
			continue
		}

		handle := layout.MakeHandle(uint32(index), record.generation)
		view, err := c.snapshot(handle, verify)
		if err != nil {
			e.heap.RUnlock()
			return err
		}

		views = append(views, view)
		committed = append(committed, record.state == stateCommitted)
	}
	e.heap.RUnlock()

	for i, view := range views {
		info := ObjectInfo{
			Handle:    view.handle,
			Type:      view.typeID,
			Size:      e.introspector.SizeOf(view),
			Committed: committed[i],
		}
		e.introspector.Trace(view, func(ref layout.Handle) layout.Handle {
			info.Refs = append(info.Refs, ref)
			return ref
		})

		fn(info)
	}

	return nil
}

func (c *ThreadContext) view(operation string, h layout.Handle) (*objectView, error) {
	if c.engine.isClosed() {
		return nil, ErrClosed
	}

	c.poll()

	e := c.engine
	verify := e.opts.HandleVerification != options.NoVerification

	e.heap.RLock()
	defer e.heap.RUnlock()

	record, ok := e.heap.lookup(h, verify)
	if !ok {
		return nil, errors.Wrapf(ErrStaleHandle, "%s of %s from %s", operation, h, c)
	}

	e.admit(operation, c, h, record, false)

	return c.snapshot(h, verify)
}

// snapshot copies the words of h as seen by c. The heap read lock must be held.
func (c *ThreadContext) snapshot(h layout.Handle, verify bool) (*objectView, error) {
	record, ok := c.engine.heap.lookup(h, verify)
	if !ok {
		return nil, errors.Wrapf(ErrStaleHandle, "%s from %s", h, c)
	}

	words := record.words
	if c.txn != nil {
		if copied, ok := c.txn.writes[h]; ok {
			words = copied
		}
	}

	return &objectView{
		handle: h,
		typeID: record.typeID,
		words:  append(make([]uint64, 0, len(words)), words...),
	}, nil
}
