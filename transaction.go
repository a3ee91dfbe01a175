package stmgc

import (
	"fmt"

	b "github.com/dgraph-io/ristretto/z"
	"github.com/elliotcourant/stmgc/layout"
	"github.com/elliotcourant/stmgc/options"
	"github.com/elliotcourant/stmgc/z"
	"github.com/pkg/errors"
)

const (
	// The read set bloom filter is sized for this many keys. Bigger read sets only raise the false positive rate,
	// which costs a lookup in the exact read set and nothing else.
	readFilterEntries       = 1024
	readFilterFalsePositive = 0.01
)

type (
	// Transaction is a speculative view of the heap owned by one ThreadContext. Its writes stay private until Commit,
	// and it is rolled back by Abort or by a conflicting Commit. A transaction must only be used by the goroutine
	// that started it.
	Transaction struct {
		readTimestamp   uint64
		commitTimestamp uint64

		reads      map[uint64]struct{} // contains conflict keys of everything read.
		readFilter *b.Bloom            // prefilter over reads, created with the first read.

		conflictKeys map[uint64]struct{} // contains conflict keys of everything written.

		// writes holds the private copy of every committed object this transaction stored into.
		writes map[layout.Handle][]uint64

		// allocations are the private objects created by this transaction, in allocation order.
		allocations []layout.Handle

		// rootWrites are pending root changes, Nil deletes the root.
		rootWrites map[string]layout.Handle

		// hashWrites are pending hashtable entries, Nil deletes the entry.
		hashWrites map[hashSlot]layout.Handle

		// seen holds every handle the transaction was handed by Root, LoadRef or a hashtable read. They are roots
		// until the transaction ends.
		seen map[layout.Handle]struct{}

		context *ThreadContext
		engine  *Engine

		doneRead  bool
		discarded bool

		// doomed is set when a load observed a version newer than readTimestamp. The transaction can only abort.
		doomed bool

		// operations counts loads and stores between safepoint polls.
		operations int
	}
)

func newTransaction(c *ThreadContext) *Transaction {
	return &Transaction{
		readTimestamp: c.engine.orc.readTimestamp(),
		conflictKeys:  map[uint64]struct{}{},
		writes:        map[layout.Handle][]uint64{},
		context:       c,
		engine:        c.engine,
	}
}

// ReadTimestamp is the commit timestamp of the newest transaction this one can see.
func (txn *Transaction) ReadTimestamp() uint64 {
	return txn.readTimestamp
}

// CommitTimestamp is zero until a transaction with writes commits.
func (txn *Transaction) CommitTimestamp() uint64 {
	return txn.commitTimestamp
}

// Context is the context the transaction belongs to.
func (txn *Transaction) Context() *ThreadContext {
	return txn.context
}

// New allocates a zeroed object of a registered type. It requires the introspector to implement layout.Sizer.
func (txn *Transaction) New(typeID layout.TypeID) (layout.Handle, error) {
	sizer, ok := txn.engine.introspector.(layout.Sizer)
	if !ok {
		return layout.Nil, errors.Wrapf(ErrUnknownType, "introspector %T cannot size type %d", txn.engine.introspector, typeID)
	}

	size, ok := sizer.TypeSize(typeID)
	if !ok {
		return layout.Nil, errors.Wrapf(ErrUnknownType, "type %d", typeID)
	}

	return txn.Allocate(typeID, size)
}

// Allocate creates a zeroed object of size bytes. The object is private to the transaction until it commits, and is
// freed if the transaction aborts. When the introspector can size types the size must match the type's size.
func (txn *Transaction) Allocate(typeID layout.TypeID, size uint64) (layout.Handle, error) {
	if err := txn.check(); err != nil {
		return layout.Nil, err
	}

	txn.context.poll()

	if typeID == 0 {
		return layout.Nil, errors.Wrap(ErrUnknownType, "type 0 is never registered")
	}

	if size%layout.WordSize != 0 {
		return layout.Nil, errors.Wrapf(ErrOutOfBounds, "size %d is not a multiple of %d", size, layout.WordSize)
	}

	if sizer, ok := txn.engine.introspector.(layout.Sizer); ok {
		if typeSize, known := sizer.TypeSize(typeID); known && typeSize != size {
			return layout.Nil, errors.Wrapf(ErrUnknownType, "type %d is %d bytes, not %d", typeID, typeSize, size)
		}
	}

	h := txn.engine.heap
	h.Lock()
	handle, ok := h.allocate(typeID, int(size/layout.WordSize), txn.context)
	h.Unlock()
	if !ok {
		return layout.Nil, errors.Wrapf(ErrHeapExhausted, "allocating %d bytes of type %d", size, typeID)
	}

	txn.allocations = append(txn.allocations, handle)
	txn.context.stats.Allocations++
	txn.context.stats.AllocatedBytes += size

	return handle, nil
}

// Load reads the word at offset as seen by this transaction.
func (txn *Transaction) Load(handle layout.Handle, offset uint32) (uint64, error) {
	if err := txn.check(); err != nil {
		return 0, err
	}

	txn.tick()

	return txn.load("load", handle, offset)
}

// LoadRef is Load for a reference slot.
func (txn *Transaction) LoadRef(handle layout.Handle, offset uint32) (layout.Handle, error) {
	if err := txn.check(); err != nil {
		return layout.Nil, err
	}

	txn.tick()

	if err := txn.checkRefSlot("load_ref", handle, offset); err != nil {
		return layout.Nil, err
	}

	value, err := txn.load("load_ref", handle, offset)
	if err != nil {
		return layout.Nil, err
	}

	ref := layout.Handle(value)
	txn.see(ref)
	return ref, nil
}

// Store writes the word at offset. Stores into a committed object copy it into the transaction on first write.
func (txn *Transaction) Store(handle layout.Handle, offset uint32, value uint64) error {
	if err := txn.check(); err != nil {
		return err
	}

	txn.tick()

	return txn.store("store", handle, offset, value)
}

// StoreRef is Store for a reference slot. The stored reference has to be Nil, committed, or allocated by this
// transaction.
func (txn *Transaction) StoreRef(handle layout.Handle, offset uint32, ref layout.Handle) error {
	if err := txn.check(); err != nil {
		return err
	}

	txn.tick()

	if err := txn.checkRefSlot("store_ref", handle, offset); err != nil {
		return err
	}

	if err := txn.checkTarget("store_ref", ref); err != nil {
		return err
	}

	return txn.store("store_ref", handle, offset, uint64(ref))
}

// SetRoot names ref so that it stays reachable after the transaction commits.
func (txn *Transaction) SetRoot(name string, ref layout.Handle) error {
	if err := txn.check(); err != nil {
		return err
	}

	txn.tick()

	if err := txn.checkTarget("set_root", ref); err != nil {
		return err
	}

	txn.setRoot(name, ref)
	return nil
}

// DeleteRoot removes a root. Deleting a root that does not exist is not an error.
func (txn *Transaction) DeleteRoot(name string) error {
	if err := txn.check(); err != nil {
		return err
	}

	txn.tick()

	txn.setRoot(name, layout.Nil)
	return nil
}

// Root returns the object named name.
func (txn *Transaction) Root(name string) (layout.Handle, bool, error) {
	if err := txn.check(); err != nil {
		return layout.Nil, false, err
	}

	txn.tick()

	if ref, ok := txn.rootWrites[name]; ok {
		return ref, !ref.IsNil(), nil
	}

	h := txn.engine.heap
	h.RLock()
	defer h.RUnlock()

	entry, ok := h.roots[name]
	if !ok {
		txn.addRead(rootKey(name))
		return layout.Nil, false, nil
	}

	if err := txn.observe(rootKey(name), entry.version, fmt.Sprintf("root %q", name)); err != nil {
		return layout.Nil, false, err
	}

	txn.see(entry.handle)
	return entry.handle, !entry.handle.IsNil(), nil
}

// Commit makes every write and allocation of the transaction visible at once. If something the transaction read was
// committed by another transaction in the meantime it is rolled back instead and ErrConflict is returned. Either
// way the transaction is discarded.
func (txn *Transaction) Commit() error {
	if err := txn.check(); err != nil {
		return err
	}

	c := txn.context
	c.poll()

	if txn.doomed {
		txn.rollback()
		c.stats.Conflicts++
		return errors.Wrapf(ErrConflict, "transaction reading at %d observed a newer commit", txn.readTimestamp)
	}

	// Read only transactions have nothing to publish, they only need what they read to still be current.
	if len(txn.conflictKeys) == 0 && len(txn.allocations) == 0 {
		if txn.engine.orc.validateReadOnly(txn) {
			txn.rollback()
			c.stats.Conflicts++
			return errors.Wrapf(ErrConflict, "read only transaction reading at %d", txn.readTimestamp)
		}

		txn.finish()
		c.stats.Commits++
		return nil
	}

	commitTimestamp, conflict := txn.engine.orc.newCommitTimestamp(txn)
	if conflict {
		txn.rollback()
		c.stats.Conflicts++
		return errors.Wrapf(ErrConflict, "transaction reading at %d", txn.readTimestamp)
	}

	// No polling from here until doneCommit, readers starting after commitTimestamp are waiting on us.
	txn.commitTimestamp = commitTimestamp
	txn.apply()
	txn.engine.orc.doneCommit(commitTimestamp)

	txn.finish()
	c.stats.Commits++
	txn.engine.eventLog.Printf("%s committed at %d", c, commitTimestamp)

	return nil
}

// Abort rolls the transaction back. Every object it allocated is freed and its handles become stale. Aborting a
// discarded transaction does nothing.
func (txn *Transaction) Abort() {
	if txn.discarded {
		return
	}

	txn.context.poll()
	txn.rollback()
}

func (txn *Transaction) apply() {
	h := txn.engine.heap
	h.Lock()
	defer h.Unlock()

	for handle, words := range txn.writes {
		record, ok := h.lookup(handle, true)
		z.AssertTruef(
			ok && record.state == stateCommitted,
			"commit: write copy of %s from %s has no committed object",
			handle,
			txn.context,
		)
		record.words = words
		record.version = txn.commitTimestamp
	}

	for _, handle := range txn.allocations {
		record, ok := h.lookup(handle, true)
		z.AssertTruef(
			ok && record.state == statePrivate && record.owner == txn.context,
			"commit: allocation %s of %s is not private to it",
			handle,
			txn.context,
		)
		h.publish(record, txn.commitTimestamp)
	}

	for name, ref := range txn.rootWrites {
		h.roots[name] = rootEntry{handle: ref, version: txn.commitTimestamp}
	}

	for slot, value := range txn.hashWrites {
		slot.table.apply(slot.key, value, txn.commitTimestamp)
	}
}

func (txn *Transaction) rollback() {
	h := txn.engine.heap
	h.Lock()
	for _, handle := range txn.allocations {
		h.release(handle)
	}
	h.Unlock()

	txn.engine.orc.doneRead(txn)
	txn.finish()
	txn.context.stats.Aborts++
}

func (txn *Transaction) finish() {
	txn.discarded = true
	txn.writes = nil
	txn.allocations = nil
	txn.rootWrites = nil
	txn.hashWrites = nil
	txn.seen = nil
	txn.context.endTransaction()
}

func (txn *Transaction) check() error {
	if txn.discarded {
		return ErrTransactionDiscarded
	}

	return nil
}

func (txn *Transaction) tick() {
	txn.operations++
	if txn.operations%txn.engine.opts.SafepointInterval == 0 {
		txn.context.poll()
	}
}

func (txn *Transaction) addRead(key uint64) {
	if txn.reads == nil {
		txn.reads = map[uint64]struct{}{}
		txn.readFilter = b.NewBloomFilter(readFilterEntries, readFilterFalsePositive)
	}

	if _, ok := txn.reads[key]; !ok {
		txn.reads[key] = struct{}{}
		txn.readFilter.Add(key)
	}
}

// see keeps ref alive for the rest of the transaction.
func (txn *Transaction) see(ref layout.Handle) {
	if ref.IsNil() {
		return
	}

	if txn.seen == nil {
		txn.seen = map[layout.Handle]struct{}{}
	}
	txn.seen[ref] = struct{}{}
}

// observe records a read of key at version.
func (txn *Transaction) observe(key uint64, version uint64, what string) error {
	txn.addRead(key)

	if txn.engine.opts.ConflictDetection == options.DetectOnLoad && version > txn.readTimestamp {
		txn.doomed = true
		return errors.Wrapf(
			ErrConflict,
			"%s was committed at %d after the transaction started reading at %d",
			what,
			version,
			txn.readTimestamp,
		)
	}

	return nil
}

// object resolves handle for this transaction. Touching another context's private object is fatal, it cannot have
// been reached through anything this transaction can see. The heap read lock must be held.
func (txn *Transaction) object(operation string, handle layout.Handle) (*objectRecord, error) {
	record, ok := txn.engine.heap.lookup(handle, true)
	if !ok {
		return nil, errors.Wrapf(ErrStaleHandle, "%s of %s", operation, handle)
	}

	if record.state == statePrivate && record.owner != txn.context {
		z.Fatalf(
			z.ErrProtocolViolation,
			"%s: %s is private to %s and was accessed from %s in engine %s",
			operation,
			handle,
			record.owner,
			txn.context,
			txn.engine.id,
		)
	}

	return record, nil
}

func (txn *Transaction) load(operation string, handle layout.Handle, offset uint32) (uint64, error) {
	if words, ok := txn.writes[handle]; ok {
		i, err := wordIndex(handle, words, offset)
		if err != nil {
			return 0, err
		}

		return words[i], nil
	}

	h := txn.engine.heap
	h.RLock()
	defer h.RUnlock()

	record, err := txn.object(operation, handle)
	if err != nil {
		return 0, err
	}

	i, err := wordIndex(handle, record.words, offset)
	if err != nil {
		return 0, err
	}

	if record.state == stateCommitted {
		if err := txn.observe(objectKey(handle), record.version, handle.String()); err != nil {
			return 0, err
		}
	}

	return record.words[i], nil
}

func (txn *Transaction) store(operation string, handle layout.Handle, offset uint32, value uint64) error {
	if words, ok := txn.writes[handle]; ok {
		i, err := wordIndex(handle, words, offset)
		if err != nil {
			return err
		}

		words[i] = value
		return nil
	}

	h := txn.engine.heap
	h.RLock()
	defer h.RUnlock()

	record, err := txn.object(operation, handle)
	if err != nil {
		return err
	}

	i, err := wordIndex(handle, record.words, offset)
	if err != nil {
		return err
	}

	if record.state == statePrivate {
		record.words[i] = value
		return nil
	}

	// The copy carries every other word of the object too, so the whole object counts as read.
	key := objectKey(handle)
	if err := txn.observe(key, record.version, handle.String()); err != nil {
		return err
	}

	words := append(make([]uint64, 0, len(record.words)), record.words...)
	words[i] = value
	txn.writes[handle] = words
	txn.conflictKeys[key] = struct{}{}

	return nil
}

func (txn *Transaction) setRoot(name string, ref layout.Handle) {
	if txn.rootWrites == nil {
		txn.rootWrites = map[string]layout.Handle{}
	}

	txn.rootWrites[name] = ref
	txn.conflictKeys[rootKey(name)] = struct{}{}
}

// checkRefSlot rejects offsets the introspector knows are not references.
func (txn *Transaction) checkRefSlot(operation string, handle layout.Handle, offset uint32) error {
	slots, ok := txn.engine.introspector.(layout.RefSlots)
	if !ok {
		return nil
	}

	h := txn.engine.heap
	h.RLock()
	defer h.RUnlock()

	record, err := txn.object(operation, handle)
	if err != nil {
		return err
	}

	if !slots.IsRef(record.typeID, offset) {
		return errors.Wrapf(ErrNotReference, "%s: offset %d of %s (type %d)", operation, offset, handle, record.typeID)
	}

	return nil
}

// checkTarget makes sure a reference about to be stored names an object this transaction can see.
func (txn *Transaction) checkTarget(operation string, ref layout.Handle) error {
	if ref.IsNil() {
		return nil
	}

	h := txn.engine.heap
	h.RLock()
	defer h.RUnlock()

	_, err := txn.object(operation, ref)
	return err
}

func wordIndex(handle layout.Handle, words []uint64, offset uint32) (int, error) {
	i := int(offset / layout.WordSize)
	if offset%layout.WordSize != 0 || i >= len(words) {
		return 0, errors.Wrapf(
			ErrOutOfBounds,
			"offset %d of %s which is %d bytes",
			offset,
			handle,
			len(words)*layout.WordSize,
		)
	}

	return i, nil
}
