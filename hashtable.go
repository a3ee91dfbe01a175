package stmgc

import (
	"fmt"
	"sort"

	"github.com/elliotcourant/stmgc/layout"
	"github.com/pkg/errors"
)

type (
	// Hashtable is a transactional map from byte string keys to object references. Every entry is its own conflict
	// key, so transactions touching different keys never conflict with each other. Keys are compared byte for byte,
	// two keys only name the same entry when they are equal. Its values are roots for the collector. Hashtables live
	// as long as their engine.
	Hashtable struct {
		id     uint64
		engine *Engine

		// The following are guarded by the heap lock.
		entries       map[string]hashEntry
		length        int
		lengthVersion uint64
	}

	// HashItem is one entry of a hashtable.
	HashItem struct {
		Key   []byte
		Value layout.Handle
	}

	// hashEntry is a committed entry. Deleted entries stay behind as Nil values until no running transaction can
	// have read them, so their version is not lost.
	hashEntry struct {
		value   layout.Handle
		version uint64
	}

	hashSlot struct {
		table *Hashtable
		key   string
	}
)

// NewHashtable creates an empty hashtable.
func (e *Engine) NewHashtable() *Hashtable {
	h := e.heap
	h.Lock()
	defer h.Unlock()

	t := &Hashtable{
		id:      uint64(len(h.hashtables) + 1),
		engine:  e,
		entries: map[string]hashEntry{},
	}
	h.hashtables = append(h.hashtables, t)

	return t
}

// ID identifies the hashtable within its engine.
func (t *Hashtable) ID() uint64 {
	return t.id
}

func (t *Hashtable) String() string {
	return fmt.Sprintf("hashtable %d", t.id)
}

// apply commits one entry. The heap write lock must be held.
func (t *Hashtable) apply(key string, value layout.Handle, version uint64) {
	before := !t.entries[key].value.IsNil()
	after := !value.IsNil()

	t.entries[key] = hashEntry{value: value, version: version}

	if before != after {
		if after {
			t.length++
		} else {
			t.length--
		}
		t.lengthVersion = version
	}
}

// HashGet returns the value stored under key, Nil if there is none.
func (txn *Transaction) HashGet(t *Hashtable, key []byte) (layout.Handle, error) {
	return txn.HashGetDefault(t, key, layout.Nil)
}

// HashGetDefault returns the value stored under key, or def if there is none.
func (txn *Transaction) HashGetDefault(t *Hashtable, key []byte, def layout.Handle) (layout.Handle, error) {
	if err := txn.checkTable(t); err != nil {
		return layout.Nil, err
	}

	txn.tick()

	value, err := txn.hashGet(t, string(key))
	if err != nil {
		return layout.Nil, err
	}

	if value.IsNil() {
		return def, nil
	}

	txn.see(value)
	return value, nil
}

// HashContains reports whether key has a value.
func (txn *Transaction) HashContains(t *Hashtable, key []byte) (bool, error) {
	value, err := txn.HashGet(t, key)
	return !value.IsNil(), err
}

// HashSet stores value under key. Setting Nil deletes the entry.
func (txn *Transaction) HashSet(t *Hashtable, key []byte, value layout.Handle) error {
	if err := txn.checkTable(t); err != nil {
		return err
	}

	txn.tick()

	if err := txn.checkTarget("hash_set", value); err != nil {
		return err
	}

	previous, err := txn.hashGet(t, string(key))
	if err != nil {
		return err
	}

	txn.hashSet(t, string(key), previous, value)
	return nil
}

// HashSetDefault returns the value stored under key. If there is none def is stored and returned instead.
func (txn *Transaction) HashSetDefault(t *Hashtable, key []byte, def layout.Handle) (layout.Handle, error) {
	if err := txn.checkTable(t); err != nil {
		return layout.Nil, err
	}

	txn.tick()

	if err := txn.checkTarget("hash_setdefault", def); err != nil {
		return layout.Nil, err
	}

	previous, err := txn.hashGet(t, string(key))
	if err != nil {
		return layout.Nil, err
	}

	if !previous.IsNil() {
		txn.see(previous)
		return previous, nil
	}

	txn.hashSet(t, string(key), previous, def)
	return def, nil
}

// HashDelete removes key. Deleting a key without a value is not an error.
func (txn *Transaction) HashDelete(t *Hashtable, key []byte) error {
	return txn.HashSet(t, key, layout.Nil)
}

// HashLen is the number of entries as seen by this transaction.
func (txn *Transaction) HashLen(t *Hashtable) (int, error) {
	if err := txn.checkTable(t); err != nil {
		return 0, err
	}

	txn.tick()

	h := txn.engine.heap
	h.RLock()
	defer h.RUnlock()

	if err := txn.observe(hashLengthKey(t.id), t.lengthVersion, fmt.Sprintf("length of %s", t)); err != nil {
		return 0, err
	}

	length := t.length
	for slot, value := range txn.hashWrites {
		if slot.table != t {
			continue
		}

		before := !t.entries[slot.key].value.IsNil()
		if after := !value.IsNil(); before != after {
			if after {
				length++
			} else {
				length--
			}
		}
	}

	return length, nil
}

// HashKeys returns every key with a value, in ascending byte order.
func (txn *Transaction) HashKeys(t *Hashtable) ([][]byte, error) {
	items, err := txn.HashItems(t)
	if err != nil {
		return nil, err
	}

	keys := make([][]byte, len(items))
	for i, item := range items {
		keys[i] = item.Key
	}

	return keys, nil
}

// HashValues returns the value of every key, in the order of HashKeys.
func (txn *Transaction) HashValues(t *Hashtable) ([]layout.Handle, error) {
	items, err := txn.HashItems(t)
	if err != nil {
		return nil, err
	}

	values := make([]layout.Handle, len(items))
	for i, item := range items {
		values[i] = item.Value
	}

	return values, nil
}

// HashItems returns every entry with a value, in the order of HashKeys.
func (txn *Transaction) HashItems(t *Hashtable) ([]HashItem, error) {
	if err := txn.checkTable(t); err != nil {
		return nil, err
	}

	txn.tick()

	h := txn.engine.heap
	h.RLock()
	defer h.RUnlock()

	if err := txn.observe(hashLengthKey(t.id), t.lengthVersion, fmt.Sprintf("length of %s", t)); err != nil {
		return nil, err
	}

	items := make([]HashItem, 0, t.length)
	for key, entry := range t.entries {
		if _, pending := txn.hashWrites[hashSlot{table: t, key: key}]; pending {
			continue
		}

		if err := txn.observe(hashEntryKey(t.id, key), entry.version, fmt.Sprintf("key %q of %s", key, t)); err != nil {
			return nil, err
		}

		if !entry.value.IsNil() {
			items = append(items, HashItem{Key: []byte(key), Value: entry.value})
		}
	}

	for slot, value := range txn.hashWrites {
		if slot.table == t && !value.IsNil() {
			items = append(items, HashItem{Key: []byte(slot.key), Value: value})
		}
	}

	sort.Slice(items, func(i, j int) bool { return string(items[i].Key) < string(items[j].Key) })

	for _, item := range items {
		txn.see(item.Value)
	}

	return items, nil
}

// hashGet reads key, pending writes of the transaction first.
func (txn *Transaction) hashGet(t *Hashtable, key string) (layout.Handle, error) {
	if value, ok := txn.hashWrites[hashSlot{table: t, key: key}]; ok {
		return value, nil
	}

	h := txn.engine.heap
	h.RLock()
	defer h.RUnlock()

	return txn.committedEntry(t, key)
}

func (txn *Transaction) hashSet(t *Hashtable, key string, previous, value layout.Handle) {
	// Adding or removing a key changes the length other transactions may have read.
	if previous.IsNil() != value.IsNil() {
		txn.conflictKeys[hashLengthKey(t.id)] = struct{}{}
	}

	if txn.hashWrites == nil {
		txn.hashWrites = map[hashSlot]layout.Handle{}
	}
	txn.hashWrites[hashSlot{table: t, key: key}] = value
	txn.conflictKeys[hashEntryKey(t.id, key)] = struct{}{}
}

// committedEntry reads an entry as of the transaction's snapshot. The heap read lock must be held.
func (txn *Transaction) committedEntry(t *Hashtable, key string) (layout.Handle, error) {
	entryKey := hashEntryKey(t.id, key)
	entry, ok := t.entries[key]
	if !ok {
		txn.addRead(entryKey)
		return layout.Nil, nil
	}

	if err := txn.observe(entryKey, entry.version, fmt.Sprintf("key %q of %s", key, t)); err != nil {
		return layout.Nil, err
	}

	return entry.value, nil
}

func (txn *Transaction) checkTable(t *Hashtable) error {
	if err := txn.check(); err != nil {
		return err
	}

	if t == nil || t.engine != txn.engine {
		return errors.Errorf("%v does not belong to engine %s", t, txn.engine.id)
	}

	return nil
}
