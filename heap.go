package stmgc

import (
	"sync"

	"github.com/elliotcourant/stmgc/layout"
)

const (
	stateFree objectState = iota
	statePrivate
	stateCommitted
)

type (
	objectState uint8

	// objectRecord is one arena slot.
	objectRecord struct {
		// generation is bumped every time the slot is freed, handles carry the generation they were issued for.
		generation uint32

		state  objectState
		typeID layout.TypeID

		// owner is the context whose in-flight transaction allocated the object. Only set while state is
		// statePrivate.
		owner *ThreadContext

		// version is the commit timestamp of the transaction that last wrote the object.
		version uint64

		// words is the object's memory. It is fully sized and zeroed before the handle is handed out.
		words []uint64

		// marked is only touched by the collector while the world is stopped.
		marked bool
	}

	// heap is the arena every object lives in, along with the committed roots and hashtables. Guarded by its own
	// lock. Transactional reads take the read lock, allocation, commit, abort and collection take the write lock.
	heap struct {
		sync.RWMutex

		objects []objectRecord
		free    []uint32

		// roots are the named references committed by transactions. A deleted root is kept as a Nil entry so that
		// its version still tells readers it changed.
		roots map[string]rootEntry

		// hashtables are never freed, they are roots for every handle they hold.
		hashtables []*Hashtable

		liveObjects    int
		committedBytes uint64
	}

	rootEntry struct {
		handle  layout.Handle
		version uint64
	}

	// objectView is what the introspector sees of an object: either its committed words or a transaction's private
	// copy of them.
	objectView struct {
		handle layout.Handle
		typeID layout.TypeID
		words  []uint64
	}
)

func newHeap() *heap {
	return &heap{
		objects: make([]objectRecord, 0, 1024),
		roots:   map[string]rootEntry{},
	}
}

// allocate creates a private object owned by owner. The write lock must be held.
func (h *heap) allocate(typeID layout.TypeID, words int, owner *ThreadContext) (layout.Handle, bool) {
	var index uint32
	if n := len(h.free); n > 0 {
		index = h.free[n-1]
		h.free = h.free[:n-1]
	} else {
		if uint64(len(h.objects)) > layout.MaxIndex {
			return layout.Nil, false
		}
		index = uint32(len(h.objects))
		h.objects = append(h.objects, objectRecord{})
	}

	record := &h.objects[index]
	record.state = statePrivate
	record.typeID = typeID
	record.owner = owner
	record.version = 0
	record.words = make([]uint64, words)
	record.marked = false
	h.liveObjects++

	return layout.MakeHandle(index, record.generation), true
}

// lookup returns the live record for handle. When verify is false the generation is not compared, only the index
// is bounds checked. The read lock must be held and the pointer must not be kept past releasing it.
func (h *heap) lookup(handle layout.Handle, verify bool) (*objectRecord, bool) {
	if handle.IsNil() {
		return nil, false
	}

	index := handle.Index()
	if int(index) >= len(h.objects) {
		return nil, false
	}

	record := &h.objects[index]
	if record.state == stateFree {
		return nil, false
	}

	if verify && record.generation != handle.Generation() {
		return nil, false
	}

	return record, true
}

// publish makes a private object committed visible. The write lock must be held.
func (h *heap) publish(record *objectRecord, version uint64) {
	record.state = stateCommitted
	record.owner = nil
	record.version = version
	h.committedBytes += uint64(len(record.words)) * layout.WordSize
}

// release frees the slot of handle. The write lock must be held.
func (h *heap) release(handle layout.Handle) {
	index := handle.Index()
	record := &h.objects[index]
	if record.state == stateCommitted {
		h.committedBytes -= uint64(len(record.words)) * layout.WordSize
	}

	record.generation++
	record.state = stateFree
	record.typeID = 0
	record.owner = nil
	record.words = nil
	record.marked = false
	h.free = append(h.free, index)
	h.liveObjects--
}

// clearMarks resets every mark bit. The write lock must be held.
func (h *heap) clearMarks() {
	for i := range h.objects {
		h.objects[i].marked = false
	}
}

func (v *objectView) Handle() layout.Handle {
	return v.handle
}

func (v *objectView) Type() layout.TypeID {
	return v.typeID
}

func (v *objectView) Word(offset uint32) uint64 {
	return v.words[offset/layout.WordSize]
}

func (v *objectView) SetWord(offset uint32, value uint64) {
	v.words[offset/layout.WordSize] = value
}
