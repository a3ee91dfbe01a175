package layout

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/elliotcourant/stmgc/z"
	"github.com/pkg/errors"
)

type (
	// Registry is the host runtime's table of object layouts and the default Introspector. Layouts are registered
	// while the runtime starts up, then the registry is frozen when an engine is opened with it. After that it is
	// never written again and lookups take no locks.
	Registry struct {
		// frozen is set once by Freeze, accessed via atomics.
		frozen uint32

		// Guards layouts until the registry is frozen.
		lock sync.RWMutex

		// layouts[i] is the layout for TypeID(i+1).
		layouts []Layout
	}
)

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register validates and adds a layout. The returned ids are assigned sequentially starting at 1.
func (r *Registry) Register(l Layout) (TypeID, error) {
	if err := l.Validate(); err != nil {
		return 0, err
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	if r.IsFrozen() {
		return 0, errors.Wrapf(ErrRegistryFrozen, "while registering %s", l.Name)
	}

	// Keep our own copy of the offsets so that the caller cannot change a layout after registering it.
	l.RefOffsets = append([]uint32(nil), l.RefOffsets...)
	r.layouts = append(r.layouts, l)

	return TypeID(len(r.layouts)), nil
}

// MustRegister is Register for static layout tables, it panics on error.
func (r *Registry) MustRegister(l Layout) TypeID {
	id, err := r.Register(l)
	if err != nil {
		panic(err)
	}

	return id
}

// Freeze makes the registry immutable. It is safe to call more than once.
func (r *Registry) Freeze() {
	r.lock.Lock()
	atomic.StoreUint32(&r.frozen, 1)
	r.lock.Unlock()
}

// IsFrozen reports whether Freeze has been called.
func (r *Registry) IsFrozen() bool {
	return atomic.LoadUint32(&r.frozen) == 1
}

// Lookup returns the layout registered for id.
func (r *Registry) Lookup(id TypeID) (Layout, bool) {
	if !r.IsFrozen() {
		r.lock.RLock()
		defer r.lock.RUnlock()
	}

	if id == 0 || int(id) > len(r.layouts) {
		return Layout{}, false
	}

	return r.layouts[id-1], true
}

// Len is the number of registered layouts.
func (r *Registry) Len() int {
	if !r.IsFrozen() {
		r.lock.RLock()
		defer r.lock.RUnlock()
	}

	return len(r.layouts)
}

// Layouts returns a copy of every registered layout in TypeID order.
func (r *Registry) Layouts() []Layout {
	if !r.IsFrozen() {
		r.lock.RLock()
		defer r.lock.RUnlock()
	}

	return append([]Layout(nil), r.layouts...)
}

// TypeSize implements Sizer.
func (r *Registry) TypeSize(id TypeID) (uint64, bool) {
	l, ok := r.Lookup(id)
	return l.Size, ok
}

// IsRef implements RefSlots. Unknown types have no reference slots.
func (r *Registry) IsRef(id TypeID, offset uint32) bool {
	l, ok := r.Lookup(id)
	return ok && l.IsRef(offset)
}

// SizeOf implements Introspector. An object of a type that was never registered means the heap is corrupted, there
// is nothing sensible to return so this is fatal.
func (r *Registry) SizeOf(obj Object) uint64 {
	return r.mustLookup("size_of", obj).Size
}

// Trace implements Introspector. Every reference slot is visited exactly once and in ascending offset order. Slots
// holding Nil are visited too, skipping them is up to the visitor.
func (r *Registry) Trace(obj Object, visit Visitor) {
	l := r.mustLookup("trace", obj)
	for _, offset := range l.RefOffsets {
		ref := Handle(obj.Word(offset))
		if moved := visit(ref); moved != ref {
			obj.SetWord(offset, uint64(moved))
		}
	}
}

func (r *Registry) mustLookup(operation string, obj Object) Layout {
	l, ok := r.Lookup(obj.Type())
	if !ok {
		z.Fatalf(
			z.ErrHeapCorruption,
			"%s: object %s has type %d which is not in the layout registry %s",
			operation,
			obj.Handle(),
			obj.Type(),
			r,
		)
	}

	return l
}

func (r *Registry) String() string {
	layouts := r.Layouts()
	entries := make([]string, len(layouts))
	for i, l := range layouts {
		entries[i] = fmt.Sprintf("%d:%s", i+1, l)
	}

	return fmt.Sprintf("[%d layouts: %s]", len(layouts), strings.Join(entries, ", "))
}
