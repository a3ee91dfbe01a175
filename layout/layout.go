package layout

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

const (
	// WordSize is the size of one object word. Object sizes and reference offsets are in bytes but always word
	// aligned.
	WordSize = 8
)

var (
	// ErrInvalidLayout is returned when a layout has a size or reference offset that cannot describe a real object.
	ErrInvalidLayout = errors.New("invalid layout")

	// ErrRegistryFrozen is returned when registering a layout after the registry was handed to an engine.
	ErrRegistryFrozen = errors.New("layout registry is frozen")
)

type (
	// TypeID identifies a registered layout. Zero is never assigned.
	TypeID uint32

	// Layout describes how objects of one type are laid out.
	Layout struct {
		// Name is only used for diagnostics.
		Name string

		// Size is the number of bytes an object of this type occupies.
		Size uint64

		// RefOffsets are the byte offsets of the words holding references, in ascending order.
		RefOffsets []uint32
	}

	// Object is the view of a validated handle given to an Introspector. Offsets are in bytes and word aligned.
	Object interface {
		Handle() Handle
		Type() TypeID
		Word(offset uint32) uint64
		SetWord(offset uint32, value uint64)
	}

	// Visitor is invoked once per reference slot during a trace. It receives the current value of the slot and
	// returns the value to store back, a collector that moves objects returns the new location. Visitors must not
	// block, start a collection or begin a transaction.
	Visitor func(ref Handle) Handle

	// Introspector answers the two questions the collector has about an object: how many bytes it occupies and
	// which of its slots hold references. It is implemented by the host runtime and set once when the engine is
	// opened. Both methods must be pure functions of the object's layout.
	Introspector interface {
		SizeOf(obj Object) uint64
		Trace(obj Object, visit Visitor)
	}

	// Sizer is optionally implemented by an Introspector that can size a type before any object of it exists. The
	// engine uses it to allocate by type alone.
	Sizer interface {
		TypeSize(id TypeID) (uint64, bool)
	}

	// RefSlots is optionally implemented by an Introspector that can tell reference slots apart from plain words
	// without an object. The engine uses it to reject LoadRef and StoreRef on words that are not references.
	RefSlots interface {
		IsRef(id TypeID, offset uint32) bool
	}
)

// Words is the number of words an object of this layout occupies.
func (l Layout) Words() int {
	return int(l.Size / WordSize)
}

// Validate checks that the size is word aligned and the reference offsets are word aligned, in bounds and strictly
// ascending.
func (l Layout) Validate() error {
	if len(l.Name) > math.MaxUint16 {
		return errors.Wrapf(ErrInvalidLayout, "name of %d bytes is too long", len(l.Name))
	}

	if l.Size%WordSize != 0 {
		return errors.Wrapf(ErrInvalidLayout, "%s: size %d is not a multiple of %d", l.Name, l.Size, WordSize)
	}

	for i, offset := range l.RefOffsets {
		if offset%WordSize != 0 {
			return errors.Wrapf(ErrInvalidLayout, "%s: offset %d is not word aligned", l.Name, offset)
		}

		if uint64(offset)+WordSize > l.Size {
			return errors.Wrapf(ErrInvalidLayout, "%s: offset %d is outside of %d bytes", l.Name, offset, l.Size)
		}

		if i > 0 && offset <= l.RefOffsets[i-1] {
			return errors.Wrapf(ErrInvalidLayout, "%s: offsets must be strictly ascending", l.Name)
		}
	}

	return nil
}

// IsRef is true when offset is one of the layout's reference slots.
func (l Layout) IsRef(offset uint32) bool {
	i := sort.Search(len(l.RefOffsets), func(i int) bool { return l.RefOffsets[i] >= offset })
	return i < len(l.RefOffsets) && l.RefOffsets[i] == offset
}

func (l Layout) String() string {
	offsets := make([]string, len(l.RefOffsets))
	for i, offset := range l.RefOffsets {
		offsets[i] = fmt.Sprint(offset)
	}

	return fmt.Sprintf("%s(size=%d refs=[%s])", l.Name, l.Size, strings.Join(offsets, " "))
}
