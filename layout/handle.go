package layout

import "fmt"

const (
	// Nil is the zero handle. It never names an object.
	Nil Handle = 0

	// MaxIndex is the largest arena slot index a handle can carry.
	MaxIndex = 1<<32 - 2
)

type (
	// Handle is an opaque reference to one heap object. The low 32 bits are the arena slot index plus one, so that
	// the zero value is Nil. The high 32 bits are the generation of the slot, which is bumped every time the slot is
	// freed. A handle whose generation no longer matches its slot is stale.
	Handle uint64
)

// MakeHandle builds the handle for the given slot index and generation.
func MakeHandle(index, generation uint32) Handle {
	return Handle(uint64(generation)<<32 | uint64(index+1))
}

// IsNil is true for the zero handle.
func (h Handle) IsNil() bool {
	return h == Nil
}

// Index is the arena slot of the handle. It is meaningless for Nil.
func (h Handle) Index() uint32 {
	return uint32(h) - 1
}

// Generation is the slot generation the handle was issued for.
func (h Handle) Generation() uint32 {
	return uint32(h >> 32)
}

func (h Handle) String() string {
	if h.IsNil() {
		return "#nil"
	}

	return fmt.Sprintf("#%d.%d", h.Index(), h.Generation())
}
