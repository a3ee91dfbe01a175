package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMakeHandle(t *testing.T) {
	h := MakeHandle(41, 3)
	assert.False(t, h.IsNil())
	assert.Equal(t, uint32(41), h.Index())
	assert.Equal(t, uint32(3), h.Generation())
	assert.Equal(t, "#41.3", h.String())

	t.Run("index zero is not nil", func(t *testing.T) {
		h := MakeHandle(0, 0)
		assert.False(t, h.IsNil())
		assert.Equal(t, uint32(0), h.Index())
	})

	t.Run("max index", func(t *testing.T) {
		h := MakeHandle(MaxIndex, 1)
		assert.Equal(t, uint32(MaxIndex), h.Index())
		assert.Equal(t, uint32(1), h.Generation())
	})

	assert.Equal(t, "#nil", Nil.String())
}
