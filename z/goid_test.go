package z

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseGoroutineID(t *testing.T) {
	assert.Equal(t, int64(123), parseGoroutineID([]byte("goroutine 123 [running]:\nmain.main()")))
	assert.Equal(t, int64(0), parseGoroutineID([]byte("thread 123")))
	assert.Equal(t, int64(0), parseGoroutineID(nil))
}

func TestGoroutineID(t *testing.T) {
	self := GoroutineID()
	assert.NotZero(t, self)
	assert.Equal(t, self, GoroutineID())

	other := make(chan int64)
	go func() {
		other <- GoroutineID()
	}()
	assert.NotEqual(t, self, <-other)
}
