package stmgc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafepoints_Join(t *testing.T) {
	s := newSafepoints()

	contexts, joined, err := s.stopTheWorld(context.Background(), nil, time.Second)
	require.NoError(t, err)
	assert.False(t, joined)
	assert.Empty(t, contexts)
	assert.True(t, s.worldStopped())

	second := make(chan bool, 1)
	go func() {
		_, joined, err := s.stopTheWorld(context.Background(), nil, time.Second)
		assert.NoError(t, err)
		second <- joined
	}()

	select {
	case <-second:
		t.Fatal("second collection did not wait for the first one")
	case <-time.After(10 * time.Millisecond):
	}

	s.resumeTheWorld()
	assert.True(t, <-second)
	assert.False(t, s.worldStopped())
	assert.Equal(t, uint64(1), s.collections)
}

func TestSafepoints_SafeRegion(t *testing.T) {
	e, _ := newTestEngine(t)

	entered := make(chan struct{})
	left := make(chan struct{})
	release := make(chan struct{})
	done := onThread(e, func(other *ThreadContext) {
		other.EnterSafeRegion()
		close(entered)
		<-release
		other.LeaveSafeRegion()
		close(left)
	})

	<-entered
	contexts, _, err := e.safepoints.stopTheWorld(context.Background(), nil, time.Second)
	require.NoError(t, err)
	require.Len(t, contexts, 1)

	// Leaving the safe region blocks until the world resumes.
	close(release)
	select {
	case <-left:
		t.Fatal("left the safe region while the world was stopped")
	case <-time.After(10 * time.Millisecond):
	}

	e.safepoints.resumeTheWorld()
	<-left
	require.Nil(t, <-done)
}
