package z

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
)

type (
	// Throttle runs at most max workers at a time and keeps every error they report. Workers never block when they
	// finish, so a caller holding locks the workers do not need can always wait for them with Finish.
	Throttle struct {
		slots     chan struct{}
		waitGroup sync.WaitGroup

		lock   sync.Mutex
		errors []error

		once        sync.Once
		finishError error
	}
)

// NewThrottle creates a throttle for max concurrent workers.
func NewThrottle(max int) *Throttle {
	AssertTruef(max > 0, "throttle: %d workers", max)
	return &Throttle{
		slots: make(chan struct{}, max),
	}
}

// Do must be called before starting a worker. It blocks while max workers are running, and fails without starting
// anything once a worker reported an error.
func (t *Throttle) Do() error {
	if err := t.firstError(); err != nil {
		return err
	}

	t.slots <- struct{}{}
	t.waitGroup.Add(1)
	return nil
}

// Done must be called by every worker started by Do, with the error it ran into if any.
func (t *Throttle) Done(err error) {
	if err != nil {
		t.lock.Lock()
		t.errors = append(t.errors, err)
		t.lock.Unlock()
	}

	select {
	case <-t.slots:
	default:
		Fatalf(ErrProtocolViolation, "throttle: Done called without a matching Do")
	}

	t.waitGroup.Done()
}

// Finish waits for every started worker and returns what they reported: nil, the only error, or one error listing
// all of them. Later calls return the same result without waiting again.
func (t *Throttle) Finish() error {
	t.once.Do(func() {
		t.waitGroup.Wait()

		t.lock.Lock()
		defer t.lock.Unlock()

		switch len(t.errors) {
		case 0:
		case 1:
			t.finishError = t.errors[0]
		default:
			messages := make([]string, len(t.errors))
			for i, err := range t.errors {
				messages[i] = err.Error()
			}
			t.finishError = errors.Errorf("%d workers failed: %s", len(t.errors), strings.Join(messages, "; "))
		}
	})

	return t.finishError
}

func (t *Throttle) firstError() error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if len(t.errors) > 0 {
		return t.errors[0]
	}

	return nil
}
