package z

import (
	"os"
	"sync"

	"github.com/pkg/errors"
)

type (
	// Closer holds the two things we need to close a goroutine and wait for it to finish: a chan to tell the goroutine
	// to shut down, and a WaitGroup with which to wait for it to finish shutting down.
	Closer struct {
		closed  chan struct{}
		waiting sync.WaitGroup
	}
)

// NewCloser constructs a new Closer, with an initial count on the WaitGroup.
func NewCloser(initial int) *Closer {
	c := &Closer{closed: make(chan struct{})}
	c.waiting.Add(initial)
	return c
}

// Signal signals the HasBeenClosed signal.
func (c *Closer) Signal() {
	close(c.closed)
}

// HasBeenClosed gets signaled when Signal() is called.
func (c *Closer) HasBeenClosed() <-chan struct{} {
	return c.closed
}

// Done calls Done() on the WaitGroup.
func (c *Closer) Done() {
	c.waiting.Done()
}

// Wait waits until Done was called once for every goroutine NewCloser was created with.
func (c *Closer) Wait() {
	c.waiting.Wait()
}

// SignalAndWait calls Signal(), then Wait().
func (c *Closer) SignalAndWait() {
	c.Signal()
	c.Wait()
}

// OpenReadOnlyFile opens an existing file for reading, errors if it doesn't exist.
func OpenReadOnlyFile(fileName string) (*os.File, error) {
	return os.OpenFile(fileName, os.O_RDONLY, 0)
}

// OpenTruncFile opens the file with O_RDWR | O_CREATE | O_TRUNC
func OpenTruncFile(fileName string) (*os.File, error) {
	return os.OpenFile(fileName, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
}

// FileSync calls os.File.Sync.
func FileSync(f *os.File) error {
	return f.Sync()
}

// Wrap attaches a stack trace to err. A nil err stays nil.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(err)
}

// Wrapf wraps err with a formatted message. A nil err stays nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}
