package stmgc

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elliotcourant/timber"
	"github.com/pkg/errors"
)

type (
	// safepoints coordinates stopping the world. Every registered context polls it at transaction boundaries,
	// allocations and every few loads and stores. A collection sets requested and then waits until every context
	// other than its own is either parked at a poll or inside a safe region.
	safepoints struct {
		// requested is set while a collection wants the world stopped. It is read with a single atomic load on the
		// polling fast path.
		requested int32

		// stopped is set while the collector is running, every context is parked while it is set.
		stopped int32

		// Guards contexts, collector, collections and the parked and inSafeRegion fields of every context.
		lock sync.Mutex
		cond *sync.Cond

		contexts    map[uint64]*ThreadContext
		collector   *ThreadContext
		collections uint64
	}
)

func newSafepoints() *safepoints {
	s := &safepoints{
		contexts: map[uint64]*ThreadContext{},
	}
	s.cond = sync.NewCond(&s.lock)

	return s
}

func (s *safepoints) add(c *ThreadContext) {
	s.lock.Lock()
	s.contexts[c.id] = c
	s.lock.Unlock()
}

func (s *safepoints) remove(c *ThreadContext) {
	s.lock.Lock()
	delete(s.contexts, c.id)
	// A collection may be waiting on this context.
	s.cond.Broadcast()
	s.lock.Unlock()
}

func (s *safepoints) registered() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.contexts)
}

func (s *safepoints) broadcast() {
	s.lock.Lock()
	s.cond.Broadcast()
	s.lock.Unlock()
}

func (s *safepoints) worldStopped() bool {
	return atomic.LoadInt32(&s.stopped) == 1
}

// poll parks c if a collection has been requested.
func (s *safepoints) poll(c *ThreadContext) {
	if atomic.LoadInt32(&s.requested) == 0 {
		return
	}

	s.lock.Lock()
	s.waitForResume(c, &c.parked)
	s.lock.Unlock()
}

func (s *safepoints) enterSafeRegion(c *ThreadContext) {
	s.lock.Lock()
	c.inSafeRegion = true
	s.cond.Broadcast()
	s.lock.Unlock()
}

// leaveSafeRegion blocks while a collection is running, c must not touch the heap until it is over.
func (s *safepoints) leaveSafeRegion(c *ThreadContext) {
	s.lock.Lock()
	for atomic.LoadInt32(&s.requested) == 1 && s.collector != c {
		s.cond.Wait()
	}
	c.inSafeRegion = false
	s.lock.Unlock()
}

// waitForResume sets flag while the world is requested to stop and waits for it to resume. The lock must be held.
func (s *safepoints) waitForResume(c *ThreadContext, flag *bool) {
	for atomic.LoadInt32(&s.requested) == 1 && (c == nil || s.collector != c) {
		*flag = true
		s.cond.Broadcast()
		s.cond.Wait()
	}
	*flag = false
}

// stopTheWorld requests a collection on behalf of self, which is nil when the collecting goroutine is not
// registered. When another collection is already under way self parks until it is over and stopTheWorld reports
// that no collection of its own is needed. Otherwise it returns the registered contexts once all of them are
// stopped, and the caller must call resumeTheWorld.
func (s *safepoints) stopTheWorld(
	ctx context.Context,
	self *ThreadContext,
	warnAfter time.Duration,
) (contexts []*ThreadContext, collected bool, err error) {
	// cond.Wait cannot select on ctx.Done, so wake the waiters up when it fires.
	stopWaking := context.AfterFunc(ctx, s.broadcast)
	defer stopWaking()

	s.lock.Lock()
	defer s.lock.Unlock()

	if atomic.LoadInt32(&s.requested) == 1 {
		var parked bool
		flag := &parked
		if self != nil {
			flag = &self.parked
		}
		s.waitForResume(self, flag)

		return nil, true, nil
	}

	atomic.StoreInt32(&s.requested, 1)
	s.collector = self

	warnTimer := time.AfterFunc(warnAfter, s.broadcast)
	defer warnTimer.Stop()

	started := time.Now()
	warned := false
	for {
		running := s.running(self)
		if len(running) == 0 {
			break
		}

		if ctx.Err() != nil {
			atomic.StoreInt32(&s.requested, 0)
			s.collector = nil
			s.cond.Broadcast()

			return nil, false, errors.Wrapf(
				ErrCollectionCanceled,
				"%d threads did not reach a safepoint: %s",
				len(running),
				describeContexts(running),
			)
		}

		if waited := time.Since(started); !warned && waited >= warnAfter {
			warned = true
			timber.Warningf(
				"collection has waited %s for %d threads to reach a safepoint: %s",
				waited,
				len(running),
				describeContexts(running),
			)
		}

		s.cond.Wait()
	}

	contexts = make([]*ThreadContext, 0, len(s.contexts))
	for _, c := range s.contexts {
		contexts = append(contexts, c)
	}
	sort.Slice(contexts, func(i, j int) bool { return contexts[i].id < contexts[j].id })

	atomic.StoreInt32(&s.stopped, 1)

	return contexts, false, nil
}

func (s *safepoints) resumeTheWorld() {
	s.lock.Lock()
	atomic.StoreInt32(&s.stopped, 0)
	atomic.StoreInt32(&s.requested, 0)
	s.collector = nil
	s.collections++
	s.cond.Broadcast()
	s.lock.Unlock()
}

// running returns the contexts that are neither parked nor in a safe region. The lock must be held.
func (s *safepoints) running(self *ThreadContext) []*ThreadContext {
	running := make([]*ThreadContext, 0)
	for _, c := range s.contexts {
		if c == self || c.parked || c.inSafeRegion {
			continue
		}
		running = append(running, c)
	}

	return running
}

func describeContexts(contexts []*ThreadContext) string {
	descriptions := make([]string, len(contexts))
	for i, c := range contexts {
		descriptions[i] = c.String()
	}
	sort.Strings(descriptions)

	return fmt.Sprintf("[%s]", strings.Join(descriptions, ", "))
}
