// Package sched implements the per-PCB scheduler context: a condition
// variable, waiter counter and interrupt flag combination that lets
// application threads sleep on a socket and be woken by protocol
// events or by a process-wide interrupt.
package sched

import (
	"errors"
	"sync"
)

// ErrInterrupted is returned by Sleep when the context was
// interrupted while a thread was waiting on it (EINTR).
var ErrInterrupted = errors.New("sched: interrupted")

// Context is the wait context attached to a UDP or TCP PCB. It is
// built on the same mutex the PCB's state transitions and buffer
// updates are guarded by, so Sleep can safely unlock that mutex while
// waiting and relock it on wakeup.
type Context struct {
	cond      *sync.Cond
	waiters   int
	interrupt bool
}

// NewContext builds a Context whose condition variable is bound to
// mu. mu must be the same mutex the caller holds across state
// changes it wants Sleep/Wake to synchronize with.
func NewContext(mu sync.Locker) *Context {
	return &Context{cond: sync.NewCond(mu)}
}

// Sleep must be called with the Context's mutex held. It records a
// waiter, unlocks the mutex while blocked, relocks it on wakeup, and
// returns ErrInterrupted if the context was interrupted while this
// call was asleep.
func (c *Context) Sleep() error {
	c.waiters++
	c.cond.Wait()
	c.waiters--
	if c.interrupt {
		return ErrInterrupted
	}
	return nil
}

// Wake broadcasts to every thread sleeping on c. Must be called with
// the Context's mutex held.
func (c *Context) Wake() {
	c.cond.Broadcast()
}

// Interrupt sets the interrupt flag and broadcasts, causing every
// current sleeper to return ErrInterrupted. A Sleep that starts while
// the flag is still set blocks until the next Wake or Interrupt and
// then returns ErrInterrupted; Reset clears the flag. Must be called
// with the Context's mutex held.
func (c *Context) Interrupt() {
	c.interrupt = true
	c.cond.Broadcast()
}

// Reset clears the interrupt flag, readying the context for reuse
// when its PCB is recycled. Must be called with the Context's mutex
// held.
func (c *Context) Reset() {
	c.interrupt = false
}

// Waiters returns the number of threads currently asleep in Sleep.
// Must be called with the Context's mutex held.
func (c *Context) Waiters() int {
	return c.waiters
}
