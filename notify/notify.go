// Package notify provides the wake-up primitives shared by the faulting
// threads and the background workers.
package notify

import "sync"

// A Pulse wakes every waiter that took its channel before Broadcast was
// called. Waiters take the channel first, then check their condition, then
// wait, so a broadcast that happens in between is never lost.
type Pulse struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewPulse creates a Pulse.
func NewPulse() *Pulse {
	return &Pulse{ch: make(chan struct{})}
}

// C returns the channel that the next Broadcast closes.
func (p *Pulse) C() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.ch
}

// Broadcast wakes all current waiters.
func (p *Pulse) Broadcast() {
	p.mu.Lock()
	defer p.mu.Unlock()

	close(p.ch)
	p.ch = make(chan struct{})
}

// A Flag is an auto-reset event. Any number of Set calls before a waiter
// consumes the flag wake exactly one waiter.
type Flag struct {
	ch chan struct{}
}

// NewFlag creates a cleared Flag.
func NewFlag() *Flag {
	return &Flag{ch: make(chan struct{}, 1)}
}

// Set raises the flag.
func (f *Flag) Set() {
	select {
	case f.ch <- struct{}{}:
	default:
	}
}

// C returns the channel a waiter receives from to consume the flag.
func (f *Flag) C() <-chan struct{} {
	return f.ch
}

// An Exit is closed once, when the system shuts down.
type Exit struct {
	once sync.Once
	ch   chan struct{}
}

// NewExit creates an open Exit.
func NewExit() *Exit {
	return &Exit{ch: make(chan struct{})}
}

// Close signals every waiter. Calling it again has no effect.
func (e *Exit) Close() {
	e.once.Do(func() { close(e.ch) })
}

// Done returns a channel closed on exit.
func (e *Exit) Done() <-chan struct{} {
	return e.ch
}

// Closed tells whether Close has been called.
func (e *Exit) Closed() bool {
	select {
	case <-e.ch:
		return true
	default:
		return false
	}
}
