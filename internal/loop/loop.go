// Package loop runs game-state mutations on a single goroutine.
//
// Every component that touches delivery cursors, the readiness gate or the
// local world does so from a task posted here. Network goroutines never
// mutate that state directly.
package loop

import (
	"context"
	"errors"
	"sync"
)

var ErrStopped = errors.New("loop stopped")

type Loop struct {
	inbox chan func()

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// frame is only touched from the loop goroutine.
	frame []func()
}

func New(buffer int) *Loop {
	if buffer <= 0 {
		buffer = 256
	}
	return &Loop{
		inbox: make(chan func(), buffer),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Post queues fn for the loop goroutine. It blocks while the inbox is full and
// returns false once the loop is stopped. Tasks already running on the loop
// must use AfterFrame instead.
func (l *Loop) Post(fn func()) bool {
	if fn == nil {
		return true
	}
	select {
	case <-l.stop:
		return false
	default:
	}
	select {
	case l.inbox <- fn:
		return true
	case <-l.stop:
		return false
	}
}

// AfterFrame defers fn until the current task has finished. Must only be
// called from the loop goroutine.
func (l *Loop) AfterFrame(fn func()) {
	if fn == nil {
		return
	}
	l.frame = append(l.frame, fn)
}

// Do runs fn on the loop and waits for it (including its end-of-frame work).
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !l.Post(func() {
		fn()
		l.AfterFrame(func() { close(done) })
	}) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stop:
		return ErrStopped
	}
}

func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stop:
			return nil
		case fn := <-l.inbox:
			l.runTask(fn)
		}
	}
}

func (l *Loop) runTask(fn func()) {
	fn()
	for len(l.frame) > 0 {
		pending := l.frame
		l.frame = nil
		for _, f := range pending {
			f()
		}
	}
}

// Stop ends Run after the current task. Safe to call more than once.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} { return l.done }
