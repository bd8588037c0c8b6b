// SPDX-License-Identifier: GPL-2.0-only

package event

import (
	"context"
	"sync"
	"time"
)

// Loop runs posted functions one at a time on a single goroutine. State only
// touched from posted functions needs no locking.
type Loop struct {
	mtx     sync.Mutex
	pending []func() error
	wake    chan struct{}

	stop     chan struct{}
	stopOnce sync.Once
}

func NewLoop() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
}

// Post queues fn. It never blocks and may be called from any goroutine,
// including from a posted function.
func (l *Loop) Post(fn func() error) {
	l.mtx.Lock()
	l.pending = append(l.pending, fn)
	l.mtx.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// AfterFunc posts fn once d has elapsed. The returned function cancels the
// timer and reports whether it did so before fn was posted.
func (l *Loop) AfterFunc(d time.Duration, fn func() error) func() bool {
	t := time.AfterFunc(d, func() {
		l.Post(fn)
	})
	return t.Stop
}

// Run executes posted functions in order until one of them fails, ctx is
// done or Stop is called. Functions still queued at that point are dropped.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.mtx.Lock()
		batch := l.pending
		l.pending = nil
		l.mtx.Unlock()

		for _, fn := range batch {
			if err := fn(); err != nil {
				return err
			}
			select {
			case <-l.stop:
				return nil
			default:
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-l.stop:
			return nil
		case <-l.wake:
		}
	}
}

// Stop makes Run return after the function it is currently executing.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		close(l.stop)
	})
}
