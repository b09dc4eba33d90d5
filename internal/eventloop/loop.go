// Package eventloop runs closures one at a time on a single goroutine.
//
// All job state of a process is owned by its loop. Other goroutines never
// touch that state directly; they Post a closure instead.
package eventloop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type Loop struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake chan struct{}
	done chan struct{}
}

func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post schedules fn to run on the loop. It never blocks and reports false
// once the loop has been stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Run executes posted closures in order until Stop is called or ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)

	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		stopped := l.stopped
		l.mu.Unlock()

		for _, fn := range batch {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fn()
			if l.isStopped() {
				return nil
			}
		}
		if stopped {
			return nil
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Stop makes Run return after the closure currently executing.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed when Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

// Timer is a one-shot callback executed on the loop.
type Timer struct {
	t    *time.Timer
	done atomic.Bool
}

// AfterFunc runs fn on the loop after d unless the timer is stopped first.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	tm := &Timer{}
	tm.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if tm.done.CompareAndSwap(false, true) {
				fn()
			}
		})
	})
	return tm
}

// Stop cancels the timer. It reports false if the callback already ran or the
// timer was stopped before. Stopping a nil timer is a no-op.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	t.t.Stop()
	return t.done.CompareAndSwap(false, true)
}

// Ticker repeatedly posts a callback to the loop.
type Ticker struct {
	t       *time.Ticker
	quit    chan struct{}
	stopped atomic.Bool
}

// Every runs fn on the loop once per interval until the ticker is stopped.
func (l *Loop) Every(d time.Duration, fn func()) *Ticker {
	tk := &Ticker{t: time.NewTicker(d), quit: make(chan struct{})}
	go func() {
		for {
			select {
			case <-tk.quit:
				return
			case <-tk.t.C:
				l.Post(func() {
					if !tk.stopped.Load() {
						fn()
					}
				})
			}
		}
	}()
	return tk
}

func (t *Ticker) Stop() {
	if t == nil {
		return
	}
	if t.stopped.CompareAndSwap(false, true) {
		t.t.Stop()
		close(t.quit)
	}
}
