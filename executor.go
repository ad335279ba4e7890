package netmux

import (
	"sync"

	"github.com/joy-dx/netmux/dto"
)

var (
	_ dto.Executor = (*SerialQueue)(nil)
	_ dto.Executor = Inline{}
	_ dto.Executor = ExecutorFunc(nil)
)

// SerialQueue runs submitted funcs one at a time, in submission order, on a
// dedicated goroutine. Execute never blocks the caller.
type SerialQueue struct {
	mu      sync.Mutex
	pending []func()
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

func NewSerialQueue() *SerialQueue {
	q := &SerialQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

// Execute enqueues fn. After Close, fn runs on the calling goroutine.
func (q *SerialQueue) Execute(fn func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		fn()
		return
	}
	q.pending = append(q.pending, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Close drains what is already queued and stops the worker. It must not be
// called from a func running on the queue.
func (q *SerialQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	<-q.done
}

func (q *SerialQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.wake
			continue
		}
		fn := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		fn()
	}
}

// Inline runs handlers on the goroutine delivering the event.
type Inline struct{}

func (Inline) Execute(fn func()) { fn() }

// ExecutorFunc adapts a plain func, e.g. one posting onto a UI loop.
type ExecutorFunc func(fn func())

func (f ExecutorFunc) Execute(fn func()) { f(fn) }
