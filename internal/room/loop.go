package room

import "sync"

// loop runs posted tasks one at a time on its own goroutine. The queue is
// unbounded so callbacks from the channel and the media library never block.
type loop struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake chan struct{}
	done chan struct{}
}

func newLoop() *loop {
	return &loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (l *loop) Post(fn func()) {
	l.tryPost(fn)
}

// tryPost reports false once the loop is stopped.
func (l *loop) tryPost(fn func()) bool {
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

func (l *loop) run() {
	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			queue := l.queue
			l.queue = nil
			stopped := l.stopped
			l.mu.Unlock()

			if len(queue) == 0 || stopped {
				break
			}
			for _, fn := range queue {
				fn()
			}
		}
	}
}

// stop drops queued tasks. It may be called from a task.
func (l *loop) stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return
	}
	l.stopped = true
	l.queue = nil
	close(l.done)
}
