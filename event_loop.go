package mqttclient

import (
	"sync"
	"time"
)

// TimerID identifies a periodic handler registered on an EventLoop.
type TimerID uint64

// EventLoop runs tasks one at a time, in the order they were issued, on a
// single goroutine. Periodic handlers post their task onto the same queue,
// so nothing registered on a loop ever runs concurrently with another task.
type EventLoop struct {
	mu      sync.Mutex
	tasks   []func()
	started bool
	closed  bool
	timers  map[TimerID]chan struct{}
	nextID  TimerID

	notify chan struct{}
	quit   chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewEventLoop creates a stopped event loop. Tasks issued before Start
// are kept and run once the loop starts.
func NewEventLoop() *EventLoop {
	return &EventLoop{
		timers: make(map[TimerID]chan struct{}),
		notify: make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the loop goroutine. Calling it more than once has no effect.
func (l *EventLoop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started || l.closed {
		return
	}
	l.started = true

	go l.run()
}

func (l *EventLoop) run() {
	defer close(l.done)

	for {
		select {
		case <-l.notify:
			l.drain()
		case <-l.quit:
			l.drain()
			return
		}
	}
}

func (l *EventLoop) drain() {
	for {
		l.mu.Lock()
		tasks := l.tasks
		l.tasks = nil
		l.mu.Unlock()

		if len(tasks) == 0 {
			return
		}
		for _, task := range tasks {
			task()
		}
	}
}

// Issue queues fn. It never blocks and is safe to call from a running task.
func (l *EventLoop) Issue(fn func()) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
	return nil
}

// Call queues fn and waits for its result.
// It must not be used from a task running on the same loop.
func (l *EventLoop) Call(fn func() error) error {
	result := make(chan error, 1)
	if err := l.Issue(func() { result <- fn() }); err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-l.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrClosed
		}
	}
}

// RegisterPeriodic issues fn every period until the returned timer is
// unregistered or the loop stops. The first run happens one period from now.
func (l *EventLoop) RegisterPeriodic(period time.Duration, fn func()) (TimerID, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, ErrClosed
	}
	l.nextID++
	id := l.nextID
	stop := make(chan struct{})
	l.timers[id] = stop
	l.wg.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.wg.Done()

		ticker := time.NewTicker(period)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				// A tick queued before Unregister must not run after it.
				_ = l.Issue(func() {
					if l.registered(id) {
						fn()
					}
				})
			}
		}
	}()

	return id, nil
}

// Unregister stops a periodic handler. Returns false if id is unknown.
func (l *EventLoop) Unregister(id TimerID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	stop, ok := l.timers[id]
	if !ok {
		return false
	}
	delete(l.timers, id)
	close(stop)
	return true
}

func (l *EventLoop) registered(id TimerID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.timers[id]
	return ok
}

// Stop rejects new tasks, cancels all timers and lets the loop run the tasks
// already queued before it exits. It does not wait for the loop goroutine;
// use Done for that.
func (l *EventLoop) Stop() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	for id, stop := range l.timers {
		delete(l.timers, id)
		close(stop)
	}
	started := l.started
	l.mu.Unlock()

	close(l.quit)
	if !started {
		close(l.done)
	}
	l.wg.Wait()
}

// Done is closed once the loop goroutine has exited.
func (l *EventLoop) Done() <-chan struct{} {
	return l.done
}
