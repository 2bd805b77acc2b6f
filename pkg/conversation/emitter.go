package conversation

import (
	"log/slog"
	"sort"
	"sync"

	"companion/pkg/api"
)

// emitter delivers events in publish order from its own goroutine. The
// queue is unbounded so the orchestrator loop never waits on a subscriber.
type emitter struct {
	mu     sync.Mutex
	queue  []api.Event
	subs   map[int]func(api.Event)
	nextID int

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

func newEmitter() *emitter {
	e := &emitter{
		subs: make(map[int]func(api.Event)),
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *emitter) subscribe(fn func(api.Event)) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.subs[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

func (e *emitter) publish(ev api.Event) {
	e.mu.Lock()
	e.queue = append(e.queue, ev)
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *emitter) run() {
	defer close(e.done)
	for {
		if e.deliver() {
			continue
		}
		select {
		case <-e.wake:
		case <-e.quit:
			for e.deliver() {
			}
			return
		}
	}
}

// deliver sends the queued batch and reports whether there was one.
func (e *emitter) deliver() bool {
	e.mu.Lock()
	batch := e.queue
	e.queue = nil
	ids := make([]int, 0, len(e.subs))
	for id := range e.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]func(api.Event), len(ids))
	for i, id := range ids {
		subs[i] = e.subs[id]
	}
	e.mu.Unlock()

	for _, ev := range batch {
		for _, fn := range subs {
			call(fn, ev)
		}
	}
	return len(batch) > 0
}

func call(fn func(api.Event), ev api.Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Event subscriber panicked", "event", ev.Type, "panic", r)
		}
	}()
	fn(ev)
}

// close delivers what is queued and stops the goroutine.
func (e *emitter) close() {
	e.once.Do(func() { close(e.quit) })
	<-e.done
}
