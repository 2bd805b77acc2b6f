package plugin

import (
	"context"
	"sync"
	"time"

	"companion/pkg/api"
)

type startResult struct {
	started bool
	err     error
}

type startTask struct {
	ctx  context.Context
	name string
	opts api.Options
	done chan startResult
}

// startQueue runs online requests one at a time, in arrival order, with a
// fixed pause between two tasks. Each task reports on its own channel.
type startQueue struct {
	mu      sync.Mutex
	tasks   []*startTask
	running bool
	delay   time.Duration
	run     func(ctx context.Context, name string, opts api.Options) (bool, error)
}

func newStartQueue(delay time.Duration, run func(ctx context.Context, name string, opts api.Options) (bool, error)) *startQueue {
	return &startQueue{delay: delay, run: run}
}

func (q *startQueue) setDelay(d time.Duration) {
	q.mu.Lock()
	q.delay = d
	q.mu.Unlock()
}

func (q *startQueue) enqueue(ctx context.Context, name string, opts api.Options) *startTask {
	t := &startTask{ctx: ctx, name: name, opts: opts, done: make(chan startResult, 1)}

	q.mu.Lock()
	q.tasks = append(q.tasks, t)
	if !q.running {
		q.running = true
		go q.work()
	}
	q.mu.Unlock()
	return t
}

func (q *startQueue) work() {
	first := true
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		t := q.tasks[0]
		q.tasks = q.tasks[1:]
		delay := q.delay
		q.mu.Unlock()

		if !first && delay > 0 {
			time.Sleep(delay)
		}
		first = false

		if err := t.ctx.Err(); err != nil {
			t.done <- startResult{err: err}
			continue
		}
		started, err := q.run(t.ctx, t.name, t.opts)
		t.done <- startResult{started: started, err: err}
	}
}

// wait 等待任務完成，或 ctx 結束
func (t *startTask) wait(ctx context.Context) (bool, error) {
	select {
	case r := <-t.done:
		return r.started, r.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
