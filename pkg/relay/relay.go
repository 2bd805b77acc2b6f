// Package relay wraps one upstream model stream with uniform
// data/end/error/abort events and a cooperative stop handle.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"companion/pkg/api"
	"companion/pkg/llm"
)

// Kind 事件種類
type Kind string

const (
	KindData  Kind = "data"
	KindEnd   Kind = "end"
	KindError Kind = "error"
	KindAbort Kind = "abort"
)

// Event is one relayed item. Exactly one End, Error or Abort closes a relay.
type Event struct {
	Kind  Kind
	Text  string
	Err   error
	Usage *llm.LLMUsage
}

// Requester asks a plugin for the stream handle.
// *plugin.Dispatcher satisfies it.
type Requester interface {
	Call(ctx context.Context, name string, data any) (any, error)
}

// Relay relays a single stream. It is not reusable.
type Relay struct {
	requester Requester
	plugin    string

	out  chan Event
	done chan struct{}

	mu       sync.Mutex
	started  bool
	stopped  bool
	finished bool
	cancel   context.CancelFunc
	upstream llm.ChunkStream
}

// New creates a relay that will request its stream from the named plugin.
func New(requester Requester, plugin string) *Relay {
	return &Relay{
		requester: requester,
		plugin:    plugin,
		out:       make(chan Event, 64),
		done:      make(chan struct{}),
	}
}

// Events is closed after the terminal event. Callers must drain it.
func (r *Relay) Events() <-chan Event {
	return r.out
}

// Start requests the stream and begins relaying in the background. A relay
// stopped before Start never calls the model and returns api.ErrStreamAbort.
func (r *Relay) Start(ctx context.Context, prompt []llm.Message) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("relay already started")
	}
	if r.stopped {
		r.mu.Unlock()
		return api.ErrStreamAbort
	}
	r.started = true
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Unlock()

	go r.pump(ctx, cancel, prompt)
	return nil
}

// Stop requests cancellation. It is idempotent and does nothing once the
// relay has ended or failed. The upstream is cancelled when its handle
// supports it; otherwise it is only detached.
func (r *Relay) Stop() {
	r.mu.Lock()
	if r.stopped || r.finished {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	cancel := r.cancel
	up := r.upstream
	r.mu.Unlock()

	if c, ok := up.(llm.Canceler); ok {
		c.Cancel()
	}
	if cancel != nil {
		cancel()
	}
	close(r.done)
}

// Stopped 回傳 Stop 是否生效
func (r *Relay) Stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

func (r *Relay) pump(ctx context.Context, cancel context.CancelFunc, prompt []llm.Message) {
	defer close(r.out)
	defer cancel()

	res, err := r.requester.Call(ctx, r.plugin, prompt)
	if err != nil {
		if r.isStopped() {
			r.terminate(Event{Kind: KindAbort, Err: api.ErrStreamAbort})
			return
		}
		r.terminate(Event{Kind: KindError, Err: fmt.Errorf("%w: %v", api.ErrStream, err)})
		return
	}

	stream, ok := res.(llm.ChunkStream)
	if !ok {
		r.terminate(Event{Kind: KindError, Err: fmt.Errorf("%w: plugin %s returned no stream handle (%T)", api.ErrStream, r.plugin, res)})
		return
	}

	r.mu.Lock()
	r.upstream = stream
	stopped := r.stopped
	r.mu.Unlock()
	if stopped {
		// 取得串流之前就已經被 Stop
		if c, ok := stream.(llm.Canceler); ok {
			c.Cancel()
		}
	}

	chunks := stream.Chunks()
	for {
		select {
		case <-r.done:
			r.terminate(Event{Kind: KindAbort, Err: api.ErrStreamAbort})
			return
		case chunk, ok := <-chunks:
			if !ok {
				r.terminate(Event{Kind: KindEnd})
				return
			}
			if r.isStopped() {
				r.terminate(Event{Kind: KindAbort, Err: api.ErrStreamAbort})
				return
			}
			if chunk.Err != nil {
				if chunk.Fatal {
					r.terminate(Event{Kind: KindError, Err: fmt.Errorf("%w: %v", api.ErrStream, chunk.Err)})
					return
				}
				slog.WarnContext(ctx, "Upstream warning", "plugin", r.plugin, "error", chunk.Err)
				continue
			}
			if text := chunk.Text(); text != "" {
				select {
				case r.out <- Event{Kind: KindData, Text: text}:
				case <-r.done:
					r.terminate(Event{Kind: KindAbort, Err: api.ErrStreamAbort})
					return
				}
			}
			if chunk.IsFinal {
				r.terminate(Event{Kind: KindEnd, Usage: chunk.Usage})
				return
			}
		}
	}
}

func (r *Relay) isStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// terminate emits the single closing event. A stop that won the race turns
// any other outcome into an abort.
func (r *Relay) terminate(ev Event) {
	r.mu.Lock()
	if r.stopped {
		ev = Event{Kind: KindAbort, Err: api.ErrStreamAbort}
	}
	r.finished = true
	r.mu.Unlock()
	r.out <- ev
}
