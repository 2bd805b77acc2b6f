package relay

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"companion/pkg/api"
	"companion/pkg/llm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// requesterFunc adapts a function to Requester.
type requesterFunc func(ctx context.Context, name string, data any) (any, error)

func (f requesterFunc) Call(ctx context.Context, name string, data any) (any, error) {
	return f(ctx, name, data)
}

// streamOf returns a requester handing out a fresh stream over ch.
func streamOf(ch chan llm.StreamChunk, cancelled *int32) Requester {
	return requesterFunc(func(context.Context, string, any) (any, error) {
		return llm.NewStream(ch, func() { atomic.AddInt32(cancelled, 1) }), nil
	})
}

func collect(t *testing.T, r *Relay) []Event {
	t.Helper()
	var evs []Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-r.Events():
			if !ok {
				return evs
			}
			evs = append(evs, ev)
		case <-timeout:
			t.Fatal("relay did not close")
			return evs
		}
	}
}

func kinds(evs []Event) []Kind {
	out := make([]Kind, len(evs))
	for i, ev := range evs {
		out[i] = ev.Kind
	}
	return out
}

func TestRelayDataAndEnd(t *testing.T) {
	ch := make(chan llm.StreamChunk, 8)
	var cancelled int32
	var gotName string
	var gotPrompt any
	req := requesterFunc(func(_ context.Context, name string, data any) (any, error) {
		gotName, gotPrompt = name, data
		return llm.NewStream(ch, func() { atomic.AddInt32(&cancelled, 1) }), nil
	})

	ch <- llm.NewTextChunk("Hello")
	ch <- llm.NewThinkingChunk("hmm")
	ch <- llm.NewTextChunk(" world")
	ch <- llm.NewFinalChunk(llm.StopReasonStop, &llm.LLMUsage{TotalTokens: 7})

	r := New(req, "llamaServer")
	prompt := []llm.Message{llm.NewUserMessage("hi")}
	require.NoError(t, r.Start(context.Background(), prompt))

	evs := collect(t, r)
	assert.Equal(t, []Kind{KindData, KindData, KindEnd}, kinds(evs))
	assert.Equal(t, "Hello", evs[0].Text)
	assert.Equal(t, " world", evs[1].Text)
	require.NotNil(t, evs[2].Usage)
	assert.Equal(t, 7, evs[2].Usage.TotalTokens)
	assert.Equal(t, "llamaServer", gotName)
	assert.Equal(t, prompt, gotPrompt)

	r.Stop()
	assert.False(t, r.Stopped(), "stop after end is a no-op")
	assert.Zero(t, atomic.LoadInt32(&cancelled))
}

func TestRelayClosedChannelEnds(t *testing.T) {
	ch := make(chan llm.StreamChunk, 1)
	var cancelled int32
	ch <- llm.NewTextChunk("x")
	close(ch)

	r := New(streamOf(ch, &cancelled), "m")
	require.NoError(t, r.Start(context.Background(), nil))
	assert.Equal(t, []Kind{KindData, KindEnd}, kinds(collect(t, r)))
}

func TestRelayErrors(t *testing.T) {
	t.Run("fatal chunk", func(t *testing.T) {
		ch := make(chan llm.StreamChunk, 4)
		var cancelled int32
		ch <- llm.NewErrorChunk("length warning", nil, false)
		ch <- llm.NewTextChunk("a")
		ch <- llm.NewErrorChunk("broken pipe", nil, true)

		r := New(streamOf(ch, &cancelled), "m")
		require.NoError(t, r.Start(context.Background(), nil))
		evs := collect(t, r)
		assert.Equal(t, []Kind{KindData, KindError}, kinds(evs))
		assert.ErrorIs(t, evs[1].Err, api.ErrStream)
		assert.Contains(t, evs[1].Err.Error(), "broken pipe")
	})

	t.Run("request fails", func(t *testing.T) {
		req := requesterFunc(func(context.Context, string, any) (any, error) {
			return nil, errors.New("model offline")
		})
		r := New(req, "m")
		require.NoError(t, r.Start(context.Background(), nil))
		evs := collect(t, r)
		require.Len(t, evs, 1)
		assert.Equal(t, KindError, evs[0].Kind)
		assert.ErrorIs(t, evs[0].Err, api.ErrStream)
	})

	t.Run("not a stream handle", func(t *testing.T) {
		req := requesterFunc(func(context.Context, string, any) (any, error) {
			return true, nil
		})
		r := New(req, "m")
		require.NoError(t, r.Start(context.Background(), nil))
		evs := collect(t, r)
		require.Len(t, evs, 1)
		assert.Equal(t, KindError, evs[0].Kind)
	})

	t.Run("double start", func(t *testing.T) {
		ch := make(chan llm.StreamChunk)
		close(ch)
		var cancelled int32
		r := New(streamOf(ch, &cancelled), "m")
		require.NoError(t, r.Start(context.Background(), nil))
		assert.Error(t, r.Start(context.Background(), nil))
		collect(t, r)
	})
}

func TestRelayStop(t *testing.T) {
	ch := make(chan llm.StreamChunk, 8)
	var cancelled int32
	r := New(streamOf(ch, &cancelled), "m")
	require.NoError(t, r.Start(context.Background(), nil))

	ch <- llm.NewTextChunk("first")
	ev := <-r.Events()
	assert.Equal(t, KindData, ev.Kind)

	r.Stop()
	r.Stop()
	ch <- llm.NewTextChunk("late")
	ch <- llm.NewFinalChunk(llm.StopReasonStop, nil)

	evs := collect(t, r)
	assert.Equal(t, []Kind{KindAbort}, kinds(evs))
	assert.ErrorIs(t, evs[0].Err, api.ErrStreamAbort)
	assert.Equal(t, int32(1), atomic.LoadInt32(&cancelled))
	assert.True(t, r.Stopped())
}

func TestRelayStopWhileRequesting(t *testing.T) {
	entered := make(chan struct{})
	req := requesterFunc(func(ctx context.Context, _ string, _ any) (any, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	r := New(req, "m")
	require.NoError(t, r.Start(context.Background(), nil))
	<-entered
	r.Stop()

	evs := collect(t, r)
	assert.Equal(t, []Kind{KindAbort}, kinds(evs))
}

func TestRelayStopBeforeStart(t *testing.T) {
	var calls int32
	req := requesterFunc(func(context.Context, string, any) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("unexpected request")
	})

	r := New(req, "m")
	r.Stop()
	assert.ErrorIs(t, r.Start(context.Background(), nil), api.ErrStreamAbort)
	assert.True(t, r.Stopped())

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&calls), "the model must not be asked")
}

// detached has no Cancel, so Stop can only stop listening.
type detached struct{ ch chan llm.StreamChunk }

func (d detached) Chunks() <-chan llm.StreamChunk { return d.ch }

func TestRelayStopWithoutCanceler(t *testing.T) {
	ch := make(chan llm.StreamChunk)
	req := requesterFunc(func(context.Context, string, any) (any, error) {
		return detached{ch: ch}, nil
	})

	r := New(req, "m")
	require.NoError(t, r.Start(context.Background(), nil))
	r.Stop()
	assert.Equal(t, []Kind{KindAbort}, kinds(collect(t, r)))
}
