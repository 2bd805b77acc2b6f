package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"companion/pkg/api"
	"companion/pkg/history"
	"companion/pkg/llm"
	"companion/pkg/plugin"
	"companion/pkg/prompt"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// stream is one scripted upstream answer.
type stream struct {
	ch      chan llm.StreamChunk
	cancels atomic.Int32
	once    sync.Once
}

func (s *stream) say(text string) { s.ch <- llm.NewTextChunk(text) }

func (s *stream) end() {
	s.once.Do(func() {
		s.ch <- llm.NewFinalChunk("stop", nil)
		close(s.ch)
	})
}

// model is the language-model plugin. Reply picks the chunks of the n-th
// request; a nil result keeps the stream open for the test to drive.
type model struct {
	*plugin.Mock

	Reply func(n int) []string

	mu      sync.Mutex
	streams []*stream
	prompts [][]llm.Message
}

func newModel() *model {
	m := &model{Mock: plugin.NewOnlineMock()}
	m.SendFunc = func(ctx context.Context, data any) (any, error) {
		msgs, _ := data.([]llm.Message)
		s := &stream{ch: make(chan llm.StreamChunk, 64)}

		m.mu.Lock()
		n := len(m.streams)
		m.streams = append(m.streams, s)
		m.prompts = append(m.prompts, msgs)
		reply := m.Reply
		m.mu.Unlock()

		if reply != nil {
			if chunks := reply(n); chunks != nil {
				for _, c := range chunks {
					s.say(c)
				}
				s.end()
			}
		}
		return llm.NewStream(s.ch, func() { s.cancels.Add(1) }), nil
	}
	return m
}

func (m *model) requests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

func (m *model) stream(i int) *stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streams[i]
}

func (m *model) prompt(i int) []llm.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prompts[i]
}

// recorder collects events.
type recorder struct {
	mu     sync.Mutex
	events []api.Event
}

func (r *recorder) add(ev api.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) all() []api.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]api.Event(nil), r.events...)
}

func (r *recorder) of(t api.EventType) []api.Event {
	var out []api.Event
	for _, ev := range r.all() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) count(t api.EventType) int {
	return len(r.of(t))
}

type failingComposer struct{}

func (failingComposer) Compose(context.Context, []api.Turn, []api.Turn, map[string]any) ([]llm.Message, error) {
	return nil, errors.New("no template")
}

type brokenStore struct{}

func (brokenStore) History(context.Context, string, int) ([]api.Turn, error) {
	return nil, errors.New("disk on fire")
}

func (brokenStore) Append(context.Context, string, api.Turn) error {
	return errors.New("disk on fire")
}

type fixture struct {
	o     *Orchestrator
	d     *plugin.Dispatcher
	model *model
	store *history.MemoryStore
	rec   *recorder
}

func setup(t *testing.T, mutate func(*Settings)) *fixture {
	t.Helper()

	d := plugin.NewDispatcher(nil, nil)
	m := newModel()
	d.Register("llamaServer", m)

	c, err := prompt.New("You are a companion.", d)
	require.NoError(t, err)

	s := DefaultSettings()
	s.FillerText = "hold on"
	if mutate != nil {
		mutate(&s)
	}

	store := history.NewMemoryStore()
	o := New(d, c, store, s)
	rec := &recorder{}
	o.Subscribe(rec.add)
	t.Cleanup(o.Close)

	return &fixture{o: o, d: d, model: m, store: store, rec: rec}
}

func (f *fixture) waitRequests(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return f.model.requests() == n }, waitFor, tick)
}

func (f *fixture) waitEvents(t *testing.T, typ api.EventType, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return f.rec.count(typ) >= n }, waitFor, tick)
}

func TestSingleRound(t *testing.T) {
	f := setup(t, nil)
	f.model.Reply = func(int) []string { return []string{"Hel", "lo ", "there"} }

	f.o.Talk("alice", "hi", api.TalkOptions{})
	f.waitEvents(t, api.EventEnd, 1)

	var data []string
	for _, ev := range f.rec.of(api.EventData) {
		data = append(data, ev.Text)
	}
	assert.Equal(t, "Hello there", strings.Join(data, ""))

	ends := f.rec.of(api.EventEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, "Hello there", ends[0].Text)
	assert.Equal(t, 1, f.model.requests())

	users := f.rec.of(api.EventUser)
	require.Len(t, users, 1)
	assert.Equal(t, "alice： hi", users[0].Text)

	require.Eventually(t, func() bool { return f.o.State() == api.StateIdle }, waitFor, tick)
	turns := f.o.History()
	require.Len(t, turns, 2)
	assert.Equal(t, api.RoleUser, turns[0].Role)
	assert.Equal(t, "alice： hi", turns[0].Content)
	assert.Equal(t, api.RoleAssistant, turns[1].Role)
	assert.Equal(t, "Hello there", turns[1].Content)

	// the prompt is system + the user turn
	p := f.model.prompt(0)
	require.Len(t, p, 2)
	assert.Equal(t, llm.RoleSystem, p[0].Role)
	assert.Equal(t, "alice： hi", p[1].GetTextContent())

	require.Eventually(t, func() bool {
		stored, _ := f.store.History(context.Background(), "alice", 10)
		return len(stored) == 2
	}, waitFor, tick)
}

func TestUninterruptibleTaskIsNotCancelled(t *testing.T) {
	f := setup(t, nil)

	f.o.Talk("alice", "tell me a story", api.TalkOptions{Uninterruptible: true})
	f.waitRequests(t, 1)

	f.o.Talk("bob", "stop that", api.TalkOptions{})
	f.o.ManualAbort()
	f.waitEvents(t, api.EventUser, 2)

	s := f.model.stream(0)
	assert.Never(t, func() bool { return s.cancels.Load() > 0 || f.model.requests() > 1 }, 100*time.Millisecond, tick)

	s.say("once upon a time")
	s.end()
	f.waitEvents(t, api.EventEnd, 1)
	assert.Equal(t, "once upon a time", f.rec.of(api.EventEnd)[0].Text)
	assert.Zero(t, f.rec.count(api.EventAbort))

	// the dropped talk never becomes a round
	assert.Never(t, func() bool { return f.model.requests() > 1 }, 100*time.Millisecond, tick)
}

func TestImportantTaskIsQueued(t *testing.T) {
	f := setup(t, nil)

	f.o.Talk("alice", "first", api.TalkOptions{})
	f.waitRequests(t, 1)

	f.o.Talk("scheduler", "reminder", api.TalkOptions{Important: true})
	require.Eventually(t, func() bool { return f.o.Pending() == 1 }, waitFor, tick)

	first := f.model.stream(0)
	assert.Zero(t, first.cancels.Load())
	assert.Equal(t, 1, f.model.requests())

	first.say("done")
	first.end()

	f.waitRequests(t, 2)
	assert.Zero(t, f.o.Pending())
	p := f.model.prompt(1)
	assert.Equal(t, "scheduler： reminder", p[len(p)-1].GetTextContent())

	second := f.model.stream(1)
	second.end()
	f.waitEvents(t, api.EventEnd, 2)
}

func TestImportantTaskWaitsForToolRound(t *testing.T) {
	f := setup(t, nil)
	f.d.Register("getTime", plugin.NewMockTool("getTime", func(context.Context, any) (any, error) {
		return api.OK("12:00"), nil
	}))

	f.o.Talk("alice", "first", api.TalkOptions{})
	f.waitRequests(t, 1)

	f.o.Talk("sched", "rem", api.TalkOptions{Important: true})
	require.Eventually(t, func() bool { return f.o.Pending() == 1 }, waitFor, tick)

	first := f.model.stream(0)
	first.say(`{"toolName":"getTime","input":{}}`)
	first.end()

	// the tool continuation runs before the queued task
	f.waitRequests(t, 2)
	assert.Equal(t, 1, f.o.Pending())
	p := f.model.prompt(1)
	assert.Equal(t, "Tool getTime executed. Result: 12:00", p[len(p)-1].GetTextContent())
	for _, m := range p {
		assert.NotEqual(t, "sched： rem", m.GetTextContent())
	}

	second := f.model.stream(1)
	second.say("It is noon.")
	second.end()

	f.waitRequests(t, 3)
	assert.Zero(t, f.o.Pending())
	p = f.model.prompt(2)
	assert.Equal(t, "sched： rem", p[len(p)-1].GetTextContent())

	f.model.stream(2).end()
	f.waitEvents(t, api.EventEnd, 3)
}

func TestPlainTalkInterrupts(t *testing.T) {
	f := setup(t, nil)

	f.o.Talk("alice", "first", api.TalkOptions{})
	f.waitRequests(t, 1)
	first := f.model.stream(0)
	first.say("parti")
	f.waitEvents(t, api.EventData, 1)

	f.o.Talk("alice", "second", api.TalkOptions{})
	f.waitRequests(t, 2)
	require.Eventually(t, func() bool { return first.cancels.Load() == 1 }, waitFor, tick)

	aborts := f.rec.of(api.EventAbort)
	require.Len(t, aborts, 1)
	assert.Equal(t, uint64(1), aborts[0].Round)

	// late output of the superseded round is discarded
	first.say("al answer")
	first.end()

	second := f.model.stream(1)
	second.say("fresh")
	second.end()
	f.waitEvents(t, api.EventEnd, 1)

	for _, ev := range f.rec.of(api.EventData) {
		assert.NotEqual(t, "al answer", ev.Text)
	}
	ends := f.rec.of(api.EventEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, "fresh", ends[0].Text)
	assert.Equal(t, uint64(2), ends[0].Round)

	// both user turns reach the second prompt, once each
	p := f.model.prompt(1)
	var users []string
	for _, m := range p[1:] {
		users = append(users, m.GetTextContent())
	}
	assert.Equal(t, []string{"alice： first", "alice： second"}, users)
}

func TestToolRoundTrip(t *testing.T) {
	f := setup(t, nil)

	var input atomic.Value
	tool := plugin.NewMockTool("getTime", func(ctx context.Context, data any) (any, error) {
		input.Store(string(data.(jsoniter.RawMessage)))
		return api.OK("12:00"), nil
	})
	f.d.Register("getTime", tool)

	f.model.Reply = func(n int) []string {
		if n == 0 {
			return []string{"Let me check. ", `{"toolName":"getTime",`, `"input":{"tz":"UTC"}}`}
		}
		return []string{"It is noon."}
	}

	f.o.Talk("alice", "what time is it?", api.TalkOptions{})
	f.waitEvents(t, api.EventEnd, 2)

	assert.JSONEq(t, `{"tz":"UTC"}`, input.Load().(string))
	assert.Equal(t, 2, f.model.requests())

	statuses := f.rec.of(api.EventStatus)
	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].Waiting)
	assert.False(t, statuses[1].Waiting)

	var data []string
	for _, ev := range f.rec.of(api.EventData) {
		data = append(data, ev.Text)
	}
	assert.Equal(t, []string{"Let me check. ", "hold on", "It is noon."}, data)

	ends := f.rec.of(api.EventEnd)
	assert.Equal(t, "Let me check. ", ends[0].Text)
	assert.Equal(t, "It is noon.", ends[1].Text)

	// the second round sees the same user turn once plus the tool result
	p := f.model.prompt(1)
	require.Len(t, p, 3)
	assert.Equal(t, "alice： what time is it?", p[1].GetTextContent())
	assert.Equal(t, "Tool getTime executed. Result: 12:00", p[2].GetTextContent())
	assert.Equal(t, "getTime", p[2].Name)

	require.Eventually(t, func() bool { return f.o.State() == api.StateIdle }, waitFor, tick)
	turns := f.o.History()
	require.Len(t, turns, 2)
	assert.Equal(t, "It is noon.", turns[1].Content)
}

func TestUserTargetedToolResult(t *testing.T) {
	f := setup(t, func(s *Settings) { s.FillerText = "" })
	f.d.Register("weatherSystem", plugin.NewMockTool("weatherSystem", func(context.Context, any) (any, error) {
		return "sunny", nil
	}))
	f.model.Reply = func(int) []string {
		return []string{`{"toolName":"weatherSystem","toolResultTarget":"user","city":"Taipei"}`}
	}

	f.o.Talk("alice", "weather?", api.TalkOptions{})
	f.waitEvents(t, api.EventEnd, 1)

	assert.Never(t, func() bool { return f.model.requests() > 1 }, 100*time.Millisecond, tick)
	ends := f.rec.of(api.EventEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, "Tool weatherSystem executed. Result: sunny", ends[0].Text)
}

func TestUnknownToolFeedsFailureBack(t *testing.T) {
	f := setup(t, nil)
	f.model.Reply = func(n int) []string {
		if n == 0 {
			return []string{"```json\n{\"toolName\":\"nope\",\"input\":{}}\n```"}
		}
		return []string{"sorry"}
	}

	f.o.Talk("alice", "do it", api.TalkOptions{})
	f.waitEvents(t, api.EventEnd, 2)

	assert.Zero(t, f.rec.count(api.EventStatus))
	p := f.model.prompt(1)
	assert.Equal(t, "Tool nope failed: tool is not loaded.", p[len(p)-1].GetTextContent())
}

func TestGateFlush(t *testing.T) {
	f := setup(t, nil)

	f.o.Talk("alice", "hi", api.TalkOptions{})
	f.waitRequests(t, 1)
	f.o.CloseGate()
	open, _ := f.o.GateState()
	require.False(t, open)

	s := f.model.stream(0)
	s.say("a")
	s.say("b")
	s.say("c")
	s.end()
	f.waitEvents(t, api.EventEnd, 1)

	assert.Zero(t, f.rec.count(api.EventData))
	_, buffered := f.o.GateState()
	assert.Equal(t, "abc", buffered)

	f.o.OpenGate()
	f.waitEvents(t, api.EventData, 1)
	assert.Never(t, func() bool { return f.rec.count(api.EventData) > 1 }, 50*time.Millisecond, tick)
	assert.Equal(t, "abc", f.rec.of(api.EventData)[0].Text)

	_, buffered = f.o.GateState()
	assert.Empty(t, buffered)
}

func TestMaxToolRounds(t *testing.T) {
	f := setup(t, func(s *Settings) { s.MaxToolRounds = 2 })
	f.d.Register("loop", plugin.NewMockTool("loop", func(context.Context, any) (any, error) {
		return "again", nil
	}))
	f.model.Reply = func(int) []string { return []string{`{"toolName":"loop","input":{}}`} }

	f.o.Talk("alice", "spin", api.TalkOptions{})
	f.waitEvents(t, api.EventError, 1)

	assert.ErrorIs(t, f.rec.of(api.EventError)[0].Err, api.ErrToolRoundsExceeded)
	assert.Equal(t, 3, f.model.requests())
	require.Eventually(t, func() bool { return f.o.State() == api.StateIdle }, waitFor, tick)
}

func TestModelOffline(t *testing.T) {
	f := setup(t, nil)
	f.model.SetState(api.PluginOffline)

	f.o.Talk("alice", "hi", api.TalkOptions{})
	f.waitEvents(t, api.EventError, 1)

	assert.ErrorIs(t, f.rec.of(api.EventError)[0].Err, api.ErrServiceUnavailable)
	assert.Zero(t, f.model.requests())
	require.Eventually(t, func() bool { return f.o.State() == api.StateIdle }, waitFor, tick)
}

func TestComposeFailure(t *testing.T) {
	d := plugin.NewDispatcher(nil, nil)
	m := newModel()
	d.Register("llamaServer", m)
	o := New(d, failingComposer{}, nil, DefaultSettings())
	t.Cleanup(o.Close)
	rec := &recorder{}
	o.Subscribe(rec.add)

	o.Talk("alice", "hi", api.TalkOptions{})
	require.Eventually(t, func() bool { return rec.count(api.EventError) == 1 }, waitFor, tick)

	assert.ErrorIs(t, rec.of(api.EventError)[0].Err, api.ErrComposeFailure)
	assert.Zero(t, m.requests())
	assert.Equal(t, api.StateIdle, o.State())
}

func TestStreamError(t *testing.T) {
	f := setup(t, nil)

	f.o.Talk("alice", "hi", api.TalkOptions{})
	f.waitRequests(t, 1)
	s := f.model.stream(0)
	s.ch <- llm.NewErrorChunk("upstream died", nil, true)

	f.waitEvents(t, api.EventError, 1)
	assert.ErrorIs(t, f.rec.of(api.EventError)[0].Err, api.ErrStream)
	require.Eventually(t, func() bool { return f.o.State() == api.StateIdle }, waitFor, tick)
}

func TestManualAbort(t *testing.T) {
	f := setup(t, nil)

	f.o.ManualAbort()
	assert.Zero(t, f.rec.count(api.EventAbort))

	f.o.Talk("alice", "hi", api.TalkOptions{})
	f.waitRequests(t, 1)
	f.o.CloseGate()
	s := f.model.stream(0)
	s.say("held")
	require.Eventually(t, func() bool {
		_, buffered := f.o.GateState()
		return buffered == "held"
	}, waitFor, tick)

	f.o.ManualAbort()
	f.waitEvents(t, api.EventAbort, 1)
	assert.Equal(t, api.StateIdle, f.o.State())
	assert.Equal(t, int32(1), s.cancels.Load())
	_, buffered := f.o.GateState()
	assert.Empty(t, buffered)

	s.say("ignored")
	s.end()
	assert.Never(t, func() bool { return f.rec.count(api.EventEnd) > 0 }, 100*time.Millisecond, tick)

	// an aborted round leaves no assistant turn
	turns := f.o.History()
	require.Len(t, turns, 1)
	assert.Equal(t, api.RoleUser, turns[0].Role)
}

func TestHistoryReadFailureIsTolerated(t *testing.T) {
	d := plugin.NewDispatcher(nil, nil)
	m := newModel()
	m.Reply = func(int) []string { return []string{"ok"} }
	d.Register("llamaServer", m)
	c, err := prompt.New("sys", nil)
	require.NoError(t, err)

	o := New(d, c, brokenStore{}, DefaultSettings())
	t.Cleanup(o.Close)
	rec := &recorder{}
	o.Subscribe(rec.add)

	o.Talk("alice", "hi", api.TalkOptions{})
	require.Eventually(t, func() bool { return rec.count(api.EventEnd) == 1 }, waitFor, tick)
	assert.Zero(t, rec.count(api.EventError))
}

func TestPersistedHistoryIsMerged(t *testing.T) {
	f := setup(t, nil)
	f.model.Reply = func(int) []string { return []string{"welcome back"} }

	earlier := time.Now().Add(-time.Minute)
	require.NoError(t, f.store.Append(context.Background(), "alice", api.Turn{
		ID: "old-1", Role: api.RoleUser, Content: "alice： remember me", Speaker: "alice", Timestamp: earlier,
	}))

	f.o.Talk("alice", "hi again", api.TalkOptions{})
	f.waitEvents(t, api.EventEnd, 1)

	p := f.model.prompt(0)
	require.Len(t, p, 3)
	assert.Equal(t, "alice： remember me", p[1].GetTextContent())
	assert.Equal(t, "alice： hi again", p[2].GetTextContent())
}

func TestSubscriberMayCallBack(t *testing.T) {
	f := setup(t, nil)
	f.model.Reply = func(int) []string { return []string{"pong"} }

	var states []api.ConversationState
	var mu sync.Mutex
	f.o.Subscribe(func(ev api.Event) {
		if ev.Type == api.EventEnd {
			st := f.o.State()
			mu.Lock()
			states = append(states, st)
			mu.Unlock()
		}
	})

	f.o.Talk("alice", "ping", api.TalkOptions{})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 1
	}, waitFor, tick)
}

func TestCloseStopsTalk(t *testing.T) {
	f := setup(t, nil)
	f.o.Talk("alice", "hi", api.TalkOptions{})
	f.waitRequests(t, 1)

	f.o.Close()
	assert.Equal(t, int32(1), f.model.stream(0).cancels.Load())
	assert.Equal(t, 1, f.rec.count(api.EventAbort))

	f.o.Talk("alice", "anyone?", api.TalkOptions{})
	assert.Equal(t, 1, f.rec.count(api.EventUser))
}
