package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"companion/pkg/api"
	"companion/pkg/plugin"
)

type talk struct {
	speaker, text string
	opts          api.TalkOptions
}

type fakeConversation struct {
	mu    sync.Mutex
	talks []talk
}

func (f *fakeConversation) Talk(speaker, text string, opts api.TalkOptions) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.talks = append(f.talks, talk{speaker, text, opts})
}

func (f *fakeConversation) ManualAbort() {}

func (f *fakeConversation) Subscribe(func(api.Event)) func() { return func() {} }

func (f *fakeConversation) State() api.ConversationState { return api.StateIdle }

func (f *fakeConversation) talked() []talk {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]talk(nil), f.talks...)
}

func send(t *testing.T, p *Plugin, input string) *api.ToolResponse {
	t.Helper()
	res, err := p.Send(context.Background(), jsoniter.RawMessage(input))
	require.NoError(t, err)
	resp, ok := res.(*api.ToolResponse)
	require.True(t, ok, "got %T", res)
	return resp
}

func TestNewValidatesJobs(t *testing.T) {
	_, err := New(Config{Jobs: []Job{{Spec: "not a schedule", Text: "x"}}}, nil)
	assert.Error(t, err)

	_, err = New(Config{Jobs: []Job{{Spec: "@daily"}}}, nil)
	assert.Error(t, err)

	_, err = New(Config{Timezone: "Mars/Olympus"}, nil)
	assert.Error(t, err)

	p, err := New(Config{Timezone: "UTC", Jobs: []Job{{Name: "morning", Spec: "0 30 7 * * *", Text: "Good morning"}}}, nil)
	require.NoError(t, err)
	list := p.List()
	require.Len(t, list, 1)
	assert.Equal(t, DefaultSpeaker, list[0].Speaker)
	assert.Empty(t, list[0].Next, "no next run while offline")
}

func TestToolActions(t *testing.T) {
	p, err := New(Config{}, nil)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, p.Online(ctx, api.Options{}))
	defer p.Offline(ctx)

	resp := send(t, p, `{"action":"add","spec":"@every 1h","text":"Drink water."}`)
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, "reminder-1", resp.Data.(Job).Name)

	resp = send(t, p, `{"action":"add","name":"reminder-1","spec":"@hourly","text":"dup"}`)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "already exists")

	resp = send(t, p, `{"action":"list"}`)
	require.True(t, resp.Success)
	list := resp.Data.([]Listing)
	require.Len(t, list, 1)
	assert.NotEmpty(t, list[0].Next)

	resp = send(t, p, `{"action":"remove","name":"reminder-1"}`)
	assert.True(t, resp.Success)
	resp = send(t, p, `{"action":"remove","name":"reminder-1"}`)
	assert.False(t, resp.Success)

	resp = send(t, p, `{"action":"explode"}`)
	assert.False(t, resp.Success)
	resp = send(t, p, `not json`)
	assert.False(t, resp.Success)
}

func TestJobsTalkAsImportant(t *testing.T) {
	conv := &fakeConversation{}
	p, err := New(Config{}, conv)
	require.NoError(t, err)
	_, err = p.Add(Job{Name: "ping", Spec: "@every 1s", Text: "ping", Once: true})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, p.Online(ctx, api.Options{}))
	defer p.Offline(ctx)

	require.Eventually(t, func() bool { return len(conv.talked()) == 1 }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, talk{DefaultSpeaker, "ping", api.TalkOptions{Important: true}}, conv.talked()[0])

	// once: removed after the first run
	assert.Empty(t, p.List())
	time.Sleep(1200 * time.Millisecond)
	assert.Len(t, conv.talked(), 1)
}

func TestRestartKeepsJobs(t *testing.T) {
	p, err := (&Factory{}).Create([]byte(`{"jobs":[{"name":"n","spec":"@daily","text":"night"}]}`), plugin.Env{})
	require.NoError(t, err)
	sp := p.(*Plugin)
	ctx := context.Background()

	require.NoError(t, sp.Online(ctx, api.Options{}))
	require.NoError(t, sp.Restart(ctx, api.Options{}))
	st, _ := sp.State(ctx)
	assert.Equal(t, api.PluginOnline, st)
	require.Len(t, sp.List(), 1)
	assert.NotEmpty(t, sp.List()[0].Next)

	require.NoError(t, sp.Offline(ctx))
	st, _ = sp.State(ctx)
	assert.Equal(t, api.PluginOffline, st)
	assert.Equal(t, "scheduler", sp.Describe().Name)
}
