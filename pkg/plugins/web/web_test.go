package web

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"companion/pkg/api"
)

type talk struct {
	speaker, text string
	opts          api.TalkOptions
}

type fakeConversation struct {
	mu     sync.Mutex
	talks  []talk
	aborts int
	subs   []func(api.Event)
}

func (f *fakeConversation) Talk(speaker, text string, opts api.TalkOptions) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.talks = append(f.talks, talk{speaker, text, opts})
}

func (f *fakeConversation) ManualAbort() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts++
}

func (f *fakeConversation) Subscribe(fn func(api.Event)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, fn)
	return func() {}
}

func (f *fakeConversation) State() api.ConversationState { return api.StateProcessing }

func (f *fakeConversation) talked() []talk {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]talk(nil), f.talks...)
}

func (f *fakeConversation) abortCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aborts
}

type fakeDirectory map[string]api.PluginState

func (d fakeDirectory) Names() []string { return []string{"llamaserver", "web"} }

func (d fakeDirectory) State(_ context.Context, name string) (api.PluginState, error) {
	return d[name], nil
}

func TestREST(t *testing.T) {
	conv := &fakeConversation{}
	p := New(Config{}, conv, fakeDirectory{"llamaserver": api.PluginOnline, "web": api.PluginOffline})
	srv := httptest.NewServer(p.Handler())
	defer srv.Close()

	t.Run("healthz", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("plugins", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/plugins")
		require.NoError(t, err)
		defer resp.Body.Close()

		var out []PluginStatus
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		assert.Equal(t, []PluginStatus{
			{Name: "llamaserver", State: "online", Code: 1},
			{Name: "web", State: "offline", Code: 0},
		}, out)
	})

	t.Run("schema", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/schema/system")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		assert.Equal(t, "companion system config", out["title"])

		missing, err := http.Get(srv.URL + "/api/schema/secrets")
		require.NoError(t, err)
		missing.Body.Close()
		assert.Equal(t, http.StatusNotFound, missing.StatusCode)
	})

	t.Run("talk", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/api/talk", "application/json",
			strings.NewReader(`{"speaker":"alice","text":" hi ","important":true}`))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)

		resp, err = http.Post(srv.URL+"/api/talk", "application/json", strings.NewReader(`{"text":"   "}`))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		resp, err = http.Post(srv.URL+"/api/talk", "application/json", strings.NewReader(`{`))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		assert.Equal(t, []talk{{"alice", "hi", api.TalkOptions{Important: true}}}, conv.talked())
	})

	t.Run("abort", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/api/abort", "application/json", nil)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		assert.Equal(t, 1, conv.abortCount())
	})
}

func TestRESTWithoutConversation(t *testing.T) {
	srv := httptest.NewServer(New(Config{}, nil, nil).Handler())
	defer srv.Close()

	for _, path := range []string{"/api/talk", "/api/abort"} {
		resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(`{"text":"x"}`))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, path)
	}
}

func TestWebSocket(t *testing.T) {
	conv := &fakeConversation{}
	p := New(Config{Host: "127.0.0.1"}, conv, nil)
	require.NoError(t, p.Online(context.Background(), api.Options{}))
	defer p.Offline(context.Background())

	st, _ := p.State(context.Background())
	require.Equal(t, api.PluginOnline, st)

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+p.Addr()+"/ws", nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"talk","speaker":"bob","text":"hello"}`)))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`plain words`)))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"abort"}`)))

	require.Eventually(t, func() bool { return len(conv.talked()) == 2 && conv.abortCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, talk{"bob", "hello", api.TalkOptions{}}, conv.talked()[0])
	assert.Equal(t, talk{DefaultSpeaker, "plain words", api.TalkOptions{}}, conv.talked()[1])

	// events are pushed to the client
	require.Len(t, conv.subs, 1)
	conv.subs[0](api.Event{Type: api.EventError, Err: errors.New("model offline"), Text: "model offline"})

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)

	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "model offline", frame["error"])

	require.NoError(t, p.Offline(context.Background()))
	st, _ = p.State(context.Background())
	assert.Equal(t, api.PluginOffline, st)
}
