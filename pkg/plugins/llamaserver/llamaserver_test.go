package llamaserver

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"companion/pkg/api"
	"companion/pkg/config"
	"companion/pkg/llm"
	"companion/pkg/plugin"
)

// fakeClient streams its model name back one word at a time.
type fakeClient struct {
	model string

	mu      sync.Mutex
	pingErr error
	pings   int
}

func (c *fakeClient) Provider() string { return "fake:" + c.model }

func (c *fakeClient) SetDebug(bool) {}

func (c *fakeClient) IsTransientError(error) bool { return false }

func (c *fakeClient) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	return c.pingErr
}

func (c *fakeClient) StreamChat(ctx context.Context, messages []llm.Message) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		for _, word := range []string{"reply ", "from ", c.model} {
			select {
			case ch <- llm.StreamChunk{ContentBlocks: []llm.ContentBlock{{Type: llm.BlockTypeText, Text: word}}}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case ch <- llm.StreamChunk{IsFinal: true, FinishReason: llm.StopReasonStop}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

var (
	clientsMu sync.Mutex
	clients   = map[string]*fakeClient{}
)

type fakeProvider struct{}

func (fakeProvider) Create(cfg llm.ProviderGroupConfig, _ *config.SystemConfig) ([]llm.LLMClient, error) {
	clientsMu.Lock()
	defer clientsMu.Unlock()
	var out []llm.LLMClient
	for _, m := range cfg.Models {
		c, ok := clients[m]
		if !ok {
			c = &fakeClient{model: m}
			clients[m] = c
		}
		out = append(out, c)
	}
	return out, nil
}

func init() {
	llm.RegisterProvider("fake", fakeProvider{})
}

func clientFor(model string) *fakeClient {
	clientsMu.Lock()
	defer clientsMu.Unlock()
	return clients[model]
}

const testConfig = `{
	"strategy": "local",
	"strategies": {
		"local":  [{"type": "fake", "models": ["small"]}],
		"remote": [{"type": "fake", "models": ["big"]}],
		"broken": [{"type": "nope", "models": ["x"]}]
	}
}`

func newPlugin(t *testing.T) *Plugin {
	t.Helper()
	p, err := (&Factory{}).Create([]byte(testConfig), plugin.Env{})
	require.NoError(t, err)
	lp := p.(*Plugin)
	require.NoError(t, lp.UpdateStrategy(context.Background()))
	return lp
}

func collect(t *testing.T, res any) string {
	t.Helper()
	stream, ok := res.(llm.ChunkStream)
	require.True(t, ok, "got %T", res)
	var text string
	for chunk := range stream.Chunks() {
		text += chunk.Text()
	}
	return text
}

func TestSendStreamsFromActiveStrategy(t *testing.T) {
	p := newPlugin(t)
	ctx := context.Background()

	_, err := p.Send(ctx, []llm.Message{llm.NewTextMessage(llm.RoleUser, "hi")})
	assert.ErrorIs(t, err, api.ErrServiceUnavailable, "offline plugin must refuse")

	require.NoError(t, p.Online(ctx, api.Options{}))
	assert.Equal(t, StrategyLocal, p.Strategy())

	res, err := p.Send(ctx, []llm.Message{llm.NewTextMessage(llm.RoleUser, "hi")})
	require.NoError(t, err)
	assert.Equal(t, "reply from small", collect(t, res))

	require.NoError(t, p.Restart(ctx, api.Options{Mode: StrategyRemote}))
	assert.Equal(t, StrategyRemote, p.Strategy())
	res, err = p.Send(ctx, []llm.Message{llm.NewTextMessage(llm.RoleUser, "hi")})
	require.NoError(t, err)
	assert.Equal(t, "reply from big", collect(t, res))

	_, err = p.Send(ctx, "not a prompt")
	assert.Error(t, err)
}

func TestStreamCancel(t *testing.T) {
	p := newPlugin(t)
	require.NoError(t, p.Online(context.Background(), api.Options{}))

	res, err := p.Send(context.Background(), []llm.Message{llm.NewTextMessage(llm.RoleUser, "hi")})
	require.NoError(t, err)
	stream := res.(*llm.Stream)
	<-stream.Chunks()
	stream.Cancel()
	for range stream.Chunks() {
	}
}

func TestUnknownOrBrokenStrategy(t *testing.T) {
	p := newPlugin(t)
	ctx := context.Background()

	assert.Error(t, p.Online(ctx, api.Options{Mode: "missing"}))
	st, _ := p.State(ctx)
	assert.Equal(t, api.PluginError, st)

	assert.Error(t, p.Online(ctx, api.Options{Mode: "broken"}))
	assert.Equal(t, []string{"broken", StrategyLocal, StrategyRemote}, p.Strategies())
}

func TestHeartbeat(t *testing.T) {
	p := newPlugin(t)
	ctx := context.Background()
	require.NoError(t, p.Online(ctx, api.Options{}))

	c := clientFor("small")
	require.NotNil(t, c)
	st, _ := p.State(ctx)
	assert.Equal(t, api.PluginOnline, st)

	// A fresh heartbeat is reused; Online forces a new one.
	c.mu.Lock()
	c.pingErr = errors.New("connection refused")
	c.mu.Unlock()
	t.Cleanup(func() {
		c.mu.Lock()
		c.pingErr = nil
		c.mu.Unlock()
	})
	st, _ = p.State(ctx)
	assert.Equal(t, api.PluginOnline, st)

	err := p.Online(ctx, api.Options{})
	assert.ErrorContains(t, err, "connection refused")
	st, _ = p.State(ctx)
	assert.Equal(t, api.PluginError, st)

	require.NoError(t, p.Offline(ctx))
	st, _ = p.State(ctx)
	assert.Equal(t, api.PluginOffline, st)
}

func TestFactoryRequiresStrategies(t *testing.T) {
	_, err := (&Factory{}).Create([]byte(`{"strategy":"local"}`), plugin.Env{})
	assert.Error(t, err)
}
