package toolreference

import (
	"context"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"companion/pkg/api"
	"companion/pkg/config"
	"companion/pkg/plugin"
)

type catalog []api.ToolDescription

func (c catalog) Tools() []api.ToolDescription { return c }

func send(t *testing.T, p *Plugin, input string) *api.ToolResponse {
	t.Helper()
	res, err := p.Send(context.Background(), jsoniter.RawMessage(input))
	require.NoError(t, err)
	return res.(*api.ToolResponse)
}

func TestSend(t *testing.T) {
	weather := api.ToolDescription{Name: "weatherSystem", Description: "Weather.", Input: map[string]string{"location": "place"}}
	p := New(catalog{{Name: "getTime", Description: "Current time."}, weather})

	assert.False(t, send(t, p, `{}`).Success, "offline")
	require.NoError(t, p.Online(context.Background(), api.Options{}))

	resp := send(t, p, `{}`)
	require.True(t, resp.Success)
	assert.Equal(t, "- getTime: Current time.\n- weatherSystem: Weather.", resp.Data)

	resp = send(t, p, `{"tool":"WEATHERSYSTEM"}`)
	require.True(t, resp.Success)
	assert.Equal(t, weather, resp.Data)

	resp = send(t, p, `{"tool":"teleport"}`)
	assert.False(t, resp.Success)

	assert.Equal(t, "No tools are loaded.", Summary(nil))
}

func TestListsDispatcherTools(t *testing.T) {
	d := plugin.NewDispatcher(config.DefaultSystemConfig(), nil)
	require.NoError(t, d.Load(context.Background(), "toolReference"))

	ctx := context.Background()
	require.NoError(t, d.QueueAllOnline(ctx, api.Options{}))

	res, err := d.Call(ctx, "toolReference", jsoniter.RawMessage(`{}`))
	require.NoError(t, err)
	resp := res.(*api.ToolResponse)
	require.True(t, resp.Success)
	assert.Contains(t, resp.Data, "- toolReference: Lists the tools")
}
