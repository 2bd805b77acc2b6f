package clock

import (
	"context"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"companion/pkg/api"
	"companion/pkg/plugin"
)

func send(t *testing.T, s api.Sender, input string) *api.ToolResponse {
	t.Helper()
	res, err := s.Send(context.Background(), jsoniter.RawMessage(input))
	require.NoError(t, err)
	resp, ok := res.(*api.ToolResponse)
	require.True(t, ok, "got %T", res)
	return resp
}

func TestGetTime(t *testing.T) {
	g := NewGetTime(Config{})
	g.now = func() time.Time { return time.Date(2024, 2, 29, 10, 0, 0, 0, time.UTC) }

	assert.Equal(t, "getTime is offline", send(t, g, `{}`).Error)
	require.NoError(t, g.Online(context.Background(), api.Options{}))

	tests := []struct {
		name, input, want string
	}{
		{"now", `{}`, "2024-02-29 18:00:00 (UTC+8)"},
		{"leap day plus a year", `{"Y":1}`, "2025-02-28 18:00:00 (UTC+8)"},
		{"months and minutes differ", `{"M":1,"m":30}`, "2024-03-29 18:30:00 (UTC+8)"},
		{"mixed signs", `{"D":1,"h":-20}`, "2024-02-29 22:00:00 (UTC+8)"},
		{"other zone", `{"timezone":0}`, "2024-02-29 10:00:00 (UTC+0)"},
		{"negative zone", `{"timezone":-5,"s":5}`, "2024-02-29 05:00:05 (UTC-5)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := send(t, g, tt.input)
			require.True(t, resp.Success, resp.Error)
			assert.Equal(t, tt.want, resp.Data)
		})
	}

	for _, bad := range []string{`{"M":"one"}`, `{"D":1.5}`, `{"timezone":30}`, `{"baseTime":"2024-01-01 00:00:00"}`, `[1]`} {
		assert.False(t, send(t, g, bad).Success, bad)
	}
}

func TestDiffTime(t *testing.T) {
	d := NewDiffTime(Config{})
	d.now = func() time.Time { return time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC) }
	require.NoError(t, d.Online(context.Background(), api.Options{}))

	tests := []struct {
		name, input string
		want        Diff
	}{
		{"from now", `{"targetTime":"2026-12-25 00:00:00"}`, Diff{"00-02-06 16:00:00", 5846400}},
		{"target earlier", `{"baseTime":"2026-12-25 00:00:00","targetTime":"2026-10-18 08:00:00"}`, Diff{"-00-02-06 16:00:00", -5846400}},
		{"borrows across a short month", `{"baseTime":"2024-01-31 12:00:00","targetTime":"2024-03-01 11:59:59"}`, Diff{"00-00-29 23:59:59", 29*86400 + 86399}},
		{"years", `{"baseTime":"2020-05-01 00:00:00","targetTime":"2026-04-30 00:00:00","timezone":0}`, Diff{"05-11-29 00:00:00", 2190 * 86400}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := send(t, d, tt.input)
			require.True(t, resp.Success, resp.Error)
			assert.Equal(t, tt.want, resp.Data)
		})
	}

	assert.Equal(t, "targetTime is required", send(t, d, `{}`).Error)
	assert.False(t, send(t, d, `{"targetTime":"tomorrow"}`).Success)
}

func TestFactories(t *testing.T) {
	for _, name := range []string{"getTime", "diffTime"} {
		f, ok := plugin.GetFactory(name)
		require.True(t, ok, name)
		p, err := f.Create([]byte(`{"timezone":9}`), plugin.Env{})
		require.NoError(t, err)
		assert.Equal(t, name, p.(api.Describer).Describe().Name)
	}
	assert.Equal(t, DefaultTimezone, NewGetTime(Config{}).tz)
}
