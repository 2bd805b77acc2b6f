package prompt

import (
	"context"
	"testing"
	"time"

	"companion/pkg/api"
	"companion/pkg/llm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type catalog []api.ToolDescription

func (c catalog) Tools() []api.ToolDescription { return c }

func TestCompose(t *testing.T) {
	tools := catalog{{Name: "getTime", Description: "current time", Input: map[string]string{"zone": "IANA zone"}}}
	c, err := New("You are Mia. Today is {{.Now.Format \"2006-01-02\"}}.", tools)
	require.NoError(t, err)
	c.Now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }

	history := []api.Turn{
		{Role: api.RoleUser, Content: "alice： hi", Speaker: "alice"},
		{Role: api.RoleAssistant, Content: "hello", Speaker: "assistant"},
		{Role: api.RoleUser, Content: "alice： time?", Speaker: "alice"},
	}
	results := []api.Turn{{Role: api.RoleTool, Content: "Tool getTime executed. Result: 12:00", Speaker: "getTime"}}

	msgs, err := c.Compose(context.Background(), history, results, nil)
	require.NoError(t, err)
	require.Len(t, msgs, 5)

	sys := msgs[0].GetTextContent()
	assert.Equal(t, llm.RoleSystem, msgs[0].Role)
	assert.Contains(t, sys, "Today is 2025-03-01.")
	assert.Contains(t, sys, `- getTime: current time input: {"zone":"IANA zone"}`)
	assert.Contains(t, sys, "```json")

	assert.Equal(t, llm.RoleUser, msgs[1].Role)
	assert.Equal(t, "alice", msgs[1].Name)
	assert.Equal(t, llm.RoleAssistant, msgs[2].Role)
	assert.Equal(t, llm.RoleUser, msgs[4].Role)
	assert.Equal(t, "getTime", msgs[4].Name)
	assert.Equal(t, "Tool getTime executed. Result: 12:00", msgs[4].GetTextContent())
}

func TestComposeWithoutTools(t *testing.T) {
	c, err := New("Plain prompt.", nil)
	require.NoError(t, err)

	msgs, err := c.Compose(context.Background(), []api.Turn{{Role: api.RoleUser, Content: "x"}}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "Plain prompt.", msgs[0].GetTextContent())
}

func TestComposeFailures(t *testing.T) {
	_, err := New("{{.Broken", nil)
	assert.Error(t, err)

	c, err := New("{{.Extra.missing.field}}", nil)
	require.NoError(t, err)
	_, err = c.Compose(context.Background(), nil, nil, nil)
	assert.Error(t, err, "empty history")

	_, err = c.Compose(context.Background(), []api.Turn{{Role: api.RoleUser, Content: "x"}}, nil, map[string]any{"missing": 3})
	assert.Error(t, err, "template execution error")
}
