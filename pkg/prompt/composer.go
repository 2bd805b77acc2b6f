// Package prompt turns conversation history and tool results into the
// message list sent to the language model.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"companion/pkg/api"
	"companion/pkg/llm"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const toolSection = `{{if .Tools}}
## Tools
You can call a tool by replying with exactly one JSON object per call inside a json code fence:
` + "```json" + `
{"toolName": "<name>", "input": { ... }}
` + "```" + `
Add "toolResultTarget": "user" to show the result to the user directly instead of reading it yourself.
Available tools:
{{range .Tools}}- {{.Name}}: {{.Description}}{{if .Input}} input: {{json .Input}}{{end}}
{{end}}{{end}}`

// Data is what the system prompt template can reference.
type Data struct {
	Now   time.Time
	Tools []api.ToolDescription
	Extra map[string]any
}

// Composer prepends a rendered system prompt to the history.
type Composer struct {
	system *template.Template
	tools  api.ToolCatalog

	// Now is injectable for tests.
	Now func() time.Time
}

// New parses systemPrompt as a text/template. tools may be nil.
func New(systemPrompt string, tools api.ToolCatalog) (*Composer, error) {
	tmpl, err := template.New("system").Funcs(template.FuncMap{
		"json": func(v any) (string, error) { return json.MarshalToString(v) },
	}).Parse(systemPrompt + toolSection)
	if err != nil {
		return nil, fmt.Errorf("system prompt: %w", err)
	}
	return &Composer{system: tmpl, tools: tools, Now: time.Now}, nil
}

// Compose builds system + history + tool results. History must contain at
// least one turn.
func (c *Composer) Compose(ctx context.Context, history []api.Turn, toolResults []api.Turn, extra map[string]any) ([]llm.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, errors.New("empty history")
	}

	data := Data{Now: c.Now(), Extra: extra}
	if c.tools != nil {
		data.Tools = c.tools.Tools()
	}

	var sb strings.Builder
	if err := c.system.Execute(&sb, data); err != nil {
		return nil, fmt.Errorf("render system prompt: %w", err)
	}

	msgs := make([]llm.Message, 0, len(history)+len(toolResults)+1)
	msgs = append(msgs, llm.NewSystemMessage(strings.TrimSpace(sb.String())))
	for _, t := range history {
		msgs = append(msgs, fromTurn(t))
	}
	for _, t := range toolResults {
		msgs = append(msgs, fromTurn(t))
	}
	return msgs, nil
}

// fromTurn maps a turn to a message. Models only know three roles, so tool
// results are presented as user input named after the tool.
func fromTurn(t api.Turn) llm.Message {
	var m llm.Message
	switch t.Role {
	case api.RoleAssistant:
		m = llm.NewAssistantMessage(t.Content)
	default:
		m = llm.NewUserMessage(t.Content)
	}
	m.Name = t.Speaker
	return m
}
