// Package toolreference is the toolReference tool: it lets the model look up
// the tools that are currently loaded.
package toolreference

import (
	"context"
	"fmt"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"companion/pkg/api"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Request names one tool for its full definition; empty lists them all.
type Request struct {
	Tool string `json:"tool,omitempty"`
}

type Plugin struct {
	catalog api.ToolCatalog

	mu     sync.Mutex
	online bool
}

func New(catalog api.ToolCatalog) *Plugin {
	return &Plugin{catalog: catalog}
}

func (p *Plugin) Priority() int { return 50 }

func (p *Plugin) UpdateStrategy(context.Context) error { return nil }

func (p *Plugin) Online(context.Context, api.Options) error {
	p.mu.Lock()
	p.online = true
	p.mu.Unlock()
	return nil
}

func (p *Plugin) Offline(context.Context) error {
	p.mu.Lock()
	p.online = false
	p.mu.Unlock()
	return nil
}

func (p *Plugin) Restart(ctx context.Context, opts api.Options) error {
	_ = p.Offline(ctx)
	return p.Online(ctx, opts)
}

func (p *Plugin) State(context.Context) (api.PluginState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.online {
		return api.PluginOnline, nil
	}
	return api.PluginOffline, nil
}

func (p *Plugin) Describe() api.ToolDescription {
	return api.ToolDescription{
		Name:        "toolReference",
		Description: "Lists the tools you can call, or the full definition of one of them.",
		Input:       map[string]string{"tool": "tool name for its full definition (optional)"},
		Usage: []string{
			`{"toolName":"toolReference","input":{}}`,
			`{"toolName":"toolReference","input":{"tool":"weatherSystem"}}`,
		},
	}
}

// Send returns a one-line-per-tool summary or one full ToolDescription.
func (p *Plugin) Send(_ context.Context, data any) (any, error) {
	if st, _ := p.State(context.Background()); st != api.PluginOnline {
		return api.Fail("toolReference is offline"), nil
	}
	if p.catalog == nil {
		return api.Fail("no tool catalog"), nil
	}

	var req Request
	if raw, ok := data.(jsoniter.RawMessage); ok && len(raw) > 0 {
		if err := json.Unmarshal(raw, &req); err != nil {
			return api.Fail("invalid input: " + err.Error()), nil
		}
	}

	tools := p.catalog.Tools()
	if name := strings.TrimSpace(req.Tool); name != "" {
		for _, t := range tools {
			if strings.EqualFold(t.Name, name) {
				return api.OK(t), nil
			}
		}
		return api.Fail(fmt.Sprintf("no tool named %q", name)), nil
	}
	return api.OK(Summary(tools)), nil
}

// Summary renders one "- name: description" line per tool.
func Summary(tools []api.ToolDescription) string {
	if len(tools) == 0 {
		return "No tools are loaded."
	}
	var sb strings.Builder
	for _, t := range tools {
		fmt.Fprintf(&sb, "- %s: %s\n", t.Name, t.Description)
	}
	return strings.TrimRight(sb.String(), "\n")
}

var (
	_ api.Plugin    = (*Plugin)(nil)
	_ api.Sender    = (*Plugin)(nil)
	_ api.Describer = (*Plugin)(nil)
)
