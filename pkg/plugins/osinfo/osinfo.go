// Package osinfo is the osInfo tool: read-only facts about the host system.
package osinfo

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"companion/pkg/api"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Masked replaces sensitive values.
const Masked = "***masked***"

// worker holds what differs per OS. Each platform file provides newWorker.
type worker interface {
	Name() string
	Release() (string, error)
	Uptime() (time.Duration, error)
}

type Config struct {
	// ExposeHostname lifts the hostname mask.
	ExposeHostname bool `json:"expose_hostname,omitempty"`
}

type Request struct {
	Action string `json:"action"` // summary (default), get, uptime
	Field  string `json:"field,omitempty"`
}

// Fields lists what "get" accepts.
var Fields = []string{"arch", "cpus", "go", "hostname", "platform", "release", "type"}

var sensitive = map[string]bool{"hostname": true}

type Plugin struct {
	cfg    Config
	worker worker

	mu     sync.Mutex
	online bool
	cache  map[string]string
}

func New(cfg Config) *Plugin {
	return &Plugin{cfg: cfg, worker: newWorker()}
}

func (p *Plugin) Priority() int { return 10 }

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
	p.cache = nil
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
		Name:        "osInfo",
		Description: fmt.Sprintf("Facts about the machine you run on (currently %s).", runtime.GOOS),
		Input: map[string]string{
			"action": "summary (default) | get | uptime",
			"field":  "for get: " + strings.Join(Fields, ", "),
		},
		Usage: []string{`{"toolName":"osInfo","input":{"action":"uptime"}}`},
	}
}

func (p *Plugin) Send(_ context.Context, data any) (any, error) {
	if st, _ := p.State(context.Background()); st != api.PluginOnline {
		return api.Fail("osInfo is offline"), nil
	}
	var req Request
	if err := decode(data, &req); err != nil {
		return api.Fail("invalid input: " + err.Error()), nil
	}

	switch strings.ToLower(req.Action) {
	case "", "summary":
		return api.OK(p.summary()), nil
	case "get":
		value, ok := p.summary()[req.Field]
		if !ok {
			return api.Fail(fmt.Sprintf("unknown field %q, valid fields: %s", req.Field, strings.Join(Fields, ", "))), nil
		}
		return api.OK(map[string]string{req.Field: value}), nil
	case "uptime":
		up, err := p.worker.Uptime()
		if err != nil {
			return api.Fail(err.Error()), nil
		}
		up = up.Truncate(time.Second)
		return api.OK(map[string]any{"uptime": up.String(), "seconds": int64(up / time.Second)}), nil
	default:
		return api.Fail(fmt.Sprintf("unsupported action: %s", req.Action)), nil
	}
}

// summary is computed once per online period.
func (p *Plugin) summary() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cache != nil {
		return copyMap(p.cache)
	}

	info := map[string]string{
		"platform": runtime.GOOS,
		"arch":     runtime.GOARCH,
		"type":     p.worker.Name(),
		"cpus":     fmt.Sprint(runtime.NumCPU()),
		"go":       runtime.Version(),
	}
	if host, err := os.Hostname(); err == nil {
		info["hostname"] = host
	}
	if rel, err := p.worker.Release(); err == nil {
		info["release"] = rel
	}
	for k := range info {
		if sensitive[k] && !p.cfg.ExposeHostname {
			info[k] = Masked
		}
	}
	p.cache = info
	return copyMap(info)
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func decode(data any, v any) error {
	switch d := data.(type) {
	case nil:
		return nil
	case jsoniter.RawMessage:
		if len(d) == 0 {
			return nil
		}
		return json.Unmarshal(d, v)
	case []byte:
		return json.Unmarshal(d, v)
	default:
		raw, err := json.Marshal(d)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, v)
	}
}

var (
	_ api.Plugin    = (*Plugin)(nil)
	_ api.Sender    = (*Plugin)(nil)
	_ api.Describer = (*Plugin)(nil)
)
