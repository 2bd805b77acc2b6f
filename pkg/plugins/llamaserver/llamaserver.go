// Package llamaserver is the language-model plugin. It owns one llm.LLMClient
// per strategy and answers Send with a cancellable chunk stream.
package llamaserver

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"companion/pkg/api"
	"companion/pkg/config"
	"companion/pkg/llm"
)

// Strategy names accepted in Config.Strategy and api.Options.Mode.
const (
	StrategyLocal  = "local"
	StrategyRemote = "remote"
	StrategyGemini = "gemini"
)

const heartbeatTTL = 5 * time.Second

// Config selects the active strategy. Each strategy is a list of provider
// groups, the same shape llm.ParseGroups reads.
type Config struct {
	Strategy   string                         `json:"strategy"`
	Strategies map[string]jsoniter.RawMessage `json:"strategies"`
}

// Plugin streams model replies for composed prompts.
type Plugin struct {
	cfg    Config
	system *config.SystemConfig

	mu       sync.Mutex
	strategy string
	clients  map[string]llm.LLMClient
	state    api.PluginState

	lastPing time.Time
	pingErr  error
}

func New(cfg Config, system *config.SystemConfig) *Plugin {
	if system == nil {
		system = config.DefaultSystemConfig()
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyLocal
	}
	return &Plugin{
		cfg:     cfg,
		system:  system,
		clients: make(map[string]llm.LLMClient),
		state:   api.PluginOffline,
	}
}

func (p *Plugin) Priority() int { return 10 }

// UpdateStrategy picks the configured strategy and builds its client.
func (p *Plugin) UpdateStrategy(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.switchTo(ctx, p.cfg.Strategy)
}

// Strategy reports the active strategy.
func (p *Plugin) Strategy() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.strategy
}

// Strategies lists the configured strategy names.
func (p *Plugin) Strategies() []string {
	names := make([]string, 0, len(p.cfg.Strategies))
	for name := range p.cfg.Strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// switchTo must be called with p.mu held.
func (p *Plugin) switchTo(ctx context.Context, strategy string) error {
	if _, ok := p.clients[strategy]; ok {
		p.strategy = strategy
		return nil
	}
	raw, ok := p.cfg.Strategies[strategy]
	if !ok {
		return fmt.Errorf("llamaServer: unknown strategy %q", strategy)
	}
	groups, err := llm.ParseGroups(raw)
	if err != nil {
		return fmt.Errorf("llamaServer: strategy %s: %w", strategy, err)
	}
	client, err := llm.NewFromGroups(groups, p.system)
	if err != nil {
		return fmt.Errorf("llamaServer: strategy %s: %w", strategy, err)
	}
	p.clients[strategy] = client
	p.strategy = strategy
	p.lastPing = time.Time{}
	slog.InfoContext(ctx, "LLM strategy selected", "strategy", strategy, "provider", client.Provider())
	return nil
}

// Online switches to opts.Mode when given and checks the backend is reachable.
func (p *Plugin) Online(ctx context.Context, opts api.Options) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	strategy := p.strategy
	if opts.Mode != "" {
		strategy = opts.Mode
	}
	if strategy == "" {
		strategy = p.cfg.Strategy
	}
	if err := p.switchTo(ctx, strategy); err != nil {
		p.state = api.PluginError
		return err
	}

	if err := p.pingLocked(ctx, true); err != nil {
		p.state = api.PluginError
		return fmt.Errorf("llamaServer: %s backend unreachable: %w", strategy, err)
	}
	p.state = api.PluginOnline
	return nil
}

func (p *Plugin) Offline(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = api.PluginOffline
	return nil
}

func (p *Plugin) Restart(ctx context.Context, opts api.Options) error {
	if err := p.Offline(ctx); err != nil {
		return err
	}
	return p.Online(ctx, opts)
}

// State reports online only while the backend answers its heartbeat.
func (p *Plugin) State(ctx context.Context) (api.PluginState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != api.PluginOnline {
		return p.state, nil
	}
	if err := p.pingLocked(ctx, false); err != nil {
		slog.WarnContext(ctx, "LLM heartbeat failed", "strategy", p.strategy, "error", err)
		return api.PluginError, nil
	}
	return api.PluginOnline, nil
}

// pingLocked pings the active client, reusing a recent result unless force.
func (p *Plugin) pingLocked(ctx context.Context, force bool) error {
	client := p.clients[p.strategy]
	pinger, ok := client.(llm.Pinger)
	if !ok {
		return nil
	}
	if !force && !p.lastPing.IsZero() && time.Since(p.lastPing) < heartbeatTTL {
		return p.pingErr
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	p.pingErr = pinger.Ping(ctx)
	p.lastPing = time.Now()
	return p.pingErr
}

// Send starts a stream for a composed prompt ([]llm.Message). The returned
// *llm.Stream cancels the upstream request when cancelled.
func (p *Plugin) Send(ctx context.Context, data any) (any, error) {
	messages, ok := data.([]llm.Message)
	if !ok {
		return nil, fmt.Errorf("llamaServer: expected []llm.Message, got %T", data)
	}

	p.mu.Lock()
	state := p.state
	client := p.clients[p.strategy]
	p.mu.Unlock()

	if state != api.PluginOnline || client == nil {
		return nil, fmt.Errorf("llamaServer: %w", api.ErrServiceUnavailable)
	}

	// The stream outlives Send, so it gets its own cancel handle.
	streamCtx, cancel := context.WithCancel(ctx)
	ch, err := client.StreamChat(streamCtx, messages)
	if err != nil {
		cancel()
		return nil, err
	}
	return llm.NewStream(ch, cancel), nil
}

var (
	_ api.Plugin = (*Plugin)(nil)
	_ api.Sender = (*Plugin)(nil)
)
