package host

import (
	"context"
	"fmt"
	"log/slog"

	"companion/pkg/api"
	"companion/pkg/config"
	"companion/pkg/conversation"
	"companion/pkg/history"
	"companion/pkg/monitor"
	"companion/pkg/plugin"
)

// Builder provides a fluent builder pattern interface for constructing
// and starting a Host with all its dependencies.
//
// Plugins named in config.json are built through their registered
// factories; pre-built instances can be injected with WithPlugin.
type Builder struct {
	app     *config.Config        // Business settings (plugins, prompt)
	system  *config.SystemConfig  // Technical parameters
	monitor monitor.Monitor       // Monitoring implementation to be injected
	store   history.Store         // Persistent history; a file store by default
	plugins map[string]api.Plugin // Pre-built plugins, registered before loading
	order   []string
}

// NewBuilder creates a fresh Builder.
func NewBuilder() *Builder {
	return &Builder{plugins: make(map[string]api.Plugin)}
}

// WithConfig provides the application config. It is mandatory.
func (b *Builder) WithConfig(cfg *config.Config) *Builder {
	b.app = cfg
	return b
}

// WithSystemConfig provides engine-level technical parameters.
func (b *Builder) WithSystemConfig(cfg *config.SystemConfig) *Builder {
	b.system = cfg
	return b
}

// WithMonitor injects a monitoring implementation.
// It is started during Build and sees every conversation event.
func (b *Builder) WithMonitor(m monitor.Monitor) *Builder {
	b.monitor = m
	return b
}

// WithHistoryStore replaces the default file history store.
func (b *Builder) WithHistoryStore(s history.Store) *Builder {
	b.store = s
	return b
}

// WithPlugin registers a pre-built plugin under name. A config entry of
// the same name is then not built from its factory.
func (b *Builder) WithPlugin(name string, p api.Plugin) *Builder {
	id := plugin.Normalize(name)
	if _, ok := b.plugins[id]; !ok {
		b.order = append(b.order, id)
	}
	b.plugins[id] = p
	return b
}

// Build assembles the host, loads every configured plugin and brings them
// online through the startup queue. Plugins that fail to load or start are
// logged and skipped; only a model plugin that cannot be loaded is fatal.
func (b *Builder) Build(ctx context.Context) (*Host, error) {
	if b.app == nil {
		return nil, fmt.Errorf("host: application config is required")
	}
	if err := b.app.Validate(); err != nil {
		return nil, fmt.Errorf("host: %w", err)
	}
	if b.system == nil {
		b.system = config.DefaultSystemConfig()
	}

	// 0. 歷史紀錄儲存
	store := b.store
	if store == nil {
		fs, err := history.NewFileStore(b.system.HistoryDir)
		if err != nil {
			return nil, fmt.Errorf("host: history store: %w", err)
		}
		store = fs
	}

	// 1. 建立 Dispatcher 與對話
	d := plugin.NewDispatcher(b.system, b.app.PluginConfigs())
	composer, err := newComposer(b.app.SystemPrompt, d)
	if err != nil {
		return nil, fmt.Errorf("host: %w", err)
	}
	conv := conversation.New(d, composer, store, conversation.SettingsFrom(b.app, b.system))
	d.SetConversation(conv)

	h := &Host{
		app:        b.app,
		system:     b.system,
		dispatcher: d,
		conv:       conv,
		composer:   composer,
		monitor:    b.monitor,
	}

	// 2. 監控器
	if b.monitor != nil {
		if err := b.monitor.Start(); err != nil {
			conv.Close()
			return nil, fmt.Errorf("failed to start monitor: %w", err)
		}
		h.detach = monitor.Attach(conv, b.monitor)
	}

	// 3. 載入插件
	for _, id := range b.order {
		d.Register(id, b.plugins[id])
	}
	if err := h.loadAll(ctx); err != nil {
		h.shutdown(ctx)
		return nil, err
	}

	// 4. 啟動所有插件
	if err := d.QueueAllOnline(ctx, api.Options{}); err != nil {
		slog.WarnContext(ctx, "Some plugins failed to start", "error", err)
	}
	return h, nil
}
