// Package host assembles the plugin dispatcher, the conversation
// orchestrator and the monitor into one running process.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"companion/pkg/api"
	"companion/pkg/config"
	"companion/pkg/conversation"
	"companion/pkg/llm"
	"companion/pkg/monitor"
	"companion/pkg/plugin"
	"companion/pkg/prompt"
)

// Host owns the running components.
type Host struct {
	mu     sync.Mutex
	app    *config.Config
	system *config.SystemConfig

	dispatcher *plugin.Dispatcher
	conv       *conversation.Orchestrator
	composer   *composerRef
	monitor    monitor.Monitor
	detach     func()
	stopped    bool
}

// Conversation is the running orchestrator.
func (h *Host) Conversation() *conversation.Orchestrator {
	return h.conv
}

// Dispatcher is the plugin dispatcher.
func (h *Host) Dispatcher() *plugin.Dispatcher {
	return h.dispatcher
}

// loadAll loads the enabled plugins of the current config in order.
func (h *Host) loadAll(ctx context.Context) error {
	h.mu.Lock()
	app := h.app
	h.mu.Unlock()

	model := plugin.Normalize(app.ModelPluginName())
	for _, name := range app.PluginNames() {
		if err := h.dispatcher.Load(ctx, name); err != nil {
			if plugin.Normalize(name) == model {
				return fmt.Errorf("host: model plugin: %w", err)
			}
			slog.ErrorContext(ctx, "Failed to load plugin", "name", name, "error", err)
		}
	}
	return nil
}

// Reload applies new configs: settings and the system prompt take effect
// for the next round, plugins added to config.json are loaded, and every
// plugin is restarted. A nil argument keeps the current value.
func (h *Host) Reload(ctx context.Context, app *config.Config, system *config.SystemConfig) error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return errors.New("host: stopped")
	}
	if app != nil {
		if err := app.Validate(); err != nil {
			h.mu.Unlock()
			return fmt.Errorf("host: %w", err)
		}
		h.app = app
	}
	if system != nil {
		h.system = system
	}
	app, system = h.app, h.system
	h.mu.Unlock()

	slog.InfoContext(ctx, "Reloading configuration")
	h.dispatcher.SetSystemConfig(system)
	h.dispatcher.SetConfigs(app.PluginConfigs())
	h.conv.SetSettings(conversation.SettingsFrom(app, system))
	if err := h.composer.reset(app.SystemPrompt, h.dispatcher); err != nil {
		slog.ErrorContext(ctx, "System prompt rejected, keeping the old one", "error", err)
	}

	if err := h.loadAll(ctx); err != nil {
		return err
	}
	return h.dispatcher.RestartAll(ctx, api.Options{})
}

// Stop takes every plugin offline, then closes the conversation and the
// monitor. It is safe to call more than once.
func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	h.mu.Unlock()

	return h.shutdown(ctx)
}

func (h *Host) shutdown(ctx context.Context) error {
	err := h.dispatcher.OfflineAll(ctx)
	if h.detach != nil {
		h.detach()
	}
	h.conv.Close()
	if h.monitor != nil {
		if merr := h.monitor.Stop(); merr != nil {
			err = errors.Join(err, merr)
		}
	}
	return err
}

// composerRef lets a reload swap the system prompt under the running
// orchestrator.
type composerRef struct {
	p atomic.Pointer[prompt.Composer]
}

func newComposer(systemPrompt string, tools api.ToolCatalog) (*composerRef, error) {
	ref := &composerRef{}
	if err := ref.reset(systemPrompt, tools); err != nil {
		return nil, err
	}
	return ref, nil
}

func (c *composerRef) reset(systemPrompt string, tools api.ToolCatalog) error {
	p, err := prompt.New(systemPrompt, tools)
	if err != nil {
		return err
	}
	c.p.Store(p)
	return nil
}

func (c *composerRef) Compose(ctx context.Context, history []api.Turn, toolResults []api.Turn, extra map[string]any) ([]llm.Message, error) {
	return c.p.Load().Compose(ctx, history, toolResults, extra)
}
