package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"companion/pkg/api"
	"companion/pkg/config"

	jsoniter "github.com/json-iterator/go"
)

// QueueAllOnline 的啟動順序策略
const (
	OrderPriority = "priority" // descending priority, ties in load order
	OrderLoad     = "load"     // load order
)

// Record 代表一個已載入的插件
type Record struct {
	ID       string
	Plugin   api.Plugin
	Priority int

	seq int
}

// Dispatcher tracks loaded plugins by normalized name, manages their
// lifecycle and forwards payloads to their Send entry point.
type Dispatcher struct {
	mu      sync.RWMutex
	records map[string]*Record
	seq     int

	system       *config.SystemConfig
	configs      map[string]jsoniter.RawMessage
	conversation api.Conversation

	queue *startQueue
}

// NewDispatcher creates an empty dispatcher. configs maps normalized plugin
// names to their raw config entry.
func NewDispatcher(system *config.SystemConfig, configs map[string]jsoniter.RawMessage) *Dispatcher {
	if system == nil {
		system = config.DefaultSystemConfig()
	}
	if configs == nil {
		configs = make(map[string]jsoniter.RawMessage)
	}
	d := &Dispatcher{
		records: make(map[string]*Record),
		system:  system,
		configs: configs,
	}
	d.queue = newStartQueue(time.Duration(system.QueueDelayMs)*time.Millisecond, d.online)
	return d
}

// SetConversation attaches the conversation handed to plugins created after
// this call.
func (d *Dispatcher) SetConversation(c api.Conversation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conversation = c
}

// SetSystemConfig 替換系統設定 (例如熱更新之後)
func (d *Dispatcher) SetSystemConfig(system *config.SystemConfig) {
	if system == nil {
		return
	}
	d.mu.Lock()
	d.system = system
	d.mu.Unlock()
	d.queue.setDelay(time.Duration(system.QueueDelayMs) * time.Millisecond)
}

// SetConfigs 替換之後載入時使用的各插件原始設定
func (d *Dispatcher) SetConfigs(configs map[string]jsoniter.RawMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.configs = configs
}

func (d *Dispatcher) env() Env {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Env{
		System:       d.system,
		Configs:      d.configs,
		Conversation: d.conversation,
		Dispatcher:   d,
	}
}

// Load builds the named plugin through its registered factory, lets it pick
// its strategy and records it. Loading an already loaded name is a no-op.
func (d *Dispatcher) Load(ctx context.Context, name string) error {
	id := Normalize(name)
	if d.Loaded(id) {
		return nil
	}

	factory, ok := GetFactory(id)
	if !ok {
		return fmt.Errorf("plugin %q: no such module", name)
	}

	env := d.env()
	p, err := factory.Create(env.Configs[id], env)
	if err != nil {
		return fmt.Errorf("plugin %q: create: %w", name, err)
	}
	if p == nil {
		return fmt.Errorf("plugin %q: factory returned nothing", name)
	}

	if err := guard(id, "updateStrategy", func() error { return p.UpdateStrategy(ctx) }); err != nil {
		return fmt.Errorf("plugin %q: %w", name, err)
	}

	d.Register(id, p)
	slog.InfoContext(ctx, "Plugin loaded", "name", id, "priority", p.Priority())
	return nil
}

// Register installs an already built plugin, replacing any plugin of the
// same name.
func (d *Dispatcher) Register(name string, p api.Plugin) {
	id := Normalize(name)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	d.records[id] = &Record{ID: id, Plugin: p, Priority: p.Priority(), seq: d.seq}
}

// Loaded 檢查插件是否已載入
func (d *Dispatcher) Loaded(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.records[Normalize(name)]
	return ok
}

// Plugin 取得特定的已載入插件
func (d *Dispatcher) Plugin(name string) (api.Plugin, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.records[Normalize(name)]
	if !ok {
		return nil, false
	}
	return rec.Plugin, true
}

// Names 依載入順序列出所有插件
func (d *Dispatcher) Names() []string {
	recs := d.snapshot(OrderLoad)
	names := make([]string, len(recs))
	for i, r := range recs {
		names[i] = r.ID
	}
	return names
}

// snapshot copies the records sorted by the given policy.
func (d *Dispatcher) snapshot(order string) []Record {
	d.mu.RLock()
	recs := make([]Record, 0, len(d.records))
	for _, r := range d.records {
		recs = append(recs, *r)
	}
	d.mu.RUnlock()

	sort.SliceStable(recs, func(i, j int) bool {
		if order == OrderPriority && recs[i].Priority != recs[j].Priority {
			return recs[i].Priority > recs[j].Priority
		}
		return recs[i].seq < recs[j].seq
	})
	return recs
}

// Call invokes the plugin's Send entry point and returns its result.
// Panics are recovered and returned as errors.
func (d *Dispatcher) Call(ctx context.Context, name string, data any) (res any, err error) {
	p, ok := d.Plugin(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrPluginNotLoaded, name)
	}
	sender, ok := p.(api.Sender)
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrNoSender, name)
	}

	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "Plugin send panicked", "name", name, "error", r)
			res, err = nil, fmt.Errorf("plugin %s panicked: %v", name, r)
		}
	}()
	return sender.Send(ctx, data)
}

// Send delivers data to the plugin. It returns (false, false) when the plugin
// is missing, has no Send or fails, and (true, true) when it returns nothing.
func (d *Dispatcher) Send(ctx context.Context, name string, data any) (any, bool) {
	res, err := d.Call(ctx, name, data)
	if err != nil {
		if errors.Is(err, api.ErrPluginNotLoaded) || errors.Is(err, api.ErrNoSender) {
			slog.WarnContext(ctx, "Send skipped", "name", name, "reason", err)
		} else {
			slog.ErrorContext(ctx, "Send failed", "name", name, "error", err)
		}
		return false, false
	}
	if res == nil {
		return true, true
	}
	return res, true
}

// State returns the plugin's reported state, or PluginNotLoaded.
func (d *Dispatcher) State(ctx context.Context, name string) (st api.PluginState, err error) {
	p, ok := d.Plugin(name)
	if !ok {
		return api.PluginNotLoaded, nil
	}
	defer func() {
		if r := recover(); r != nil {
			st, err = api.PluginError, fmt.Errorf("plugin %s panicked in state: %v", name, r)
		}
	}()
	return p.State(ctx)
}

// online brings one plugin up. It reports false without error when the
// plugin already was online.
func (d *Dispatcher) online(ctx context.Context, name string, opts api.Options) (bool, error) {
	p, ok := d.Plugin(name)
	if !ok {
		return false, fmt.Errorf("%w: %s", api.ErrPluginNotLoaded, name)
	}
	if st, err := d.State(ctx, name); err == nil && st == api.PluginOnline {
		slog.DebugContext(ctx, "Plugin already online", "name", name)
		return false, nil
	}

	slog.InfoContext(ctx, "Starting plugin", "name", name)
	if err := guard(name, "online", func() error { return p.Online(ctx, opts) }); err != nil {
		slog.ErrorContext(ctx, "Plugin failed to start", "name", name, "error", err)
		return false, err
	}
	return true, nil
}

// QueueOnline enqueues name on the single-concurrency startup queue and
// waits for that task only.
func (d *Dispatcher) QueueOnline(ctx context.Context, name string, opts api.Options) (bool, error) {
	if !d.Loaded(name) {
		return false, fmt.Errorf("%w: %s", api.ErrPluginNotLoaded, name)
	}
	return d.queue.enqueue(ctx, Normalize(name), opts).wait(ctx)
}

// QueueAllOnline enqueues every loaded plugin in the configured startup
// order and waits for all of them.
func (d *Dispatcher) QueueAllOnline(ctx context.Context, opts api.Options) error {
	d.mu.RLock()
	order := d.system.StartupOrder
	d.mu.RUnlock()

	recs := d.snapshot(order)
	tasks := make([]*startTask, len(recs))
	for i, r := range recs {
		tasks[i] = d.queue.enqueue(ctx, r.ID, opts)
	}

	var errs []error
	for i, t := range tasks {
		if _, err := t.wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", recs[i].ID, err))
		}
	}
	return errors.Join(errs...)
}

// OfflineAll 依載入的反序逐一停止所有插件
func (d *Dispatcher) OfflineAll(ctx context.Context) error {
	recs := d.snapshot(OrderLoad)
	var errs []error
	for i := len(recs) - 1; i >= 0; i-- {
		r := recs[i]
		slog.InfoContext(ctx, "Stopping plugin", "name", r.ID)
		if err := guard(r.ID, "offline", func() error { return r.Plugin.Offline(ctx) }); err != nil {
			slog.ErrorContext(ctx, "Error stopping plugin", "name", r.ID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", r.ID, err))
		}
	}
	return errors.Join(errs...)
}

// RestartAll restarts every plugin, sequentially, in the startup order.
func (d *Dispatcher) RestartAll(ctx context.Context, opts api.Options) error {
	d.mu.RLock()
	order := d.system.StartupOrder
	d.mu.RUnlock()

	var errs []error
	for _, r := range d.snapshot(order) {
		slog.InfoContext(ctx, "Restarting plugin", "name", r.ID)
		if err := guard(r.ID, "restart", func() error { return r.Plugin.Restart(ctx, opts) }); err != nil {
			slog.ErrorContext(ctx, "Error restarting plugin", "name", r.ID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", r.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Tools describes every loaded plugin usable as a tool, in load order.
func (d *Dispatcher) Tools() []api.ToolDescription {
	var tools []api.ToolDescription
	for _, r := range d.snapshot(OrderLoad) {
		desc, ok := r.Plugin.(api.Describer)
		if !ok {
			continue
		}
		td := desc.Describe()
		if td.Name == "" {
			td.Name = r.ID
		}
		if td.Plugin == "" {
			td.Plugin = r.ID
		}
		tools = append(tools, td)
	}
	return tools
}

// guard 執行 fn，並將 panic 轉為 error
func guard(name, op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("plugin %s panicked in %s: %v", name, op, r)
		}
	}()
	return fn()
}
