package api

import "context"

// PluginState is the numeric state reported by a plugin.
type PluginState int

const (
	PluginOnline    PluginState = 1
	PluginOffline   PluginState = 0
	PluginError     PluginState = -1
	PluginNotLoaded PluginState = -2 // assigned by the dispatcher, never by a plugin
)

func (s PluginState) String() string {
	switch s {
	case PluginOnline:
		return "online"
	case PluginOffline:
		return "offline"
	case PluginError:
		return "error"
	case PluginNotLoaded:
		return "not_loaded"
	default:
		return "unknown"
	}
}

// Options are passed to Online and Restart.
// Mode selects a plugin strategy (e.g. "local", "remote"); empty keeps the current one.
type Options struct {
	Mode   string         `json:"mode,omitempty"`
	Values map[string]any `json:"values,omitempty"`
}

// Lifecycle is the contract every plugin satisfies.
type Lifecycle interface {
	Online(ctx context.Context, opts Options) error
	Offline(ctx context.Context) error
	Restart(ctx context.Context, opts Options) error
	State(ctx context.Context) (PluginState, error)
}

// Plugin is a loadable capability module.
type Plugin interface {
	Lifecycle
	// UpdateStrategy lets the plugin pick its internal implementation.
	// The dispatcher calls it once right after loading.
	UpdateStrategy(ctx context.Context) error
	// Priority orders startup when the priority policy is active.
	Priority() int
}

// Sender is the optional entry point used for tool calls and for
// requesting streams from the language-model plugin.
type Sender interface {
	Send(ctx context.Context, data any) (any, error)
}

// Describer is implemented by plugins that can be invoked as tools.
type Describer interface {
	Describe() ToolDescription
}

// ToolCatalog lists the tools currently loaded.
type ToolCatalog interface {
	Tools() []ToolDescription
}

// PluginDirectory is the read-only view front-end plugins use to report
// plugin health.
type PluginDirectory interface {
	Names() []string
	State(ctx context.Context, name string) (PluginState, error)
}
