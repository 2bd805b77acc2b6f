package config

import (
	"fmt"
	"os"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

const (
	// AppConfigFile holds business settings (plugins, prompt).
	AppConfigFile = "config.json"
	// SystemConfigFile holds engine tuning; missing values fall back to defaults.
	SystemConfigFile = "system.json"

	// DefaultModelPlugin is the plugin asked for text streams when
	// config.json does not name one.
	DefaultModelPlugin = "llamaServer"
)

// PluginEntry is one element of the ordered "plugins" list in config.json.
// The list order is the load order.
type PluginEntry struct {
	// Name is the plugin's registered name (matched case-insensitively).
	Name string `json:"name"`
	// Config is handed verbatim to the plugin factory.
	Config jsoniter.RawMessage `json:"config,omitempty"`
	// Disabled entries are skipped at load time.
	Disabled bool `json:"disabled,omitempty"`
}

// Config defines the global application configuration structure.
// This structure maps directly to the config.json file.
type Config struct {
	// SystemPrompt is the persona/instruction text placed at the top of
	// every composed prompt.
	SystemPrompt string `json:"system_prompt"`
	// ModelPlugin names the plugin that produces text streams.
	ModelPlugin string `json:"model_plugin"`
	// Plugins lists the capability modules to load, in order.
	Plugins []PluginEntry `json:"plugins"`
}

// Validate ensures the configuration structure contains all mandatory fields.
func (c *Config) Validate() error {
	if len(c.Plugins) == 0 {
		return fmt.Errorf("mandatory 'plugins' configuration is missing or empty")
	}
	model := c.ModelPluginName()
	for _, p := range c.Plugins {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("plugin entry without a name")
		}
	}
	if _, ok := c.PluginConfigs()[strings.ToLower(model)]; !ok {
		return fmt.Errorf("model plugin %q is not listed in 'plugins'", model)
	}
	return nil
}

// ModelPluginName returns the configured model plugin or the default.
func (c *Config) ModelPluginName() string {
	if c.ModelPlugin == "" {
		return DefaultModelPlugin
	}
	return c.ModelPlugin
}

// PluginConfigs indexes enabled plugin configs by lower-cased name.
func (c *Config) PluginConfigs() map[string]jsoniter.RawMessage {
	out := make(map[string]jsoniter.RawMessage, len(c.Plugins))
	for _, p := range c.Plugins {
		if p.Disabled {
			continue
		}
		out[strings.ToLower(strings.TrimSpace(p.Name))] = p.Config
	}
	return out
}

// PluginNames returns enabled plugin names in load order.
func (c *Config) PluginNames() []string {
	names := make([]string, 0, len(c.Plugins))
	for _, p := range c.Plugins {
		if !p.Disabled {
			names = append(names, strings.TrimSpace(p.Name))
		}
	}
	return names
}

// SystemConfig defines engine-level technical parameters.
// These settings are usually stored in system.json and control the
// performance, reliability, and technical behavior of the engine.
type SystemConfig struct {
	// MaxRetries is the number of attempts per LLM provider before the
	// fallback client moves on to the next one.
	MaxRetries int `json:"max_retries"`
	// RetryDelayMs is the base wait between retry attempts.
	RetryDelayMs int `json:"retry_delay_ms"`
	// OllamaDefaultURL is used when an ollama provider group has no base_url.
	OllamaDefaultURL string `json:"ollama_default_url"`
	// InternalChannelBuffer sizes the Go channels carrying stream chunks.
	InternalChannelBuffer int `json:"internal_channel_buffer"`
	// TelegramMessageLimit is the maximum character count for a single
	// Telegram message. Longer replies are split.
	TelegramMessageLimit int `json:"telegram_message_limit"`
	// DownloadTimeoutMs bounds outbound HTTP calls made by tool plugins.
	DownloadTimeoutMs int `json:"download_timeout_ms"`
	// DebugChunks saves every raw LLM chunk under debug/chunks.
	DebugChunks bool `json:"debug_chunks"`
	// LogLevel sets the minimum severity: "debug", "info", "warn", "error".
	LogLevel string `json:"log_level"`

	// HistoryLimit bounds both the persisted-history read and the in-memory window.
	HistoryLimit int `json:"history_limit"`
	// HistoryExpirySec drops in-memory turns older than this.
	HistoryExpirySec int `json:"history_expiry_sec"`
	// HistoryDir is where the file history store keeps one file per speaker.
	HistoryDir string `json:"history_dir"`
	// ToolTimeoutMs bounds a single tool dispatch.
	ToolTimeoutMs int `json:"tool_timeout_ms"`
	// MaxToolRounds caps consecutive tool-triggered rounds of one task.
	MaxToolRounds int `json:"max_tool_rounds"`
	// FillerText is said to the user while a tool runs.
	FillerText string `json:"filler_text"`
	// QueueDelayMs is the pause between two plugin startups.
	QueueDelayMs int `json:"queue_delay_ms"`
	// StartupOrder is "priority" (descending plugin priority) or "load".
	StartupOrder string `json:"startup_order"`
}

// DefaultSystemConfig returns a SystemConfig pointer initialized with hardcoded
// safe default values. This is used as a fallback when the system.json file
// is missing or corrupt, ensuring the engine can always start.
func DefaultSystemConfig() *SystemConfig {
	return &SystemConfig{
		MaxRetries:            3,
		RetryDelayMs:          500,
		OllamaDefaultURL:      "http://localhost:11434",
		InternalChannelBuffer: 100,
		TelegramMessageLimit:  4000,
		DownloadTimeoutMs:     10000,
		LogLevel:              "info",
		HistoryLimit:          50,
		HistoryExpirySec:      600,
		HistoryDir:            "data/history",
		ToolTimeoutMs:         10000,
		MaxToolRounds:         5,
		FillerText:            "I'm checking, one moment.",
		QueueDelayMs:          300,
		StartupOrder:          "priority",
	}
}

// Load reads config.json and system.json from the current working directory.
func Load() (*Config, *SystemConfig, error) {
	return LoadFrom(AppConfigFile, SystemConfigFile)
}

// LoadFrom reads and validates the application config at appPath, then loads
// the system config at sysPath. Only the application config is mandatory.
func LoadFrom(appPath, sysPath string) (*Config, *SystemConfig, error) {
	if _, err := os.Stat(appPath); os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("config file '%s' not found. please create one", appPath)
	}

	appFile, err := os.ReadFile(appPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(appFile, &cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	return &cfg, LoadSystemConfig(sysPath), nil
}

// LoadSystemConfig attempts to load system settings, returns defaults if it fails
func LoadSystemConfig(path string) *SystemConfig {
	cfg := DefaultSystemConfig()

	file, err := os.ReadFile(path)
	if err != nil {
		return cfg // File not found, use defaults
	}

	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(file, cfg); err != nil {
		return DefaultSystemConfig() // Parse failed, use defaults
	}

	return cfg
}
