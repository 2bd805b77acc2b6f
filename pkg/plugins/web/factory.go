package web

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"companion/pkg/api"
	"companion/pkg/plugin"
)

// Factory 負責建立 Web 前端
type Factory struct{}

// Create 實作 plugin.Factory
func (f *Factory) Create(rawConfig jsoniter.RawMessage, env plugin.Env) (api.Plugin, error) {
	var cfg Config
	// 設定預設 Port
	cfg.Port = 9453

	if err := plugin.DecodeConfig(rawConfig, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse web config: %w", err)
	}

	var dir api.PluginDirectory
	if env.Dispatcher != nil {
		dir = env.Dispatcher
	}
	return New(cfg, env.Conversation, dir), nil
}

func init() {
	plugin.RegisterFactory("web", &Factory{})
}
