package scheduler

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"companion/pkg/api"
	"companion/pkg/plugin"
)

// Factory 負責建立排程插件
type Factory struct{}

// Create 實作 plugin.Factory
func (f *Factory) Create(rawConfig jsoniter.RawMessage, env plugin.Env) (api.Plugin, error) {
	var cfg Config
	if err := plugin.DecodeConfig(rawConfig, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse scheduler config: %w", err)
	}
	return New(cfg, env.Conversation)
}

func init() {
	plugin.RegisterFactory("scheduler", &Factory{})
}
