package llamaserver

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"companion/pkg/api"
	"companion/pkg/plugin"
)

// Factory 負責建立語言模型插件
type Factory struct{}

// Create 實作 plugin.Factory
func (f *Factory) Create(rawConfig jsoniter.RawMessage, env plugin.Env) (api.Plugin, error) {
	var cfg Config
	if err := plugin.DecodeConfig(rawConfig, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse llamaServer config: %w", err)
	}
	if len(cfg.Strategies) == 0 {
		return nil, fmt.Errorf("llamaServer: no strategies configured")
	}
	return New(cfg, env.System), nil
}

func init() {
	plugin.RegisterFactory("llamaServer", &Factory{})
}
