package osinfo

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"companion/pkg/api"
	"companion/pkg/plugin"
)

// Factory 負責建立系統資訊工具
type Factory struct{}

// Create 實作 plugin.Factory
func (f *Factory) Create(rawConfig jsoniter.RawMessage, _ plugin.Env) (api.Plugin, error) {
	var cfg Config
	if err := plugin.DecodeConfig(rawConfig, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse osInfo config: %w", err)
	}
	return New(cfg), nil
}

func init() {
	plugin.RegisterFactory("osInfo", &Factory{})
}
