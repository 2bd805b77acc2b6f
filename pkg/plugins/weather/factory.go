package weather

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	"companion/pkg/api"
	"companion/pkg/plugin"
)

// Factory 負責建立天氣工具
type Factory struct{}

// Create 實作 plugin.Factory
func (f *Factory) Create(rawConfig jsoniter.RawMessage, env plugin.Env) (api.Plugin, error) {
	var cfg Config
	if err := plugin.DecodeConfig(rawConfig, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse weatherSystem config: %w", err)
	}

	timeout := 10 * time.Second
	if env.System != nil && env.System.DownloadTimeoutMs > 0 {
		timeout = time.Duration(env.System.DownloadTimeoutMs) * time.Millisecond
	}
	return New(cfg, timeout), nil
}

func init() {
	plugin.RegisterFactory("weatherSystem", &Factory{})
}
