package telegram

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"companion/pkg/api"
	"companion/pkg/plugin"
)

// Factory 負責建立 Telegram 前端
type Factory struct{}

// Create 實作 plugin.Factory
func (f *Factory) Create(rawConfig jsoniter.RawMessage, env plugin.Env) (api.Plugin, error) {
	var cfg Config
	if err := plugin.DecodeConfig(rawConfig, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse telegram config: %w", err)
	}

	if cfg.Token == "" {
		return nil, fmt.Errorf("missing telegram token")
	}

	limit := 0
	if env.System != nil {
		limit = env.System.TelegramMessageLimit
	}
	return New(cfg, env.Conversation, limit), nil
}

func init() {
	plugin.RegisterFactory("telegram", &Factory{})
}
