package clock

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"companion/pkg/api"
	"companion/pkg/plugin"
)

func decodeConfig(raw jsoniter.RawMessage) (Config, error) {
	var cfg Config
	if err := plugin.DecodeConfig(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse clock config: %w", err)
	}
	return cfg, nil
}

func init() {
	plugin.RegisterFactory("getTime", plugin.FactoryFunc(func(raw jsoniter.RawMessage, _ plugin.Env) (api.Plugin, error) {
		cfg, err := decodeConfig(raw)
		if err != nil {
			return nil, err
		}
		return NewGetTime(cfg), nil
	}))
	plugin.RegisterFactory("diffTime", plugin.FactoryFunc(func(raw jsoniter.RawMessage, _ plugin.Env) (api.Plugin, error) {
		cfg, err := decodeConfig(raw)
		if err != nil {
			return nil, err
		}
		return NewDiffTime(cfg), nil
	}))
}
