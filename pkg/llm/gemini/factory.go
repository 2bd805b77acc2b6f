package gemini

import (
	"context"
	"log/slog"

	"companion/pkg/config"
	"companion/pkg/llm"
)

// Factory builds Gemini clients.
type Factory struct{}

// Create implements llm.ProviderFactory. Models are crossed with keys,
// models first.
func (f *Factory) Create(cfg llm.ProviderGroupConfig, sys *config.SystemConfig) ([]llm.LLMClient, error) {
	useThought := false
	if effort, ok := cfg.Options["thinking_effort"].(string); ok && effort != "" && effort != "off" {
		useThought = true
	}

	var clients []llm.LLMClient
	for _, model := range cfg.Models {
		for _, key := range cfg.APIKeys {
			client, err := NewClient(context.Background(), key, model, useThought, sys.InternalChannelBuffer)
			if err != nil {
				slog.Error("Failed to create Gemini client", "model", model, "error", err)
				continue
			}
			clients = append(clients, client)
		}
	}
	return clients, nil
}

func init() {
	llm.RegisterProvider("gemini", &Factory{})
}
