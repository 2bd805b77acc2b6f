package openailm

import (
	"log/slog"

	"companion/pkg/config"
	"companion/pkg/llm"
)

// Factory builds OpenAI clients, one per model and key.
type Factory struct{}

// Create implements llm.ProviderFactory.
func (f *Factory) Create(cfg llm.ProviderGroupConfig, sys *config.SystemConfig) ([]llm.LLMClient, error) {
	keys := cfg.APIKeys
	if len(keys) == 0 {
		// local OpenAI-compatible servers usually ignore the key
		keys = []string{""}
	}

	var clients []llm.LLMClient
	for _, model := range cfg.Models {
		for _, key := range keys {
			client, err := NewClient("openai", key, model, cfg.BaseURL, cfg.Options, sys.InternalChannelBuffer)
			if err != nil {
				slog.Error("Failed to create OpenAI client", "model", model, "error", err)
				continue
			}
			clients = append(clients, client)
		}
	}
	return clients, nil
}

func init() {
	llm.RegisterProvider("openai", &Factory{})
}
