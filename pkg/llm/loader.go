package llm

import (
	"fmt"
	"log/slog"
	"time"

	"companion/pkg/config"

	jsoniter "github.com/json-iterator/go"
)

// ParseGroups decodes a JSON array of provider groups.
func ParseGroups(raw jsoniter.RawMessage) ([]ProviderGroupConfig, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("missing provider groups")
	}
	var groups []ProviderGroupConfig
	if err := json.Unmarshal(raw, &groups); err != nil {
		return nil, fmt.Errorf("failed to parse provider groups: %w", err)
	}
	return groups, nil
}

// NewFromGroups builds one client per configured model/key through the
// registered factories. Several clients are wrapped in a FallbackClient.
func NewFromGroups(groups []ProviderGroupConfig, system *config.SystemConfig) (LLMClient, error) {
	if system == nil {
		system = config.DefaultSystemConfig()
	}

	var allAtomicClients []LLMClient
	for _, group := range groups {
		slog.Info("Loading LLM group", "type", group.Type, "models", len(group.Models))

		factory, ok := GetProviderFactory(group.Type)
		if !ok {
			slog.Warn("Unknown provider type", "type", group.Type)
			continue
		}

		clients, err := factory.Create(group, system)
		if err != nil {
			slog.Warn("Failed to create clients", "type", group.Type, "error", err)
			continue
		}

		allAtomicClients = append(allAtomicClients, clients...)
	}

	if len(allAtomicClients) == 0 {
		return nil, fmt.Errorf("no LLM clients could be initialized")
	}

	for _, c := range allAtomicClients {
		c.SetDebug(system.DebugChunks)
	}

	slog.Info("LLM clients initialized", "count", len(allAtomicClients))

	// 如果只有一個，直接回傳
	if len(allAtomicClients) == 1 {
		return allAtomicClients[0], nil
	}

	// 否則包裹在 FallbackClient 中，並代入系統層級的重試設定
	return &FallbackClient{
		Clients:    allAtomicClients,
		MaxRetries: system.MaxRetries,
		RetryDelay: time.Duration(system.RetryDelayMs) * time.Millisecond,
	}, nil
}
