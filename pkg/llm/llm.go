package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// json 用於 package llm 內部的 JSON 處理，統一使用 json-iterator
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// LLMUsage 定義通用的用量統計結構
type LLMUsage struct {
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
	ThoughtsTokens   int    `json:"thoughts_tokens,omitempty"`
	CachedTokens     int    `json:"cached_tokens,omitempty"`
	StopReason       string `json:"stop_reason,omitempty"`
}

// LogUsage 印出統一格式的用量統計
func LogUsage(ctx context.Context, model string, usage *LLMUsage) {
	if usage == nil {
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "| prompt %d | response %d | total %d | thoughts %d |",
		usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens, usage.ThoughtsTokens)
	if usage.CachedTokens > 0 {
		fmt.Fprintf(&sb, " cached %d |", usage.CachedTokens)
	}

	slog.InfoContext(ctx, "LLM usage", "model", model, "stop_reason", usage.StopReason, "tokens", sb.String())
}

// LLMClient 通用 LLM 客戶端介面
type LLMClient interface {
	// Provider names the backend ("ollama", "openai", "gemini").
	Provider() string

	// StreamChat 流式對話，返回 StreamChunk channel。
	// The channel is closed when the stream ends; a successful stream ends
	// with a final chunk, a failed one with a fatal error chunk.
	StreamChat(ctx context.Context, messages []Message) (<-chan StreamChunk, error)

	// IsTransientError 判斷是否為暫時性錯誤 (如 503, Rate Limit)
	IsTransientError(err error) bool

	// SetDebug toggles raw chunk dumps.
	SetDebug(enabled bool)
}

// Pinger is implemented by clients that can cheaply check their backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// FallbackClient 支援多個 Client 分級嘗試
type FallbackClient struct {
	Clients    []LLMClient
	MaxRetries int
	RetryDelay time.Duration
}

func (f *FallbackClient) Provider() string {
	names := make([]string, 0, len(f.Clients))
	for _, c := range f.Clients {
		names = append(names, c.Provider())
	}
	return "fallback(" + strings.Join(names, ",") + ")"
}

func (f *FallbackClient) SetDebug(enabled bool) {
	for _, c := range f.Clients {
		c.SetDebug(enabled)
	}
}

func (f *FallbackClient) StreamChat(ctx context.Context, messages []Message) (<-chan StreamChunk, error) {
	var lastErr error
	for i, client := range f.Clients {
		if i > 0 {
			slog.WarnContext(ctx, "Previous provider failed, trying fallback", "index", i+1, "provider", client.Provider())
		}

		// 使用配置的重試次數，若為 0 則至少執行 1 次
		maxRetries := f.MaxRetries
		if maxRetries <= 0 {
			maxRetries = 1
		}

		for retry := 1; retry <= maxRetries; retry++ {
			if retry > 1 {
				slog.InfoContext(ctx, "Retrying provider", "index", i+1, "attempt", retry, "max", maxRetries)
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(time.Duration(retry-1) * f.RetryDelay):
				}
			}

			ch, err := client.StreamChat(ctx, messages)
			if err == nil {
				return ch, nil
			}

			lastErr = err

			if client.IsTransientError(err) && retry < maxRetries {
				slog.WarnContext(ctx, "Provider failed with transient error", "index", i+1, "error", err)
				continue
			}

			// 非暫時性錯誤，或者已達最大重試次數
			slog.ErrorContext(ctx, "Provider failed", "index", i+1, "error", err)
			break
		}
	}
	return nil, fmt.Errorf("all fallback providers failed: %w", lastErr)
}

// IsTransientError reports false: by the time the fallback chain fails every
// child has already been retried.
func (f *FallbackClient) IsTransientError(err error) bool {
	return false
}

// Ping succeeds when any child that can be pinged answers, or when no child
// supports pinging.
func (f *FallbackClient) Ping(ctx context.Context) error {
	var errs []error
	pinged := false
	for _, c := range f.Clients {
		p, ok := c.(Pinger)
		if !ok {
			continue
		}
		pinged = true
		if err := p.Ping(ctx); err != nil {
			errs = append(errs, err)
			continue
		}
		return nil
	}
	if !pinged {
		return nil
	}
	return errors.Join(errs...)
}
