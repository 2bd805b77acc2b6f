package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"companion/pkg/llm"

	"google.golang.org/genai"
)

// Client streams completions from the Google Gemini API.
type Client struct {
	client       *genai.Client
	model        string
	useThought   bool
	bufferSize   int
	debugEnabled bool
}

// SetDebug implements llm.LLMClient.
func (g *Client) SetDebug(enabled bool) {
	g.debugEnabled = enabled
}

// NewClient creates a Gemini client for a single model and API key.
func NewClient(ctx context.Context, apiKey string, model string, useThought bool, bufferSize int) (*Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	if bufferSize <= 0 {
		bufferSize = 100
	}

	return &Client{
		client:     client,
		model:      model,
		useThought: useThought,
		bufferSize: bufferSize,
	}, nil
}

func (g *Client) Provider() string {
	return "gemini"
}

// StreamChat implements llm.LLMClient.
func (g *Client) StreamChat(ctx context.Context, messages []llm.Message) (<-chan llm.StreamChunk, error) {
	contents, systemInstruction := g.convertMessages(messages)

	chunkCh := make(chan llm.StreamChunk, g.bufferSize)
	startResultCh := make(chan error, 1)

	slog.DebugContext(ctx, "Streaming", "provider", "gemini", "model", g.model)

	go func() {
		defer close(chunkCh)

		debugger := llm.NewStreamDebugger(ctx, g.Provider(), g.debugEnabled)
		defer debugger.Close()

		emit := func(c llm.StreamChunk) bool {
			select {
			case chunkCh <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var thinkingCfg *genai.ThinkingConfig
		if g.useThought {
			thinkingCfg = &genai.ThinkingConfig{IncludeThoughts: true}
		}

		iter := g.client.Models.GenerateContentStream(ctx, g.model, contents, &genai.GenerateContentConfig{
			SystemInstruction: systemInstruction,
			ThinkingConfig:    thinkingCfg,
		})

		started := false
		var lastUsage *llm.LLMUsage

		for resp, err := range iter {
			if resp != nil {
				debugger.WriteJSON(resp)
			}
			if err != nil {
				slog.ErrorContext(ctx, "Stream error", "provider", "gemini", "model", g.model, "error", err)
				if !started {
					startResultCh <- err
					return
				}
				emit(llm.NewErrorChunk(fmt.Sprintf("Stream interrupted: %v", err), err, true))
				return
			}

			if !started {
				started = true
				startResultCh <- nil
			}

			// usage normally rides on the last packet
			if u := resp.UsageMetadata; u != nil {
				lastUsage = &llm.LLMUsage{
					PromptTokens:     int(u.PromptTokenCount),
					CompletionTokens: int(u.CandidatesTokenCount),
					TotalTokens:      int(u.TotalTokenCount),
					ThoughtsTokens:   int(u.ThoughtsTokenCount),
					CachedTokens:     int(u.CachedContentTokenCount),
				}
			}

			for _, candidate := range resp.Candidates {
				if candidate.FinishReason != "" && lastUsage != nil {
					lastUsage.StopReason = normalizeFinishReason(candidate.FinishReason)
				}
				if candidate.Content == nil {
					continue
				}

				var blocks []llm.ContentBlock
				for _, part := range candidate.Content.Parts {
					if part.Text == "" {
						continue
					}
					blockType := llm.BlockTypeText
					if part.Thought {
						blockType = llm.BlockTypeThinking
					}
					blocks = append(blocks, llm.ContentBlock{Type: blockType, Text: part.Text})
				}
				if len(blocks) > 0 && !emit(llm.StreamChunk{ContentBlocks: blocks}) {
					return
				}
			}
		}

		if !started {
			startResultCh <- nil
		}

		reason := llm.StopReasonStop
		if lastUsage != nil {
			if lastUsage.StopReason != "" {
				reason = lastUsage.StopReason
			}
			llm.LogUsage(ctx, g.model, lastUsage)
		}
		if reason == llm.StopReasonLength {
			slog.WarnContext(ctx, "Response truncated due to max tokens", "provider", "gemini")
		}
		emit(llm.NewFinalChunk(reason, lastUsage))
	}()

	select {
	case err := <-startResultCh:
		if err != nil {
			return nil, err
		}
		return chunkCh, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func normalizeFinishReason(r genai.FinishReason) string {
	switch r {
	case genai.FinishReasonStop:
		return llm.StopReasonStop
	case genai.FinishReasonMaxTokens:
		return llm.StopReasonLength
	default:
		return strings.ToLower(string(r))
	}
}

// convertMessages splits the system prompt off as SystemInstruction and maps
// the remaining entries to user/model contents.
func (g *Client) convertMessages(messages []llm.Message) ([]*genai.Content, *genai.Content) {
	var contents []*genai.Content
	var systemInstruction *genai.Content

	for _, msg := range messages {
		var parts []*genai.Part
		for _, block := range msg.Content {
			if block.Text == "" {
				continue
			}
			switch block.Type {
			case llm.BlockTypeText:
				parts = append(parts, &genai.Part{Text: block.Text})
			case llm.BlockTypeThinking:
				parts = append(parts, &genai.Part{Text: block.Text, Thought: true})
			}
		}
		if len(parts) == 0 {
			continue
		}

		if msg.Role == llm.RoleSystem {
			systemInstruction = &genai.Content{Parts: parts}
			continue
		}

		role := genai.RoleUser
		if msg.Role == llm.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}

	return contents, systemInstruction
}

// IsTransientError implements llm.LLMClient.
func (g *Client) IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := strings.ToLower(err.Error())

	// 503 overloaded, 429 rate limit and occasional 500s
	return strings.Contains(errMsg, "503") || strings.Contains(errMsg, "overloaded") ||
		strings.Contains(errMsg, "429") || strings.Contains(errMsg, "resource exhausted") ||
		strings.Contains(errMsg, "500") || strings.Contains(errMsg, "internal error")
}
