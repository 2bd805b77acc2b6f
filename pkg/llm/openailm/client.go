package openailm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"companion/pkg/llm"

	jsoniter "github.com/json-iterator/go"
	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"
	"github.com/openai/openai-go/v3/shared"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client wraps the official OpenAI SDK around the Responses API. Any
// OpenAI-compatible server works through base_url.
type Client struct {
	client       *openai.Client
	provider     string
	model        string
	debugEnabled bool
	bufferSize   int
	options      map[string]any
}

// NewClient creates a client for one model and key.
func NewClient(provider string, apiKey string, model string, baseURL string, options map[string]any, bufferSize int) (*Client, error) {
	if model == "" {
		return nil, fmt.Errorf("openai: empty model name")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if bufferSize <= 0 {
		bufferSize = 100
	}

	client := openai.NewClient(opts...)

	return &Client{
		client:     &client,
		provider:   provider,
		model:      model,
		options:    options,
		bufferSize: bufferSize,
	}, nil
}

func (c *Client) Provider() string {
	return c.provider
}

func (c *Client) SetDebug(enabled bool) {
	c.debugEnabled = enabled
}

func (c *Client) IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())

	// network-level issues
	if strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "timeout") {
		return true
	}

	// server-side temporary failures
	return strings.Contains(msg, "500 internal") ||
		strings.Contains(msg, "502 bad gateway") ||
		strings.Contains(msg, "503 service unavailable") ||
		strings.Contains(msg, "overloaded")
}

// requestOptions maps the unified option keys onto the request.
func (c *Client) requestOptions(params *responses.ResponseNewParams) []option.RequestOption {
	var opts []option.RequestOption

	if effortStr, ok := c.options["thinking_effort"].(string); ok && effortStr != "" && effortStr != "off" {
		var effort shared.ReasoningEffort
		switch effortStr {
		case "low":
			effort = shared.ReasoningEffortLow
		case "high":
			effort = shared.ReasoningEffortHigh
		default:
			effort = shared.ReasoningEffortMedium
		}
		params.Reasoning = shared.ReasoningParam{Effort: effort}
	}
	if t, ok := c.options["temperature"].(float64); ok {
		opts = append(opts, option.WithJSONSet("temperature", t))
	}
	if p, ok := c.options["top_p"].(float64); ok {
		opts = append(opts, option.WithJSONSet("top_p", p))
	}
	if maxTok, ok := c.options["max_tokens"].(float64); ok {
		opts = append(opts, option.WithJSONSet("max_output_tokens", int(maxTok)))
	}
	return opts
}

// StreamChat implements llm.LLMClient. The first SSE event decides between
// returning the channel and returning a start error.
func (c *Client) StreamChat(ctx context.Context, messages []llm.Message) (<-chan llm.StreamChunk, error) {
	params := responses.ResponseNewParams{
		Model: c.model,
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: c.convertMessages(messages),
		},
	}
	opts := c.requestOptions(&params)

	chunkCh := make(chan llm.StreamChunk, c.bufferSize)
	startResultCh := make(chan error, 1)

	go func() {
		defer close(chunkCh)

		stream := c.client.Responses.NewStreaming(ctx, params, opts...)
		defer stream.Close()

		debugger := llm.NewStreamDebugger(ctx, c.provider, c.debugEnabled)
		defer debugger.Close()

		emit := func(ch llm.StreamChunk) bool {
			select {
			case chunkCh <- ch:
				return true
			case <-ctx.Done():
				return false
			}
		}

		started := false
		failed := false
		finishReason := llm.StopReasonStop
		var usage *llm.LLMUsage
		var thinkingLog strings.Builder

		for stream.Next() {
			event := stream.Current()
			if !started {
				started = true
				startResultCh <- nil
			}

			raw := event.RawJSON()
			if raw != "" {
				debugger.WriteString(raw)
			}

			// DeepSeek-style servers put reasoning in ad-hoc fields.
			var rawChoice struct {
				Reasoning        string `json:"reasoning"`
				Thinking         string `json:"thinking"`
				ReasoningContent string `json:"reasoning_content"`
			}
			if raw != "" && json.UnmarshalFromString(raw, &rawChoice) == nil {
				thought := rawChoice.Reasoning
				if thought == "" {
					thought = rawChoice.Thinking
				}
				if thought == "" {
					thought = rawChoice.ReasoningContent
				}
				if thought != "" {
					thinkingLog.WriteString(thought)
					if !emit(llm.NewThinkingChunk(thought)) {
						return
					}
				}
			}

			var out *llm.StreamChunk
			switch variant := event.AsAny().(type) {
			case responses.ResponseTextDeltaEvent:
				ch := llm.NewTextChunk(variant.Delta)
				out = &ch

			case responses.ResponseReasoningTextDeltaEvent:
				thinkingLog.WriteString(variant.Delta)
				ch := llm.NewThinkingChunk(variant.Delta)
				out = &ch

			case responses.ResponseReasoningSummaryTextDeltaEvent:
				thinkingLog.WriteString(variant.Delta)
				ch := llm.NewThinkingChunk(variant.Delta)
				out = &ch

			case responses.ResponseCompletedEvent:
				if variant.Response.Usage.TotalTokens > 0 {
					usage = &llm.LLMUsage{
						PromptTokens:     int(variant.Response.Usage.InputTokens),
						CompletionTokens: int(variant.Response.Usage.OutputTokens),
						TotalTokens:      int(variant.Response.Usage.TotalTokens),
						StopReason:       llm.StopReasonStop,
					}
				}

			case responses.ResponseIncompleteEvent:
				finishReason = llm.StopReasonLength
				slog.WarnContext(ctx, "Response truncated", "provider", c.provider, "model", c.model)

			case responses.ResponseFailedEvent:
				failed = true
				ch := llm.NewErrorChunk("API response failed", nil, true)
				out = &ch

			case responses.ResponseErrorEvent:
				failed = true
				ch := llm.NewErrorChunk(fmt.Sprintf("API error: %s", variant.Message), nil, true)
				out = &ch
			}

			if out != nil && !emit(*out) {
				return
			}
			if failed {
				return
			}
		}

		if thinkingLog.Len() > 0 {
			slog.DebugContext(ctx, "Captured full thinking process", "provider", c.provider, "content", thinkingLog.String())
		}

		if err := stream.Err(); err != nil {
			slog.ErrorContext(ctx, "Stream error", "provider", c.provider, "model", c.model, "error", err)
			if !started {
				startResultCh <- err
				return
			}
			emit(llm.NewErrorChunk(fmt.Sprintf("Stream interrupted: %v", err), err, true))
			return
		}
		if !started {
			startResultCh <- nil
		}

		if usage != nil {
			usage.StopReason = finishReason
			llm.LogUsage(ctx, c.model, usage)
		}
		emit(llm.NewFinalChunk(finishReason, usage))
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

// convertMessages maps prompt entries onto Responses API input items.
// Tool turns arrive as user messages, so only three roles exist here.
func (c *Client) convertMessages(messages []llm.Message) []responses.ResponseInputItemUnionParam {
	items := make([]responses.ResponseInputItemUnionParam, 0, len(messages))

	for _, m := range messages {
		text := m.GetTextContent()
		switch m.Role {
		case llm.RoleSystem:
			items = append(items, responses.ResponseInputItemParamOfMessage(text, responses.EasyInputMessageRoleSystem))
		case llm.RoleAssistant:
			if text == "" {
				continue
			}
			items = append(items, responses.ResponseInputItemParamOfMessage(text, responses.EasyInputMessageRoleAssistant))
		default:
			items = append(items, responses.ResponseInputItemParamOfMessage(text, responses.EasyInputMessageRoleUser))
		}
	}
	return items
}
