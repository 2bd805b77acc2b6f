package ollama

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"companion/pkg/llm"

	"github.com/ollama/ollama/api"
)

// Client streams chat completions from a local Ollama server.
type Client struct {
	client       *api.Client
	model        string
	options      map[string]any
	bufferSize   int
	debugEnabled bool
}

// NewClient creates an Ollama client for one model. An empty baseURL falls
// back to the OLLAMA_HOST environment.
func NewClient(model string, baseURL string, options map[string]any, bufferSize int) (*Client, error) {
	var client *api.Client

	// Streams may legitimately stay silent for a long time while the model
	// loads, so no response timeouts are imposed.
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	httpClient := &http.Client{
		Transport: &JSONFixingRoundTripper{Proxied: transport},
	}

	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid base URL: %w", err)
		}
		client = api.NewClient(u, httpClient)
	} else {
		var err error
		client, err = api.ClientFromEnvironment()
		if err != nil {
			return nil, err
		}
	}

	if bufferSize <= 0 {
		bufferSize = 100
	}

	slog.Info("Ollama client initialized", "model", model, "base_url", baseURL)

	return &Client{
		client:     client,
		model:      model,
		options:    options,
		bufferSize: bufferSize,
	}, nil
}

func (o *Client) Provider() string {
	return "ollama"
}

// SetDebug implements llm.LLMClient.
func (o *Client) SetDebug(enabled bool) {
	o.debugEnabled = enabled
}

// Ping implements llm.Pinger through the server heartbeat endpoint.
func (o *Client) Ping(ctx context.Context) error {
	return o.client.Heartbeat(ctx)
}

// StreamChat implements llm.LLMClient. It returns once the server produced
// its first packet or failed before that.
func (o *Client) StreamChat(ctx context.Context, messages []llm.Message) (<-chan llm.StreamChunk, error) {
	apiMessages := o.convertMessages(messages)

	chunkCh := make(chan llm.StreamChunk, o.bufferSize)
	startResultCh := make(chan error, 1)

	go func() {
		defer close(chunkCh)

		debugger := llm.NewStreamDebugger(ctx, o.Provider(), o.debugEnabled)
		defer debugger.Close()

		emit := func(c llm.StreamChunk) bool {
			select {
			case chunkCh <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		streamVal := true
		req := &api.ChatRequest{
			Model:    o.model,
			Messages: apiMessages,
			Options:  o.options,
			Stream:   &streamVal,
		}

		started := false
		thoughtsCount := 0
		chunkIdx := 0

		err := o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
			chunkIdx++
			debugger.WriteJSON(resp)

			if !started {
				started = true
				startResultCh <- nil
			}

			if resp.Message.Thinking != "" {
				thoughtsCount++
				if !emit(llm.NewThinkingChunk(resp.Message.Thinking)) {
					return ctx.Err()
				}
			}

			if resp.Message.Content != "" {
				if !emit(llm.NewTextChunk(resp.Message.Content)) {
					return ctx.Err()
				}
			}

			if resp.Done {
				usage := &llm.LLMUsage{
					PromptTokens:     resp.PromptEvalCount,
					CompletionTokens: resp.EvalCount,
					TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
					ThoughtsTokens:   thoughtsCount,
					StopReason:       resp.DoneReason,
				}
				if resp.DoneReason == llm.StopReasonLength {
					slog.WarnContext(ctx, "Response truncated due to length", "provider", "ollama")
				}
				emit(llm.NewFinalChunk(resp.DoneReason, usage))
				llm.LogUsage(ctx, o.model, usage)
			}
			return nil
		})

		if err != nil {
			slog.ErrorContext(ctx, "Stream error", "provider", "ollama", "model", o.model, "chunks", chunkIdx, "error", err)
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

// convertMessages flattens content blocks into Ollama's single content string.
func (o *Client) convertMessages(messages []llm.Message) []api.Message {
	ollamaMsgs := make([]api.Message, 0, len(messages))
	for _, m := range messages {
		ollamaMsgs = append(ollamaMsgs, api.Message{
			Role:    m.Role,
			Content: m.GetTextContent(),
		})
	}
	return ollamaMsgs
}

// IsTransientError implements llm.LLMClient.
func (o *Client) IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := strings.ToLower(err.Error())
	return strings.Contains(errMsg, "connection refused") ||
		strings.Contains(errMsg, "connection reset") ||
		strings.Contains(errMsg, "overloaded")
}

//----------------------------------------------------------------
// JSONFixingRoundTripper
//----------------------------------------------------------------

// JSONFixingRoundTripper strips illegal escapes (e.g. \$) some models emit
// inside NDJSON stream packets.
type JSONFixingRoundTripper struct {
	Proxied http.RoundTripper
}

func (j *JSONFixingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := j.Proxied.RoundTrip(req)
	if err != nil {
		return resp, err
	}

	ct := resp.Header.Get("Content-Type")
	if strings.Contains(ct, "application/json") || strings.Contains(ct, "application/x-ndjson") {
		resp.Body = &jsonFixingReadCloser{body: resp.Body}
	}
	return resp, nil
}

type jsonFixingReadCloser struct {
	body io.ReadCloser
}

var illegalEscapeRegex = regexp.MustCompile(`\\([^\/\\bfnrtu"])`)

func (j *jsonFixingReadCloser) Read(p []byte) (n int, err error) {
	n, err = j.body.Read(p)
	if n > 0 {
		content := string(p[:n])
		fixed := illegalEscapeRegex.ReplaceAllString(content, "$1")
		if len(fixed) < len(content) {
			// only single backslashes are removed, so the result always fits
			copy(p, fixed)
			n = len(fixed)
		}
	}
	return n, err
}

func (j *jsonFixingReadCloser) Close() error {
	return j.body.Close()
}
