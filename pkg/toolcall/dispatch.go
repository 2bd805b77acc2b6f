package toolcall

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"companion/pkg/api"
	"companion/pkg/utils"
)

// DefaultTimeout 未設定逾時時，單次工具呼叫的上限
const DefaultTimeout = 10 * time.Second

// Dispatcher is the part of the plugin dispatcher the router needs.
type Dispatcher interface {
	Loaded(name string) bool
	Call(ctx context.Context, name string, data any) (any, error)
}

// Result is the outcome of one dispatched payload.
type Result struct {
	Payload Payload
	Turn    api.Turn // role tool, spoken by the tool
	Value   any
	Failed  bool
	Err     error // wraps api.ErrToolDispatch when Failed
}

// Target 回傳結果要送往的對象
func (r Result) Target() Target {
	return r.Payload.Destination()
}

// Dispatch executes p and synthesizes its tool turn. Failures never escape
// as errors; they become a failed Result.
func Dispatch(ctx context.Context, d Dispatcher, p Payload, timeout time.Duration) Result {
	if !d.Loaded(p.ToolName) {
		slog.WarnContext(ctx, "Tool not loaded", "tool", p.ToolName)
		return failed(p, "tool is not loaded")
	}

	slog.InfoContext(ctx, "Executing tool", "tool", p.ToolName, "input", string(p.Input))
	res, err := call(ctx, d, p, timeout)
	if err != nil {
		slog.ErrorContext(ctx, "Tool execution error", "tool", p.ToolName, "error", err)
		return failed(p, err.Error())
	}
	if msg, bad := failureOf(res); bad {
		slog.WarnContext(ctx, "Tool reported failure", "tool", p.ToolName, "error", msg)
		return failed(p, msg)
	}

	text := fmt.Sprintf("Tool %s executed. Result: %s", p.ToolName, serialize(res))
	return Result{Payload: p, Turn: toolTurn(p.ToolName, text), Value: res}
}

func call(ctx context.Context, d Dispatcher, p Payload, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := d.Call(ctx, p.ToolName, p.Input)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("timed out after %s", timeout)
		}
		return nil, ctx.Err()
	}
}

// failureOf 從工具結果中找出明確的錯誤標記
func failureOf(res any) (string, bool) {
	switch v := res.(type) {
	case error:
		return v.Error(), true
	case *api.ToolResponse:
		if v == nil {
			return "", false
		}
		return responseFailure(*v)
	case api.ToolResponse:
		return responseFailure(v)
	case map[string]any:
		e, ok := v["error"]
		if !ok || e == nil || e == "" || e == false {
			return "", false
		}
		return fmt.Sprint(e), true
	}
	return "", false
}

func responseFailure(r api.ToolResponse) (string, bool) {
	if r.Error != "" {
		return r.Error, true
	}
	if !r.Success {
		return "unsuccessful", true
	}
	return "", false
}

func serialize(res any) string {
	switch v := res.(type) {
	case nil:
		return "true"
	case string:
		return v
	case *api.ToolResponse:
		if v == nil {
			return "null"
		}
		return serialize(v.Data)
	case api.ToolResponse:
		return serialize(v.Data)
	}
	s, err := json.MarshalToString(res)
	if err != nil {
		return fmt.Sprint(res)
	}
	return s
}

func failed(p Payload, msg string) Result {
	text := fmt.Sprintf("Tool %s failed: %s.", p.ToolName, msg)
	return Result{
		Payload: p,
		Turn:    toolTurn(p.ToolName, text),
		Failed:  true,
		Err:     fmt.Errorf("%w: %s: %s", api.ErrToolDispatch, p.ToolName, msg),
	}
}

func toolTurn(tool, text string) api.Turn {
	return api.Turn{
		ID:        utils.GenerateID(),
		Role:      api.RoleTool,
		Content:   text,
		Speaker:   tool,
		Timestamp: time.Now(),
	}
}
