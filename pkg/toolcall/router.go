package toolcall

import (
	"context"
	"strings"
	"time"
)

type mode int

const (
	modePlain mode = iota
	modeFenceHeader
	modeFenceBody
)

// Hooks receive the router's output. Any of them may be nil.
type Hooks struct {
	// Data gets narration that is known not to be part of a payload.
	Data func(text string)
	// Tool gets every dispatched payload's result, in order of appearance.
	Tool func(res Result)
	// Waiting brackets each call to a loaded tool.
	Waiting func(waiting bool)
}

// Router incrementally separates narration from tool payloads. Payloads are
// recognized bare or inside a json fence; everything else, including
// fences of other languages, passes through verbatim. A Router belongs to a
// single goroutine.
type Router struct {
	ctx     context.Context
	d       Dispatcher
	hooks   Hooks
	timeout time.Duration

	mode mode
	held []byte // unresolved input since the start of the current construct
	out  []byte

	// 一般模式
	ticks   int  // backticks held at the end of the input
	literal bool // the rest of the current backtick run is text

	scanning bool
	scan     jsonScan
	objStart int

	// fences
	fenceTicks int
	header     []byte
	isJSON     bool
	lineStart  bool
	closeTicks int
	dirty      bool
	payloads   []Payload
}

// NewRouter creates a router dispatching through d with ctx. A zero timeout
// means DefaultTimeout.
func NewRouter(ctx context.Context, d Dispatcher, hooks Hooks, timeout time.Duration) *Router {
	return &Router{ctx: ctx, d: d, hooks: hooks, timeout: timeout}
}

// Feed 處理模型輸出的下一段內容
func (r *Router) Feed(chunk string) {
	r.consume([]byte(chunk))
	r.emit()
}

// Flush emits every held span that can no longer become a payload. An open
// json fence holding only complete payloads stays pending, so feeding may
// continue afterwards.
func (r *Router) Flush() {
	switch r.mode {
	case modePlain:
		r.out = append(r.out, r.held...)
		r.held = nil
		r.ticks = 0
		r.scanning = false
	case modeFenceHeader:
		r.out = append(r.out, r.held...)
		r.resetFence()
	case modeFenceBody:
		if r.isJSON && !r.dirty && !r.scanning && len(r.payloads) > 0 {
			break
		}
		r.out = append(r.out, r.held...)
		r.resetFence()
	}
	r.emit()
}

// Pending 回傳是否仍有暫存的輸入
func (r *Router) Pending() bool {
	return len(r.held) > 0
}

func (r *Router) consume(in []byte) {
	for _, c := range in {
		switch r.mode {
		case modePlain:
			r.plain(c)
		case modeFenceHeader:
			r.fenceHeader(c)
		case modeFenceBody:
			r.fenceBody(c)
		}
	}
}

// plain handles one byte outside fences. A closed top-level object that is
// not a payload is narration as a whole, nested objects included.
func (r *Router) plain(c byte) {
	if r.scanning {
		r.held = append(r.held, c)
		if !r.scan.step(c) {
			return
		}
		r.scanning = false
		obj := r.held
		r.held = nil
		if p, ok := ParsePayload(obj); ok {
			r.dispatch(p)
			return
		}
		r.out = append(r.out, obj...)
		return
	}

	if c == '`' {
		if r.literal {
			r.out = append(r.out, c)
			return
		}
		r.ticks++
		r.held = append(r.held, c)
		return
	}
	r.literal = false

	if r.ticks > 0 {
		ticks := r.ticks
		r.ticks = 0
		if ticks >= 3 {
			r.mode = modeFenceHeader
			r.fenceTicks = ticks
			r.header = r.header[:0]
			r.fenceHeader(c)
			return
		}
		r.out = append(r.out, r.held...)
		r.held = nil
	}

	if c == '{' {
		r.scanning = true
		r.scan = jsonScan{}
		r.scan.step(c)
		r.held = append(r.held, c)
		return
	}
	r.out = append(r.out, c)
}

func (r *Router) fenceHeader(c byte) {
	switch {
	case c == '\n':
		r.held = append(r.held, c)
		r.enterBody(strings.EqualFold(strings.TrimSpace(string(r.header)), "json"))
	case c == '{' && strings.EqualFold(strings.TrimSpace(string(r.header)), "json"):
		r.enterBody(true)
		r.fenceBody(c)
	case c == '`':
		// info string 不會包含反引號，所以這是行內程式碼
		r.held = append(r.held, c)
		r.out = append(r.out, r.held...)
		r.resetFence()
		r.literal = true
	default:
		r.held = append(r.held, c)
		r.header = append(r.header, c)
	}
}

func (r *Router) enterBody(isJSON bool) {
	r.mode = modeFenceBody
	r.isJSON = isJSON
	r.lineStart = true
	r.closeTicks = 0
	r.dirty = false
	r.payloads = nil
	r.scanning = false
}

func (r *Router) fenceBody(c byte) {
	r.held = append(r.held, c)

	if !r.isJSON {
		// closes on a marker at the start of a line
		switch {
		case c == '\n':
			r.lineStart = true
			r.closeTicks = 0
		case r.lineStart && c == '`':
			r.closeTicks++
			if r.closeTicks == r.fenceTicks {
				r.out = append(r.out, r.held...)
				r.resetFence()
			}
		case r.lineStart && r.closeTicks == 0 && (c == ' ' || c == '\t'):
		default:
			r.lineStart = false
			r.closeTicks = 0
		}
		return
	}

	if r.scanning {
		if r.scan.step(c) {
			r.scanning = false
			if p, ok := ParsePayload(r.held[r.objStart:]); ok {
				r.payloads = append(r.payloads, p)
			} else {
				r.dirty = true
			}
		}
		return
	}

	// closes on a marker anywhere outside strings
	if c == '`' {
		r.closeTicks++
		if r.closeTicks == r.fenceTicks {
			r.closeJSONFence()
		}
		return
	}
	if r.closeTicks > 0 {
		r.dirty = true
		r.closeTicks = 0
	}

	switch c {
	case ' ', '\t', '\r', '\n':
	case '{':
		r.scanning = true
		r.scan = jsonScan{}
		r.scan.step(c)
		r.objStart = len(r.held) - 1
	default:
		r.dirty = true
	}
}

func (r *Router) closeJSONFence() {
	if r.dirty || len(r.payloads) == 0 {
		r.out = append(r.out, r.held...)
		r.resetFence()
		return
	}
	payloads := r.payloads
	r.resetFence()
	for _, p := range payloads {
		r.dispatch(p)
	}
}

func (r *Router) resetFence() {
	r.mode = modePlain
	r.held = nil
	r.header = r.header[:0]
	r.isJSON = false
	r.lineStart = false
	r.closeTicks = 0
	r.dirty = false
	r.payloads = nil
	r.scanning = false
	r.fenceTicks = 0
}

// dispatch 先送出之前的文字，再執行工具呼叫
func (r *Router) dispatch(p Payload) {
	r.emit()

	loaded := r.d.Loaded(p.ToolName)
	if loaded && r.hooks.Waiting != nil {
		r.hooks.Waiting(true)
	}
	res := Dispatch(r.ctx, r.d, p, r.timeout)
	if loaded && r.hooks.Waiting != nil {
		r.hooks.Waiting(false)
	}
	if r.hooks.Tool != nil {
		r.hooks.Tool(res)
	}
}

func (r *Router) emit() {
	if len(r.out) == 0 {
		return
	}
	text := string(r.out)
	r.out = r.out[:0]
	if r.hooks.Data != nil {
		r.hooks.Data(text)
	}
}

// Outcome is the result of Route.
type Outcome struct {
	Handled bool
	// Content is the tool result text when handled, the input otherwise.
	Content string
	// Target is set when a handled payload declared one.
	Target Target
	Results []Result
}

// Route recognizes and dispatches the payloads of one complete text.
func Route(ctx context.Context, d Dispatcher, text string, timeout time.Duration) (Outcome, error) {
	var results []Result
	r := NewRouter(ctx, d, Hooks{Tool: func(res Result) { results = append(results, res) }}, timeout)
	r.Feed(text)
	r.Flush()
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	if len(results) == 0 {
		return Outcome{Content: text}, nil
	}

	parts := make([]string, len(results))
	out := Outcome{Handled: true, Results: results}
	for i, res := range results {
		parts[i] = res.Turn.Content
		if res.Payload.Target != "" {
			out.Target = res.Payload.Target
		}
	}
	out.Content = strings.Join(parts, "\n")
	return out, nil
}
