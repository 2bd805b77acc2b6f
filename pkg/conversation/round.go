package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"companion/pkg/api"
	"companion/pkg/llm"
	"companion/pkg/relay"
	"companion/pkg/toolcall"
	"companion/pkg/utils"
)

// round is one model request and everything it triggers. Fields below the
// marker belong to the loop goroutine.
type round struct {
	gen          uint64
	id           string
	task         api.Task
	continuation bool
	settings     Settings
	ctx          context.Context
	cancel       context.CancelFunc
	dead         atomic.Bool

	// 主迴圈專用
	relay         *relay.Relay
	response      strings.Builder
	toolTriggered bool
}

func (r *round) stop() {
	r.dead.Store(true)
	if r.relay != nil {
		r.relay.Stop()
	}
	r.cancel()
}

func (o *Orchestrator) startRound(task api.Task, continuation bool) {
	o.gen++
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(o.base)
	ctx = context.WithValue(ctx, llm.DebugDirContextKey, id)

	r := &round{
		gen:          o.gen,
		id:           id,
		task:         task,
		continuation: continuation,
		settings:     o.settings,
		ctx:          ctx,
		cancel:       cancel,
	}
	if !continuation {
		o.toolRounds = 0
	}
	o.current = r
	o.state = api.StateProcessing

	slog.InfoContext(ctx, "Round started", "round", r.gen, "speaker", task.Turn.Speaker, "continuation", continuation)
	go o.runRound(r)
}

// within 只在 r 仍是目前回合時，於主迴圈執行 fn
func (o *Orchestrator) within(r *round, fn func()) bool {
	if r.dead.Load() {
		return false
	}
	ok := false
	o.do(func() {
		if o.current != r || o.gen != r.gen {
			return
		}
		fn()
		ok = true
	})
	if !ok {
		r.dead.Store(true)
	}
	return ok
}

func (o *Orchestrator) runRound(r *round) {
	ctx := r.ctx
	speaker := r.task.Turn.Speaker

	persisted := o.readHistory(ctx, speaker, r.settings.HistoryLimit)

	var turns, results []api.Turn
	if !o.within(r, func() {
		o.history = merge(o.history, persisted, r.task.Turn)
		o.history = prune(o.history, o.Now(), r.settings.HistoryExpiry, r.settings.HistoryLimit)
		turns = append([]api.Turn(nil), o.history...)
		results = append([]api.Turn(nil), o.toolResults...)
	}) {
		return
	}

	prompt, err := o.composer.Compose(ctx, turns, results, map[string]any{
		"speaker": speaker,
		"round":   r.id,
	})
	if err != nil {
		o.fail(r, fmt.Errorf("%w: %v", api.ErrComposeFailure, err))
		return
	}

	rl := relay.New(o.d, r.settings.ModelPlugin)
	if !o.within(r, func() { r.relay = rl }) {
		return
	}

	st, err := o.d.State(ctx, r.settings.ModelPlugin)
	if err != nil || st != api.PluginOnline {
		o.fail(r, fmt.Errorf("%w: %s is %s", api.ErrServiceUnavailable, r.settings.ModelPlugin, st))
		return
	}

	// 檢查模型期間已被取代，不再送出請求
	if r.dead.Load() {
		return
	}
	router := toolcall.NewRouter(ctx, o.d, o.hooks(r), r.settings.ToolTimeout)
	if err := rl.Start(ctx, prompt); err != nil {
		if errors.Is(err, api.ErrStreamAbort) {
			return
		}
		o.fail(r, fmt.Errorf("%w: %v", api.ErrStream, err))
		return
	}

	for ev := range rl.Events() {
		if r.dead.Load() {
			continue
		}
		switch ev.Kind {
		case relay.KindData:
			router.Feed(ev.Text)
		case relay.KindEnd:
			router.Flush()
			o.within(r, func() { o.finish(r) })
		case relay.KindError:
			o.fail(r, ev.Err)
		case relay.KindAbort:
			o.within(r, func() {
				o.emit(api.Event{Type: api.EventAbort, Round: r.gen, Err: ev.Err})
				o.settle(r)
			})
		}
	}
}

func (o *Orchestrator) hooks(r *round) toolcall.Hooks {
	return toolcall.Hooks{
		Data: func(text string) {
			o.within(r, func() {
				r.response.WriteString(text)
				o.push(r, text)
			})
		},
		Tool: func(res toolcall.Result) {
			o.within(r, func() {
				if res.Target() == toolcall.TargetUser {
					r.response.WriteString(res.Turn.Content)
					o.push(r, res.Turn.Content)
					return
				}
				o.toolResults = append(o.toolResults, res.Turn)
				r.toolTriggered = true
			})
		},
		Waiting: func(waiting bool) {
			o.within(r, func() {
				if waiting && r.settings.FillerText != "" {
					o.push(r, r.settings.FillerText)
				}
				o.emit(api.Event{Type: api.EventStatus, Waiting: waiting, Round: r.gen})
			})
		},
	}
}

// push sends narration to subscribers, or into the gate buffer while the
// gate is closed.
func (o *Orchestrator) push(r *round, text string) {
	if !o.gateOpen {
		o.gateBuf.WriteString(text)
		return
	}
	o.emit(api.Event{Type: api.EventData, Text: text, Round: r.gen})
}

// finish 結束一個正常完成的回合
func (o *Orchestrator) finish(r *round) {
	text := r.response.String()
	o.emit(api.Event{Type: api.EventEnd, Text: text, Round: r.gen})
	o.current = nil
	o.state = api.StateIdle
	r.cancel()

	if r.toolTriggered {
		o.toolRounds++
		if limit := r.settings.MaxToolRounds; limit > 0 && o.toolRounds > limit {
			slog.WarnContext(r.ctx, "Too many consecutive tool rounds", "rounds", o.toolRounds)
			o.emit(api.Event{Type: api.EventError, Err: api.ErrToolRoundsExceeded, Text: api.ErrToolRoundsExceeded.Error(), Round: r.gen})
			o.toolResults = nil
			o.toolRounds = 0
			o.drain()
			return
		}
		o.startRound(r.task, true)
		return
	}

	if text != "" {
		turn := api.Turn{
			ID:        utils.GenerateID(),
			Role:      api.RoleAssistant,
			Content:   text,
			Speaker:   "assistant",
			Timestamp: o.Now(),
		}
		o.history = prune(append(o.history, turn), o.Now(), r.settings.HistoryExpiry, r.settings.HistoryLimit)
		o.persist(r.task.Turn.Speaker, turn)
	}
	o.toolResults = nil
	o.drain()
}

// fail 回報錯誤並回到 idle
func (o *Orchestrator) fail(r *round, err error) {
	o.within(r, func() {
		slog.ErrorContext(r.ctx, "Round failed", "round", r.gen, "error", err)
		o.emit(api.Event{Type: api.EventError, Err: err, Text: err.Error(), Round: r.gen})
		o.settle(r)
	})
}

// settle returns to idle after a round that did not end normally.
func (o *Orchestrator) settle(r *round) {
	o.current = nil
	o.state = api.StateIdle
	o.toolResults = nil
	r.stop()
	o.drain()
}

// drain 啟動最早排隊的任務 (如果有的話)
func (o *Orchestrator) drain() {
	if o.state != api.StateIdle || len(o.pending) == 0 {
		return
	}
	task := o.pending[0]
	o.pending = o.pending[1:]
	o.gateOpen = true
	o.gateBuf.Reset()
	o.startRound(task, false)
}

func (o *Orchestrator) readHistory(ctx context.Context, speaker string, limit int) []api.Turn {
	if o.store == nil {
		return nil
	}
	turns, err := o.store.History(ctx, speaker, limit)
	if err != nil {
		slog.WarnContext(ctx, "Failed to read history", "speaker", speaker, "error", err)
		return nil
	}
	return turns
}
