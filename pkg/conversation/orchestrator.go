// Package conversation drives the dialogue: it turns talk requests into
// model rounds, relays narration to subscribers, dispatches tool calls found
// in the narration and feeds their results back to the model.
//
// All orchestrator state is owned by one goroutine. Rounds run on their own
// goroutines and apply their effects through the owner, tagged with the
// generation they were started in; effects of superseded generations are
// dropped.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"companion/pkg/api"
	"companion/pkg/config"
	"companion/pkg/history"
	"companion/pkg/llm"
	"companion/pkg/relay"
	"companion/pkg/toolcall"
	"companion/pkg/utils"
)

// Dispatcher 是 Orchestrator 需要的插件介面
// *plugin.Dispatcher 實作此介面
type Dispatcher interface {
	relay.Requester
	toolcall.Dispatcher
	State(ctx context.Context, name string) (api.PluginState, error)
}

// Composer builds the model prompt of a round. *prompt.Composer satisfies it.
type Composer interface {
	Compose(ctx context.Context, history []api.Turn, toolResults []api.Turn, extra map[string]any) ([]llm.Message, error)
}

// Settings are the tunables of the orchestrator.
type Settings struct {
	ModelPlugin   string
	HistoryLimit  int
	HistoryExpiry time.Duration
	ToolTimeout   time.Duration
	// MaxToolRounds caps consecutive tool-triggered rounds; 0 disables the cap.
	MaxToolRounds int
	FillerText    string
}

// DefaultSettings mirror config.DefaultSystemConfig.
func DefaultSettings() Settings {
	return SettingsFrom(nil, nil)
}

// SettingsFrom reads the orchestrator settings from both config files.
// Nil arguments fall back to defaults.
func SettingsFrom(app *config.Config, sys *config.SystemConfig) Settings {
	if sys == nil {
		sys = config.DefaultSystemConfig()
	}
	s := Settings{
		ModelPlugin:   config.DefaultModelPlugin,
		HistoryLimit:  sys.HistoryLimit,
		HistoryExpiry: time.Duration(sys.HistoryExpirySec) * time.Second,
		ToolTimeout:   time.Duration(sys.ToolTimeoutMs) * time.Millisecond,
		MaxToolRounds: sys.MaxToolRounds,
		FillerText:    sys.FillerText,
	}
	if app != nil {
		s.ModelPlugin = app.ModelPluginName()
	}
	if s.HistoryLimit <= 0 {
		s.HistoryLimit = 50
	}
	if s.HistoryExpiry <= 0 {
		s.HistoryExpiry = 10 * time.Minute
	}
	return s
}

// Orchestrator implements api.Conversation.
type Orchestrator struct {
	d        Dispatcher
	composer Composer
	store    history.Store

	// Now is the clock used for turn timestamps and history expiry.
	// Replace it before the first Talk.
	Now func() time.Time

	cmds      chan func()
	quit      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	base      context.Context
	cancel    context.CancelFunc
	events    *emitter

	// 以下欄位只由主迴圈存取
	settings    Settings
	state       api.ConversationState
	gen         uint64
	current     *round
	history     []api.Turn
	toolResults []api.Turn
	toolRounds  int
	pending     []api.Task
	gateOpen    bool
	gateBuf     strings.Builder
}

// New starts an orchestrator. store may be nil to disable persistence.
func New(d Dispatcher, composer Composer, store history.Store, settings Settings) *Orchestrator {
	base, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		d:        d,
		composer: composer,
		store:    store,
		Now:      time.Now,
		cmds:     make(chan func(), 64),
		quit:     make(chan struct{}),
		closed:   make(chan struct{}),
		base:     base,
		cancel:   cancel,
		events:   newEmitter(),
		settings: settings,
		state:    api.StateIdle,
		gateOpen: true,
	}
	go o.loop()
	return o
}

func (o *Orchestrator) loop() {
	defer close(o.closed)
	for {
		select {
		case fn := <-o.cmds:
			fn()
		case <-o.quit:
			return
		}
	}
}

// exec 將 fn 排入主迴圈；Orchestrator 關閉後回傳 false
func (o *Orchestrator) exec(fn func()) bool {
	select {
	case <-o.quit:
		return false
	default:
	}
	select {
	case o.cmds <- fn:
		return true
	case <-o.quit:
		return false
	}
}

// do 在主迴圈執行 fn 並等待完成
func (o *Orchestrator) do(fn func()) bool {
	done := make(chan struct{})
	if !o.exec(func() { fn(); close(done) }) {
		return false
	}
	select {
	case <-done:
		return true
	case <-o.closed:
		return false
	}
}

// Talk submits a user utterance. It returns immediately; the outcome is
// reported to subscribers.
func (o *Orchestrator) Talk(speaker, text string, opts api.TalkOptions) {
	turn := api.Turn{
		ID:        utils.GenerateID(),
		Role:      api.RoleUser,
		Content:   fmt.Sprintf("%s： %s", speaker, text),
		Speaker:   speaker,
		Timestamp: o.Now(),
	}
	o.persist(speaker, turn)

	task := api.Task{Turn: turn, Uninterruptible: opts.Uninterruptible, Important: opts.Important}
	if !o.exec(func() { o.accept(task) }) {
		slog.Warn("Talk after close dropped", "speaker", speaker)
	}
}

func (o *Orchestrator) accept(task api.Task) {
	o.emit(api.Event{Type: api.EventUser, Text: task.Turn.Content, Speaker: task.Turn.Speaker})
	o.history = prune(o.history, o.Now(), o.settings.HistoryExpiry, o.settings.HistoryLimit)

	switch {
	case o.state == api.StateIdle:
		o.gateOpen = true
		o.gateBuf.Reset()
		o.startRound(task, false)
	case o.current.task.Uninterruptible:
		slog.Info("Current task is uninterruptible, talk dropped", "speaker", task.Turn.Speaker)
	case task.Important:
		o.pending = append(o.pending, task)
		slog.Info("Important talk queued", "speaker", task.Turn.Speaker, "pending", len(o.pending))
	default:
		slog.Info("Interrupting current round", "speaker", task.Turn.Speaker)
		o.retire()
		o.startRound(task, false)
	}
}

// ManualAbort cancels the current round unless it is uninterruptible.
func (o *Orchestrator) ManualAbort() {
	o.exec(func() {
		if o.state != api.StateProcessing || o.current == nil {
			slog.Info("Nothing to abort")
			return
		}
		if o.current.task.Uninterruptible {
			slog.Info("Current task is uninterruptible, abort ignored")
			return
		}
		o.retire()
		o.gateBuf.Reset()
		o.state = api.StateIdle
	})
}

// retire stops the current round and reports it aborted. Anything the
// round's goroutine still produces is discarded.
func (o *Orchestrator) retire() {
	r := o.current
	if r == nil {
		return
	}
	o.current = nil
	r.stop()
	o.emit(api.Event{Type: api.EventAbort, Round: r.gen, Err: api.ErrStreamAbort})
}

// OpenGate lets narration through and flushes what was held back as one chunk.
func (o *Orchestrator) OpenGate() {
	o.exec(func() {
		o.gateOpen = true
		if o.gateBuf.Len() == 0 {
			return
		}
		text := o.gateBuf.String()
		o.gateBuf.Reset()
		o.emit(api.Event{Type: api.EventData, Text: text, Round: o.gen})
	})
}

// CloseGate 暫存輸出，直到 OpenGate
func (o *Orchestrator) CloseGate() {
	o.exec(func() { o.gateOpen = false })
}

// GateState reports whether the gate is open and what it holds.
func (o *Orchestrator) GateState() (open bool, buffered string) {
	o.do(func() {
		open = o.gateOpen
		buffered = o.gateBuf.String()
	})
	return open, buffered
}

// State 回傳 idle 或 processing
func (o *Orchestrator) State() api.ConversationState {
	st := api.StateIdle
	o.do(func() { st = o.state })
	return st
}

// History returns a copy of the in-memory history.
func (o *Orchestrator) History() []api.Turn {
	var out []api.Turn
	o.do(func() { out = append([]api.Turn(nil), o.history...) })
	return out
}

// Pending 回傳排隊中的重要任務數量
func (o *Orchestrator) Pending() int {
	n := 0
	o.do(func() { n = len(o.pending) })
	return n
}

// SetSettings applies new tunables; running rounds keep theirs.
func (o *Orchestrator) SetSettings(s Settings) {
	o.exec(func() { o.settings = s })
}

// Subscribe registers fn for every later event. Events arrive in order on a
// dedicated goroutine, so fn may call back into the orchestrator.
func (o *Orchestrator) Subscribe(fn func(api.Event)) func() {
	return o.events.subscribe(fn)
}

// Close stops the current round and the loop, then delivers the events
// still queued.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		o.do(func() {
			if o.current != nil {
				o.retire()
			}
			o.state = api.StateIdle
			o.pending = nil
		})
		o.cancel()
		close(o.quit)
		<-o.closed
		o.events.close()
	})
}

func (o *Orchestrator) emit(ev api.Event) {
	if ev.Time.IsZero() {
		ev.Time = o.Now()
	}
	o.events.publish(ev)
}

// persist 非同步寫入歷史紀錄
func (o *Orchestrator) persist(speaker string, turn api.Turn) {
	if o.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.store.Append(ctx, speaker, turn); err != nil {
			slog.Warn("Failed to persist turn", "speaker", speaker, "error", err)
		}
	}()
}

var _ api.Conversation = (*Orchestrator)(nil)
