// Package telegram is a chat front-end: messages become talks and finished
// replies are sent back to the chat that spoke last.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"companion/pkg/api"
)

// Config encapsulates the credentials required to authenticate with
// the Telegram Bot API.
type Config struct {
	Token string `json:"token"` // The secret BOT API string provided by @BotFather
	// AllowedChats restricts who may talk; empty allows everyone.
	AllowedChats []int64 `json:"allowed_chats,omitempty"`
}

// botAPI is the part of *tgbotapi.BotAPI the plugin uses.
type botAPI interface {
	GetUpdates(config tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Plugin bridges one bot to the conversation.
type Plugin struct {
	cfg          Config
	conv         api.Conversation
	messageLimit int

	// newBot is swapped by tests.
	newBot func(token string, client *http.Client) (botAPI, error)

	mu          sync.Mutex
	state       api.PluginState
	bot         botAPI
	client      *http.Client
	stopCancel  context.CancelFunc
	done        chan struct{}
	unsubscribe func()
	replyChat   int64
}

func New(cfg Config, conv api.Conversation, messageLimit int) *Plugin {
	if messageLimit <= 0 {
		messageLimit = 4000
	}
	return &Plugin{
		cfg:          cfg,
		conv:         conv,
		messageLimit: messageLimit,
		state:        api.PluginOffline,
		newBot: func(token string, client *http.Client) (botAPI, error) {
			bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, client)
			if err != nil {
				return nil, err
			}
			slog.Info("Telegram bot authorized", "username", bot.Self.UserName)
			return bot, nil
		},
	}
}

func (p *Plugin) Priority() int { return 1 }

func (p *Plugin) UpdateStrategy(context.Context) error { return nil }

func (p *Plugin) State(context.Context) (api.PluginState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, nil
}

// Online authorizes the bot and starts the long-polling loop.
func (p *Plugin) Online(ctx context.Context, _ api.Options) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bot != nil {
		return nil
	}

	stopCtx, cancel := context.WithCancel(context.Background())
	client := pollingClient(stopCtx)
	bot, err := p.newBot(p.cfg.Token, client)
	if err != nil {
		cancel()
		p.state = api.PluginError
		return fmt.Errorf("failed to create telegram bot: %w", err)
	}

	p.bot = bot
	p.client = client
	p.stopCancel = cancel
	p.done = make(chan struct{})
	if p.conv != nil {
		p.unsubscribe = p.conv.Subscribe(p.onEvent)
	}
	go p.poll(stopCtx, bot, p.done)

	p.state = api.PluginOnline
	slog.InfoContext(ctx, "Telegram polling started")
	return nil
}

// Offline aborts the long poll so a restarted bot does not hit a 409 Conflict.
func (p *Plugin) Offline(ctx context.Context) error {
	p.mu.Lock()
	cancel, done, client, unsubscribe := p.stopCancel, p.done, p.client, p.unsubscribe
	p.bot = nil
	p.stopCancel = nil
	p.done = nil
	p.client = nil
	p.unsubscribe = nil
	p.state = api.PluginOffline
	p.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if cancel == nil {
		return nil
	}
	cancel()
	if transport, ok := client.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (p *Plugin) Restart(ctx context.Context, opts api.Options) error {
	if err := p.Offline(ctx); err != nil {
		return err
	}
	return p.Online(ctx, opts)
}

// pollingClient builds an HTTP client whose connections die with ctx, so an
// in-flight long poll is aborted on shutdown.
func pollingClient(ctx context.Context) *http.Client {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Client{
		Timeout: 90 * time.Second,
		Transport: &http.Transport{
			DialContext: func(dialCtx context.Context, network, addr string) (net.Conn, error) {
				mergedCtx, mergedCancel := context.WithCancel(dialCtx)
				go func() {
					select {
					case <-ctx.Done():
						mergedCancel()
					case <-mergedCtx.Done():
					}
				}()
				return dialer.DialContext(mergedCtx, network, addr)
			},
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

func (p *Plugin) poll(ctx context.Context, bot botAPI, done chan struct{}) {
	defer close(done)
	offset := 0
	for {
		select {
		case <-ctx.Done():
			return // Gracefully exit on shutdown
		default:
		}

		req := tgbotapi.NewUpdate(offset)
		req.Timeout = 60
		updates, err := bot.GetUpdates(req)
		if err != nil {
			slog.Debug("Failed to get telegram updates", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(3 * time.Second):
			}
			continue
		}

		for _, update := range updates {
			if update.UpdateID < offset {
				continue
			}
			offset = update.UpdateID + 1
			if update.Message != nil {
				p.handleMessage(update.Message)
			}
		}
	}
}

func (p *Plugin) handleMessage(msg *tgbotapi.Message) {
	if msg.Chat == nil || !p.allowed(msg.Chat.ID) || p.conv == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		text = strings.TrimSpace(msg.Caption)
	}
	if text == "" {
		return
	}

	p.mu.Lock()
	p.replyChat = msg.Chat.ID
	p.mu.Unlock()

	if msg.IsCommand() {
		switch msg.Command() {
		case "abort", "stop":
			p.conv.ManualAbort()
			return
		case "start":
			return
		}
	}
	p.conv.Talk(speakerOf(msg), text, api.TalkOptions{})
}

func (p *Plugin) allowed(chatID int64) bool {
	if len(p.cfg.AllowedChats) == 0 {
		return true
	}
	for _, id := range p.cfg.AllowedChats {
		if id == chatID {
			return true
		}
	}
	return false
}

func speakerOf(msg *tgbotapi.Message) string {
	if msg.From == nil {
		return "tg_" + strconv.FormatInt(msg.Chat.ID, 10)
	}
	if msg.From.UserName != "" {
		return msg.From.UserName
	}
	if msg.From.FirstName != "" {
		return msg.From.FirstName
	}
	return "tg_" + strconv.FormatInt(msg.From.ID, 10)
}

// onEvent sends finished replies, errors and typing hints to the last chat.
func (p *Plugin) onEvent(ev api.Event) {
	p.mu.Lock()
	bot, chatID := p.bot, p.replyChat
	p.mu.Unlock()
	if bot == nil || chatID == 0 {
		return
	}

	switch ev.Type {
	case api.EventEnd:
		if strings.TrimSpace(ev.Text) == "" {
			return
		}
		for _, part := range splitMessage(ev.Text, p.messageLimit) {
			if _, err := bot.Send(tgbotapi.NewMessage(chatID, part)); err != nil {
				slog.Error("Telegram send failed", "chat", chatID, "error", err)
				return
			}
		}
	case api.EventError:
		text := ev.Text
		if ev.Err != nil {
			text = ev.Err.Error()
		}
		if _, err := bot.Send(tgbotapi.NewMessage(chatID, "⚠️ "+text)); err != nil {
			slog.Error("Telegram send failed", "chat", chatID, "error", err)
		}
	case api.EventStatus:
		if ev.Waiting {
			if _, err := bot.Send(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
				slog.Debug("Telegram chat action failed", "error", err)
			}
		}
	}
}

// splitMessage cuts text into rune-safe pieces of at most limit runes.
func splitMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}
	var parts []string
	for i := 0; i < len(runes); i += limit {
		end := i + limit
		if end > len(runes) {
			end = len(runes)
		}
		parts = append(parts, string(runes[i:end]))
	}
	return parts
}
