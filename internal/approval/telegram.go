package approval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Command answers a slash command in the approver chat.
type Command func(ctx context.Context) (string, error)

// Telegram is the approver surface backed by a Telegram group chat.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *slog.Logger

	mu       sync.RWMutex
	handler  Handler
	commands map[string]Command
}

var _ Surface = (*Telegram)(nil)

// NewTelegram authenticates the bot.
func NewTelegram(token string, chatID int64, logger *slog.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	t := &Telegram{
		bot:      bot,
		chatID:   chatID,
		logger:   logger.With("component", "telegram"),
		commands: make(map[string]Command),
	}
	t.logger.Info("telegram bot authorised", "username", bot.Self.UserName)
	return t, nil
}

// SetHandler attaches the consumer of button presses and free text.
func (t *Telegram) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// SetCommand registers a /name command.
func (t *Telegram) SetCommand(name string, fn Command) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.commands[name] = fn
}

// RequestApproval posts text with one inline button per action, one button per row.
func (t *Telegram) RequestApproval(_ context.Context, text string, actions []Action) error {
	msg := tgbotapi.NewMessage(t.chatID, text)
	if len(actions) > 0 {
		rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(actions))
		for _, a := range actions {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(a.Label, a.Token)))
		}
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	}
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("send approval request: %w", err)
	}
	return nil
}

// Notify posts a plain message.
func (t *Telegram) Notify(_ context.Context, text string) error {
	if _, err := t.bot.Send(tgbotapi.NewMessage(t.chatID, text)); err != nil {
		return fmt.Errorf("send notice: %w", err)
	}
	return nil
}

// Run consumes updates until ctx is cancelled.
func (t *Telegram) Run(ctx context.Context) error {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 30
	updates := t.bot.GetUpdatesChan(cfg)
	defer t.bot.StopReceivingUpdates()

	t.logger.Info("telegram update loop started")
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram update loop stopped")
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.dispatch(ctx, update)
		}
	}
}

func (t *Telegram) dispatch(ctx context.Context, update tgbotapi.Update) {
	t.mu.RLock()
	handler := t.handler
	t.mu.RUnlock()

	switch {
	case update.CallbackQuery != nil:
		cb := update.CallbackQuery
		if cb.Message == nil || cb.Message.Chat.ID != t.chatID {
			return
		}
		if _, err := t.bot.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
			t.logger.Warn("failed to answer callback", "error", err)
		}
		if handler == nil {
			return
		}
		if notice := handler.HandleAction(ctx, cb.Data); notice != "" {
			t.reply(ctx, notice)
		}

	case update.Message != nil && update.Message.Chat.ID == t.chatID:
		msg := update.Message
		if msg.IsCommand() {
			t.runCommand(ctx, msg.Command())
			return
		}
		text := strings.TrimSpace(msg.Text)
		if text == "" || handler == nil {
			return
		}
		if notice, handled := handler.HandleManagerText(ctx, text); handled && notice != "" {
			t.reply(ctx, notice)
		}
	}
}

func (t *Telegram) runCommand(ctx context.Context, name string) {
	t.mu.RLock()
	fn, ok := t.commands[name]
	t.mu.RUnlock()
	if !ok {
		return
	}
	out, err := fn(ctx)
	if err != nil {
		t.logger.Error("command failed", "command", name, "error", err)
		out = fmt.Sprintf("Command /%s failed. Please try again shortly.", name)
	}
	t.reply(ctx, out)
}

func (t *Telegram) reply(ctx context.Context, text string) {
	if err := t.Notify(ctx, text); err != nil {
		t.logger.Error("failed to reply in approver chat", "error", err)
	}
}
