// Package notify delivers task-change notifications through an external sink
// and reconciles drops via a periodic sweep.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Sink is the outbound notification channel. The sweeper depends only on its
// existence, not on any particular implementation.
type Sink interface {
	Name() string
	SendMessage(ctx context.Context, text string) error
}

// TelegramSink delivers notifications to a single Telegram chat.
type TelegramSink struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

func NewTelegramSink(token string, chatID int64) (*TelegramSink, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	return &TelegramSink{bot: bot, chatID: chatID}, nil
}

func (t *TelegramSink) Name() string {
	return "telegram"
}

func (t *TelegramSink) SendMessage(_ context.Context, text string) error {
	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// LogSink writes notifications to the logger. Used when no chat integration
// is configured so sweep behavior stays observable.
type LogSink struct {
	Logger *slog.Logger
}

func (l *LogSink) Name() string {
	return "log"
}

func (l *LogSink) SendMessage(_ context.Context, text string) error {
	l.Logger.Info("notification", "text", text)
	return nil
}
