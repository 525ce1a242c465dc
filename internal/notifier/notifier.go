// Package notifier pushes trade and lifecycle events to an operator channel.
package notifier

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/spekrealism/tradebox/internal/config"
)

// Notifier delivers one operator message. Delivery is best effort; failures
// are logged, never returned to the trading loop.
type Notifier interface {
	Notify(ctx context.Context, text string)
}

// Nop swallows every message; used when no channel is configured.
type Nop struct{}

func (Nop) Notify(context.Context, string) {}

// sender is the slice of the bot API the notifier uses.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram delivers messages to one chat with bounded retries.
type Telegram struct {
	sender  sender
	chatID  int64
	retries int
	pause   time.Duration
	log     zerolog.Logger
}

// New builds a notifier from config. An empty token yields the Nop notifier,
// not an error, so notification stays strictly optional.
func New(cfg config.Notify, log zerolog.Logger) (Notifier, error) {
	if cfg.TelegramToken == "" {
		return Nop{}, nil
	}
	bot, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return newTelegram(bot, cfg, log), nil
}

func newTelegram(s sender, cfg config.Notify, log zerolog.Logger) *Telegram {
	retries := cfg.SendRetries
	if retries <= 0 {
		retries = 3
	}
	return &Telegram{
		sender:  s,
		chatID:  cfg.TelegramChatID,
		retries: retries,
		pause:   500 * time.Millisecond,
		log:     log.With().Str("component", "notifier").Logger(),
	}
}

// Notify sends the text, retrying transient failures with a short pause.
func (t *Telegram) Notify(ctx context.Context, text string) {
	msg := tgbotapi.NewMessage(t.chatID, text)
	var lastErr error
	for attempt := 1; attempt <= t.retries; attempt++ {
		if _, lastErr = t.sender.Send(msg); lastErr == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * t.pause):
		}
	}
	t.log.Warn().Err(lastErr).Int("attempts", t.retries).Msg("notification dropped")
}
