package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"tg-giveaway-farmer/internal/infra/metrics"
)

type messageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram отправляет уведомления в чат через Bot API.
type Telegram struct {
	bot    messageSender
	chatID int64
}

// NewTelegram создаёт нотификатор по токену бота.
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	if token == "" {
		return nil, errors.New("notify: пустой токен бота")
	}
	if chatID == 0 {
		return nil, errors.New("notify: не задан чат для уведомлений")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("notify: init bot: %w", err)
	}
	return &Telegram{bot: bot, chatID: chatID}, nil
}

// Notify экранирует текст под MarkdownV2 и отправляет его частями.
func (t *Telegram) Notify(ctx context.Context, text string) error {
	for _, part := range splitMessage(EscapeMarkdownV2(text), messageLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := tgbotapi.NewMessage(t.chatID, part)
		msg.ParseMode = tgbotapi.ModeMarkdownV2
		msg.DisableWebPagePreview = true
		start := time.Now()
		_, err := t.bot.Send(msg)
		metrics.ObserveNetworkRequest("telegram_bot", "send_message", strconv.FormatInt(t.chatID, 10), start, err)
		if err != nil {
			return fmt.Errorf("notify: send message: %w", err)
		}
	}
	return nil
}
