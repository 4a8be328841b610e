package push

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"gearwatch/internal/model"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram delivers payloads as chat messages. The subscription endpoint is
// the chat ID.
type Telegram struct {
	api     telegramAPI
	limiter *rate.Limiter
}

// NewTelegram creates a Telegram sender that posts through api. api should
// use an HTTP client with its own timeout.
func NewTelegram(api *tgbotapi.BotAPI) *Telegram {
	return newTelegram(api)
}

// Telegram allows roughly 30 messages per second per bot; stay below it.
func newTelegram(api telegramAPI) *Telegram {
	return &Telegram{
		api:     api,
		limiter: rate.NewLimiter(rate.Limit(20), 1),
	}
}

// Send posts the payload text to the subscription's chat.
func (t *Telegram) Send(ctx context.Context, sub model.Subscription, p model.Payload) error {
	chatID, err := strconv.ParseInt(sub.Endpoint, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", sub.Endpoint, err)
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	msg := tgbotapi.NewMessage(chatID, FormatMessage(p))
	msg.DisableWebPagePreview = p.Image == ""
	if err := t.send(ctx, msg); err != nil {
		if isBlocked(err) {
			return fmt.Errorf("send message: %w: %w", ErrGone, err)
		}
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// send bounds the Bot API call by ctx, which the API client does not accept.
// An abandoned call finishes in the background.
func (t *Telegram) send(ctx context.Context, msg tgbotapi.Chattable) error {
	done := make(chan error, 1)
	go func() {
		_, err := t.api.Send(msg)
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FormatMessage renders a payload as plain chat text.
func FormatMessage(p model.Payload) string {
	var b strings.Builder
	b.WriteString(p.Title)
	if p.Body != "" {
		b.WriteString("\n\n")
		b.WriteString(p.Body)
	}
	if p.Image != "" {
		b.WriteString("\n\n")
		b.WriteString(p.Image)
	}
	return b.String()
}

func isBlocked(err error) bool {
	var tgErr *tgbotapi.Error
	return errors.As(err, &tgErr) && tgErr.Code == 403
}
