// Package bot is the Telegram chat surface for registering a chat as a
// notification device and managing its gear filters.
package bot

import (
	"context"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"gearwatch/internal/catalog"
	"gearwatch/internal/model"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Store is the subset of storage the bot manages.
type Store interface {
	CreateUser(ctx context.Context) (*model.User, error)
	GetUser(ctx context.Context, id int64) (*model.User, error)
	AddSubscription(ctx context.Context, sub *model.Subscription) error
	FindSubscription(ctx context.Context, kind model.SubscriptionKind, endpoint string) (*model.Subscription, error)
	DeleteSubscription(ctx context.Context, id int64) error
	SaveFilter(ctx context.Context, f *model.Filter) error
	AttachFilter(ctx context.Context, userID, filterID int64) error
	DetachFilter(ctx context.Context, userID, filterID int64) error
	ListUserFilters(ctx context.Context, userID int64) ([]model.Filter, error)
}

// Bot answers chat commands. Notifications themselves are sent by the push
// package through the same bot account.
type Bot struct {
	api     telegramAPI
	store   Store
	catalog *catalog.Catalog
	log     *slog.Logger
}

// New creates a Bot that talks through api and validates filters against cat.
func New(api *tgbotapi.BotAPI, store Store, cat *catalog.Catalog, log *slog.Logger) *Bot {
	return &Bot{
		api:     api,
		store:   store,
		catalog: cat,
		log:     log,
	}
}

// Run starts the bot's long-polling loop, blocking until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.CallbackQuery != nil {
				b.handleCallback(ctx, update.CallbackQuery)
				continue
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			b.handleCommand(ctx, update.Message)
		}
	}
}

// SendMessage sends a text message to the given chat.
func (b *Bot) SendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send message", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) reply(chatID int64, text string) {
	b.SendMessage(chatID, text)
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	chatID := msg.Chat.ID

	b.log.Debug("command", "cmd", cmd, "args", args, "chat_id", chatID)

	switch cmd {
	case "start":
		b.handleStart(ctx, chatID)
	case "help":
		b.handleHelp(chatID)
	case "status":
		b.handleStatus(ctx, chatID)
	case cmdStop:
		b.handleStop(ctx, chatID)
	case "filter":
		b.handleAddFilter(ctx, chatID, args)
	case "filters":
		b.handleFilters(ctx, chatID)
	case cmdUnfilter:
		b.handleUnfilter(ctx, chatID, args)
	case "catalog":
		b.handleCatalog(chatID)
	default:
		b.reply(chatID, "Unknown command. Use /help for a list of commands.")
	}
}
