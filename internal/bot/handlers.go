package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"gearwatch/internal/model"
	"gearwatch/internal/storage"
)

const helpText = `Notifications:
/start - get shop notifications in this chat
/stop - stop notifications in this chat
/status - show when you were last notified

Filters:
/filter key=value; ... - add a filter
/filters - list your filters
/unfilter <id> - remove a filter
/catalog - list types, brands and abilities

Filter keys: name, rarity, type, brand, ability.
Lists are comma separated, for example:
/filter brand=Forge,Zink; type=HeadGear; rarity=1`

func chatEndpoint(chatID int64) string {
	return strconv.FormatInt(chatID, 10)
}

// subscription resolves the chat's registration and replies when there is
// none.
func (b *Bot) subscription(ctx context.Context, chatID int64) (*model.Subscription, bool) {
	sub, err := b.store.FindSubscription(ctx, model.KindTelegram, chatEndpoint(chatID))
	if errors.Is(err, storage.ErrNotFound) {
		b.reply(chatID, "This chat is not subscribed. Use /start first.")
		return nil, false
	}
	if err != nil {
		b.log.Error("find subscription", "chat_id", chatID, "error", err)
		b.reply(chatID, "Something went wrong, please try again later.")
		return nil, false
	}
	return sub, true
}

func (b *Bot) handleStart(ctx context.Context, chatID int64) {
	_, err := b.store.FindSubscription(ctx, model.KindTelegram, chatEndpoint(chatID))
	switch {
	case err == nil:
		b.reply(chatID, "This chat is already subscribed. Use /filters to see your filters.")
		return
	case !errors.Is(err, storage.ErrNotFound):
		b.log.Error("find subscription", "chat_id", chatID, "error", err)
		b.reply(chatID, "Something went wrong, please try again later.")
		return
	}

	u, err := b.store.CreateUser(ctx)
	if err != nil {
		b.log.Error("create user", "chat_id", chatID, "error", err)
		b.reply(chatID, "Something went wrong, please try again later.")
		return
	}
	sub := &model.Subscription{UserID: u.ID, Kind: model.KindTelegram, Endpoint: chatEndpoint(chatID)}
	if err := b.store.AddSubscription(ctx, sub); err != nil {
		b.log.Error("add subscription", "chat_id", chatID, "error", err)
		b.reply(chatID, "Something went wrong, please try again later.")
		return
	}

	b.log.Info("chat subscribed", "chat_id", chatID, "user_id", u.ID)
	b.reply(chatID, "Welcome to Gearwatch!\n\nYou will be notified here when new gear matching your filters shows up in the shop.\n\n"+helpText)
}

func (b *Bot) handleHelp(chatID int64) {
	b.reply(chatID, helpText)
}

func (b *Bot) handleStatus(ctx context.Context, chatID int64) {
	sub, ok := b.subscription(ctx, chatID)
	if !ok {
		return
	}
	u, err := b.store.GetUser(ctx, sub.UserID)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	filters, err := b.store.ListUserFilters(ctx, u.ID)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}

	last := "never"
	if !u.LastNotified.IsZero() {
		last = "for gear on sale until " + u.LastNotified.UTC().Format("2006-01-02 15:04 UTC")
	}
	b.reply(chatID, fmt.Sprintf("Subscribed since %s\nFilters: %d\nLast notified: %s",
		sub.CreatedAt.UTC().Format("2006-01-02"), len(filters), last))
}

func (b *Bot) handleStop(ctx context.Context, chatID int64) {
	if _, ok := b.subscription(ctx, chatID); !ok {
		return
	}
	msg := tgbotapi.NewMessage(chatID, "Stop notifications in this chat? Your filters are kept.")
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Yes, stop", cmdStop+":confirm"),
			tgbotapi.NewInlineKeyboardButtonData("Cancel", "noop:0"),
		),
	)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send stop confirmation", "error", err)
	}
}

func (b *Bot) stop(ctx context.Context, chatID int64) {
	sub, ok := b.subscription(ctx, chatID)
	if !ok {
		return
	}
	if err := b.store.DeleteSubscription(ctx, sub.ID); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.log.Info("chat unsubscribed", "chat_id", chatID, "user_id", sub.UserID)
	b.reply(chatID, "Notifications stopped. Use /start to subscribe again.")
}

func (b *Bot) handleAddFilter(ctx context.Context, chatID int64, args string) {
	sub, ok := b.subscription(ctx, chatID)
	if !ok {
		return
	}

	spec, err := ParseFilterArgs(args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}
	f, err := b.catalog.NewFilter(spec)
	if err != nil {
		b.reply(chatID, FormatValidationError(err))
		return
	}

	if err := b.store.SaveFilter(ctx, &f); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	if err := b.store.AttachFilter(ctx, sub.UserID, f.ID); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}

	b.reply(chatID, fmt.Sprintf("Filter F%d added: %s", f.ID, FormatFilter(f)))
}

func (b *Bot) handleFilters(ctx context.Context, chatID int64) {
	sub, ok := b.subscription(ctx, chatID)
	if !ok {
		return
	}
	filters, err := b.store.ListUserFilters(ctx, sub.UserID)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}

	msg := tgbotapi.NewMessage(chatID, FormatFilterList(filters))
	msg.DisableWebPagePreview = true
	if len(filters) > 0 {
		rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(filters))
		for _, f := range filters {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("Remove F%d", f.ID), fmt.Sprintf("%s:%d", cmdUnfilter, f.ID)),
			))
		}
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	}
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send filter list", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) handleUnfilter(ctx context.Context, chatID int64, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /unfilter <filter_id>")
		return
	}
	sub, ok := b.subscription(ctx, chatID)
	if !ok {
		return
	}

	err = b.store.DetachFilter(ctx, sub.UserID, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		b.reply(chatID, fmt.Sprintf("Filter F%d not found.", id))
	case err != nil:
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
	default:
		b.reply(chatID, fmt.Sprintf("Filter F%d removed.", id))
	}
}

func (b *Bot) handleCatalog(chatID int64) {
	b.reply(chatID, FormatCatalog(b.catalog))
}
