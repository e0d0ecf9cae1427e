package notify

import (
	"context"
	"fmt"

	"github.com/go-telegram/bot"

	"github.com/storehealth/internal/models"
)

// TelegramChannel posts every notification to one operations chat.
type TelegramChannel struct {
	bot    *bot.Bot
	chatID int64
}

func NewTelegramChannel(token string, chatID int64) (*TelegramChannel, error) {
	b, err := bot.New(token, bot.WithSkipGetMe())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telegram bot: %w", err)
	}
	return &TelegramChannel{bot: b, chatID: chatID}, nil
}

func (t *TelegramChannel) Name() string { return "telegram" }

func (t *TelegramChannel) Send(ctx context.Context, to models.Contact, msg Message) error {
	text := fmt.Sprintf(
		"*%s*\n%s\n\n"+
			"*Store:* %s\n"+
			"*Level:* %d\n"+
			"*Contact:* %s (%s)",
		bot.EscapeMarkdown(msg.Subject),
		bot.EscapeMarkdown(msg.Body),
		bot.EscapeMarkdown(msg.StoreName),
		msg.Level,
		bot.EscapeMarkdown(to.Name),
		bot.EscapeMarkdown(to.Role),
	)

	params := &bot.SendMessageParams{
		ChatID:    t.chatID,
		Text:      text,
		ParseMode: "MarkdownV2",
	}
	if _, err := t.bot.SendMessage(ctx, params); err != nil {
		return fmt.Errorf("failed to send telegram message to chat_id %d: %w", t.chatID, err)
	}
	return nil
}
