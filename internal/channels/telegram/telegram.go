// Package telegram connects to the Telegram Bot API with long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/crewgate/crewgate/internal/bus"
	"github.com/crewgate/crewgate/internal/channels"
	"github.com/crewgate/crewgate/internal/config"
)

// telegramMaxLen is the Bot API limit for one message.
const telegramMaxLen = 4096

// Channel is the Telegram adapter. One bot token serves every chat; each
// Telegram chat maps to its own room on the gateway side.
type Channel struct {
	*channels.Base
	cfg        config.TelegramConfig
	bot        *telego.Bot
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

func New(cfg config.TelegramConfig, msgBus *bus.MessageBus) (*Channel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	return &Channel{
		Base: channels.NewBase("telegram", msgBus, cfg.AllowedIDs, cfg.RateRPM),
		cfg:  cfg,
		bot:  bot,
	}, nil
}

// Start begins long polling for updates.
func (c *Channel) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("telegram: start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram: connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		defer c.SetRunning(false)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram: updates channel closed")
					return
				}
				if update.Message != nil {
					c.handleMessage(update.Message)
				}
			}
		}
	}()

	return nil
}

// Stop cancels long polling and waits for the poll goroutine, so Telegram
// releases the getUpdates lock before another instance starts.
func (c *Channel) Stop(_ context.Context) error {
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram: poll goroutine did not exit in time")
		}
	}
	return nil
}

func (c *Channel) handleMessage(msg *telego.Message) {
	if msg.From == nil || msg.From.IsBot {
		return
	}

	senderID := strconv.FormatInt(msg.From.ID, 10)
	if !c.Allowed(senderID) && !c.Allowed("@"+msg.From.Username) {
		slog.Debug("telegram: sender not allowed", "user_id", senderID, "username", msg.From.Username)
		return
	}

	content := msg.Text
	if content == "" && msg.Caption != "" {
		content = msg.Caption
	}
	if content == "" {
		return
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	metadata := map[string]string{
		"message_id": strconv.Itoa(msg.MessageID),
		"username":   msg.From.Username,
		"chat_type":  msg.Chat.Type,
	}

	slog.Debug("telegram: message received",
		"chat_id", chatID, "user_id", senderID, "preview", channels.Truncate(content, 50))
	c.Inbound(chatID, senderID, content, metadata)
}

// Send delivers one outbound envelope, chunked to the Bot API limit and
// paced by the adapter's rate limiter.
func (c *Channel) Send(ctx context.Context, env bus.MessageEnvelope) error {
	if !c.Running() {
		return fmt.Errorf("telegram: not running")
	}
	chatID, err := strconv.ParseInt(env.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: bad chat id %q: %w", env.ChatID, err)
	}

	for _, chunk := range channels.SplitMessage(env.Content, telegramMaxLen) {
		if err := c.WaitSend(ctx); err != nil {
			return err
		}
		params := tu.Message(tu.ID(chatID), chunk)
		params.ParseMode = telego.ModeMarkdown
		if _, err := c.bot.SendMessage(ctx, params); err != nil {
			// Markdown parse errors come back as 400s; retry as plain text.
			plain := tu.Message(tu.ID(chatID), chunk)
			if _, retryErr := c.bot.SendMessage(ctx, plain); retryErr != nil {
				return fmt.Errorf("telegram: send to %d: %w", chatID, retryErr)
			}
		}
	}
	return nil
}
