// Package discord connects to the Discord gateway.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/crewgate/crewgate/internal/bus"
	"github.com/crewgate/crewgate/internal/channels"
	"github.com/crewgate/crewgate/internal/config"
)

// discordMaxLen is the platform limit for one message.
const discordMaxLen = 2000

// Channel is the Discord adapter. Each Discord channel (or DM) maps to a
// room on the gateway side; guild messages only reach the crew when the
// bot is mentioned.
type Channel struct {
	*channels.Base
	cfg       config.DiscordConfig
	session   *discordgo.Session
	botUserID string
}

func New(cfg config.DiscordConfig, msgBus *bus.MessageBus) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{
		Base:    channels.NewBase("discord", msgBus, cfg.AllowedIDs, cfg.RateRPM),
		cfg:     cfg,
		session: session,
	}, nil
}

// Start opens the gateway connection.
func (c *Channel) Start(_ context.Context) error {
	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("discord: fetch bot identity: %w", err)
	}
	c.botUserID = user.ID

	c.SetRunning(true)
	slog.Info("discord: connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	return c.session.Close()
}

func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	senderID := m.Author.ID
	if !c.Allowed(senderID) {
		slog.Debug("discord: sender not allowed", "user_id", senderID, "username", m.Author.Username)
		return
	}

	isDM := m.GuildID == ""
	if !isDM && c.cfg.GuildID != "" && m.GuildID != c.cfg.GuildID {
		return
	}

	content := m.Content

	// Guild messages only count when the bot is mentioned; the mention
	// itself is noise for the crew, so strip it.
	if !isDM {
		mentioned := false
		for _, u := range m.Mentions {
			if u.ID == c.botUserID {
				mentioned = true
				break
			}
		}
		if !mentioned {
			return
		}
		content = stripMention(content, c.botUserID)
	}

	for _, att := range m.Attachments {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}
	if content == "" {
		return
	}

	metadata := map[string]string{
		"message_id": m.ID,
		"username":   m.Author.Username,
		"guild_id":   m.GuildID,
		"is_dm":      fmt.Sprintf("%t", isDM),
	}

	slog.Debug("discord: message received",
		"channel_id", m.ChannelID, "user_id", senderID, "preview", channels.Truncate(content, 50))
	c.Inbound(m.ChannelID, senderID, content, metadata)
}

// Send delivers one outbound envelope, chunked and rate limited.
func (c *Channel) Send(ctx context.Context, env bus.MessageEnvelope) error {
	if !c.Running() {
		return fmt.Errorf("discord: not running")
	}
	if env.ChatID == "" {
		return fmt.Errorf("discord: empty chat id")
	}

	for _, chunk := range channels.SplitMessage(env.Content, discordMaxLen) {
		if err := c.WaitSend(ctx); err != nil {
			return err
		}
		if _, err := c.session.ChannelMessageSend(env.ChatID, chunk); err != nil {
			return fmt.Errorf("discord: send to %s: %w", env.ChatID, err)
		}
	}
	return nil
}

// stripMention removes the bot's own <@id> / <@!id> mention tokens.
func stripMention(content, botID string) string {
	content = strings.ReplaceAll(content, "<@"+botID+">", "")
	content = strings.ReplaceAll(content, "<@!"+botID+">", "")
	return strings.TrimSpace(content)
}
