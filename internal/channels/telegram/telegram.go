// Package telegram connects to the Telegram Bot API using long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/kestrel/internal/bus"
	"github.com/nextlevelbuilder/kestrel/internal/channels"
	"github.com/nextlevelbuilder/kestrel/internal/config"
)

// Channel is the Telegram adapter. One bot account, long polling, no
// webhook server.
type Channel struct {
	*channels.BaseChannel
	bot   *telego.Bot
	token string

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates a Telegram channel from config.
func New(cfg config.TelegramConfig, msgBus *bus.MessageBus) (*Channel, error) {
	var opts []telego.BotOption
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyURL(proxyURL),
			},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", msgBus, cfg.AllowFrom),
		bot:         bot,
		token:       cfg.Token,
	}, nil
}

// Start begins long polling for updates. Stop cancels the polling context
// and waits for the update loop to exit so Telegram releases the
// getUpdates lock before a new instance starts.
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
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram bot connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				if update.Message != nil {
					c.handleMessage(pollCtx, update.Message)
				}
			}
		}
	}()

	return nil
}

// Stop shuts down the bot.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)

	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
			slog.Info("telegram bot stopped")
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

// handleMessage publishes one incoming message to the bus.
func (c *Channel) handleMessage(ctx context.Context, message *telego.Message) {
	user := message.From
	if user == nil {
		return
	}
	// Service messages (member joins, title changes) carry no content.
	if message.Text == "" && message.Caption == "" && !hasMedia(message) {
		return
	}

	senderID := strconv.FormatInt(user.ID, 10)
	if user.Username != "" {
		senderID = senderID + "|" + user.Username
	}
	if !c.IsAllowed(senderID) {
		slog.Debug("telegram message rejected by allowlist",
			"user_id", user.ID, "username", user.Username)
		return
	}

	content := message.Text
	if content == "" {
		content = message.Caption
	}

	isGroup := message.Chat.Type == "group" || message.Chat.Type == "supergroup"
	if isGroup {
		// In groups only react when addressed.
		if !c.mentioned(message) {
			return
		}
		content = c.stripMention(content)
	}

	slog.Debug("telegram message received",
		"chat_id", message.Chat.ID,
		"user_id", user.ID,
		"preview", channels.Truncate(content, 50),
	)

	media := c.resolveMedia(ctx, message)
	if content == "" && len(media) == 0 {
		return
	}

	chatID := tu.ID(message.Chat.ID)
	_ = c.bot.SendChatAction(ctx, tu.ChatAction(chatID, telego.ChatActionTyping))

	c.HandleMessage(senderID, strconv.FormatInt(message.Chat.ID, 10), content, media, map[string]string{
		"message_id": strconv.Itoa(message.MessageID),
		"username":   user.Username,
		"first_name": user.FirstName,
		"is_group":   strconv.FormatBool(isGroup),
	})
}

// mentioned reports whether the message addresses the bot: an @mention in
// text or caption, or a reply to one of the bot's messages.
func (c *Channel) mentioned(message *telego.Message) bool {
	username := c.bot.Username()
	if username == "" {
		return false
	}
	tag := "@" + strings.ToLower(username)
	if strings.Contains(strings.ToLower(message.Text), tag) {
		return true
	}
	if strings.Contains(strings.ToLower(message.Caption), tag) {
		return true
	}
	if reply := message.ReplyToMessage; reply != nil && reply.From != nil {
		return strings.EqualFold(reply.From.Username, username)
	}
	return false
}

// stripMention removes the bot's @mention from the content.
func (c *Channel) stripMention(content string) string {
	username := c.bot.Username()
	if username == "" {
		return content
	}
	stripped := strings.NewReplacer("@"+username, "", "@"+strings.ToLower(username), "").Replace(content)
	return strings.TrimSpace(stripped)
}

// Send delivers one outbound message. Content is pre-chunked to 4096 by
// the manager.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("telegram bot not running")
	}
	id, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat ID %q: %w", msg.ChatID, err)
	}
	chatID := tu.ID(id)

	if msg.Content != "" {
		if _, err := c.bot.SendMessage(ctx, tu.Message(chatID, msg.Content)); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	for _, m := range msg.Media {
		if err := c.sendMedia(ctx, chatID, m); err != nil {
			slog.Warn("telegram media send failed", "url", m.URL, "error", err)
		}
	}
	return nil
}
