// Package discord connects to Discord through the gateway API.
package discord

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/kestrel/internal/bus"
	"github.com/nextlevelbuilder/kestrel/internal/channels"
	"github.com/nextlevelbuilder/kestrel/internal/config"
)

// attachmentMaxBytes caps inbound attachment downloads.
const attachmentMaxBytes int64 = 20 * 1024 * 1024

// Channel is the Discord adapter. DMs always reach the agent; guild
// messages only when the bot is @mentioned.
type Channel struct {
	*channels.BaseChannel
	session   *discordgo.Session
	botUserID string
}

// New creates a Discord channel from config.
func New(cfg config.DiscordConfig, msgBus *bus.MessageBus) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{
		BaseChannel: channels.NewBaseChannel("discord", msgBus, cfg.AllowFrom),
		session:     session,
	}, nil
}

// Start opens the gateway connection.
func (c *Channel) Start(_ context.Context) error {
	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID

	c.SetRunning(true)
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	return c.session.Close()
}

// Send delivers one outbound message. Content is pre-chunked to 2000 by
// the manager; local media uploads as files, remote media as links.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}
	if msg.ChatID == "" {
		return fmt.Errorf("empty chat ID for discord send")
	}

	content := msg.Content
	var files []*discordgo.File
	var handles []*os.File
	defer func() {
		for _, f := range handles {
			f.Close()
		}
	}()

	for _, m := range msg.Media {
		if strings.Contains(m.URL, "://") {
			if content != "" {
				content += "\n"
			}
			content += m.URL
			continue
		}
		f, err := os.Open(m.URL)
		if err != nil {
			slog.Warn("discord media open failed", "path", m.URL, "error", err)
			continue
		}
		handles = append(handles, f)
		files = append(files, &discordgo.File{
			Name:        filepath.Base(m.URL),
			ContentType: m.ContentType,
			Reader:      f,
		})
	}

	if content == "" && len(files) == 0 {
		return nil
	}

	_, err := c.session.ChannelMessageSendComplex(msg.ChatID, &discordgo.MessageSend{
		Content: content,
		Files:   files,
	})
	if err != nil {
		return fmt.Errorf("send discord message: %w", err)
	}
	return nil
}

// handleMessage processes one gateway message event.
func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	senderID := m.Author.ID
	if m.Author.Username != "" {
		senderID = senderID + "|" + m.Author.Username
	}

	isDM := m.GuildID == ""
	content := m.Content

	if !isDM {
		if !c.mentioned(m) {
			return
		}
		content = stripMentions(content, c.botUserID)
	}

	// Image attachments download for vision input; everything else is
	// referenced by URL in the text.
	var media []string
	for _, att := range m.Attachments {
		if strings.HasPrefix(att.ContentType, "image/") {
			if p, err := downloadAttachment(att.URL); err != nil {
				slog.Warn("discord attachment download failed", "url", att.URL, "error", err)
			} else {
				media = append(media, p)
			}
			continue
		}
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}

	if content == "" && len(media) == 0 {
		return
	}

	if !isDM {
		content = fmt.Sprintf("[From: %s]\n%s", resolveDisplayName(m), content)
	}

	slog.Debug("discord message received",
		"sender_id", m.Author.ID,
		"channel_id", m.ChannelID,
		"is_dm", isDM,
		"preview", channels.Truncate(content, 50),
	)

	_ = c.session.ChannelTyping(m.ChannelID)

	c.HandleMessage(senderID, m.ChannelID, content, media, map[string]string{
		"message_id":   m.ID,
		"user_id":      m.Author.ID,
		"username":     m.Author.Username,
		"display_name": resolveDisplayName(m),
		"guild_id":     m.GuildID,
		"is_dm":        fmt.Sprintf("%t", isDM),
	})
}

// mentioned reports whether the bot is @mentioned in the message.
func (c *Channel) mentioned(m *discordgo.MessageCreate) bool {
	for _, u := range m.Mentions {
		if u.ID == c.botUserID {
			return true
		}
	}
	return false
}

// stripMentions removes the bot's mention tags from content.
func stripMentions(content, botUserID string) string {
	content = strings.ReplaceAll(content, "<@"+botUserID+">", "")
	content = strings.ReplaceAll(content, "<@!"+botUserID+">", "")
	return strings.TrimSpace(content)
}

// resolveDisplayName returns the best display name for a message author.
// Priority: server nickname > global display name > username.
func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

// downloadAttachment fetches an attachment to a temp file.
func downloadAttachment(url string) (string, error) {
	resp, err := http.Get(url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	ext := path.Ext(strings.SplitN(path.Base(url), "?", 2)[0])
	if ext == "" {
		ext = ".bin"
	}
	tmpFile, err := os.CreateTemp("", "kestrel_media_*"+ext)
	if err != nil {
		return "", err
	}
	defer tmpFile.Close()

	written, err := io.Copy(tmpFile, io.LimitReader(resp.Body, attachmentMaxBytes+1))
	if err != nil {
		os.Remove(tmpFile.Name())
		return "", err
	}
	if written > attachmentMaxBytes {
		os.Remove(tmpFile.Name())
		return "", fmt.Errorf("attachment exceeds max size: %d bytes", written)
	}
	return tmpFile.Name(), nil
}

var _ channels.Channel = (*Channel)(nil)
