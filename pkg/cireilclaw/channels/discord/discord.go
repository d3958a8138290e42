// Package discord implements the Discord transport using discordgo.
//
// One Transport wraps one bot gateway connection for one agent.
// Incoming guild and direct messages are normalized and forwarded;
// image attachments are downloaded eagerly so the rest of the system
// never touches Discord's CDN.
package discord

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/cireil/cireilclaw/pkg/cireilclaw/channels"
	"github.com/cireil/cireilclaw/pkg/cireilclaw/config"
)

// Discord implements channels.Transport over a bot gateway session.
type Discord struct {
	cfg       config.DiscordConfig
	logger    *slog.Logger
	session   *discordgo.Session
	inbound   chan *channels.Inbound
	connected atomic.Bool
	http      *http.Client
}

// New creates a disconnected Discord transport.
func New(cfg config.DiscordConfig, logger *slog.Logger) *Discord {
	return &Discord{
		cfg:     cfg,
		logger:  logger.With("component", "discord"),
		inbound: make(chan *channels.Inbound, 256),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Kind returns "discord".
func (d *Discord) Kind() string { return "discord" }

// Connect opens the gateway WebSocket connection.
func (d *Discord) Connect(ctx context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	session.AddHandler(d.onMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}

	d.session = session
	d.connected.Store(true)

	user := session.State.User
	d.logger.Info("connected", "bot", user.Username, "id", user.ID)
	return nil
}

// Disconnect closes the gateway connection and the inbound stream.
func (d *Discord) Disconnect() error {
	if !d.connected.CompareAndSwap(true, false) {
		return nil
	}
	var err error
	if d.session != nil {
		err = d.session.Close()
	}
	close(d.inbound)
	d.logger.Info("disconnected")
	return err
}

// Receive returns the inbound event stream.
func (d *Discord) Receive() <-chan *channels.Inbound {
	return d.inbound
}

// Send delivers one chunk to a channel. Chunks arrive pre-split below
// Discord's 2000-character cap.
func (d *Discord) Send(ctx context.Context, chatID, content string) error {
	if !d.connected.Load() || d.session == nil {
		return channels.ErrDisconnected
	}
	_, err := d.session.ChannelMessageSend(chatID, content, discordgo.WithContext(ctx))
	return err
}

// React adds an emoji reaction to a message.
func (d *Discord) React(ctx context.Context, chatID, messageID, emoji string) error {
	if !d.connected.Load() || d.session == nil {
		return channels.ErrDisconnected
	}
	return d.session.MessageReactionAdd(chatID, messageID, emoji, discordgo.WithContext(ctx))
}

// Typing sends a typing indicator.
func (d *Discord) Typing(ctx context.Context, chatID string) error {
	if !d.connected.Load() || d.session == nil {
		return nil
	}
	return d.session.ChannelTyping(chatID, discordgo.WithContext(ctx))
}

// SendFile uploads an attachment to a channel.
func (d *Discord) SendFile(ctx context.Context, chatID, filename string, data []byte) error {
	if !d.connected.Load() || d.session == nil {
		return channels.ErrDisconnected
	}
	_, err := d.session.ChannelFileSend(chatID, filename, bytes.NewReader(data), discordgo.WithContext(ctx))
	return err
}

// Health reports gateway connectivity.
func (d *Discord) Health() bool { return d.connected.Load() }

// FetchAttachments downloads every attachment of a message. Unlike the
// inbound path, which only carries images, this fetches all file
// types.
func (d *Discord) FetchAttachments(ctx context.Context, chatID, messageID string) ([]channels.Attachment, error) {
	if !d.connected.Load() || d.session == nil {
		return nil, channels.ErrDisconnected
	}
	msg, err := d.session.ChannelMessage(chatID, messageID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetching message: %w", err)
	}
	var out []channels.Attachment
	for _, att := range msg.Attachments {
		data, err := d.download(att.URL)
		if err != nil {
			d.logger.Warn("attachment download failed", "url", att.URL, "error", err)
			continue
		}
		out = append(out, channels.Attachment{
			MediaType: att.ContentType,
			Data:      data,
			Filename:  att.Filename,
		})
	}
	return out, nil
}

// onMessageCreate normalizes an incoming message and queues it.
func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == s.State.User.ID || m.Author.Bot {
		return
	}

	nsfw := false
	if ch, err := s.State.Channel(m.ChannelID); err == nil {
		nsfw = ch.NSFW
	} else if ch, err := s.Channel(m.ChannelID); err == nil {
		nsfw = ch.NSFW
	}

	in := &channels.Inbound{
		Kind:       "discord",
		ChatID:     m.ChannelID,
		GuildID:    m.GuildID,
		NSFW:       nsfw,
		MessageID:  m.ID,
		SenderID:   m.Author.ID,
		SenderName: m.Author.Username,
		Content:    m.Content,
		Timestamp:  m.Timestamp,
	}

	for _, att := range m.Attachments {
		if !strings.HasPrefix(strings.ToLower(att.ContentType), "image/") {
			continue
		}
		data, err := d.download(att.URL)
		if err != nil {
			d.logger.Warn("attachment download failed", "url", att.URL, "error", err)
			continue
		}
		in.Attachments = append(in.Attachments, channels.Attachment{
			MediaType: att.ContentType,
			Data:      data,
			Filename:  att.Filename,
		})
	}

	select {
	case d.inbound <- in:
	default:
		d.logger.Warn("inbound buffer full, dropping message", "message_id", m.ID)
	}
}

func (d *Discord) download(url string) ([]byte, error) {
	resp, err := d.http.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

var _ channels.Transport = (*Discord)(nil)
