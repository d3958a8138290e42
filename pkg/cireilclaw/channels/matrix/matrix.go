// Package matrix implements the Matrix transport using mautrix.
//
// The transport syncs as a regular Matrix user, accepts room invites
// addressed to it, and forwards m.room.message events. Image messages
// are downloaded from the content repository before forwarding.
package matrix

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/cireil/cireilclaw/pkg/cireilclaw/channels"
	"github.com/cireil/cireilclaw/pkg/cireilclaw/config"
)

// Matrix implements channels.Transport over a mautrix client.
type Matrix struct {
	cfg       config.MatrixConfig
	logger    *slog.Logger
	client    *mautrix.Client
	inbound   chan *channels.Inbound
	connected atomic.Bool
	startedAt int64 // ms epoch; sync replays older events
	cancel    context.CancelFunc
}

// New creates a disconnected Matrix transport.
func New(cfg config.MatrixConfig, logger *slog.Logger) *Matrix {
	return &Matrix{
		cfg:     cfg,
		logger:  logger.With("component", "matrix"),
		inbound: make(chan *channels.Inbound, 256),
	}
}

// Kind returns "matrix".
func (m *Matrix) Kind() string { return "matrix" }

// Connect verifies credentials and starts the sync loop.
func (m *Matrix) Connect(ctx context.Context) error {
	if m.cfg.Homeserver == "" || m.cfg.UserID == "" || m.cfg.AccessToken == "" {
		return fmt.Errorf("matrix: homeserver, userId, and accessToken are required")
	}

	client, err := mautrix.NewClient(m.cfg.Homeserver, id.UserID(m.cfg.UserID), m.cfg.AccessToken)
	if err != nil {
		return fmt.Errorf("matrix: creating client: %w", err)
	}
	if _, err := client.Whoami(ctx); err != nil {
		return fmt.Errorf("matrix: verifying credentials: %w", err)
	}

	syncer := client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, m.onMessage)
	syncer.OnEventType(event.StateMember, m.onMember)

	m.client = client
	m.startedAt = time.Now().UnixMilli()
	m.connected.Store(true)

	syncCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	go m.syncLoop(syncCtx)

	m.logger.Info("connected", "user", m.cfg.UserID, "homeserver", m.cfg.Homeserver)
	return nil
}

func (m *Matrix) syncLoop(ctx context.Context) {
	defer close(m.inbound)
	for {
		err := m.client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("sync interrupted, retrying", "error", err)
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
			return
		}
	}
}

// Disconnect stops the sync loop. The inbound stream closes once the
// loop exits.
func (m *Matrix) Disconnect() error {
	if !m.connected.CompareAndSwap(true, false) {
		return nil
	}
	if m.cancel != nil {
		m.cancel()
	}
	if m.client != nil {
		m.client.StopSync()
	}
	m.logger.Info("disconnected")
	return nil
}

// Receive returns the inbound event stream.
func (m *Matrix) Receive() <-chan *channels.Inbound {
	return m.inbound
}

// Send delivers one chunk to a room.
func (m *Matrix) Send(ctx context.Context, chatID, content string) error {
	if !m.connected.Load() || m.client == nil {
		return channels.ErrDisconnected
	}
	_, err := m.client.SendMessageEvent(ctx, id.RoomID(chatID), event.EventMessage, &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    content,
	})
	return err
}

// React annotates a message with an emoji.
func (m *Matrix) React(ctx context.Context, chatID, messageID, emoji string) error {
	if !m.connected.Load() || m.client == nil {
		return channels.ErrDisconnected
	}
	_, err := m.client.SendMessageEvent(ctx, id.RoomID(chatID), event.EventReaction, &event.ReactionEventContent{
		RelatesTo: event.RelatesTo{
			Type:    event.RelAnnotation,
			EventID: id.EventID(messageID),
			Key:     emoji,
		},
	})
	return err
}

// Typing signals composition for a few seconds.
func (m *Matrix) Typing(ctx context.Context, chatID string) error {
	if !m.connected.Load() || m.client == nil {
		return nil
	}
	_, err := m.client.UserTyping(ctx, id.RoomID(chatID), true, 10*time.Second)
	return err
}

// SendFile uploads a file to the content repository and posts it to
// the room. Images post as m.image, everything else as m.file.
func (m *Matrix) SendFile(ctx context.Context, chatID, filename string, data []byte) error {
	if !m.connected.Load() || m.client == nil {
		return channels.ErrDisconnected
	}
	mediaType := http.DetectContentType(data)
	resp, err := m.client.UploadBytes(ctx, data, mediaType)
	if err != nil {
		return fmt.Errorf("uploading %s: %w", filename, err)
	}
	msgType := event.MsgFile
	if strings.HasPrefix(mediaType, "image/") {
		msgType = event.MsgImage
	}
	_, err = m.client.SendMessageEvent(ctx, id.RoomID(chatID), event.EventMessage, &event.MessageEventContent{
		MsgType: msgType,
		Body:    filename,
		URL:     resp.ContentURI.CUString(),
		Info:    &event.FileInfo{MimeType: mediaType, Size: len(data)},
	})
	return err
}

// Health reports sync-loop connectivity.
func (m *Matrix) Health() bool { return m.connected.Load() }

// FetchAttachments downloads the media carried by a message event, if
// any. Text events return an empty slice.
func (m *Matrix) FetchAttachments(ctx context.Context, chatID, messageID string) ([]channels.Attachment, error) {
	if !m.connected.Load() || m.client == nil {
		return nil, channels.ErrDisconnected
	}
	evt, err := m.client.GetEvent(ctx, id.RoomID(chatID), id.EventID(messageID))
	if err != nil {
		return nil, fmt.Errorf("fetching event: %w", err)
	}
	if err := evt.Content.ParseRaw(event.EventMessage); err != nil {
		return nil, fmt.Errorf("parsing event content: %w", err)
	}
	content := evt.Content.AsMessage()
	if content == nil || content.URL == "" {
		return nil, nil
	}
	switch content.MsgType {
	case event.MsgImage, event.MsgFile, event.MsgAudio, event.MsgVideo:
	default:
		return nil, nil
	}

	uri, err := content.URL.Parse()
	if err != nil {
		return nil, fmt.Errorf("parsing content uri: %w", err)
	}
	data, err := m.client.DownloadBytes(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("downloading: %w", err)
	}
	mediaType := http.DetectContentType(data)
	if content.Info != nil && content.Info.MimeType != "" {
		mediaType = content.Info.MimeType
	}
	return []channels.Attachment{{MediaType: mediaType, Data: data, Filename: content.Body}}, nil
}

// onMember accepts invites addressed to this user.
func (m *Matrix) onMember(ctx context.Context, evt *event.Event) {
	if evt.GetStateKey() != m.client.UserID.String() {
		return
	}
	if evt.Content.AsMember().Membership != event.MembershipInvite {
		return
	}
	if _, err := m.client.JoinRoomByID(ctx, evt.RoomID); err != nil {
		m.logger.Warn("joining room failed", "room", evt.RoomID, "error", err)
		return
	}
	m.logger.Info("joined room on invite", "room", evt.RoomID)
}

// onMessage normalizes an m.room.message event and queues it.
func (m *Matrix) onMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == m.client.UserID {
		return
	}
	if evt.Timestamp < m.startedAt {
		return
	}

	content := evt.Content.AsMessage()
	if content == nil {
		return
	}

	senderName := evt.Sender.String()
	if localpart, _, err := evt.Sender.Parse(); err == nil {
		senderName = localpart
	}

	in := &channels.Inbound{
		Kind:       "matrix",
		ChatID:     evt.RoomID.String(),
		MessageID:  evt.ID.String(),
		SenderID:   evt.Sender.String(),
		SenderName: senderName,
		Timestamp:  time.UnixMilli(evt.Timestamp),
	}

	switch content.MsgType {
	case event.MsgText, event.MsgEmote, event.MsgNotice:
		in.Content = content.Body
	case event.MsgImage:
		in.Content = content.Body
		if att, err := m.downloadImage(ctx, content); err != nil {
			m.logger.Warn("image download failed", "room", evt.RoomID, "error", err)
		} else {
			in.Attachments = append(in.Attachments, att)
		}
	default:
		return
	}

	select {
	case m.inbound <- in:
	default:
		m.logger.Warn("inbound buffer full, dropping message", "event_id", evt.ID)
	}
}

func (m *Matrix) downloadImage(ctx context.Context, content *event.MessageEventContent) (channels.Attachment, error) {
	uri, err := content.URL.Parse()
	if err != nil {
		return channels.Attachment{}, fmt.Errorf("parsing content uri: %w", err)
	}
	data, err := m.client.DownloadBytes(ctx, uri)
	if err != nil {
		return channels.Attachment{}, fmt.Errorf("downloading: %w", err)
	}
	mediaType := "image/png"
	if content.Info != nil && content.Info.MimeType != "" {
		mediaType = content.Info.MimeType
	}
	return channels.Attachment{MediaType: mediaType, Data: data, Filename: content.Body}, nil
}

var _ channels.Transport = (*Matrix)(nil)
