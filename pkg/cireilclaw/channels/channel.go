// Package channels defines the transport abstraction chat platforms
// implement and the outbound chunker they share.
//
// A Transport is a live connection to one platform on behalf of one
// agent. Inbound events are normalized into Inbound values and pushed
// through Receive; attachments arrive already downloaded. Outbound
// delivery is one Send call per chunk, the harness having split the
// content beforehand.
package channels

import (
	"context"
	"errors"
	"time"
)

// ErrDisconnected reports an operation on a transport that is not
// connected.
var ErrDisconnected = errors.New("transport is not connected")

// Attachment is an inbound image, already fetched from the platform.
type Attachment struct {
	MediaType string
	Data      []byte
	Filename  string
}

// Inbound is a normalized message event from a chat platform.
type Inbound struct {
	// Kind is the transport kind, "discord" or "matrix".
	Kind string

	// ChatID addresses the conversation: Discord channel id or
	// Matrix room id.
	ChatID string

	// GuildID is set for Discord guild messages.
	GuildID string

	// NSFW is set when the Discord channel is age-restricted.
	NSFW bool

	MessageID   string
	SenderID    string
	SenderName  string
	Content     string
	Attachments []Attachment
	Timestamp   time.Time
}

// Transport is a live connection to one chat platform.
type Transport interface {
	// Kind returns the transport kind, e.g. "discord".
	Kind() string

	// Connect establishes the platform connection and starts
	// delivering events to Receive.
	Connect(ctx context.Context) error

	// Disconnect closes the connection. Receive is closed after the
	// last buffered event.
	Disconnect() error

	// Receive returns the inbound event stream.
	Receive() <-chan *Inbound

	// Send delivers one already-chunked piece of content.
	Send(ctx context.Context, chatID, content string) error

	// React adds an emoji reaction to a message. Transports without
	// reactions return nil.
	React(ctx context.Context, chatID, messageID, emoji string) error

	// Typing signals that the agent is composing a reply. Best
	// effort; errors are ignored by callers.
	Typing(ctx context.Context, chatID string) error

	// Health reports whether the transport currently holds a live
	// connection.
	Health() bool
}

// FileSender is implemented by transports that can upload a file to a
// conversation. The harness falls back to a textual mention when the
// transport lacks it.
type FileSender interface {
	SendFile(ctx context.Context, chatID, filename string, data []byte) error
}

// AttachmentFetcher is implemented by transports that can fetch the
// attachments of an already-delivered message on demand. Inbound
// events carry images eagerly; this path covers everything else.
type AttachmentFetcher interface {
	FetchAttachments(ctx context.Context, chatID, messageID string) ([]Attachment, error)
}
