// Package session defines conversational state for one chat endpoint:
// the typed message history, pinned files, pending buffers filled
// during a turn, and the single-flight busy gate. It also owns the
// pure history transforms (turn truncation, same-role squashing) and
// the SQLite-backed store with content-addressed image files.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrSessionBusy reports that a turn is already executing.
var ErrSessionBusy = errors.New("session busy")

// ---------- content ----------

// ContentKind discriminates Content values.
type ContentKind string

const (
	ContentText         ContentKind = "text"
	ContentImage        ContentKind = "image"
	ContentImageRef     ContentKind = "image_ref"
	ContentToolCall     ContentKind = "tool_call"
	ContentToolResponse ContentKind = "tool_response"
)

// Content is one piece of a message. Exactly the fields implied by
// Type are set; the rest stay zero.
type Content struct {
	Type ContentKind `json:"type"`

	// Text carries ContentText.
	Text string `json:"text,omitempty"`

	// MediaType and Data carry ContentImage; Data never reaches the
	// database (the store rewrites images to ContentImageRef).
	MediaType string `json:"mediaType,omitempty"`
	Data      []byte `json:"-"`

	// ID is the content-address for image refs and the call id for
	// tool calls and responses.
	ID string `json:"id,omitempty"`

	// Name is the tool name for calls and responses.
	Name string `json:"name,omitempty"`

	// Input holds tool-call arguments as raw JSON.
	Input json.RawMessage `json:"input,omitempty"`

	// Output holds the tool's result object as raw JSON.
	Output json.RawMessage `json:"output,omitempty"`
}

// TextContent builds a text content.
func TextContent(text string) Content {
	return Content{Type: ContentText, Text: text}
}

// ImageContent builds an in-memory image content.
func ImageContent(mediaType string, data []byte) Content {
	return Content{Type: ContentImage, MediaType: mediaType, Data: data}
}

// ToolCallContent builds an assistant tool-call content.
func ToolCallContent(id, name string, input json.RawMessage) Content {
	return Content{Type: ContentToolCall, ID: id, Name: name, Input: input}
}

// ToolResponseContent builds a tool-response content.
func ToolResponseContent(id, name string, output json.RawMessage) Content {
	return Content{Type: ContentToolResponse, ID: id, Name: name, Output: output}
}

// ---------- message ----------

// Role tags a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// Message is one history entry.
type Message struct {
	Role    Role      `json:"role"`
	Content []Content `json:"content"`

	// ID is the source-channel message id when known.
	ID string `json:"id,omitempty"`

	// Persist, when explicitly false, keeps the message in memory but
	// out of the serialized history.
	Persist *bool `json:"persist,omitempty"`
}

// Transient marks a message as excluded from persistence.
func (m Message) Transient() Message {
	f := false
	m.Persist = &f
	return m
}

// UserText builds a user message with one text content.
func UserText(text string) Message {
	return Message{Role: RoleUser, Content: []Content{TextContent(text)}}
}

// UserMessage builds a user message from arbitrary contents.
func UserMessage(contents ...Content) Message {
	return Message{Role: RoleUser, Content: contents}
}

// AssistantMessage builds an assistant message.
func AssistantMessage(contents ...Content) Message {
	return Message{Role: RoleAssistant, Content: contents}
}

// ToolResponseMessage builds the tool-role reply to one tool call.
func ToolResponseMessage(callID, name string, output json.RawMessage) Message {
	return Message{Role: RoleTool, Content: []Content{ToolResponseContent(callID, name, output)}}
}

// SystemText builds a system message.
func SystemText(text string) Message {
	return Message{Role: RoleSystem, Content: []Content{TextContent(text)}}
}

// ---------- session ----------

// Channel discriminates session variants.
type Channel string

const (
	ChannelDiscord  Channel = "discord"
	ChannelMatrix   Channel = "matrix"
	ChannelInternal Channel = "internal"
)

// SendFilter sees every outbound content for a session and may
// suppress delivery by returning false.
type SendFilter func(content string) bool

// Session is the conversational state for one chat endpoint. History
// and the pending buffers are mutated only by the goroutine holding
// the busy gate; the small mutex guards the cross-goroutine fields.
type Session struct {
	ID      string
	Channel Channel

	// Discord fields.
	ChannelID string
	GuildID   string
	IsNSFW    bool

	// Matrix field.
	RoomID string

	// Internal (cron/cli) field.
	JobID string

	History         []Message
	PinnedFiles     []string
	PendingToolMsgs []Message
	PendingImages   []Content

	mu            sync.Mutex
	busy          bool
	lastActivity  int64
	sendFilter    SendFilter
	lastMessageID string
}

// NewDiscordSession builds a discord-channel session. The id embeds
// the guild when present: "discord:{channelId}|{guildId}".
func NewDiscordSession(channelID, guildID string, nsfw bool) *Session {
	id := "discord:" + channelID
	if guildID != "" {
		id += "|" + guildID
	}
	return &Session{
		ID:        id,
		Channel:   ChannelDiscord,
		ChannelID: channelID,
		GuildID:   guildID,
		IsNSFW:    nsfw,
	}
}

// NewMatrixSession builds a matrix-room session ("matrix:{roomId}").
func NewMatrixSession(roomID string) *Session {
	return &Session{ID: "matrix:" + roomID, Channel: ChannelMatrix, RoomID: roomID}
}

// NewInternalSession builds an ephemeral session ("cron:{jobId}") that
// is never persisted.
func NewInternalSession(jobID string) *Session {
	return &Session{ID: "cron:" + jobID, Channel: ChannelInternal, JobID: jobID}
}

// NewCLISession builds an ephemeral terminal session ("cli:{id}").
func NewCLISession(id string) *Session {
	return &Session{ID: "cli:" + id, Channel: ChannelInternal, JobID: id}
}

// SubKey returns the engine-override key for this session: the guild
// id for Discord, the room id for Matrix, "" otherwise.
func (s *Session) SubKey() string {
	switch s.Channel {
	case ChannelDiscord:
		return s.GuildID
	case ChannelMatrix:
		return s.RoomID
	default:
		return ""
	}
}

// TryAcquire flips the busy gate from false to true. It returns false
// when a turn is already running.
func (s *Session) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return false
	}
	s.busy = true
	return true
}

// WaitAcquire polls the busy gate every poll until it acquires, the
// deadline passes, or ctx is cancelled.
func (s *Session) WaitAcquire(ctx context.Context, wait, poll time.Duration) bool {
	deadline := time.Now().Add(wait)
	for {
		if s.TryAcquire() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(poll):
		}
	}
}

// Release clears the busy gate.
func (s *Session) Release() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

// Busy reports the gate state.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// Touch updates the last-activity clock.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now().Unix()
	s.mu.Unlock()
}

// LastActivity returns the last-activity epoch seconds.
func (s *Session) LastActivity() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// SetLastActivity restores the clock, e.g. when loading from storage.
func (s *Session) SetLastActivity(epoch int64) {
	s.mu.Lock()
	s.lastActivity = epoch
	s.mu.Unlock()
}

// SwapSendFilter installs a send filter and returns the previous one.
func (s *Session) SwapSendFilter(f SendFilter) SendFilter {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.sendFilter
	s.sendFilter = f
	return prev
}

// AllowSend consults the send filter; content passes when no filter is
// installed.
func (s *Session) AllowSend(content string) bool {
	s.mu.Lock()
	f := s.sendFilter
	s.mu.Unlock()
	if f == nil {
		return true
	}
	return f(content)
}

// SetLastMessageID records the channel message id for reactions.
func (s *Session) SetLastMessageID(id string) {
	s.mu.Lock()
	s.lastMessageID = id
	s.mu.Unlock()
}

// LastMessageID returns the most recent channel message id.
func (s *Session) LastMessageID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMessageID
}

// ---------- turn-time buffers ----------

// Append adds messages to the history.
func (s *Session) Append(msgs ...Message) {
	s.History = append(s.History, msgs...)
}

// CommitPending moves the pending tool-response messages into history,
// preserving order, and clears the buffer.
func (s *Session) CommitPending() {
	if len(s.PendingToolMsgs) == 0 {
		return
	}
	s.History = append(s.History, s.PendingToolMsgs...)
	s.PendingToolMsgs = nil
}

// QueueToolMessage buffers a message for commit before the next
// provider call.
func (s *Session) QueueToolMessage(m Message) {
	s.PendingToolMsgs = append(s.PendingToolMsgs, m)
}

// QueueImage buffers an image produced by a tool for injection as a
// synthetic user message.
func (s *Session) QueueImage(c Content) {
	s.PendingImages = append(s.PendingImages, c)
}

// DrainImages returns and clears the pending image buffer.
func (s *Session) DrainImages() []Content {
	imgs := s.PendingImages
	s.PendingImages = nil
	return imgs
}

// Pin adds a virtual path to the pinned set and returns the set.
func (s *Session) Pin(path string) []string {
	for _, p := range s.PinnedFiles {
		if p == path {
			return s.PinnedFiles
		}
	}
	s.PinnedFiles = append(s.PinnedFiles, path)
	return s.PinnedFiles
}

// Unpin removes a virtual path from the pinned set. It reports whether
// the path was present.
func (s *Session) Unpin(path string) bool {
	for i, p := range s.PinnedFiles {
		if p == path {
			s.PinnedFiles = append(s.PinnedFiles[:i], s.PinnedFiles[i+1:]...)
			return true
		}
	}
	return false
}

// ---------- history transforms ----------

// TruncateToTurns returns the tail of history holding at most maxTurns
// turns. A turn begins at a user-role message or at the start of
// history; a turn is never split.
func TruncateToTurns(history []Message, maxTurns int) []Message {
	if maxTurns <= 0 || len(history) == 0 {
		return history
	}
	var starts []int
	for i, m := range history {
		if m.Role == RoleUser {
			starts = append(starts, i)
		}
	}
	if len(starts) == 0 || starts[0] != 0 {
		starts = append([]int{0}, starts...)
	}
	if len(starts) <= maxTurns {
		return history
	}
	return history[starts[len(starts)-maxTurns]:]
}

// SquashMessages merges consecutive user messages and consecutive
// assistant messages by concatenating their content slices. Relative
// content order is preserved; other roles pass through untouched.
func SquashMessages(msgs []Message) []Message {
	if len(msgs) < 2 {
		return msgs
	}
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if len(out) > 0 {
			last := &out[len(out)-1]
			if m.Role == last.Role && (m.Role == RoleUser || m.Role == RoleAssistant) {
				merged := make([]Content, 0, len(last.Content)+len(m.Content))
				merged = append(merged, last.Content...)
				merged = append(merged, m.Content...)
				last.Content = merged
				continue
			}
		}
		out = append(out, m)
	}
	return out
}

// ---------- meta ----------

// Meta is the channel-specific block stored in the sessions table.
type Meta struct {
	ChannelID string `json:"channelId,omitempty"`
	GuildID   string `json:"guildId,omitempty"`
	IsNSFW    bool   `json:"isNsfw,omitempty"`
	RoomID    string `json:"roomId,omitempty"`
}

// MetaOf extracts the persistable channel fields.
func MetaOf(s *Session) Meta {
	switch s.Channel {
	case ChannelDiscord:
		return Meta{ChannelID: s.ChannelID, GuildID: s.GuildID, IsNSFW: s.IsNSFW}
	case ChannelMatrix:
		return Meta{RoomID: s.RoomID}
	default:
		return Meta{}
	}
}

// FromMeta rebuilds a session shell from a stored row.
func FromMeta(id string, channel Channel, meta Meta) (*Session, error) {
	switch channel {
	case ChannelDiscord:
		s := NewDiscordSession(meta.ChannelID, meta.GuildID, meta.IsNSFW)
		s.ID = id
		return s, nil
	case ChannelMatrix:
		s := NewMatrixSession(meta.RoomID)
		s.ID = id
		return s, nil
	default:
		return nil, fmt.Errorf("channel %q is not persistable", channel)
	}
}
