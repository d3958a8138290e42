package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cireil/cireilclaw/pkg/cireilclaw/memory"
	"github.com/cireil/cireilclaw/pkg/cireilclaw/session"
)

// MaxHistoryTurns bounds the history tail sent to the provider. A turn
// begins at a user-role message.
const MaxHistoryTurns = 30

// PromptSources feeds the system prompt. Blocks and skills are loaded
// fresh by the caller before every turn so edits made through tools
// are visible on the next iteration.
type PromptSources struct {
	BaseInstructions string
	Blocks           []memory.Block
	Skills           []memory.Skill

	// ReadPinned resolves a pinned virtual path to its current bytes.
	// Unreadable pins are skipped.
	ReadPinned func(virtual string) ([]byte, error)
}

// BuildSystemPrompt assembles the per-iteration system prompt:
// base instructions, a metadata header, the memory blocks, the skills
// index, and the pinned files with their live content.
func BuildSystemPrompt(sess *session.Session, src *PromptSources, now time.Time) string {
	var b strings.Builder

	b.WriteString("<base_instructions>\n")
	b.WriteString(strings.TrimSpace(src.BaseInstructions))
	b.WriteString("\n</base_instructions>\n\n")

	b.WriteString("<metadata>\n")
	fmt.Fprintf(&b, "time: %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(&b, "channel: %s\n", sess.Channel)
	switch sess.Channel {
	case session.ChannelDiscord:
		fmt.Fprintf(&b, "channel_id: %s\n", sess.ChannelID)
		if sess.GuildID != "" {
			fmt.Fprintf(&b, "guild_id: %s\n", sess.GuildID)
		}
		fmt.Fprintf(&b, "nsfw: %t\n", sess.IsNSFW)
	case session.ChannelMatrix:
		fmt.Fprintf(&b, "room_id: %s\n", sess.RoomID)
	case session.ChannelInternal:
		fmt.Fprintf(&b, "job_id: %s\n", sess.JobID)
	}
	b.WriteString("</metadata>\n")

	if len(src.Blocks) > 0 {
		b.WriteString("\n<memory_blocks>\n")
		for _, block := range src.Blocks {
			fmt.Fprintf(&b, "<block label=%q description=%q chars_current=\"%d\" file=%q>\n",
				block.Label, block.Description, block.ContentChars(), block.FilePath)
			b.WriteString(block.Content)
			b.WriteString("\n</block>\n")
		}
		b.WriteString("</memory_blocks>\n")
	}

	if len(src.Skills) > 0 {
		b.WriteString("\n<skills>\n")
		b.WriteString("Load a skill's full instructions with the read-skill tool.\n")
		for _, skill := range src.Skills {
			fmt.Fprintf(&b, "- %s: %s (use when: %s)\n", skill.Slug, skill.Summary, skill.WhenToUse)
		}
		b.WriteString("</skills>\n")
	}

	if len(sess.PinnedFiles) > 0 && src.ReadPinned != nil {
		var pinned []string
		for _, path := range sess.PinnedFiles {
			data, err := src.ReadPinned(path)
			if err != nil {
				continue
			}
			pinned = append(pinned, fmt.Sprintf("<file path=%q size_bytes=\"%d\">\n%s\n</file>",
				path, len(data), string(data)))
		}
		if len(pinned) > 0 {
			b.WriteString("\n<opened_files>\n")
			b.WriteString(strings.Join(pinned, "\n"))
			b.WriteString("\n</opened_files>\n")
		}
	}

	return b.String()
}

// BuildMessages derives the provider message list: the truncated
// history tail plus the pending tool messages, squashed so no two
// adjacent user or assistant messages remain.
func BuildMessages(sess *session.Session) []WireMessage {
	msgs := session.TruncateToTurns(sess.History, MaxHistoryTurns)
	combined := make([]session.Message, 0, len(msgs)+len(sess.PendingToolMsgs))
	combined = append(combined, msgs...)
	combined = append(combined, sess.PendingToolMsgs...)
	return toWire(session.SquashMessages(combined))
}

// toWire translates internal messages to the OpenAI shape. Tool-role
// messages carry their output JSON as a string; user content becomes
// a part array so text and images can mix.
func toWire(msgs []session.Message) []WireMessage {
	out := make([]WireMessage, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case session.RoleUser:
			out = append(out, WireMessage{Role: "user", Content: userParts(m.Content)})
		case session.RoleAssistant:
			out = append(out, assistantWire(m.Content))
		case session.RoleTool:
			for _, c := range m.Content {
				if c.Type != session.ContentToolResponse {
					continue
				}
				out = append(out, WireMessage{
					Role:       "tool",
					ToolCallID: c.ID,
					Content:    string(c.Output),
				})
			}
		case session.RoleSystem:
			var text strings.Builder
			for _, c := range m.Content {
				text.WriteString(c.Text)
			}
			out = append(out, WireMessage{Role: "system", Content: text.String()})
		}
	}
	return out
}

func userParts(contents []session.Content) []ContentPart {
	parts := make([]ContentPart, 0, len(contents))
	for _, c := range contents {
		switch c.Type {
		case session.ContentText:
			parts = append(parts, ContentPart{Type: "text", Text: c.Text})
		case session.ContentImage:
			parts = append(parts, DataURL(c.MediaType, c.Data))
		case session.ContentImageRef:
			// Reference whose file went missing; describe it so the
			// model is not left with a hole in the conversation.
			parts = append(parts, ContentPart{Type: "text", Text: "[image " + c.ID + " unavailable]"})
		}
	}
	return parts
}

func assistantWire(contents []session.Content) WireMessage {
	msg := WireMessage{Role: "assistant"}
	var text strings.Builder
	for _, c := range contents {
		switch c.Type {
		case session.ContentText:
			text.WriteString(c.Text)
		case session.ContentToolCall:
			args := string(c.Input)
			if args == "" {
				args = "{}"
			}
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				ID:   c.ID,
				Type: "function",
				Function: FunctionCall{
					Name:      c.Name,
					Arguments: args,
				},
			})
		}
	}
	if text.Len() > 0 {
		msg.Content = text.String()
	}
	return msg
}

// assistantFromToolCalls converts provider tool calls into the
// assistant history message committed for this iteration.
func assistantFromToolCalls(content string, calls []ToolCall) session.Message {
	contents := make([]session.Content, 0, len(calls)+1)
	if content != "" {
		contents = append(contents, session.TextContent(content))
	}
	for _, call := range calls {
		input := json.RawMessage(call.Function.Arguments)
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		contents = append(contents, session.ToolCallContent(call.ID, call.Function.Name, input))
	}
	return session.AssistantMessage(contents...)
}
