package tools

import (
	"context"
	"encoding/json"
)

// respondOutput is the terminal tool result the engine inspects.
type respondOutput struct {
	Output
	Final bool `json:"final"`
	Sent  bool `json:"sent,omitempty"`
}

// NewRespondTool delivers content to the session's channel. A true
// (or omitted) final ends the turn after delivery.
func NewRespondTool() *Tool {
	return &Tool{
		Name:        "respond",
		Description: "Send a message to the user. Set final to false to keep working after sending.",
		Terminal:    true,
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"content": {"type": "string", "description": "The message to send."},
				"final": {"type": "boolean", "description": "End the turn after sending. Defaults to true."},
				"attachments": {"type": "array", "items": {"type": "string"}, "description": "Virtual file paths to attach."}
			},
			"required": ["content"],
			"additionalProperties": false
		}`),
		Execute: func(ctx context.Context, args json.RawMessage, tc *Context) any {
			var in struct {
				Content     string   `json:"content"`
				Final       *bool    `json:"final"`
				Attachments []string `json:"attachments"`
			}
			if out, ok := decodeArgs(args, &in); !ok {
				return out
			}
			if issue, ok := requireString(in.Content, "content"); !ok {
				return Invalid("content must not be empty", issue)
			}

			final := in.Final == nil || *in.Final
			if err := tc.Send(ctx, in.Content, in.Attachments); err != nil {
				return Failure("Delivery failed: " + err.Error())
			}
			return respondOutput{Output: OK(), Final: final, Sent: true}
		},
	}
}

// NewNoResponseTool ends the turn without emitting anything. The model
// uses it when a message needs no reply.
func NewNoResponseTool() *Tool {
	return &Tool{
		Name:        "no-response",
		Description: "End the turn without sending a message.",
		Terminal:    true,
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {},
			"additionalProperties": false
		}`),
		Execute: func(ctx context.Context, args json.RawMessage, tc *Context) any {
			var in struct{}
			if out, ok := decodeArgs(args, &in); !ok {
				return out
			}
			return respondOutput{Output: OK(), Final: true}
		},
	}
}

// NewReactTool adds an emoji reaction to a channel message.
func NewReactTool() *Tool {
	return &Tool{
		Name:        "react",
		Description: "React to a message with an emoji. Defaults to the most recent message.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"emoji": {"type": "string", "description": "The emoji to react with."},
				"message_id": {"type": "string", "description": "Message to react to. Defaults to the last inbound message."}
			},
			"required": ["emoji"],
			"additionalProperties": false
		}`),
		Execute: func(ctx context.Context, args json.RawMessage, tc *Context) any {
			var in struct {
				Emoji     string `json:"emoji"`
				MessageID string `json:"message_id"`
			}
			if out, ok := decodeArgs(args, &in); !ok {
				return out
			}
			if issue, ok := requireString(in.Emoji, "emoji"); !ok {
				return Invalid("emoji is required", issue)
			}
			if tc.React == nil {
				return FailureCode("not_configured", "Reactions are not available in this session.")
			}
			if err := tc.React(ctx, in.Emoji, in.MessageID); err != nil {
				return Failure("Could not react: " + err.Error())
			}
			return map[string]any{"success": true, "emoji": in.Emoji}
		},
	}
}

// NewSessionInfoTool reports the channel-specific identifiers of the
// current session.
func NewSessionInfoTool() *Tool {
	return &Tool{
		Name:        "session-info",
		Description: "Return the current session's channel and identifiers.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {},
			"additionalProperties": false
		}`),
		Execute: func(ctx context.Context, args json.RawMessage, tc *Context) any {
			var in struct{}
			if out, ok := decodeArgs(args, &in); !ok {
				return out
			}
			sess := tc.Session
			info := map[string]any{
				"success": true,
				"session": sess.ID,
				"channel": string(sess.Channel),
			}
			switch sess.Channel {
			case "discord":
				info["channelId"] = sess.ChannelID
				if sess.GuildID != "" {
					info["guildId"] = sess.GuildID
				}
				info["isNsfw"] = sess.IsNSFW
			case "matrix":
				info["roomId"] = sess.RoomID
			case "internal":
				info["jobId"] = sess.JobID
			}
			return info
		},
	}
}
