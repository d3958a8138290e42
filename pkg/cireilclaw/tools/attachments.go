package tools

import (
	"context"
	"encoding/json"
	"os"
	"path"
	"path/filepath"
)

// attachmentsDir is where fetched attachments land in the sandbox.
const attachmentsDir = "/workspace/attachments"

// NewFetchAttachmentsTool saves the attachments of a channel message
// into the workspace. The inbound path only carries images; this is
// how non-image files reach the agent.
func NewFetchAttachmentsTool() *Tool {
	return &Tool{
		Name:        "fetch-attachments",
		Description: "Download the attachments of a message into /workspace/attachments. Defaults to the most recent message.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"message_id": {"type": "string", "description": "Message to fetch from. Defaults to the last inbound message."}
			},
			"additionalProperties": false
		}`),
		Execute: func(ctx context.Context, args json.RawMessage, tc *Context) any {
			var in struct {
				MessageID string `json:"message_id"`
			}
			if out, ok := decodeArgs(args, &in); !ok {
				return out
			}
			if tc.DownloadAttachments == nil {
				return FailureCode("not_configured", "Attachment fetching is not available in this session.")
			}

			files, err := tc.DownloadAttachments(ctx, in.MessageID)
			if err != nil {
				return Failure("Could not fetch attachments: " + tc.Resolver.Sanitize(err.Error()))
			}
			if len(files) == 0 {
				return map[string]any{"success": true, "files": []string{}, "note": "The message has no attachments."}
			}

			saved := make([]string, 0, len(files))
			for _, f := range files {
				name := path.Base(f.Filename)
				if name == "" || name == "." || name == "/" {
					name = "attachment"
				}
				virtual := attachmentsDir + "/" + name
				real, err := tc.Resolver.Resolve(virtual)
				if err != nil {
					return pathFailure(tc, err)
				}
				if err := os.MkdirAll(filepath.Dir(real), 0o755); err != nil {
					return Failure("Could not create attachments directory: " + tc.Resolver.Sanitize(err.Error()))
				}
				if err := os.WriteFile(real, f.Data, 0o644); err != nil {
					return Failure("Could not save attachment: " + tc.Resolver.Sanitize(err.Error()))
				}
				saved = append(saved, virtual)
			}
			return map[string]any{"success": true, "files": saved}
		},
	}
}
