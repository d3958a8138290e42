package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cireil/cireilclaw/pkg/cireilclaw/paths"
	"github.com/cireil/cireilclaw/pkg/cireilclaw/session"
)

// imageExts are the extensions the read tool treats as images.
var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
}

// pathFailure renders a resolution error. Access denials keep their
// sanitized wording; anything else gets a generic prefix.
func pathFailure(tc *Context, err error) Output {
	if errors.Is(err, paths.ErrAccessDenied) {
		return Failure(tc.Resolver.Sanitize(err.Error()))
	}
	return Failure("Path error: " + tc.Resolver.Sanitize(err.Error()))
}

// NewReadTool reads a file. Images are re-encoded to WebP and queued
// for injection into the next provider call instead of being returned
// inline.
func NewReadTool() *Tool {
	return &Tool{
		Name:        "read",
		Description: "Read a file. Images (.jpg/.jpeg/.png/.gif/.webp) are attached visually; other files return their text content.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "Virtual path, e.g. /workspace/notes.md."}
			},
			"required": ["path"],
			"additionalProperties": false
		}`),
		Execute: func(ctx context.Context, args json.RawMessage, tc *Context) any {
			var in struct {
				Path string `json:"path"`
			}
			if out, ok := decodeArgs(args, &in); !ok {
				return out
			}
			if issue, ok := requireString(in.Path, "path"); !ok {
				return Invalid("path is required", issue)
			}

			real, err := tc.Resolver.Resolve(in.Path)
			if err != nil {
				return pathFailure(tc, err)
			}
			data, err := os.ReadFile(real)
			if err != nil {
				return Failure("Could not read file: " + tc.Resolver.Sanitize(err.Error()))
			}

			if imageExts[strings.ToLower(filepath.Ext(in.Path))] {
				if tc.Transcoder == nil {
					return Failure("Image reading is not available.")
				}
				webpData, err := tc.Transcoder.ToWebP(data)
				if err != nil {
					return Failure("Could not decode image: " + err.Error())
				}
				tc.Session.QueueImage(session.ImageContent("image/webp", webpData))
				return map[string]any{
					"success":  true,
					"path":     in.Path,
					"attached": true,
					"size":     len(data),
					"note":     "Image attached; it will be visible in the next model call.",
				}
			}

			return map[string]any{
				"success": true,
				"path":    in.Path,
				"size":    len(data),
				"content": string(data),
			}
		},
	}
}

// NewOpenFileTool pins a file into the system prompt until closed.
func NewOpenFileTool() *Tool {
	return &Tool{
		Name:        "open-file",
		Description: "Pin a file so its live content appears in your context every iteration.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string"}
			},
			"required": ["path"],
			"additionalProperties": false
		}`),
		Execute: func(ctx context.Context, args json.RawMessage, tc *Context) any {
			var in struct {
				Path string `json:"path"`
			}
			if out, ok := decodeArgs(args, &in); !ok {
				return out
			}
			real, err := tc.Resolver.Resolve(in.Path)
			if err != nil {
				return pathFailure(tc, err)
			}
			if info, err := os.Stat(real); err != nil || info.IsDir() {
				return Failure("File does not exist: " + in.Path)
			}
			pinned := tc.Session.Pin(in.Path)
			return map[string]any{"success": true, "openedFiles": pinned}
		},
	}
}

// NewCloseFileTool unpins a file.
func NewCloseFileTool() *Tool {
	return &Tool{
		Name:        "close-file",
		Description: "Unpin a previously opened file.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string"}
			},
			"required": ["path"],
			"additionalProperties": false
		}`),
		Execute: func(ctx context.Context, args json.RawMessage, tc *Context) any {
			var in struct {
				Path string `json:"path"`
			}
			if out, ok := decodeArgs(args, &in); !ok {
				return out
			}
			removed := tc.Session.Unpin(in.Path)
			return map[string]any{
				"success":     true,
				"removed":     removed,
				"openedFiles": append([]string{}, tc.Session.PinnedFiles...),
			}
		},
	}
}

// NewListDirTool lists a directory's immediate children.
func NewListDirTool() *Tool {
	return &Tool{
		Name:        "list-dir",
		Description: "List the immediate children of a directory.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string"}
			},
			"required": ["path"],
			"additionalProperties": false
		}`),
		Execute: func(ctx context.Context, args json.RawMessage, tc *Context) any {
			var in struct {
				Path string `json:"path"`
			}
			if out, ok := decodeArgs(args, &in); !ok {
				return out
			}
			real, err := tc.Resolver.Resolve(in.Path)
			if err != nil {
				return pathFailure(tc, err)
			}
			entries, err := os.ReadDir(real)
			if err != nil {
				return Failure("Could not list directory: " + tc.Resolver.Sanitize(err.Error()))
			}

			type child struct {
				Name string `json:"name"`
				Type string `json:"type"`
			}
			children := make([]child, 0, len(entries))
			for _, e := range entries {
				kind := "file"
				switch {
				case e.Type()&os.ModeSymlink != 0:
					kind = "symlink"
				case e.IsDir():
					kind = "directory"
				}
				children = append(children, child{Name: e.Name(), Type: kind})
			}
			return map[string]any{"success": true, "path": in.Path, "entries": children}
		},
	}
}

// NewWriteTool writes a file, creating parent directories. Memory
// blocks only accept markdown so the block loader can parse them.
func NewWriteTool() *Tool {
	return &Tool{
		Name:        "write",
		Description: "Write a file, creating parent directories as needed. Overwrites existing content.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string"},
				"content": {"type": "string"}
			},
			"required": ["path", "content"],
			"additionalProperties": false
		}`),
		Execute: func(ctx context.Context, args json.RawMessage, tc *Context) any {
			var in struct {
				Path    string `json:"path"`
				Content string `json:"content"`
			}
			if out, ok := decodeArgs(args, &in); !ok {
				return out
			}
			if issue, ok := requireString(in.Path, "path"); !ok {
				return Invalid("path is required", issue)
			}
			if strings.HasPrefix(in.Path, "/blocks/") && !strings.HasSuffix(in.Path, ".md") {
				return Failure("Files under /blocks/ must use the .md extension.")
			}

			real, err := tc.Resolver.Resolve(in.Path)
			if err != nil {
				return pathFailure(tc, err)
			}
			if err := os.MkdirAll(filepath.Dir(real), 0o755); err != nil {
				return Failure("Could not create parent directories: " + tc.Resolver.Sanitize(err.Error()))
			}
			if err := os.WriteFile(real, []byte(in.Content), 0o644); err != nil {
				return Failure("Could not write file: " + tc.Resolver.Sanitize(err.Error()))
			}
			return map[string]any{"success": true, "path": in.Path, "size": len(in.Content)}
		},
	}
}

// contextRadius is how many bytes around a replacement the str-replace
// tool echoes back.
const contextRadius = 80

// NewStrReplaceTool replaces a unique occurrence of old_text.
func NewStrReplaceTool() *Tool {
	return &Tool{
		Name:        "str-replace",
		Description: "Replace one unique occurrence of old_text with new_text in a file.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string"},
				"old_text": {"type": "string"},
				"new_text": {"type": "string"}
			},
			"required": ["path", "old_text", "new_text"],
			"additionalProperties": false
		}`),
		Execute: func(ctx context.Context, args json.RawMessage, tc *Context) any {
			var in struct {
				Path    string `json:"path"`
				OldText string `json:"old_text"`
				NewText string `json:"new_text"`
			}
			if out, ok := decodeArgs(args, &in); !ok {
				return out
			}
			if issue, ok := requireString(in.OldText, "old_text"); !ok {
				return Invalid("old_text is required", issue)
			}

			real, err := tc.Resolver.Resolve(in.Path)
			if err != nil {
				return pathFailure(tc, err)
			}
			data, err := os.ReadFile(real)
			if err != nil {
				return Failure("Could not read file: " + tc.Resolver.Sanitize(err.Error()))
			}

			text := string(data)
			switch count := strings.Count(text, in.OldText); {
			case count == 0:
				return Failure("old_text was not found in the file.")
			case count > 1:
				return Failure(fmt.Sprintf("old_text occurs %d times; include enough surrounding text to make it unique.", count))
			}

			idx := strings.Index(text, in.OldText)
			updated := text[:idx] + in.NewText + text[idx+len(in.OldText):]
			if err := os.WriteFile(real, []byte(updated), 0o644); err != nil {
				return Failure("Could not write file: " + tc.Resolver.Sanitize(err.Error()))
			}

			start := max(0, idx-contextRadius)
			end := min(len(updated), idx+len(in.NewText)+contextRadius)
			return map[string]any{
				"success": true,
				"path":    in.Path,
				"context": updated[start:end],
			}
		},
	}
}
