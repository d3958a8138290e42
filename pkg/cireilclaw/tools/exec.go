package tools

import (
	"context"
	"encoding/json"

	"github.com/cireil/cireilclaw/pkg/cireilclaw/sandbox"
)

// NewExecTool runs an allowlisted binary inside the sandbox. The tool
// is registered even when misconfigured so the model gets a structured
// explanation instead of an unknown-tool error.
func NewExecTool() *Tool {
	return &Tool{
		Name:        "exec",
		Description: "Run an allowlisted binary in the sandboxed workspace. The command runs with /workspace as its working directory.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"command": {"type": "string", "description": "Binary name, e.g. \"ls\"."},
				"args": {"type": "array", "items": {"type": "string"}}
			},
			"required": ["command"],
			"additionalProperties": false
		}`),
		Execute: func(ctx context.Context, args json.RawMessage, tc *Context) any {
			var in struct {
				Command string   `json:"command"`
				Args    []string `json:"args"`
			}
			if out, ok := decodeArgs(args, &in); !ok {
				return out
			}
			if issue, ok := requireString(in.Command, "command"); !ok {
				return Invalid("command is required", issue)
			}

			if tc.Executor == nil {
				return FailureCode("not_configured", "Command execution is disabled for this agent.")
			}
			if len(tc.ExecAllowed) == 0 {
				return FailureCode("not_configured", "No binaries are allowlisted for execution.")
			}

			// Validate before touching the executor so an allowlist
			// miss never spawns anything.
			if err := sandbox.ValidateCommand(in.Command, tc.ExecAllowed); err != nil {
				return Failure(err.Error())
			}

			res, err := tc.Executor.Execute(ctx, &sandbox.ExecRequest{
				Command:         in.Command,
				Args:            in.Args,
				AllowedBinaries: tc.ExecAllowed,
				Timeout:         tc.ExecTimeout,
			})
			if err != nil {
				return Failure(err.Error())
			}
			return map[string]any{
				"success":  true,
				"exitCode": res.ExitCode,
				"stdout":   res.Stdout,
				"stderr":   res.Stderr,
				"killed":   res.Killed,
			}
		},
	}
}
