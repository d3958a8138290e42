package tools

import (
	"context"
	"encoding/json"
	"os"

	"github.com/cireil/cireilclaw/pkg/cireilclaw/config"
)

// NewReadSkillTool loads a skill's full markdown body. The system
// prompt only carries the skills index; bodies come in on demand.
func NewReadSkillTool() *Tool {
	return &Tool{
		Name:        "read-skill",
		Description: "Load the full instructions of a skill listed in your skills index.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"slug": {"type": "string"}
			},
			"required": ["slug"],
			"additionalProperties": false
		}`),
		Execute: func(ctx context.Context, args json.RawMessage, tc *Context) any {
			var in struct {
				Slug string `json:"slug"`
			}
			if out, ok := decodeArgs(args, &in); !ok {
				return out
			}
			if !config.ValidSlug(in.Slug) {
				return Invalid("slug is not valid",
					Issue{Field: "slug", Message: "slug must be a lowercase URL-safe slug"})
			}

			real, err := tc.Resolver.Resolve("/skills/" + in.Slug + ".md")
			if err != nil {
				return pathFailure(tc, err)
			}
			data, err := os.ReadFile(real)
			if err != nil {
				return Failure("Skill '" + in.Slug + "' was not found.")
			}
			return map[string]any{"success": true, "slug": in.Slug, "content": string(data)}
		},
	}
}
