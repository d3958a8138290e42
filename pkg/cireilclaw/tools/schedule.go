package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cireil/cireilclaw/pkg/cireilclaw/config"
)

// NewScheduleTool creates a one-shot reminder job: persisted, armed
// live, and fired by the agent's scheduler at the given instant.
func NewScheduleTool() *Tool {
	return &Tool{
		Name:        "schedule",
		Description: "Schedule a one-shot prompt for yourself at a future time. Use it for reminders and deferred work.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"id": {"type": "string", "description": "Slug identifying the job."},
				"at": {"type": "string", "description": "RFC 3339 timestamp, e.g. 2026-09-01T09:00:00Z."},
				"prompt": {"type": "string", "description": "The prompt injected when the job fires."},
				"delivery": {"type": "string", "enum": ["announce", "webhook", "none"], "description": "Defaults to announce."},
				"target": {"type": "string", "description": "Target session id, or \"last\". Defaults to last."}
			},
			"required": ["id", "at", "prompt"],
			"additionalProperties": false
		}`),
		Execute: func(ctx context.Context, args json.RawMessage, tc *Context) any {
			var in struct {
				ID       string `json:"id"`
				At       string `json:"at"`
				Prompt   string `json:"prompt"`
				Delivery string `json:"delivery"`
				Target   string `json:"target"`
			}
			if out, ok := decodeArgs(args, &in); !ok {
				return out
			}

			var issues []Issue
			if !config.ValidSlug(in.ID) {
				issues = append(issues, Issue{Field: "id", Message: "id must be a lowercase URL-safe slug"})
			}
			at, err := time.Parse(time.RFC3339, in.At)
			if err != nil {
				issues = append(issues, Issue{Field: "at", Message: "at must be an RFC 3339 timestamp"})
			} else if !at.After(time.Now()) {
				issues = append(issues, Issue{Field: "at", Message: "at must be in the future"})
			}
			if in.Prompt == "" {
				issues = append(issues, Issue{Field: "prompt", Message: "prompt is required"})
			}
			switch in.Delivery {
			case "", "announce", "webhook", "none":
			default:
				issues = append(issues, Issue{Field: "delivery", Message: "delivery must be announce, webhook, or none"})
			}
			if len(issues) > 0 {
				return Invalid("Invalid schedule request.", issues...)
			}

			if tc.Scheduler == nil {
				return FailureCode("not_configured", "Scheduling is not available for this agent.")
			}

			delivery := in.Delivery
			if delivery == "" {
				delivery = "announce"
			}
			target := in.Target
			if target == "" {
				target = "last"
			}

			job := config.CronJob{
				ID:        in.ID,
				Enabled:   true,
				Schedule:  config.ScheduleSpec{At: at.Format(time.RFC3339)},
				Execution: "isolated",
				Delivery:  delivery,
				Target:    target,
				Prompt:    in.Prompt,
			}
			if err := tc.Scheduler.AddOneShot(job); err != nil {
				return Failure("Could not schedule the job: " + err.Error())
			}
			return map[string]any{
				"success": true,
				"id":      in.ID,
				"at":      at.Format(time.RFC3339),
			}
		},
	}
}
