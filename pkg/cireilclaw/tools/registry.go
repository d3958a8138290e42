// Package tools implements the registry of model-callable tools and
// the standard tool set: responding, workspace file access, search,
// skills, sandboxed execution, and dynamic scheduling.
//
// A tool never returns a Go error for bad input; schema mismatches
// become {success:false, error, issues} outputs so the model can
// correct itself. Go errors are reserved for unexpected I/O failures,
// and even those are folded into structured outputs at dispatch so a
// tool call can never abort the turn.
package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cireil/cireilclaw/pkg/cireilclaw/config"
	"github.com/cireil/cireilclaw/pkg/cireilclaw/paths"
	"github.com/cireil/cireilclaw/pkg/cireilclaw/sandbox"
	"github.com/cireil/cireilclaw/pkg/cireilclaw/session"
)

// SendFunc delivers content to the tool's session. Attachments are
// virtual file paths sent alongside the text.
type SendFunc func(ctx context.Context, content string, attachments []string) error

// ReactFunc adds an emoji reaction. An empty messageID targets the
// session's most recent inbound message.
type ReactFunc func(ctx context.Context, emoji, messageID string) error

// DownloadFunc fetches the attachments of a channel message.
type DownloadFunc func(ctx context.Context, messageID string) ([]DownloadedFile, error)

// DownloadedFile is one fetched attachment.
type DownloadedFile struct {
	Filename  string
	MediaType string
	Data      []byte
}

// JobScheduler arms dynamic one-shot jobs created by the schedule
// tool.
type JobScheduler interface {
	AddOneShot(job config.CronJob) error
}

// Context carries the session, agent identity, and capability
// closures a tool executes against. Optional capabilities are nil
// when the channel does not support them.
type Context struct {
	AgentSlug string
	Session   *session.Session
	Resolver  *paths.Resolver

	Send                SendFunc
	React               ReactFunc
	DownloadAttachments DownloadFunc

	// Executor and the exec tool settings; Executor is nil when the
	// exec tool is disabled.
	Executor    sandbox.Executor
	ExecAllowed []string
	ExecTimeout time.Duration

	BraveAPIKey string
	Scheduler   JobScheduler
	Transcoder  Transcoder

	Logger *slog.Logger
}

// Tool couples a name and JSON-Schema with its effect.
type Tool struct {
	Name        string
	Description string

	// Parameters is the OpenAPI-3.0-compatible JSON Schema shown to
	// the model and mirrored by the tool's own validation.
	Parameters json.RawMessage

	// Terminal marks respond/no-response semantics: the turn ends
	// after this tool unless its output sets final to false.
	Terminal bool

	Execute func(ctx context.Context, args json.RawMessage, tc *Context) any
}

// Spec is the provider-facing description of a registered tool.
type Spec struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Registry maps tool names to dispatchers. Registration happens at
// agent construction; dispatch is concurrent across sessions.
type Registry struct {
	mu    sync.RWMutex
	order []string
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. A duplicate name replaces the prior entry and
// keeps its position.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Specs lists the registered tools in registration order.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]Spec, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		specs = append(specs, Spec{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	return specs
}

// Dispatch runs one tool call and returns its output object as JSON
// plus whether the call terminates the turn. Every failure mode
// produces a structured output; dispatch itself cannot fail.
func (r *Registry) Dispatch(ctx context.Context, name string, args json.RawMessage, tc *Context) (json.RawMessage, bool) {
	tool, ok := r.Get(name)
	if !ok {
		return marshalOutput(tc, Failure("Unknown tool '"+name+"'.")), false
	}

	start := time.Now()
	result := tool.Execute(ctx, args, tc)
	out := marshalOutput(tc, result)

	if tc.Logger != nil {
		tc.Logger.Debug("tool dispatched",
			"tool", name, "session", tc.Session.ID,
			"duration_ms", time.Since(start).Milliseconds())
	}

	done := false
	if tool.Terminal {
		var flag struct {
			Final *bool `json:"final"`
		}
		// Terminal unless the output explicitly sets final to false.
		done = true
		if err := json.Unmarshal(out, &flag); err == nil && flag.Final != nil && !*flag.Final {
			done = false
		}
	}
	return out, done
}

func marshalOutput(tc *Context, result any) json.RawMessage {
	out, err := json.Marshal(result)
	if err != nil {
		if tc.Logger != nil {
			tc.Logger.Warn("tool output not serializable", "error", err)
		}
		out, _ = json.Marshal(Failure("Tool produced an unserializable result."))
	}
	return out
}
