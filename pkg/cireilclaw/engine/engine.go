package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cireil/cireilclaw/pkg/cireilclaw/config"
	"github.com/cireil/cireilclaw/pkg/cireilclaw/session"
	"github.com/cireil/cireilclaw/pkg/cireilclaw/tools"
)

// maxIterations is a hard stop on the tool-call loop. A model that
// never reaches a terminal respond burns this many provider calls
// before the turn is abandoned.
const maxIterations = 50

// kimiCoercion is appended when the Kimi 2.5 workaround engages: the
// model family mishandles tool_choice "required", so the engine falls
// back to "auto" plus an explicit instruction. Known defect of that
// family.
const kimiCoercion = "Reply only by invoking tools. Use the respond tool to talk to the user."

// TurnOptions parameterizes one turn.
type TurnOptions struct {
	Session *session.Session
	Config  *config.EngineConfig

	// ModelOverride replaces the configured model, e.g. a heartbeat's
	// cheaper model. Channel overrides still apply to apiBase/apiKey.
	ModelOverride string

	Prompt  *PromptSources
	ToolCtx *tools.Context
}

// Engine runs the iterative tool-call loop for every agent. It is
// stateless across turns; all per-turn state lives on the session.
type Engine struct {
	client   *Client
	registry *tools.Registry
	logger   *slog.Logger
}

// New creates an engine dispatching against the given registry.
func New(client *Client, registry *tools.Registry, logger *slog.Logger) *Engine {
	return &Engine{
		client:   client,
		registry: registry,
		logger:   logger.With("component", "engine"),
	}
}

// Registry exposes the tool registry, e.g. for registration at
// startup.
func (e *Engine) Registry() *tools.Registry { return e.registry }

// RunTurn drives the per-iteration loop until a terminal tool result.
// The caller owns the busy gate and history rollback; RunTurn only
// mutates the session's history and pending buffers.
func (e *Engine) RunTurn(ctx context.Context, opts *TurnOptions) error {
	sess := opts.Session
	start := time.Now()

	for iter := 0; iter < maxIterations; iter++ {
		// Images queued by tools ride in as one synthetic user message
		// behind the pending tool responses: OpenAI-shaped APIs accept
		// images only under the user role, after matching tool results.
		if imgs := sess.DrainImages(); len(imgs) > 0 {
			sess.QueueToolMessage(session.UserMessage(imgs...))
		}

		resp, err := e.callProvider(ctx, opts)
		if err != nil {
			return err
		}

		switch resp.FinishReason {
		case "content_filter":
			return fmt.Errorf("%w (model %q)", ErrContentFiltered, e.modelFor(opts))
		case "tool_calls":
		default:
			return fmt.Errorf("%w: finish reason %q", ErrUnexpectedFinish, resp.FinishReason)
		}
		if len(resp.ToolCalls) == 0 {
			return fmt.Errorf("%w (finish reason %q)", ErrNoToolCalls, resp.FinishReason)
		}

		sess.CommitPending()
		sess.Append(assistantFromToolCalls(resp.Content, resp.ToolCalls))

		done := false
		for _, call := range resp.ToolCalls {
			output, terminal := e.registry.Dispatch(ctx, call.Function.Name,
				[]byte(call.Function.Arguments), opts.ToolCtx)
			sess.QueueToolMessage(session.ToolResponseMessage(call.ID, call.Function.Name, output))
			if terminal {
				done = true
			}
		}

		if done {
			sess.CommitPending()
			e.logger.Info("turn complete",
				"session", sess.ID,
				"iterations", iter+1,
				"duration_ms", time.Since(start).Milliseconds())
			return nil
		}
	}
	return fmt.Errorf("turn exceeded %d iterations without a terminal tool call", maxIterations)
}

// RunUserTurn appends a user message, runs the turn, and on failure
// rolls the session back to its pre-turn state and reports the error
// to the channel best-effort.
func (e *Engine) RunUserTurn(ctx context.Context, opts *TurnOptions, userMsg session.Message) error {
	sess := opts.Session
	preLen := len(sess.History)
	sess.Append(userMsg)
	sess.Touch()

	if err := e.RunTurn(ctx, opts); err != nil {
		sess.History = sess.History[:preLen]
		sess.PendingToolMsgs = nil
		sess.PendingImages = nil
		e.logger.Error("turn failed", "session", sess.ID, "error", err)
		if opts.ToolCtx != nil && opts.ToolCtx.Send != nil {
			msg := "Something went wrong while processing that. Please try again."
			if sendErr := opts.ToolCtx.Send(ctx, msg, nil); sendErr != nil {
				e.logger.Warn("could not report turn failure", "session", sess.ID, "error", sendErr)
			}
		}
		return err
	}
	return nil
}

func (e *Engine) callProvider(ctx context.Context, opts *TurnOptions) (*CompletionResponse, error) {
	sess := opts.Session
	apiBase, apiKey, model := opts.Config.Resolve(string(sess.Channel), sess.SubKey())
	if opts.ModelOverride != "" {
		model = opts.ModelOverride
	}

	messages := BuildMessages(sess)
	toolChoice := "required"
	if isKimi25(model) {
		toolChoice = "auto"
		messages = append(messages, WireMessage{Role: "system", Content: kimiCoercion})
		e.logger.Debug("kimi 2.5 tool-choice workaround engaged", "model", model)
	}

	systemPrompt := BuildSystemPrompt(sess, opts.Prompt, time.Now())
	wire := make([]WireMessage, 0, len(messages)+1)
	wire = append(wire, WireMessage{Role: "system", Content: systemPrompt})
	wire = append(wire, messages...)

	return e.client.Complete(ctx, &CompletionRequest{
		APIBase:    apiBase,
		APIKey:     apiKey,
		Model:      model,
		Messages:   wire,
		Tools:      e.toolDefinitions(),
		ToolChoice: toolChoice,
	})
}

func (e *Engine) toolDefinitions() []ToolDefinition {
	specs := e.registry.Specs()
	defs := make([]ToolDefinition, 0, len(specs))
	for _, s := range specs {
		defs = append(defs, ToolDefinition{
			Type: "function",
			Function: FunctionDef{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  s.Parameters,
			},
		})
	}
	return defs
}

func (e *Engine) modelFor(opts *TurnOptions) string {
	if opts.ModelOverride != "" {
		return opts.ModelOverride
	}
	_, _, model := opts.Config.Resolve(string(opts.Session.Channel), opts.Session.SubKey())
	return model
}

// isKimi25 detects the model family needing the tool_choice
// workaround.
func isKimi25(model string) bool {
	m := strings.ToLower(model)
	return strings.Contains(m, "kimi") && strings.Contains(m, "2.5")
}
