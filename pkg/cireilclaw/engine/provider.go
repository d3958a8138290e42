// Package engine drives one agent turn: it assembles the system
// prompt and wire messages, calls an OpenAI-compatible chat completion
// endpoint with tool_choice "required", dispatches the returned tool
// calls, and loops until a terminal respond/no-response result.
package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrContentFiltered reports a provider content-filter trip.
var ErrContentFiltered = errors.New("provider content filter tripped")

// ErrUnexpectedFinish reports a finish reason other than tool_calls.
var ErrUnexpectedFinish = errors.New("provider finished without tool calls")

// ErrNoToolCalls reports a tool_calls finish with an empty call array.
var ErrNoToolCalls = errors.New("provider returned no tool calls")

// requestTimeout bounds one completion request. The context still
// governs cancellation; this only catches hung connections.
const requestTimeout = 60 * time.Second

// ---------- wire types ----------

// WireMessage is one message in the provider payload.
type WireMessage struct {
	Role string `json:"role"`

	// Content is a string for assistant/system/tool messages and a
	// []ContentPart for user messages.
	Content any `json:"content,omitempty"`

	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ContentPart is one element of a user message's content array.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries an image as a base64 data URL.
type ImageURL struct {
	URL string `json:"url"`
}

// DataURL renders image bytes as a data URL content part.
func DataURL(mediaType string, data []byte) ContentPart {
	return ContentPart{
		Type: "image_url",
		ImageURL: &ImageURL{
			URL: "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data),
		},
	}
}

// ToolDefinition is an OpenAI-compatible tool definition.
type ToolDefinition struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionDef describes one callable function exposed to the model.
type FunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall holds the function name and serialized arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatRequest struct {
	Model      string           `json:"model"`
	Messages   []WireMessage    `json:"messages"`
	Tools      []ToolDefinition `json:"tools,omitempty"`
	ToolChoice string           `json:"tool_choice,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string     `json:"content"`
			ToolCalls []ToolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// ---------- client ----------

// CompletionRequest is one fully resolved provider call. The engine
// fills these from the agent config after applying channel overrides.
type CompletionRequest struct {
	APIBase    string
	APIKey     string
	Model      string
	Messages   []WireMessage
	Tools      []ToolDefinition
	ToolChoice string
}

// CompletionResponse is the parsed provider reply.
type CompletionResponse struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
}

// Client speaks the OpenAI Chat Completions protocol. One client is
// shared across agents; per-call endpoint, key, and model arrive in
// the request so channel overrides need no client swap.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a provider client.
func NewClient(logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		logger:     logger.With("component", "provider"),
	}
}

// Complete POSTs one chat completion request. A non-2xx status or a
// decoded error body yields an error carrying the status and a body
// snippet; the caller treats it as a turn-aborting provider failure.
func (c *Client) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	body, err := json.Marshal(chatRequest{
		Model:      req.Model,
		Messages:   req.Messages,
		Tools:      req.Tools,
		ToolChoice: req.ToolChoice,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding completion request: %w", err)
	}

	url := strings.TrimRight(req.APIBase, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling provider: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("reading provider response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("provider returned %s: %s", resp.Status, bodySnippet(respBody))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decoding provider response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("provider error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("provider returned no choices")
	}

	choice := parsed.Choices[0]
	c.logger.Debug("completion finished",
		"model", req.Model,
		"finish_reason", choice.FinishReason,
		"tool_calls", len(choice.Message.ToolCalls),
		"duration_ms", time.Since(start).Milliseconds())

	return &CompletionResponse{
		Content:      choice.Message.Content,
		ToolCalls:    choice.Message.ToolCalls,
		FinishReason: choice.FinishReason,
	}, nil
}

func bodySnippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 300 {
		s = s[:300] + "..."
	}
	return s
}
