// Package session implements the per-workspace agent session: the turn
// state machine, the streaming pipeline with its retry policies, agent
// switching, crash-safe follow-ups, and the subscriber event bus.
package session

import (
	"context"
	"encoding/json"

	"github.com/muxsh/mux/pkg/models"
)

// Provider is the streaming LLM surface. Stream returns a channel that
// yields deltas and tool calls and is closed after a terminal end or error
// event.
type Provider interface {
	Stream(ctx context.Context, req Request) (<-chan ProviderEvent, error)
}

// Request is one provider invocation.
type Request struct {
	WorkspaceID string
	Messages    []models.Message
	Options     models.SendOptions

	// Tools is the declared tool surface for the active agent.
	Tools []ToolDecl

	// Attachments carries post-compaction reinjection content; nil on the
	// context-exceeded retry.
	Attachments []Attachment
}

// ToolDecl declares one callable tool to the provider.
type ToolDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// Attachment is auxiliary prompt content, currently the post-compaction
// file diffs.
type Attachment struct {
	Path      string `json:"path"`
	Diff      string `json:"diff"`
	Truncated bool   `json:"truncated,omitempty"`
}

// ProviderEventType discriminates provider stream events.
type ProviderEventType string

const (
	// ProviderDelta carries incremental assistant text.
	ProviderDelta ProviderEventType = "delta"

	// ProviderToolCall asks the session to execute a tool.
	ProviderToolCall ProviderEventType = "tool-call"

	// ProviderError terminates the stream with a classified failure.
	ProviderError ProviderEventType = "error"

	// ProviderEnd terminates the stream gracefully.
	ProviderEnd ProviderEventType = "end"
)

// Provider error classifications the session's policies key on.
const (
	ErrorContextExceeded      = "context_exceeded"
	ErrorAuthentication       = "authentication"
	ErrorProviderNotSupported = "provider_not_supported"
	ErrorAPIKeyNotFound       = "api_key_not_found"
	ErrorRuntimeStartFailed   = "runtime_start_failed"
)

// ProviderEvent is one event on a provider stream.
type ProviderEvent struct {
	Type ProviderEventType

	// Delta text, for ProviderDelta.
	Delta string

	// ToolCall, for ProviderToolCall.
	ToolCall *ProviderToolCallData

	// Err, for ProviderError.
	Err *ProviderErrorData
}

// ProviderToolCallData is a requested tool invocation.
type ProviderToolCallData struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ProviderErrorData classifies a stream failure.
type ProviderErrorData struct {
	Type    string
	Message string
}
