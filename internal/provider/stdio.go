// Package provider holds Provider implementations for the session runtime.
//
// The daemon carries no model API clients. Instead the configured provider
// is an external command spawned once per stream: it receives the full
// request as one JSON line on stdin and emits stream events as JSON lines
// on stdout until it exits. Model and credential handling live entirely in
// that subprocess.
package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/muxsh/mux/internal/session"
	"github.com/muxsh/mux/pkg/models"
)

const maxEventLineBytes = 1 << 20

// Stdio streams through a provider subprocess speaking line-delimited JSON.
type Stdio struct {
	command []string
	env     map[string]string
	logger  *slog.Logger
}

// NewStdio creates a subprocess provider. command is the executable vector;
// env is merged over the daemon environment.
func NewStdio(command []string, env map[string]string, logger *slog.Logger) (*Stdio, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("provider command must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Stdio{
		command: append([]string(nil), command...),
		env:     env,
		logger:  logger.With("component", "provider"),
	}, nil
}

// wireRequest is the stdin payload, one JSON object on a single line.
type wireRequest struct {
	WorkspaceID string               `json:"workspace_id"`
	Messages    []models.Message     `json:"messages"`
	Options     models.SendOptions   `json:"options"`
	Tools       []session.ToolDecl   `json:"tools,omitempty"`
	Attachments []session.Attachment `json:"attachments,omitempty"`
}

// wireEvent is one stdout line from the subprocess.
type wireEvent struct {
	Type     string `json:"type"`
	Delta    string `json:"delta,omitempty"`
	ToolCall *struct {
		ID    string          `json:"id"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	} `json:"tool_call,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Stream spawns the provider command for one request. The returned channel
// closes when the subprocess exits or the context is canceled; cancellation
// kills the subprocess.
func (p *Stdio) Stream(ctx context.Context, req session.Request) (<-chan session.ProviderEvent, error) {
	payload, err := json.Marshal(wireRequest{
		WorkspaceID: req.WorkspaceID,
		Messages:    req.Messages,
		Options:     req.Options,
		Tools:       req.Tools,
		Attachments: req.Attachments,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	cmd := exec.CommandContext(ctx, p.command[0], p.command[1:]...)
	cmd.Env = os.Environ()
	for k, v := range p.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting provider: %w", err)
	}

	go func() {
		defer stdin.Close()
		stdin.Write(append(payload, '\n'))
	}()
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			p.logger.Debug("provider stderr", "workspace", req.WorkspaceID, "line", scanner.Text())
		}
	}()

	events := make(chan session.ProviderEvent, 32)
	go func() {
		defer close(events)
		defer cmd.Wait()

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64<<10), maxEventLineBytes)
		for scanner.Scan() {
			ev, ok := p.decode(scanner.Bytes())
			if !ok {
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Type == session.ProviderEnd || ev.Type == session.ProviderError {
				return
			}
		}
	}()
	return events, nil
}

func (p *Stdio) decode(line []byte) (session.ProviderEvent, bool) {
	var raw wireEvent
	if err := json.Unmarshal(line, &raw); err != nil {
		p.logger.Warn("discarding malformed provider line", "error", err)
		return session.ProviderEvent{}, false
	}
	switch raw.Type {
	case "delta":
		return session.ProviderEvent{Type: session.ProviderDelta, Delta: raw.Delta}, true
	case "tool-call":
		if raw.ToolCall == nil {
			return session.ProviderEvent{}, false
		}
		return session.ProviderEvent{Type: session.ProviderToolCall, ToolCall: &session.ProviderToolCallData{
			ID:    raw.ToolCall.ID,
			Name:  raw.ToolCall.Name,
			Input: raw.ToolCall.Input,
		}}, true
	case "error":
		data := &session.ProviderErrorData{Message: "provider error"}
		if raw.Error != nil {
			data.Type = raw.Error.Type
			data.Message = raw.Error.Message
		}
		return session.ProviderEvent{Type: session.ProviderError, Err: data}, true
	case "end":
		return session.ProviderEvent{Type: session.ProviderEnd}, true
	default:
		p.logger.Warn("unknown provider event type", "type", raw.Type)
		return session.ProviderEvent{}, false
	}
}
