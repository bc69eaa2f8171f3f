package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/muxsh/mux/internal/observability"
	"github.com/muxsh/mux/pkg/models"
)

// Input size cap so a runaway model call cannot exhaust memory.
const MaxInputBytes = 10 << 20

// Registry holds the registered tools and dispatches calls through schema
// validation and policy checks.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]registered
	metrics *observability.Metrics
	logger  *slog.Logger
}

type registered struct {
	tool   Tool
	schema *jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry(metrics *observability.Metrics, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:   make(map[string]registered),
		metrics: metrics,
		logger:  logger.With("component", "tools"),
	}
}

// Register compiles the tool's schema and adds it to the registry. A tool
// with the same name is replaced.
func (r *Registry) Register(tool Tool) error {
	compiled, err := compileSchema(tool.Name(), tool.Schema())
	if err != nil {
		return fmt.Errorf("register %s: %w", tool.Name(), err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = registered{tool: tool, schema: compiled}
	return nil
}

// MustRegister registers or panics; for static tool sets built at startup.
func (r *Registry) MustRegister(tool Tool) {
	if err := r.Register(tool); err != nil {
		panic(err)
	}
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.tools[name]
	return entry.tool, ok
}

// List returns the registered tools sorted by name, filtered by policy.
func (r *Registry) List(policy []models.ToolPolicyRule) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for name, entry := range r.tools {
		if !allowedByPolicy(name, policy) {
			continue
		}
		out = append(out, entry.tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Execute dispatches one tool call: policy check, schema validation, then
// the tool itself. Recoverable failures come back as tagged results; the
// error return is reserved for infrastructure faults.
func (r *Registry) Execute(ctx context.Context, name string, call Call) (*Result, error) {
	r.mu.RLock()
	entry, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return Errorf("tool not found: %s", name), nil
	}
	if !allowedByPolicy(name, call.Policy) {
		return Errorf("tool %s is disabled for this turn", name), nil
	}
	if len(call.Input) > MaxInputBytes {
		return Errorf("tool input exceeds %d bytes", MaxInputBytes), nil
	}
	if verr := validateInput(entry.schema, call.Input); verr != "" {
		return Errorf("invalid arguments for %s: %s", name, verr), nil
	}

	start := time.Now()
	result, err := entry.tool.Execute(ctx, call)
	elapsed := time.Since(start)
	status := "success"
	switch {
	case err != nil:
		status = "error"
	case result == nil || !result.Success:
		status = "failure"
	}
	if r.metrics != nil {
		r.metrics.RecordToolExecution(name, status, elapsed.Seconds())
	}
	if err != nil {
		r.logger.Error("tool execution failed",
			"tool", name, "workspace", call.WorkspaceID, "error", err)
		return nil, err
	}
	r.logger.Debug("tool executed",
		"tool", name, "workspace", call.WorkspaceID, "status", status, "duration", elapsed)
	return result, nil
}

// allowedByPolicy evaluates the rules in order; the first regex match wins.
// No match means allowed.
func allowedByPolicy(name string, policy []models.ToolPolicyRule) bool {
	for _, rule := range policy {
		re, err := regexp.Compile(rule.RegexMatch)
		if err != nil {
			continue
		}
		if re.MatchString(name) {
			return rule.Action == "allow"
		}
	}
	return true
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		raw = json.RawMessage(`{"type":"object"}`)
	}
	compiler := jsonschema.NewCompiler()
	url := "mux://tools/" + name + ".json"
	if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

func validateInput(schema *jsonschema.Schema, input json.RawMessage) string {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	var value any
	if err := json.Unmarshal(input, &value); err != nil {
		return "input is not valid JSON: " + err.Error()
	}
	if err := schema.Validate(value); err != nil {
		return err.Error()
	}
	return ""
}
