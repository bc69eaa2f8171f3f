// Package agents holds the agent definitions a session can run as: the
// built-ins exec, plan, and explore, plus user-defined agents from config
// that derive their tool surface from a built-in base.
package agents

import (
	"fmt"
	"sort"
	"sync"

	"github.com/muxsh/mux/internal/config"
	"github.com/muxsh/mux/pkg/models"
)

// Built-in agent ids.
const (
	AgentExec    = "exec"
	AgentPlan    = "plan"
	AgentExplore = "explore"
)

// Agent is one resolved agent definition.
type Agent struct {
	ID   string
	Base string

	// Hidden agents cannot be switch_agent targets; Disabled agents are
	// registered but rejected at dispatch.
	Hidden   bool
	Disabled bool

	// Model and Thinking override the stream settings for turns run as
	// this agent. Empty means inherit.
	Model    string
	Thinking string

	// ToolPolicy applies additional per-agent tool rules.
	ToolPolicy []models.ToolPolicyRule
}

// Registry resolves agent ids to definitions.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry seeds the built-ins and layers user-defined agents on top.
// A user agent may not shadow a built-in id.
func NewRegistry(userAgents map[string]config.AgentConfig) (*Registry, error) {
	r := &Registry{agents: map[string]Agent{
		AgentExec:    {ID: AgentExec, Base: AgentExec},
		AgentPlan:    {ID: AgentPlan, Base: AgentPlan},
		AgentExplore: {ID: AgentExplore, Base: AgentExplore},
	}}
	ids := make([]string, 0, len(userAgents))
	for id := range userAgents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if _, builtin := r.agents[id]; builtin {
			return nil, fmt.Errorf("agent %q shadows a built-in", id)
		}
		cfg := userAgents[id]
		policy := make([]models.ToolPolicyRule, 0, len(cfg.ToolPolicy))
		for _, rule := range cfg.ToolPolicy {
			policy = append(policy, models.ToolPolicyRule{RegexMatch: rule.RegexMatch, Action: rule.Action})
		}
		r.agents[id] = Agent{
			ID:         id,
			Base:       cfg.Base,
			Hidden:     cfg.Hidden,
			Disabled:   cfg.Disabled,
			Model:      cfg.Model,
			Thinking:   cfg.Thinking,
			ToolPolicy: policy,
		}
	}
	return r, nil
}

// Get returns the agent definition for id.
func (r *Registry) Get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[id]
	return agent, ok
}

// List returns all agents sorted by id.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Base resolves the built-in base of an agent id; built-ins are their own
// base. Unknown ids resolve to "".
func (r *Registry) Base(id string) string {
	agent, ok := r.Get(id)
	if !ok {
		return ""
	}
	return agent.Base
}

// IsExecLike reports whether the agent id resolves to an exec-based agent.
func (r *Registry) IsExecLike(id string) bool {
	return r.Base(id) == AgentExec
}

// ValidateSwitchTarget rejects unknown, hidden, and disabled targets.
func (r *Registry) ValidateSwitchTarget(id string) error {
	agent, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("unknown agent %q", id)
	}
	if agent.Hidden {
		return fmt.Errorf("agent %q is hidden", id)
	}
	if agent.Disabled {
		return fmt.Errorf("agent %q is disabled", id)
	}
	return nil
}
