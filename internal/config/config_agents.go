package config

import "fmt"

// AgentConfig defines a user-configured agent. The map key in
// Config.Agents is the agent id.
type AgentConfig struct {
	// Base is the built-in agent this definition derives its tool surface
	// from: "exec", "plan", or "explore".
	Base string `yaml:"base"`

	// Hidden agents cannot be switch_agent targets.
	Hidden bool `yaml:"hidden"`

	// Disabled agents are registered but rejected at dispatch.
	Disabled bool `yaml:"disabled"`

	// Model overrides the model for turns run as this agent.
	Model string `yaml:"model"`

	// Thinking overrides the thinking level ("off", "low", "high").
	Thinking string `yaml:"thinking"`

	// ToolPolicy applies additional per-agent tool rules.
	ToolPolicy []ToolPolicyRuleConfig `yaml:"tool_policy"`
}

// ToolPolicyRuleConfig is one allow/deny rule matched against tool names.
type ToolPolicyRuleConfig struct {
	RegexMatch string `yaml:"regex_match"`
	Action     string `yaml:"action"` // "allow" | "deny"
}

func (a AgentConfig) validate(id string) error {
	switch a.Base {
	case "exec", "plan", "explore":
	case "":
		return fmt.Errorf("agents.%s: base is required", id)
	default:
		return fmt.Errorf("agents.%s: base must be exec, plan, or explore, got %q", id, a.Base)
	}
	for i, rule := range a.ToolPolicy {
		switch rule.Action {
		case "allow", "deny":
		default:
			return fmt.Errorf("agents.%s: tool_policy[%d].action must be allow or deny, got %q", id, i, rule.Action)
		}
		if rule.RegexMatch == "" {
			return fmt.Errorf("agents.%s: tool_policy[%d].regex_match is required", id, i)
		}
	}
	return nil
}
