// Package skills manages the skill library under <muxHome>/skills: parsing
// SKILL.md definitions, TTL-cached discovery, and symlink-hardened path
// containment for the agent_skill_* tools.
//
// Containment is strict: the skills root, the skill directory, and every
// intermediate path segment are compared by real path, so a symlink swapped
// into any level cannot redirect a read or write outside the mux home.
package skills

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// SkillFilename is the canonical definition file inside a skill dir.
	SkillFilename = "SKILL.md"

	frontmatterDelimiter = "---"
)

// Skill is one parsed skill definition.
type Skill struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`

	// Content is the markdown body after the front matter.
	Content string `json:"-" yaml:"-"`

	// Path is the skill directory the definition was discovered in.
	Path string `json:"path" yaml:"-"`
}

// ParseSkill parses SKILL.md content.
func ParseSkill(data []byte, skillPath string) (*Skill, error) {
	frontmatter, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, fmt.Errorf("split frontmatter: %w", err)
	}

	var skill Skill
	if err := yaml.Unmarshal(frontmatter, &skill); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	if skill.Name == "" {
		return nil, fmt.Errorf("skill name is required")
	}
	if err := ValidateName(skill.Name); err != nil {
		return nil, err
	}
	if skill.Description == "" {
		return nil, fmt.Errorf("skill description is required")
	}

	skill.Content = strings.TrimSpace(string(body))
	skill.Path = skillPath
	return &skill, nil
}

// ValidateName enforces the lowercase-alphanumeric-hyphen skill name form.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("name is required")
	}
	for _, r := range name {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-') {
			return fmt.Errorf("name must be lowercase alphanumeric with hyphens: got %q", name)
		}
	}
	return nil
}

// splitFrontmatter separates the YAML front matter from the markdown body.
func splitFrontmatter(data []byte) ([]byte, []byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("empty file")
	}
	if strings.TrimSpace(scanner.Text()) != frontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var frontmatterLines []string
	foundClosing := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontmatterDelimiter {
			foundClosing = true
			break
		}
		frontmatterLines = append(frontmatterLines, line)
	}
	if !foundClosing {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}

	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scanner error: %w", err)
	}
	return []byte(strings.Join(frontmatterLines, "\n")), []byte(strings.Join(bodyLines, "\n")), nil
}

// EnsureFrontmatterName injects or corrects `name: <name>` in the front
// matter of SKILL.md content, preserving every other line exactly. Content
// without front matter gains a minimal block.
func EnsureFrontmatterName(content, name string) string {
	lines := strings.Split(content, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != frontmatterDelimiter {
		return frontmatterDelimiter + "\nname: " + name + "\n" + frontmatterDelimiter + "\n" + content
	}

	closing := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == frontmatterDelimiter {
			closing = i
			break
		}
	}
	if closing < 0 {
		return frontmatterDelimiter + "\nname: " + name + "\n" + frontmatterDelimiter + "\n" + content
	}

	for i := 1; i < closing; i++ {
		trimmed := strings.TrimSpace(lines[i])
		if strings.HasPrefix(trimmed, "name:") {
			current := strings.TrimSpace(strings.TrimPrefix(trimmed, "name:"))
			current = strings.Trim(current, `"'`)
			if current == name {
				return content
			}
			lines[i] = "name: " + name
			return strings.Join(lines, "\n")
		}
	}

	// No name line: inject as the first front-matter entry.
	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[0], "name: "+name)
	out = append(out, lines[1:]...)
	return strings.Join(out, "\n")
}
