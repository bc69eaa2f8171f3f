package skills

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// ErrNotContained is returned when a skill path escapes the skills root.
var ErrNotContained = errors.New("skills: path escapes the skills root")

// Manager reads and writes the skill library under the skills root.
// Parsed skills are served from a TTL cache; mutations invalidate it.
type Manager struct {
	muxHome string
	root    string
	logger  *slog.Logger
	cache   *gocache.Cache
}

const cacheKeyAll = "skills:all"

// NewManager creates a skills manager. root defaults to <muxHome>/skills.
func NewManager(muxHome, root string, cacheTTL time.Duration, logger *slog.Logger) *Manager {
	if root == "" {
		root = filepath.Join(muxHome, "skills")
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		muxHome: muxHome,
		root:    root,
		logger:  logger.With("component", "skills"),
		cache:   gocache.New(cacheTTL, 2*cacheTTL),
	}
}

// Root returns the skills root path.
func (m *Manager) Root() string { return m.root }

// realRoot resolves the skills root, refusing a symlinked root outright.
func (m *Manager) realRoot() (string, error) {
	info, err := os.Lstat(m.root)
	if err != nil {
		return "", fmt.Errorf("skills root: %w", err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return "", fmt.Errorf("skills root %s is a symbolic link", m.root)
	}
	real, err := filepath.EvalSymlinks(m.root)
	if err != nil {
		return "", fmt.Errorf("resolving skills root: %w", err)
	}
	realHome, err := filepath.EvalSymlinks(m.muxHome)
	if err != nil {
		return "", fmt.Errorf("resolving mux home: %w", err)
	}
	if real != realHome && !strings.HasPrefix(real, realHome+string(filepath.Separator)) {
		return "", fmt.Errorf("skills root %s resolves outside the mux home", m.root)
	}
	return real, nil
}

// SkillDir validates and returns the directory for a skill name. The
// directory itself must not be a symlink and must resolve under the real
// mux home.
func (m *Manager) SkillDir(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	realRoot, err := m.realRoot()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(realRoot, name)
	info, err := os.Lstat(dir)
	if errors.Is(err, os.ErrNotExist) {
		return dir, nil // not created yet; the caller may create it
	}
	if err != nil {
		return "", fmt.Errorf("skill dir: %w", err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return "", fmt.Errorf("skill directory %s is a symbolic link", dir)
	}
	real, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", fmt.Errorf("resolving skill dir: %w", err)
	}
	if real != filepath.Join(realRoot, name) {
		return "", fmt.Errorf("%w: %s", ErrNotContained, dir)
	}
	return dir, nil
}

// ResolveContainedFilePath resolves rel inside the skill's directory,
// verifying every existing intermediate segment by real path so a symlink
// swapped into a subdirectory cannot redirect the operation. Case-variant
// SKILL.md spellings canonicalize to the one canonical path.
func (m *Manager) ResolveContainedFilePath(name, rel string) (string, error) {
	dir, err := m.SkillDir(name)
	if err != nil {
		return "", err
	}
	rel = filepath.Clean(strings.TrimSpace(rel))
	if rel == "." || rel == "" {
		rel = SkillFilename
	}
	if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrNotContained, rel)
	}

	// SKILL.md case variants collapse onto the canonical name.
	if filepath.Dir(rel) == "." && strings.EqualFold(rel, SkillFilename) {
		rel = SkillFilename
	}

	// Walk each intermediate segment: every one that exists must be a real
	// directory, not a symlink.
	segments := strings.Split(rel, string(filepath.Separator))
	current := dir
	for _, seg := range segments[:len(segments)-1] {
		current = filepath.Join(current, seg)
		info, err := os.Lstat(current)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("resolving %s: %w", current, err)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return "", fmt.Errorf("%w: %s is a symbolic link", ErrNotContained, current)
		}
	}
	return filepath.Join(dir, rel), nil
}

// ReadFile reads a contained skill file.
func (m *Manager) ReadFile(name, rel string) ([]byte, error) {
	path, err := m.ResolveContainedFilePath(name, rel)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// WriteFile writes a contained skill file, refusing any existing symlink at
// the target (including intra-skill aliases). Writing SKILL.md injects the
// skill name into the front matter when missing or mismatched, preserving
// every other line. The parse cache is invalidated.
func (m *Manager) WriteFile(name, rel string, content []byte) (string, error) {
	path, err := m.ResolveContainedFilePath(name, rel)
	if err != nil {
		return "", err
	}
	if info, err := os.Lstat(path); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return "", fmt.Errorf("refusing to write through symbolic link %s", path)
	}
	if filepath.Base(path) == SkillFilename {
		content = []byte(EnsureFrontmatterName(string(content), name))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating skill dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return "", fmt.Errorf("writing skill file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("replacing skill file: %w", err)
	}
	m.cache.Delete(cacheKeyAll)
	m.logger.Info("skill file written", "skill", name, "path", path)
	return path, nil
}

// DeleteFile removes one contained file; an empty rel removes the whole
// skill directory.
func (m *Manager) DeleteFile(name, rel string) error {
	if strings.TrimSpace(rel) == "" {
		dir, err := m.SkillDir(name)
		if err != nil {
			return err
		}
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("removing skill: %w", err)
		}
		m.cache.Delete(cacheKeyAll)
		m.logger.Info("skill removed", "skill", name)
		return nil
	}
	path, err := m.ResolveContainedFilePath(name, rel)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("removing skill file: %w", err)
	}
	m.cache.Delete(cacheKeyAll)
	return nil
}

// List discovers all parseable skills, serving repeated calls from the TTL
// cache.
func (m *Manager) List() ([]Skill, error) {
	if cached, ok := m.cache.Get(cacheKeyAll); ok {
		return cached.([]Skill), nil
	}
	realRoot, err := m.realRoot()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	entries, err := os.ReadDir(realRoot)
	if err != nil {
		return nil, fmt.Errorf("listing skills: %w", err)
	}
	var out []Skill
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(realRoot, entry.Name(), SkillFilename))
		if err != nil {
			continue
		}
		skill, err := ParseSkill(data, filepath.Join(realRoot, entry.Name()))
		if err != nil {
			m.logger.Warn("skipping unparseable skill", "dir", entry.Name(), "error", err)
			continue
		}
		out = append(out, *skill)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	m.cache.Set(cacheKeyAll, out, gocache.DefaultExpiration)
	return out, nil
}
