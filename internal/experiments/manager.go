package experiments

import (
	"hash/fnv"
	"strings"
)

// Manager evaluates experiment flags for subjects (workspace ids).
type Manager struct {
	flags map[string]Flag
}

// NewManager creates a new experiments manager. Flags with a status other
// than "active" are never enabled.
func NewManager(cfg Config) *Manager {
	active := make(map[string]Flag, len(cfg.Flags))
	for _, flag := range cfg.Flags {
		if strings.EqualFold(strings.TrimSpace(flag.Status), "active") {
			active[flag.ID] = flag
		}
	}
	return &Manager{flags: active}
}

// Enabled reports whether the flag is on for the subject. Allocation is a
// stable hash bucket: the same subject always lands in the same bucket, so
// ramping a flag up never flips a subject that was already enabled.
func (m *Manager) Enabled(flagID, subject string) bool {
	if m == nil || subject == "" {
		return false
	}
	flag, ok := m.flags[flagID]
	if !ok || flag.Allocation <= 0 {
		return false
	}
	if flag.Allocation >= 100 {
		return true
	}
	bucket := int(hashUint32(subject+":"+flag.ID) % 100)
	return bucket < flag.Allocation
}

func hashUint32(value string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(value))
	return h.Sum32()
}
