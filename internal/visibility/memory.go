package visibility

import (
	"context"
	"sync"
)

// Memory keeps the public-path set in process. Used for tests and for
// single-node setups that do not need persistence.
type Memory struct {
	mu    sync.RWMutex
	paths map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{paths: make(map[string]struct{})}
}

func (m *Memory) List(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.paths))
	for p := range m.paths {
		out = append(out, p)
	}
	return out, nil
}

func (m *Memory) SetPublic(_ context.Context, path string, enabled bool) error {
	if err := CheckPath(path); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if enabled {
		m.paths[path] = struct{}{}
	} else {
		delete(m.paths, path)
	}
	return nil
}

func (m *Memory) Close(_ context.Context) error { return nil }
