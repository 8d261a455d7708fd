package collab

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// StateBackend persists the idea set as one snapshot.
type StateBackend interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
}

type stateBackendCloser interface {
	Close() error
}

type InMemoryStateBackend struct {
	mu       sync.Mutex
	snapshot []byte
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{}
}

func (b *InMemoryStateBackend) Load() (*persistedState, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	var clone persistedState
	if err := json.Unmarshal(b.snapshot, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}

func (b *InMemoryStateBackend) Save(state *persistedState) error {
	if b == nil || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.snapshot = data
	b.mu.Unlock()
	return nil
}

// JSONFileStateBackend keeps the snapshot in a JSON file. Writers on the
// same host are serialized through an advisory lock on Path+".lock".
type JSONFileStateBackend struct {
	Path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load() (*persistedState, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	var data []byte
	err := withFileLock(b.Path+".lock", func() error {
		var readErr error
		data, readErr = os.ReadFile(b.Path)
		return readErr
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot persistedState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *JSONFileStateBackend) Save(state *persistedState) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return withFileLock(b.Path+".lock", func() error {
		tmp := b.Path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return err
		}
		return os.Rename(tmp, b.Path)
	})
}
