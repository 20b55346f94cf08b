// Package blob stores JSON documents by slash-separated path: worker
// registries and task settings, namespaced as <task>/<batch>/Task/<name>.json.
package blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
)

// ErrNotFound is returned by Get when nothing is stored at the path.
var ErrNotFound = errors.New("blob not found")

// Store is a minimal document store.
type Store interface {
	Get(ctx context.Context, path string) ([]byte, error)
	Put(ctx context.Context, path string, data []byte) error
}

// TaskPath returns the path of a task document, e.g.
// TaskPath("rate", "b1", "workers.json") is "rate/b1/Task/workers.json".
func TaskPath(task, batch, name string) string {
	return path.Join(task, batch, "Task", name)
}

// GetJSON reads the document at p into a T.
func GetJSON[T any](ctx context.Context, s Store, p string) (T, error) {
	var v T
	data, err := s.Get(ctx, p)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", p, err)
	}
	return v, nil
}

// PutJSON writes v as the whole document at p.
func PutJSON(ctx context.Context, s Store, p string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", p, err)
	}
	return s.Put(ctx, p, data)
}

func cleanPath(p string) (string, error) {
	p = strings.Trim(path.Clean("/"+p), "/")
	if p == "" {
		return "", fmt.Errorf("empty blob path")
	}
	return p, nil
}

// MemoryStore keeps documents in a map. It backs tests and the embedded daemon.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]byte)}
}

func (m *MemoryStore) Get(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := cleanPath(p)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.docs[p]
	if !ok {
		return nil, fmt.Errorf("%s: %w", p, ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStore) Put(ctx context.Context, p string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := cleanPath(p)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.docs[p] = append([]byte(nil), data...)
	m.mu.Unlock()
	return nil
}
