package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-logr/logr"

	"github.com/celerix-dev/crowdgate/pkg/sdk"
)

// TableSnapshot is the on-disk form of one table.
type TableSnapshot struct {
	Version uint64     `json:"version"`
	Def     TableDef   `json:"def"`
	Items   []sdk.Item `json:"items"`
}

// Persistence handles the disk I/O for the MemStore
type Persistence struct {
	DataDir string
	Log     logr.Logger

	mu    sync.Mutex // Protects concurrent writes to the filesystem
	saved map[string]uint64
}

// NewPersistence initializes a persistence handler.
func NewPersistence(dir string, log logr.Logger) (*Persistence, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &Persistence{DataDir: dir, Log: log, saved: make(map[string]uint64)}, nil
}

// SaveTable writes a table snapshot to <dir>/<table>.json atomically.
// Snapshots older than the last one saved for the table are dropped, since
// background saves may finish out of order.
func (p *Persistence) SaveTable(name string, snap TableSnapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if snap.Version != 0 && snap.Version < p.saved[name] {
		return nil
	}

	filePath := filepath.Join(p.DataDir, fmt.Sprintf("%s.json", name))
	tempPath := filePath + ".tmp"

	bytes, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(tempPath, bytes, 0644); err != nil {
		return err
	}
	// Readers see either the old file or the new one, never a partial write.
	if err := os.Rename(tempPath, filePath); err != nil {
		return err
	}
	p.saved[name] = snap.Version
	return nil
}

// LoadAll returns every table snapshot found in the data directory.
func (p *Persistence) LoadAll() (map[string]TableSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	all := make(map[string]TableSnapshot)

	files, err := os.ReadDir(p.DataDir)
	if err != nil {
		return nil, err
	}

	for _, file := range files {
		if filepath.Ext(file.Name()) != ".json" {
			continue
		}
		name := strings.TrimSuffix(file.Name(), ".json")

		content, err := os.ReadFile(filepath.Join(p.DataDir, file.Name()))
		if err != nil {
			p.Log.Error(err, "skipping unreadable table file", "file", file.Name())
			continue
		}

		var snap TableSnapshot
		if err := json.Unmarshal(content, &snap); err != nil {
			p.Log.Error(err, "skipping corrupt table file", "file", file.Name())
			continue
		}
		if snap.Def.Name == "" {
			snap.Def.Name = name
		}
		all[name] = snap
		p.saved[name] = snap.Version
	}
	return all, nil
}
