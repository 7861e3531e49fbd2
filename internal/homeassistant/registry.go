package homeassistant

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

// Entry records a discovered entity by unique id so that its discovery
// config can be deleted even after a restart.
type Entry struct {
	UniqueID    string `yaml:"unique_id"`
	ObjectID    string `yaml:"object_id"`
	ConfigTopic string `yaml:"config_topic"`
}

type registryFile struct {
	Version int     `yaml:"version"`
	Entries []Entry `yaml:"entries"`
}

// Registry is the unique id registry. It is persisted as YAML when a path is
// set and kept in memory only otherwise.
type Registry struct {
	path    string
	mutex   sync.RWMutex
	entries map[string]Entry
}

func NewRegistry(path string) *Registry {
	return &Registry{
		path:    path,
		entries: make(map[string]Entry),
	}
}

func (r *Registry) Load() error {
	if r.path == "" {
		return nil
	}

	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read registry: %w", err)
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to decode registry %s: %w", r.path, err)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	for _, e := range file.Entries {
		if e.UniqueID == "" {
			continue
		}
		r.entries[e.UniqueID] = e
	}
	return nil
}

func (r *Registry) Save() error {
	if r.path == "" {
		return nil
	}

	data, err := yaml.Marshal(registryFile{Version: 1, Entries: r.Entries()})
	if err != nil {
		return fmt.Errorf("failed to encode registry: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".registry-*")
	if err != nil {
		return fmt.Errorf("failed to write registry: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write registry: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		return fmt.Errorf("failed to write registry: %w", err)
	}
	return nil
}

func (r *Registry) Add(e Entry) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.entries[e.UniqueID] = e
}

func (r *Registry) Get(uniqueID string) (Entry, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	e, ok := r.entries[uniqueID]
	return e, ok
}

func (r *Registry) Remove(uniqueID string) (Entry, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	e, ok := r.entries[uniqueID]
	delete(r.entries, uniqueID)
	return e, ok
}

// Entries returns all entries ordered by unique id.
func (r *Registry) Entries() []Entry {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	ids := maps.Keys(r.entries)
	slices.Sort(ids)

	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, r.entries[id])
	}
	return entries
}
