// Package settings is the persistent key/value store holding device
// configuration such as WiFi credentials and broker URLs.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"bridge-controller/internal/logging"

	"github.com/sirupsen/logrus"
)

// Store reads and writes string settings. Get reports ok=false for keys
// that were never set.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
}

// FileStore keeps settings in a JSON object on disk and rewrites the whole
// file on every Set.
type FileStore struct {
	mu     sync.RWMutex
	path   string
	values map[string]string
	log    *logrus.Entry
}

// OpenFile loads path. A missing file yields an empty store.
func OpenFile(path string) (*FileStore, error) {
	s := &FileStore{
		path:   path,
		values: make(map[string]string),
		log:    logging.For("settings"),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		s.log.Infof("Settings file %s not found, starting empty.", path)
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.values); err != nil {
		return nil, fmt.Errorf("failed to parse settings file: %w", err)
	}

	s.log.Infof("Loaded %d settings from %s.", len(s.values), path)
	return s, nil
}

func (s *FileStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *FileStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.values[key]
	s.values[key] = value
	if err := s.save(); err != nil {
		if existed {
			s.values[key] = prev
		} else {
			delete(s.values, key)
		}
		return err
	}
	return nil
}

// All returns a copy of every setting.
func (s *FileStore) All() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

func (s *FileStore) save() error {
	data, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace settings file: %w", err)
	}
	return nil
}
