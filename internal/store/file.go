package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bvasystems/teste-agente/internal/session"
)

// FileStore keeps sessions in memory and, when a directory is configured,
// mirrors each one to a JSON file. With an empty dir it is purely
// in-memory, which is what the tests and standalone mode without
// persistence use.
type FileStore struct {
	dir      string
	mu       sync.RWMutex
	sessions map[string]*session.Session
}

// NewFileStore creates the store and loads any previously persisted
// sessions from dir.
func NewFileStore(dir string) (*FileStore, error) {
	fs := &FileStore{dir: dir, sessions: make(map[string]*session.Session)}
	if dir == "" {
		return fs, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read session dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var s session.Session
		if err := json.Unmarshal(raw, &s); err != nil || s.UserKey == "" {
			continue
		}
		// A crash mid-flush must not strand the session.
		s.EndBatch()
		fs.sessions[s.UserKey] = &s
	}
	return fs, nil
}

func (f *FileStore) Get(_ context.Context, userKey string) (*session.Session, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.sessions[userKey]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *FileStore) Put(_ context.Context, s *session.Session) error {
	cp := *s
	f.mu.Lock()
	f.sessions[s.UserKey] = &cp
	f.mu.Unlock()

	if f.dir == "" {
		return nil
	}
	return f.writeFile(&cp)
}

func (f *FileStore) List(_ context.Context) ([]*session.Session, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*session.Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (f *FileStore) Delete(_ context.Context, userKey string) error {
	f.mu.Lock()
	delete(f.sessions, userKey)
	f.mu.Unlock()

	if f.dir == "" {
		return nil
	}
	err := os.Remove(f.path(userKey))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// writeFile persists one session atomically: temp file, fsync, rename.
func (f *FileStore) writeFile(s *session.Session) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session %s: %w", s.UserKey, err)
	}
	tmp, err := os.CreateTemp(f.dir, ".session-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, f.path(s.UserKey))
}

func (f *FileStore) path(userKey string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, userKey)
	return filepath.Join(f.dir, safe+".json")
}
