package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/providentiaww/trilix-authserver/internal/oauth"
)

const (
	appsFileName  = "apps.json"
	codesFileName = "codes.json"
	lockFileName  = ".lock"
)

// FileStore persists clients to apps.json and codes to codes.json under one
// directory. Every operation holds an exclusive lock on the directory's lock
// file and re-reads the affected document before acting, so several processes
// (the server, register-app, sweep) can share one data directory without
// losing each other's writes.
type FileStore struct {
	dir  string
	lock *os.File

	mu      sync.Mutex
	clients map[string]oauth.Client
	codes   map[string]oauth.AuthorizationCode
}

// NewFileStore opens (or initialises) the store in dir.
func NewFileStore(dir string) (*FileStore, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	lock, err := os.OpenFile(filepath.Join(absDir, lockFileName), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	s := &FileStore{
		dir:     absDir,
		lock:    lock,
		clients: make(map[string]oauth.Client),
		codes:   make(map[string]oauth.AuthorizationCode),
	}

	err = s.locked(func() error {
		if err := s.loadClients(); err != nil {
			return fmt.Errorf("failed to load clients: %w", err)
		}
		if err := s.loadCodes(); err != nil {
			return fmt.Errorf("failed to load codes: %w", err)
		}
		return nil
	})
	if err != nil {
		lock.Close()
		return nil, err
	}
	return s, nil
}

// locked runs fn holding both the in-process mutex and the cross-process
// file lock.
func (s *FileStore) locked(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := lockFile(s.lock); err != nil {
		return fmt.Errorf("lock data dir: %w", err)
	}
	defer unlockFile(s.lock)

	return fn()
}

func (s *FileStore) CreateClient(_ context.Context, client *oauth.Client) error {
	return s.locked(func() error {
		if err := s.loadClients(); err != nil {
			return err
		}
		if _, exists := s.clients[client.ClientID]; exists {
			return oauth.ErrConflict
		}
		s.clients[client.ClientID] = cloneClient(*client)

		if err := s.saveClients(); err != nil {
			delete(s.clients, client.ClientID)
			return err
		}
		return nil
	})
}

func (s *FileStore) GetClient(_ context.Context, clientID string) (*oauth.Client, error) {
	var found *oauth.Client
	err := s.locked(func() error {
		if err := s.loadClients(); err != nil {
			return err
		}
		client, ok := s.clients[clientID]
		if !ok {
			return oauth.ErrNotFound
		}
		cp := cloneClient(client)
		found = &cp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

func (s *FileStore) CreateCode(_ context.Context, code *oauth.AuthorizationCode) error {
	return s.locked(func() error {
		if err := s.loadCodes(); err != nil {
			return err
		}
		if _, exists := s.codes[code.CodeHash]; exists {
			return oauth.ErrConflict
		}
		s.codes[code.CodeHash] = *code

		if err := s.saveCodes(); err != nil {
			delete(s.codes, code.CodeHash)
			return err
		}
		return nil
	})
}

// ConsumeCode removes the record from disk before returning it. If the write
// fails the code is still on disk and the caller gets the error, not the record.
func (s *FileStore) ConsumeCode(_ context.Context, codeHash, clientID, redirectURI string, now time.Time) (*oauth.AuthorizationCode, error) {
	var consumed *oauth.AuthorizationCode
	err := s.locked(func() error {
		if err := s.loadCodes(); err != nil {
			return err
		}
		record, ok := s.codes[codeHash]
		if !ok || !record.Matches(clientID, redirectURI) || record.Expired(now) {
			return oauth.ErrNotFound
		}
		delete(s.codes, codeHash)

		if err := s.saveCodes(); err != nil {
			return err
		}
		consumed = &record
		return nil
	})
	if err != nil {
		return nil, err
	}
	return consumed, nil
}

func (s *FileStore) DeleteExpiredCodes(_ context.Context, now time.Time) (int, error) {
	removed := 0
	err := s.locked(func() error {
		if err := s.loadCodes(); err != nil {
			return err
		}
		removed = sweepMap(s.codes, now)
		if removed == 0 {
			return nil
		}
		return s.saveCodes()
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// Ping fails when the data directory is missing or unreadable.
func (s *FileStore) Ping(context.Context) error {
	stat, err := os.Stat(s.dir)
	if err != nil {
		return err
	}
	if !stat.IsDir() {
		return fmt.Errorf("%s is not a directory", s.dir)
	}
	return nil
}

// Close releases the lock file handle.
func (s *FileStore) Close() error {
	return s.lock.Close()
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, name)
}

func (s *FileStore) loadClients() error {
	var list []oauth.Client
	if err := readJSON(s.path(appsFileName), &list); err != nil {
		return err
	}

	s.clients = make(map[string]oauth.Client, len(list))
	for _, c := range list {
		s.clients[c.ClientID] = c
	}
	return nil
}

func (s *FileStore) loadCodes() error {
	var list []oauth.AuthorizationCode
	if err := readJSON(s.path(codesFileName), &list); err != nil {
		return err
	}

	s.codes = make(map[string]oauth.AuthorizationCode, len(list))
	for _, c := range list {
		s.codes[c.CodeHash] = c
	}
	return nil
}

func (s *FileStore) saveClients() error {
	list := make([]oauth.Client, 0, len(s.clients))
	for _, c := range s.clients {
		list = append(list, c)
	}
	// Sort for stable output
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt) ||
			(list[i].CreatedAt.Equal(list[j].CreatedAt) && list[i].ClientID < list[j].ClientID)
	})

	if err := writeJSON(s.path(appsFileName), list); err != nil {
		return fmt.Errorf("failed to save clients: %w", err)
	}
	return nil
}

func (s *FileStore) saveCodes() error {
	list := make([]oauth.AuthorizationCode, 0, len(s.codes))
	for _, c := range s.codes {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CodeHash < list[j].CodeHash })

	if err := writeJSON(s.path(codesFileName), list); err != nil {
		return fmt.Errorf("failed to save codes: %w", err)
	}
	return nil
}

// readJSON decodes path into v. A missing or empty file leaves v untouched.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

// writeJSON replaces path through a temp file and rename so readers never see
// a partial document.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
