package configstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// FileStore keeps the whole settings map in one JSON document. Writes go
// to a temp file that is synced and renamed over the document, so a crash
// leaves either the old or the new document and never a torn one.
type FileStore struct {
	path string
	lock *flock.Flock

	mu     sync.RWMutex
	data   map[string]any
	closed bool
}

// OpenFile loads the document at path, creating its directory if needed.
// A sibling lock file keeps a second process from writing the same
// document. A document that does not parse is moved aside and the store
// starts empty.
func OpenFile(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("config store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, &StorageIOError{Op: "mkdir", Path: filepath.Dir(path), Err: err}
	}
	lock := flock.New(path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, &StorageIOError{Op: "lock", Path: path, Err: err}
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}

	data, err := readDocument(path)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	return &FileStore{path: path, lock: lock, data: data}, nil
}

func readDocument(path string) (map[string]any, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, &StorageIOError{Op: "read", Path: path, Err: err}
	}
	if len(b) == 0 {
		return map[string]any{}, nil
	}
	data := map[string]any{}
	if err := json.Unmarshal(b, &data); err != nil {
		aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
		slog.Warn("config document unreadable; starting empty", "path", path, "moved_to", aside, "error", err)
		if rerr := os.Rename(path, aside); rerr != nil {
			return nil, &StorageIOError{Op: "quarantine", Path: path, Err: rerr}
		}
		return map[string]any{}, nil
	}
	return data, nil
}

// Path returns the document location.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Get(_ context.Context, key string) (any, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *FileStore) GetAll(_ context.Context) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return cloneMap(s.data), nil
}

// Set persists value under key before returning.
func (s *FileStore) Set(_ context.Context, key string, value any) error {
	if key == "" {
		return ErrEmptyKey
	}
	v, err := normalize(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	next := cloneMap(s.data)
	next[key] = v
	if err := recordWrite(s.write(next)); err != nil {
		return err
	}
	s.data = next
	return nil
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.data[key]; !ok {
		return nil
	}
	next := cloneMap(s.data)
	delete(next, key)
	if err := recordWrite(s.write(next)); err != nil {
		return err
	}
	s.data = next
	return nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.lock.Unlock()
}

func (s *FileStore) write(data map[string]any) error {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return &StorageIOError{Op: "encode", Path: s.path, Err: err}
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return &StorageIOError{Op: "create", Path: s.path, Err: err}
	}
	tmpName := tmp.Name()
	fail := func(op string, err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return &StorageIOError{Op: op, Path: s.path, Err: err}
	}
	if _, err := tmp.Write(b); err != nil {
		return fail("write", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return &StorageIOError{Op: "close", Path: s.path, Err: err}
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return &StorageIOError{Op: "rename", Path: s.path, Err: err}
	}
	syncDir(dir)
	return nil
}

// syncDir flushes the rename to disk. Some platforms cannot open or sync
// directories; the rename is still atomic there.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
