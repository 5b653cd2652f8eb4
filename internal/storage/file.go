package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	sessionsFile = "sessions.json"
	analysesFile = "analyses.json"
	testsFile    = "tests.json"
)

// FileStore keeps each record kind in one JSON array file under dir.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure data dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func loadUnlocked[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open: %w", err)
	}
	defer f.Close()
	var items []T
	if err := json.NewDecoder(f).Decode(&items); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return items, nil
}

// saveUnlocked writes through a temp file so a crash never leaves a truncated array.
func saveUnlocked[T any](path string, items []T) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(items); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("encode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func upsertUnlocked[T any](path string, item T, key func(T) string) error {
	items, err := loadUnlocked[T](path)
	if err != nil {
		return err
	}
	updated := false
	for i, it := range items {
		if key(it) == key(item) {
			items[i] = item
			updated = true
			break
		}
	}
	if !updated {
		items = append(items, item)
	}
	return saveUnlocked(path, items)
}

func findUnlocked[T any](path, id string, key func(T) string) (T, error) {
	var zero T
	items, err := loadUnlocked[T](path)
	if err != nil {
		return zero, err
	}
	for _, it := range items {
		if key(it) == id {
			return it, nil
		}
	}
	return zero, ErrNotFound
}

func (s *FileStore) path(name string) string { return filepath.Join(s.dir, name) }

func sessionKey(r SessionRecord) string   { return r.ID }
func analysisKey(r AnalysisRecord) string { return r.SessionID }
func testKey(t SpeakingTest) string       { return t.ID }

func (s *FileStore) UpsertSession(ctx context.Context, rec SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := upsertUnlocked(s.path(sessionsFile), rec, sessionKey); err != nil {
		return fmt.Errorf("%w: session %s: %v", ErrPersistenceFailed, rec.ID, err)
	}
	return nil
}

func (s *FileStore) GetSession(ctx context.Context, id string) (SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return findUnlocked(s.path(sessionsFile), id, sessionKey)
}

func (s *FileStore) ListSessions(ctx context.Context, since, until time.Time) ([]SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := loadUnlocked[SessionRecord](s.path(sessionsFile))
	if err != nil {
		return nil, err
	}
	out := make([]SessionRecord, 0, len(all))
	for _, r := range all {
		if inRange(r.StartedAt, since, until) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *FileStore) SaveAnalysis(ctx context.Context, rec AnalysisRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := upsertUnlocked(s.path(analysesFile), rec, analysisKey); err != nil {
		return fmt.Errorf("%w: analysis %s: %v", ErrPersistenceFailed, rec.SessionID, err)
	}
	return nil
}

func (s *FileStore) GetAnalysis(ctx context.Context, sessionID string) (AnalysisRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return findUnlocked(s.path(analysesFile), sessionID, analysisKey)
}

func (s *FileStore) SaveTest(ctx context.Context, t SpeakingTest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := upsertUnlocked(s.path(testsFile), t, testKey); err != nil {
		return fmt.Errorf("%w: test %s: %v", ErrPersistenceFailed, t.ID, err)
	}
	return nil
}

func (s *FileStore) GetTest(ctx context.Context, id string) (SpeakingTest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return findUnlocked(s.path(testsFile), id, testKey)
}

func (s *FileStore) Close() error { return nil }
