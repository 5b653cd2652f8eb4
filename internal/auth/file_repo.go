package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// allowlistFile is the on-disk layout: learners keyed by id, with the time
// they were first admitted.
type allowlistFile struct {
	Users map[string]allowlistEntry `json:"users"`
}

type allowlistEntry struct {
	User
	AddedAt time.Time `json:"added_at"`
}

// FileRepository persists the allowlist as a single JSON document.
type FileRepository struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

func NewFileRepository(path string) (*FileRepository, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("allowlist dir: %w", err)
	}
	return &FileRepository{path: path, now: time.Now}, nil
}

// LoadAll returns the stored users sorted by id. A missing or unreadable
// document reads as an empty allowlist.
func (r *FileRepository) LoadAll() ([]User, error) {
	r.mu.Lock()
	doc, err := r.read()
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]User, 0, len(doc.Users))
	for _, e := range doc.Users {
		out = append(out, e.User)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *FileRepository) Upsert(user User) error {
	return r.update(func(doc *allowlistFile) {
		entry, ok := doc.Users[user.ID]
		if !ok {
			entry.AddedAt = r.now().UTC()
		}
		entry.User = user
		doc.Users[user.ID] = entry
	})
}

func (r *FileRepository) Remove(userID string) error {
	return r.update(func(doc *allowlistFile) { delete(doc.Users, userID) })
}

func (r *FileRepository) update(fn func(*allowlistFile)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, err := r.read()
	if err != nil {
		return err
	}
	fn(&doc)
	return r.write(doc)
}

func (r *FileRepository) read() (allowlistFile, error) {
	doc := allowlistFile{Users: map[string]allowlistEntry{}}
	data, err := os.ReadFile(r.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return doc, nil
	case err != nil:
		return doc, fmt.Errorf("read allowlist: %w", err)
	}
	if err := json.Unmarshal(data, &doc); err != nil || doc.Users == nil {
		return allowlistFile{Users: map[string]allowlistEntry{}}, nil
	}
	return doc, nil
}

func (r *FileRepository) write(doc allowlistFile) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write allowlist: %w", err)
	}
	return os.Rename(tmp, r.path)
}
