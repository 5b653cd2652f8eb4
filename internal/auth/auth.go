package auth

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// User is a learner allowed to start practice sessions. ID is whatever the
// frontend identifies the learner by: the X-User-ID header over HTTP or the
// numeric chat user id over Telegram.
type User struct {
	ID        string `json:"id"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

type Repository interface {
	LoadAll() ([]User, error)
	Upsert(user User) error
	Remove(userID string) error
}

type Service struct {
	repo Repository

	mu           sync.RWMutex
	allowedUsers map[string]User
}

// NewWithRepo seeds the allowlist from repo and then from the ids given in
// configuration. A repository that cannot be read is an error; ids are trimmed
// and blanks skipped.
func NewWithRepo(repo Repository, initial []string) (*Service, error) {
	s := &Service{repo: repo, allowedUsers: make(map[string]User)}
	if repo != nil {
		stored, err := repo.LoadAll()
		if err != nil {
			return nil, fmt.Errorf("load allowlist: %w", err)
		}
		for _, u := range stored {
			s.allowedUsers[u.ID] = u
		}
	}
	for _, id := range initial {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, known := s.allowedUsers[id]; !known {
			s.allowedUsers[id] = User{ID: id}
		}
	}
	return s, nil
}

// Enabled reports whether an allowlist is in effect. With no users configured
// every caller is admitted.
func (s *Service) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.allowedUsers) > 0
}

func (s *Service) IsAllowed(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.allowedUsers) == 0 {
		return true
	}
	_, ok := s.allowedUsers[userID]
	return ok
}

// Upsert admits user. The repository is written first so memory never holds
// an entry that failed to persist.
func (s *Service) Upsert(user User) error {
	if user.ID == "" {
		return errors.New("user id is required")
	}
	if s.repo != nil {
		if err := s.repo.Upsert(user); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.allowedUsers[user.ID] = user
	s.mu.Unlock()
	return nil
}

func (s *Service) Remove(userID string) error {
	if s.repo != nil {
		if err := s.repo.Remove(userID); err != nil {
			return err
		}
	}
	s.mu.Lock()
	delete(s.allowedUsers, userID)
	s.mu.Unlock()
	return nil
}

// List returns the allowed users ordered by id.
func (s *Service) List() []User {
	s.mu.RLock()
	out := make([]User, 0, len(s.allowedUsers))
	for _, u := range s.allowedUsers {
		out = append(out, u)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
