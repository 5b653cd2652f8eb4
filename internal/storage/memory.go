package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"talkready/internal/history"
)

type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]SessionRecord
	analyses map[string]AnalysisRecord
	tests    map[string]SpeakingTest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]SessionRecord),
		analyses: make(map[string]AnalysisRecord),
		tests:    make(map[string]SpeakingTest),
	}
}

func (m *MemoryStore) UpsertSession(ctx context.Context, rec SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.Turns = append([]history.Turn(nil), rec.Turns...)
	m.sessions[rec.ID] = rec
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[id]
	if !ok {
		return SessionRecord{}, ErrNotFound
	}
	rec.Turns = append([]history.Turn(nil), rec.Turns...)
	return rec, nil
}

func (m *MemoryStore) ListSessions(ctx context.Context, since, until time.Time) ([]SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SessionRecord, 0, len(m.sessions))
	for _, r := range m.sessions {
		if inRange(r.StartedAt, since, until) {
			r.Turns = append([]history.Turn(nil), r.Turns...)
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *MemoryStore) SaveAnalysis(ctx context.Context, rec AnalysisRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.analyses[rec.SessionID] = rec
	return nil
}

func (m *MemoryStore) GetAnalysis(ctx context.Context, sessionID string) (AnalysisRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.analyses[sessionID]
	if !ok {
		return AnalysisRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) SaveTest(ctx context.Context, t SpeakingTest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tests[t.ID] = t
	return nil
}

func (m *MemoryStore) GetTest(ctx context.Context, id string) (SpeakingTest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tests[id]
	if !ok {
		return SpeakingTest{}, ErrNotFound
	}
	return t, nil
}

func (m *MemoryStore) Close() error { return nil }

// Counts reports how many records of each kind are stored.
func (m *MemoryStore) Counts() (sessions, analyses, tests int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions), len(m.analyses), len(m.tests)
}
