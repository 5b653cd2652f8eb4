package history

import (
	"sync"
	"time"

	"talkready/internal/llm"
)

type Sender string

const (
	SenderUser        Sender = "user"
	SenderCounterpart Sender = "counterpart"
)

// Turn is one utterance in a conversation. Text may be empty for audio-only turns.
type Turn struct {
	ID        string    `json:"id"`
	Sender    Sender    `json:"sender"`
	Text      string    `json:"text,omitempty"`
	AudioURL  string    `json:"audio_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Role maps the sender onto a chat role: the learner is the user, the roleplay partner is
// the assistant.
func (t Turn) Role() string {
	if t.Sender == SenderCounterpart {
		return llm.RoleAssistant
	}
	return llm.RoleUser
}

// Manager keeps append-only turn lists per session.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string][]Turn
}

func NewManager() *Manager {
	return &Manager{sessions: make(map[string][]Turn)}
}

func (m *Manager) Reset(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

func (m *Manager) Append(sessionID string, t Turn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionID] = append(m.sessions[sessionID], t)
}

// LastFrom returns the most recent turn by sender.
func (m *Manager) LastFrom(sessionID string, sender Sender) (Turn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ts := m.sessions[sessionID]
	for i := len(ts) - 1; i >= 0; i-- {
		if ts[i].Sender == sender {
			return ts[i], true
		}
	}
	return Turn{}, false
}

// TruncateLast drops up to n trailing turns and returns how many were removed.
func (m *Manager) TruncateLast(sessionID string, n int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := m.sessions[sessionID]
	if n > len(ts) {
		n = len(ts)
	}
	if n <= 0 {
		return 0
	}
	m.sessions[sessionID] = ts[:len(ts)-n]
	return n
}

func (m *Manager) Len(sessionID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions[sessionID])
}

// Get returns a copy of the session's turns.
func (m *Manager) Get(sessionID string) []Turn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ts := m.sessions[sessionID]
	out := make([]Turn, len(ts))
	copy(out, ts)
	return out
}

// Messages renders the session as chat messages, skipping turns without text.
func (m *Manager) Messages(sessionID string) []llm.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ts := m.sessions[sessionID]
	out := make([]llm.Message, 0, len(ts))
	for _, t := range ts {
		if t.Text == "" {
			continue
		}
		out = append(out, llm.Message{Role: t.Role(), Content: t.Text})
	}
	return out
}
