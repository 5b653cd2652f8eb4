package storage

import (
	"context"
	"errors"
	"time"

	"talkready/internal/history"
)

var (
	ErrPersistenceFailed = errors.New("persistence failed")
	ErrNotFound          = errors.New("record not found")
)

type SessionState string

const (
	StateNotStarted SessionState = "not_started"
	StateActive     SessionState = "active"
	StateEnded      SessionState = "ended"
)

// SessionRecord is the persisted form of one practice call.
type SessionRecord struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	InquiryType string         `json:"inquiry_type"`
	State       SessionState   `json:"state"`
	EndReason   string         `json:"end_reason,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	EndedAt     *time.Time     `json:"ended_at,omitempty"`
	Turns       []history.Turn `json:"turns"`
}

type Scores struct {
	Grammar    string `json:"grammar"`
	Vocabulary string `json:"vocabulary"`
	Structure  string `json:"structure"`
}

// AnalysisRecord is the end-of-call feedback, keyed by session id.
type AnalysisRecord struct {
	SessionID string    `json:"session_id"`
	Feedback  string    `json:"feedback"`
	Scores    Scores    `json:"scores"`
	Details   string    `json:"details"`
	CreatedAt time.Time `json:"created_at"`
}

type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// SpeakingTest is one read-aloud exercise and its evaluation.
type SpeakingTest struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	Difficulty    Difficulty `json:"difficulty"`
	Phrase        string     `json:"phrase"`
	AudioURL      string     `json:"audio_url,omitempty"`
	Transcription string     `json:"transcription,omitempty"`
	Feedback      string     `json:"feedback,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Store persists sessions, analyses and speaking tests. Every write is an idempotent upsert by
// id. Implementations must be safe for concurrent use.
type Store interface {
	UpsertSession(ctx context.Context, rec SessionRecord) error
	GetSession(ctx context.Context, id string) (SessionRecord, error)
	// ListSessions returns sessions started in [since, until), oldest first.
	ListSessions(ctx context.Context, since, until time.Time) ([]SessionRecord, error)
	SaveAnalysis(ctx context.Context, rec AnalysisRecord) error
	GetAnalysis(ctx context.Context, sessionID string) (AnalysisRecord, error)
	SaveTest(ctx context.Context, t SpeakingTest) error
	GetTest(ctx context.Context, id string) (SpeakingTest, error)
	Close() error
}

func inRange(t, since, until time.Time) bool {
	if !since.IsZero() && t.Before(since) {
		return false
	}
	if !until.IsZero() && !t.Before(until) {
		return false
	}
	return true
}
