package storage

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"talkready/internal/history"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore keeps records in Postgres. The schema is migrated on open.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertSession(ctx context.Context, rec SessionRecord) error {
	turns := rec.Turns
	if turns == nil {
		turns = []history.Turn{}
	}
	raw, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("%w: encode turns: %v", ErrPersistenceFailed, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sessions (id, user_id, inquiry_type, state, end_reason, started_at, ended_at, turns, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			inquiry_type = EXCLUDED.inquiry_type,
			state = EXCLUDED.state,
			end_reason = EXCLUDED.end_reason,
			ended_at = EXCLUDED.ended_at,
			turns = EXCLUDED.turns,
			updated_at = now()`,
		rec.ID, rec.UserID, rec.InquiryType, string(rec.State), rec.EndReason, rec.StartedAt, rec.EndedAt, raw)
	if err != nil {
		return fmt.Errorf("%w: session %s: %v", ErrPersistenceFailed, rec.ID, err)
	}
	return nil
}

const sessionColumns = `id, user_id, inquiry_type, state, end_reason, started_at, ended_at, turns`

func scanSession(row pgx.Row) (SessionRecord, error) {
	var (
		rec   SessionRecord
		state string
		raw   []byte
	)
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.InquiryType, &state, &rec.EndReason, &rec.StartedAt, &rec.EndedAt, &raw); err != nil {
		return SessionRecord{}, err
	}
	rec.State = SessionState(state)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &rec.Turns); err != nil {
			return SessionRecord{}, fmt.Errorf("decode turns: %w", err)
		}
	}
	return rec, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (SessionRecord, error) {
	rec, err := scanSession(s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return SessionRecord{}, ErrNotFound
	}
	return rec, err
}

func (s *PostgresStore) ListSessions(ctx context.Context, since, until time.Time) ([]SessionRecord, error) {
	if until.IsZero() {
		until = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	rows, err := s.pool.Query(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE started_at >= $1 AND started_at < $2 ORDER BY started_at`, since, until)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var out []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveAnalysis(ctx context.Context, rec AnalysisRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO analyses (session_id, feedback, grammar, vocabulary, structure, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id) DO UPDATE SET
			feedback = EXCLUDED.feedback,
			grammar = EXCLUDED.grammar,
			vocabulary = EXCLUDED.vocabulary,
			structure = EXCLUDED.structure,
			details = EXCLUDED.details,
			created_at = EXCLUDED.created_at`,
		rec.SessionID, rec.Feedback, rec.Scores.Grammar, rec.Scores.Vocabulary, rec.Scores.Structure, rec.Details, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: analysis %s: %v", ErrPersistenceFailed, rec.SessionID, err)
	}
	return nil
}

func (s *PostgresStore) GetAnalysis(ctx context.Context, sessionID string) (AnalysisRecord, error) {
	var rec AnalysisRecord
	err := s.pool.QueryRow(ctx, `
		SELECT session_id, feedback, grammar, vocabulary, structure, details, created_at
		FROM analyses WHERE session_id = $1`, sessionID).
		Scan(&rec.SessionID, &rec.Feedback, &rec.Scores.Grammar, &rec.Scores.Vocabulary, &rec.Scores.Structure, &rec.Details, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return AnalysisRecord{}, ErrNotFound
	}
	return rec, err
}

func (s *PostgresStore) SaveTest(ctx context.Context, t SpeakingTest) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO speaking_tests (id, user_id, difficulty, phrase, audio_url, transcription, feedback, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			audio_url = EXCLUDED.audio_url,
			transcription = EXCLUDED.transcription,
			feedback = EXCLUDED.feedback`,
		t.ID, t.UserID, string(t.Difficulty), t.Phrase, t.AudioURL, t.Transcription, t.Feedback, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: test %s: %v", ErrPersistenceFailed, t.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetTest(ctx context.Context, id string) (SpeakingTest, error) {
	var (
		t          SpeakingTest
		difficulty string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, difficulty, phrase, audio_url, transcription, feedback, created_at
		FROM speaking_tests WHERE id = $1`, id).
		Scan(&t.ID, &t.UserID, &difficulty, &t.Phrase, &t.AudioURL, &t.Transcription, &t.Feedback, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return SpeakingTest{}, ErrNotFound
	}
	t.Difficulty = Difficulty(difficulty)
	return t, err
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
