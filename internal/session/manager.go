package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"talkready/internal/capture"
	"talkready/internal/conversation"
	"talkready/internal/history"
	"talkready/internal/llm"
	"talkready/internal/metrics"
	"talkready/internal/speech"
	"talkready/internal/storage"
	"talkready/internal/transcribe"
	"talkready/internal/upload"
)

const DefaultDuration = 180 * time.Second

// Transcriber turns an uploaded recording into text. *transcribe.Client satisfies it.
type Transcriber interface {
	ProviderName() string
	Transcribe(ctx context.Context, audioURL string) (transcribe.Outcome, error)
}

type Config struct {
	LLM         llm.Client
	Generate    llm.GenerateOptions
	Uploader    upload.Uploader
	Transcriber Transcriber
	// Synthesizer is optional; without it replies are text only.
	Synthesizer   speech.Synthesizer
	Store         storage.Store
	Scenarios     *conversation.Catalog
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
	Duration      time.Duration
	AudioMIMEType string
	Now           func() time.Time
}

// Manager owns the live sessions. Ended sessions are persisted and dropped from memory.
type Manager struct {
	llm         llm.Client
	generate    llm.GenerateOptions
	uploader    upload.Uploader
	transcriber Transcriber
	synth       speech.Synthesizer
	store       storage.Store
	scenarios   *conversation.Catalog
	metrics     *metrics.Metrics
	logger      *slog.Logger
	duration    time.Duration
	mime        string
	now         func() time.Time

	recorder *Recorder
	turns    *history.Manager

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Duration <= 0 {
		cfg.Duration = DefaultDuration
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Scenarios == nil {
		cfg.Scenarios = conversation.NewCatalog(conversation.DefaultScenarios())
	}
	if cfg.Store == nil {
		cfg.Store = storage.NewMemoryStore()
	}
	return &Manager{
		llm:         cfg.LLM,
		generate:    cfg.Generate,
		uploader:    cfg.Uploader,
		transcriber: cfg.Transcriber,
		synth:       cfg.Synthesizer,
		store:       cfg.Store,
		scenarios:   cfg.Scenarios,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		duration:    cfg.Duration,
		mime:        cfg.AudioMIMEType,
		now:         cfg.Now,
		recorder:    NewRecorder(cfg.Store, cfg.LLM, cfg.Generate, cfg.Logger, cfg.Metrics),
		turns:       history.NewManager(),
		sessions:    make(map[string]*Session),
	}
}

func (m *Manager) Store() storage.Store             { return m.store }
func (m *Manager) Scenarios() *conversation.Catalog { return m.scenarios }
func (m *Manager) Recorder() *Recorder              { return m.recorder }

// Start begins a call for userID. The countdown starts immediately and the counterpart's
// opening line is produced in the background.
func (m *Manager) Start(ctx context.Context, userID, inquiryType string) (*Session, error) {
	sc, ok := m.scenarios.Get(inquiryType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScenario, inquiryType)
	}
	id := uuid.NewString()
	now := m.now().UTC()
	sctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		id:          id,
		userID:      userID,
		inquiryType: sc.Key,
		scenario:    sc,
		startedAt:   now,
		deadline:    time.Now().Add(m.duration),
		m:           m,
		logger:      m.logger.With("session_id", id),
		bus:         NewBus(),
		ctx:         sctx,
		cancel:      cancel,
		state:       storage.StateActive,
		ended:       make(chan struct{}),
	}
	s.pipeCtx, s.pipeCancel = context.WithCancel(sctx)
	s.source = capture.NewPushSource(m.mime)
	s.recorder = capture.NewRecorder(s.source)
	if m.synth != nil {
		s.player = speech.NewPlayer(m.synth, speech.SinkFunc(s.deliverSpeech))
	}
	s.conv = conversation.NewOrchestrator(id, m.llm, sc, m.turns, conversation.Options{
		Generate: m.generate,
		OnAppend: s.onAppend,
		Now:      m.now,
	})

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	m.metrics.SessionStarted()
	s.logger.Info("session started", "user_id", userID, "inquiry_type", sc.Key)

	_ = s.persist(ctx)
	s.publish(Event{Type: EventState, State: storage.StateActive})

	s.mu.Lock()
	s.timer = time.AfterFunc(m.duration, func() {
		_ = s.End(context.Background(), ReasonTimeout)
	})
	s.pipelines.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.pipelines.Done()
		s.open()
	}()
	return s, nil
}

func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Active lists live sessions, oldest first.
func (m *Manager) Active() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].startedAt.Before(out[j].startedAt) })
	return out
}

// Checkpoint persists every live session and returns how many were written.
func (m *Manager) Checkpoint(ctx context.Context) (int, error) {
	m.metrics.RecordCheckpoint()
	var (
		n    int
		errs []error
	)
	for _, s := range m.Active() {
		if s.State() != storage.StateActive {
			continue
		}
		if err := s.persist(ctx); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// Shutdown ends all live sessions. It returns ctx's error if they do not finish in time.
func (m *Manager) Shutdown(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, s := range m.Active() {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			_ = s.End(ctx, ReasonShutdown)
		}(s)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) evict(s *Session, reason string) {
	m.mu.Lock()
	delete(m.sessions, s.id)
	m.mu.Unlock()
	m.turns.Reset(s.id)
	m.metrics.SessionEnded(s.inquiryType, reason)
}
