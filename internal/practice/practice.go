// Package practice runs read-aloud speaking tests: a generated call-center phrase, the
// learner's recording of it, and category feedback.
package practice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"talkready/internal/capture"
	"talkready/internal/conversation"
	"talkready/internal/llm"
	"talkready/internal/metrics"
	"talkready/internal/storage"
	"talkready/internal/transcribe"
	"talkready/internal/upload"
)

var (
	ErrInvalidDifficulty = errors.New("difficulty must be easy, medium or hard")
	ErrGenerationFailed  = errors.New("phrase generation failed")
	ErrFeedbackFailed    = errors.New("feedback generation failed")
)

// Categories are the aspects a BPO team lead grades a recording on.
var Categories = []string{
	"Clarity of Speech",
	"Tone and Warmth",
	"Volume and Projection",
	"Pace and Rhythm",
	"Tone Modulation and Intonation",
	"Confidence and Professionalism",
	"Accent and Neutrality",
	"Grammar and Fluency",
	"Friendliness and Approachability",
	"Ability to Adhere to Script/Guidelines",
}

const phraseSystemPrompt = "You are an AI specializing in BPO training. Generate a short sentence that simulates a realistic customer interaction based on the given difficulty level."

const feedbackSystemPrompt = "You are an expert BPO team leader evaluating a voice recording based on professional customer service standards. " +
	"Analyze the user's voice in the following categories: Clarity, Tone, Volume, Pace, Intonation, Confidence, Accent, Grammar, Friendliness, and Script Adherence."

type Transcriber interface {
	Transcribe(ctx context.Context, audioURL string) (transcribe.Outcome, error)
}

type Service struct {
	client      llm.Client
	opts        llm.GenerateOptions
	uploader    upload.Uploader
	transcriber Transcriber
	store       storage.Store
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

func NewService(client llm.Client, opts llm.GenerateOptions, up upload.Uploader, tr Transcriber, store storage.Store, logger *slog.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		client:      client,
		opts:        opts,
		uploader:    up,
		transcriber: tr,
		store:       store,
		logger:      logger,
		metrics:     m,
		now:         time.Now,
	}
}

func ParseDifficulty(s string) (storage.Difficulty, error) {
	switch d := storage.Difficulty(strings.ToLower(strings.TrimSpace(s))); d {
	case storage.DifficultyEasy, storage.DifficultyMedium, storage.DifficultyHard:
		return d, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDifficulty, s)
	}
}

// NewTest generates a phrase for difficulty and stores a new test.
func (s *Service) NewTest(ctx context.Context, userID string, difficulty storage.Difficulty) (storage.SpeakingTest, error) {
	if _, err := ParseDifficulty(string(difficulty)); err != nil {
		return storage.SpeakingTest{}, err
	}
	resp, err := llm.GenerateWith(ctx, s.client, []llm.Message{
		{Role: llm.RoleSystem, Content: phraseSystemPrompt},
		{Role: llm.RoleUser, Content: fmt.Sprintf("Generate a BPO-relevant sentence for a %s level role-play scenario in a call center.", difficulty)},
	}, s.opts)
	if err != nil {
		return storage.SpeakingTest{}, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	phrase := conversation.CleanReply(resp.Content)
	if phrase == "" {
		return storage.SpeakingTest{}, fmt.Errorf("%w: empty phrase", ErrGenerationFailed)
	}
	t := storage.SpeakingTest{
		ID:         uuid.NewString(),
		UserID:     userID,
		Difficulty: difficulty,
		Phrase:     phrase,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.store.SaveTest(ctx, t); err != nil {
		return storage.SpeakingTest{}, err
	}
	s.logger.Info("speaking test created", "test_id", t.ID, "difficulty", difficulty)
	return t, nil
}

func (s *Service) Get(ctx context.Context, id string) (storage.SpeakingTest, error) {
	return s.store.GetTest(ctx, id)
}

// Submit uploads the recording, transcribes it and grades it against the phrase. The test is
// saved after every step, so a failure keeps what was already done.
func (s *Service) Submit(ctx context.Context, testID string, blob capture.Blob) (storage.SpeakingTest, error) {
	t, err := s.store.GetTest(ctx, testID)
	if err != nil {
		return storage.SpeakingTest{}, err
	}
	if blob.Size() == 0 {
		return t, capture.ErrNoAudioCaptured
	}
	log := s.logger.With("test_id", testID)

	url, err := s.uploader.Upload(ctx, blob)
	if err != nil {
		s.metrics.RecordFailure("upload")
		log.Error("speaking test upload failed", "error", err)
		return t, err
	}
	t.AudioURL = url
	t.Transcription, t.Feedback = "", ""
	if err := s.store.SaveTest(ctx, t); err != nil {
		return t, err
	}

	out, err := s.transcriber.Transcribe(ctx, url)
	if err != nil {
		s.metrics.RecordFailure("transcription")
		log.Error("speaking test transcription failed", "error", err, "outcome", out.Kind.String())
		return t, err
	}
	t.Transcription = strings.TrimSpace(out.Job.ResultText)
	if err := s.store.SaveTest(ctx, t); err != nil {
		return t, err
	}

	resp, err := llm.GenerateWith(ctx, s.client, []llm.Message{
		{Role: llm.RoleSystem, Content: feedbackSystemPrompt},
		{Role: llm.RoleUser, Content: feedbackRequest(t.Phrase, t.Transcription)},
	}, s.opts)
	if err != nil {
		s.metrics.RecordFailure("feedback")
		return t, fmt.Errorf("%w: %v", ErrFeedbackFailed, err)
	}
	t.Feedback = strings.TrimSpace(resp.Content)
	if t.Feedback == "" {
		return t, fmt.Errorf("%w: empty feedback", ErrFeedbackFailed)
	}
	if err := s.store.SaveTest(ctx, t); err != nil {
		return t, err
	}
	return t, nil
}

func feedbackRequest(reference, spoken string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Analyze the following speech:\n\nReference: %q\nUser Speech: %q\n\nProvide detailed feedback on:\n", reference, spoken)
	for i, c := range Categories {
		fmt.Fprintf(&b, "%d. **%s**\n", i+1, c)
	}
	return b.String()
}
