package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"talkready/internal/capture"
	"talkready/internal/conversation"
	"talkready/internal/history"
	"talkready/internal/llm"
	"talkready/internal/speech"
	"talkready/internal/storage"
	"talkready/internal/transcribe"
)

type fakeLLM struct {
	mu            sync.Mutex
	replyCalls    int
	analysisCalls int
	failReplies   bool
}

func (f *fakeLLM) Generate(ctx context.Context, msgs []llm.Message) (llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(msgs) > 0 && msgs[0].Content == analysisPrompt {
		f.analysisCalls++
		return llm.Response{Content: `{"grammar":"B1","vocabulary":"B2","structure":"A2","details":"Use full sentences."}`}, nil
	}
	f.replyCalls++
	if f.failReplies {
		return llm.Response{}, errors.New("provider down")
	}
	return llm.Response{Content: "Reply number " + string(rune('A'+f.replyCalls-1))}, nil
}

func (f *fakeLLM) counts() (replies, analyses int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.replyCalls, f.analysisCalls
}

type fakeUploader struct {
	err error
}

func (u *fakeUploader) Upload(ctx context.Context, b capture.Blob) (string, error) {
	if u.err != nil {
		return "", u.err
	}
	return "https://res.example.com/rec.wav", nil
}

type fakeTranscriber struct {
	text  string
	err   error
	block chan struct{}
}

func (f *fakeTranscriber) ProviderName() string { return "fake" }

func (f *fakeTranscriber) Transcribe(ctx context.Context, url string) (transcribe.Outcome, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return transcribe.Outcome{Kind: transcribe.OutcomeTimedOut}, ctx.Err()
		}
	}
	out := transcribe.Outcome{Kind: transcribe.OutcomeCompleted, Job: transcribe.Job{ID: "j", Status: transcribe.StatusCompleted, ResultText: f.text}}
	return out, f.err
}

type fakeSynth struct{}

func (fakeSynth) Synthesize(ctx context.Context, text string) (speech.Audio, error) {
	return speech.Audio{Text: text, Data: []byte("mp3:" + text), MIMEType: "audio/mpeg"}, nil
}

type fixture struct {
	mgr   *Manager
	llm   *fakeLLM
	up    *fakeUploader
	tr    *fakeTranscriber
	store *storage.MemoryStore
}

func newFixture(t *testing.T, opts ...func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		llm:   &fakeLLM{},
		up:    &fakeUploader{},
		tr:    &fakeTranscriber{text: "My order hasn't arrived"},
		store: storage.NewMemoryStore(),
	}
	cfg := Config{
		LLM:         f.llm,
		Uploader:    f.up,
		Transcriber: f.tr,
		Store:       f.store,
		Duration:    time.Minute,
	}
	for _, o := range opts {
		o(&cfg)
	}
	f.mgr = NewManager(cfg)
	t.Cleanup(func() { _ = f.mgr.Shutdown(context.Background()) })
	return f
}

func waitTurns(t *testing.T, s *Session, n int) []history.Turn {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.Turns()) >= n }, 2*time.Second, 5*time.Millisecond)
	return s.Turns()
}

func startCall(t *testing.T, f *fixture) *Session {
	t.Helper()
	s, err := f.mgr.Start(context.Background(), "learner-1", conversation.ScenarioCustomerService)
	require.NoError(t, err)
	waitTurns(t, s, 1)
	return s
}

func TestEndToEndSpokenTurn(t *testing.T) {
	f := newFixture(t)
	s := startCall(t, f)

	require.NoError(t, s.SubmitAudio(context.Background(), capture.Blob{Data: []byte("RIFF...."), MIMEType: "audio/wav"}))
	turns := waitTurns(t, s, 3)
	require.Equal(t, history.SenderUser, turns[1].Sender)
	require.Equal(t, "My order hasn't arrived", turns[1].Text)
	require.Equal(t, "https://res.example.com/rec.wav", turns[1].AudioURL)
	require.Equal(t, history.SenderCounterpart, turns[2].Sender)
	require.NotEmpty(t, turns[2].Text)

	require.NoError(t, s.End(context.Background(), ReasonUser))

	sessions, analyses, _ := f.store.Counts()
	require.Equal(t, 1, sessions)
	require.Equal(t, 1, analyses)

	rec, err := f.store.GetSession(context.Background(), s.ID())
	require.NoError(t, err)
	require.Equal(t, storage.StateEnded, rec.State)
	require.Len(t, rec.Turns, 3)

	a, err := f.store.GetAnalysis(context.Background(), s.ID())
	require.NoError(t, err)
	require.Equal(t, s.ID(), a.SessionID)
	require.Equal(t, "B1", a.Scores.Grammar)

	_, err = f.mgr.Get(s.ID())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTurnOrderAndCountForTypedTurns(t *testing.T) {
	f := newFixture(t)
	s := startCall(t, f)

	const n = 4
	for i := 0; i < n; i++ {
		_, err := s.SendText(context.Background(), "answer "+string(rune('a'+i)))
		require.NoError(t, err)
	}
	require.NoError(t, s.End(context.Background(), ReasonUser))

	rec, err := f.store.GetSession(context.Background(), s.ID())
	require.NoError(t, err)
	// opening + n answered learner turns
	require.Len(t, rec.Turns, 1+2*n)
	for i := 1; i < len(rec.Turns); i += 2 {
		require.Equal(t, history.SenderUser, rec.Turns[i].Sender)
		require.Equal(t, history.SenderCounterpart, rec.Turns[i+1].Sender)
		require.False(t, rec.Turns[i+1].CreatedAt.Before(rec.Turns[i].CreatedAt))
	}
}

func TestEmptyTranscriptionSkipsGeneration(t *testing.T) {
	f := newFixture(t)
	f.tr.text = ""
	f.tr.err = transcribe.ErrEmptyTranscription
	s := startCall(t, f)
	events, cancel := s.Subscribe()
	defer cancel()

	before, _ := f.llm.counts()
	require.NoError(t, s.SubmitAudio(context.Background(), capture.Blob{Data: []byte("x")}))
	require.Eventually(t, func() bool { return s.StartCapture(context.Background()) == nil }, time.Second, 5*time.Millisecond)

	after, _ := f.llm.counts()
	require.Equal(t, before, after)
	require.Len(t, s.Turns(), 1)
	for {
		select {
		case ev := <-events:
			require.NotEqual(t, EventNotice, ev.Type, "empty transcription must not alert")
		default:
			return
		}
	}
}

func TestCaptureGating(t *testing.T) {
	f := newFixture(t)
	f.tr.block = make(chan struct{})
	s := startCall(t, f)

	require.NoError(t, s.StartCapture(context.Background()))
	require.ErrorIs(t, s.StartCapture(context.Background()), ErrCaptureInProgress)
	require.NoError(t, s.PushAudio([]byte("chunk-1")))
	require.NoError(t, s.StopCapture(context.Background()))

	// Transcription is still unresolved.
	require.ErrorIs(t, s.StartCapture(context.Background()), ErrCaptureInProgress)
	require.ErrorIs(t, s.StopCapture(context.Background()), ErrNoCapture)

	close(f.tr.block)
	waitTurns(t, s, 3)
	require.NoError(t, s.StartCapture(context.Background()))
}

func TestStopWithoutAudioIsNoAudioCaptured(t *testing.T) {
	f := newFixture(t)
	s := startCall(t, f)
	events, cancel := s.Subscribe()
	defer cancel()

	require.NoError(t, s.StartCapture(context.Background()))
	require.ErrorIs(t, s.StopCapture(context.Background()), capture.ErrNoAudioCaptured)
	require.NoError(t, s.StartCapture(context.Background()))

	ev := nextOfType(t, events, EventNotice)
	require.Equal(t, NoticeNoAudio, ev.Notice.Kind)
}

func TestPermissionDeniedNotice(t *testing.T) {
	f := newFixture(t)
	s := startCall(t, f)
	events, cancel := s.Subscribe()
	defer cancel()

	s.DenyMicrophone()
	require.ErrorIs(t, s.StartCapture(context.Background()), capture.ErrPermissionDenied)
	ev := nextOfType(t, events, EventNotice)
	require.Equal(t, NoticePermissionDenied, ev.Notice.Kind)

	require.NoError(t, s.StartCapture(context.Background()))
}

func TestUploadFailureNoticeKeepsSessionAlive(t *testing.T) {
	f := newFixture(t)
	f.up.err = errors.New("boom")
	s := startCall(t, f)
	events, cancel := s.Subscribe()
	defer cancel()

	require.NoError(t, s.SubmitAudio(context.Background(), capture.Blob{Data: []byte("x")}))
	ev := nextOfType(t, events, EventNotice)
	require.Equal(t, NoticeUploadFailed, ev.Notice.Kind)
	require.Equal(t, storage.StateActive, s.State())

	_, err := s.SendText(context.Background(), "typed instead")
	require.NoError(t, err)
}

func TestTranscriptionTimeoutNotice(t *testing.T) {
	f := newFixture(t)
	f.tr.err = transcribe.ErrTimeoutExceeded
	s := startCall(t, f)
	events, cancel := s.Subscribe()
	defer cancel()

	require.NoError(t, s.SubmitAudio(context.Background(), capture.Blob{Data: []byte("x")}))
	ev := nextOfType(t, events, EventNotice)
	require.Equal(t, NoticeTimeoutExceeded, ev.Notice.Kind)
	require.Len(t, s.Turns(), 1)
}

func TestGenerationFailureNotice(t *testing.T) {
	f := newFixture(t)
	s := startCall(t, f)
	f.llm.mu.Lock()
	f.llm.failReplies = true
	f.llm.mu.Unlock()
	events, cancel := s.Subscribe()
	defer cancel()

	_, err := s.SendText(context.Background(), "hello?")
	require.ErrorIs(t, err, conversation.ErrGenerationFailed)
	ev := nextOfType(t, events, EventNotice)
	require.Equal(t, NoticeGenerationFailed, ev.Notice.Kind)
}

func TestRetryRemovesLastTwoAndAllowsRecording(t *testing.T) {
	f := newFixture(t)
	s := startCall(t, f)
	_, err := s.SendText(context.Background(), "first")
	require.NoError(t, err)
	require.Len(t, s.Turns(), 3)

	f.tr.block = make(chan struct{})
	require.NoError(t, s.SubmitAudio(context.Background(), capture.Blob{Data: []byte("x")}))
	require.ErrorIs(t, s.StartCapture(context.Background()), ErrCaptureInProgress)

	n, err := s.Retry(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Len(t, s.Turns(), 1)
	require.NoError(t, s.StartCapture(context.Background()))
}

func TestEndRunsAnalysisExactlyOnce(t *testing.T) {
	f := newFixture(t)
	s := startCall(t, f)
	_, err := s.SendText(context.Background(), "I will check the tracking number")
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- s.End(context.Background(), ReasonUser)
		}()
	}
	wg.Wait()
	close(results)
	var ok int
	for err := range results {
		if err == nil {
			ok++
		} else {
			require.ErrorIs(t, err, ErrNotActive)
		}
	}
	require.Equal(t, 1, ok)

	_, analyses := f.llm.counts()
	require.Equal(t, 1, analyses)
	_, err = s.SendText(context.Background(), "still there?")
	require.ErrorIs(t, err, ErrNotActive)
	require.ErrorIs(t, s.StartCapture(context.Background()), ErrNotActive)
	require.Len(t, s.Turns(), 3)
}

func TestTimerEndsSession(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Duration = 50 * time.Millisecond })
	s, err := f.mgr.Start(context.Background(), "learner-1", conversation.ScenarioInterview)
	require.NoError(t, err)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not time out")
	}
	rec, err := f.store.GetSession(context.Background(), s.ID())
	require.NoError(t, err)
	require.Equal(t, ReasonTimeout, rec.EndReason)
	_, err = f.store.GetAnalysis(context.Background(), s.ID())
	require.NoError(t, err)
}

func TestSpeechEventsForCounterpartTurns(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Synthesizer = fakeSynth{} })
	s, err := f.mgr.Start(context.Background(), "learner-1", conversation.ScenarioInterview)
	require.NoError(t, err)
	events, cancel := s.Subscribe()
	defer cancel()

	_, err = s.SendText(context.Background(), "I have two years of experience")
	require.NoError(t, err)
	ev := nextOfType(t, events, EventSpeech)
	require.NotNil(t, ev.Audio)
	require.Equal(t, "audio/mpeg", ev.Audio.MIMEType)
}

func TestCheckpointPersistsActiveSessions(t *testing.T) {
	f := newFixture(t)
	a := startCall(t, f)
	b := startCall(t, f)
	_, err := a.SendText(context.Background(), "hello")
	require.NoError(t, err)

	n, err := f.mgr.Checkpoint(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)

	rec, err := f.store.GetSession(context.Background(), a.ID())
	require.NoError(t, err)
	require.Len(t, rec.Turns, 3)
	_, err = f.store.GetSession(context.Background(), b.ID())
	require.NoError(t, err)
}

func TestUnknownScenario(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Start(context.Background(), "u", "karaoke")
	require.ErrorIs(t, err, ErrUnknownScenario)
}

func TestParseAnalysisFallsBackToRawText(t *testing.T) {
	var a storage.AnalysisRecord
	parseAnalysis("```json\n{\"grammar\":\"good\",\"details\":\"more pauses\"}\n```", &a)
	require.Equal(t, "good", a.Scores.Grammar)
	require.Equal(t, "more pauses", a.Details)
	require.Contains(t, a.Feedback, "Grammar: good")

	var raw storage.AnalysisRecord
	parseAnalysis("Your grammar is solid.", &raw)
	require.Equal(t, "Your grammar is solid.", raw.Details)
	require.Equal(t, raw.Details, raw.Feedback)
}

func nextOfType(t *testing.T, events <-chan Event, typ EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed before %s", typ)
			}
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", typ)
		}
	}
}
