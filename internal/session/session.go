// Package session runs practice calls: it wires capture, upload, transcription, the
// conversation and speech playback for one learner and records the result.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"talkready/internal/capture"
	"talkready/internal/conversation"
	"talkready/internal/history"
	"talkready/internal/speech"
	"talkready/internal/storage"
	"talkready/internal/transcribe"
)

var (
	ErrNotActive         = errors.New("session is not active")
	ErrCaptureInProgress = errors.New("a recording is still being processed")
	ErrNoCapture         = errors.New("no recording in progress")
	ErrNotFound          = errors.New("session not found")
	ErrUnknownScenario   = errors.New("unknown inquiry type")
)

const (
	ReasonUser     = "user"
	ReasonTimeout  = "timeout"
	ReasonShutdown = "shutdown"
)

const (
	persistTimeout  = 10 * time.Second
	analysisTimeout = 60 * time.Second
)

// Session is one live practice call. All methods are safe for concurrent use.
type Session struct {
	id          string
	userID      string
	inquiryType string
	scenario    conversation.Scenario
	startedAt   time.Time
	deadline    time.Time

	m        *Manager
	logger   *slog.Logger
	conv     *conversation.Orchestrator
	player   *speech.Player
	source   *capture.PushSource
	recorder *capture.Recorder
	bus      *Bus

	ctx       context.Context
	cancel    context.CancelFunc
	pipelines sync.WaitGroup
	persistMu sync.Mutex

	mu           sync.Mutex
	state        storage.SessionState
	endedAt      *time.Time
	endReason    string
	handle       *capture.Handle
	transcribing bool
	epoch        uint64
	pipeCtx      context.Context
	pipeCancel   context.CancelFunc
	timer        *time.Timer
	analysis     *storage.AnalysisRecord
	finalTurns   []history.Turn

	endOnce sync.Once
	ended   chan struct{}
}

// Snapshot is the externally visible view of a session.
type Snapshot struct {
	storage.SessionRecord
	Counterpart      string `json:"counterpart"`
	RemainingSeconds int    `json:"remaining_seconds"`
	Capturing        bool   `json:"capturing"`
	Busy             bool   `json:"busy"`
}

func (s *Session) ID() string                        { return s.id }
func (s *Session) UserID() string                    { return s.userID }
func (s *Session) InquiryType() string               { return s.inquiryType }
func (s *Session) Scenario() conversation.Scenario   { return s.scenario }
func (s *Session) Done() <-chan struct{}             { return s.ended }
func (s *Session) Subscribe() (<-chan Event, func()) { return s.bus.Subscribe() }

// Turns returns the conversation so far; after End it is the final transcript.
func (s *Session) Turns() []history.Turn {
	s.mu.Lock()
	final := s.finalTurns
	s.mu.Unlock()
	if final != nil {
		return append([]history.Turn{}, final...)
	}
	return s.conv.Turns()
}

func (s *Session) State() storage.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Analysis returns the end-of-call analysis once it exists.
func (s *Session) Analysis() (storage.AnalysisRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.analysis == nil {
		return storage.AnalysisRecord{}, false
	}
	return *s.analysis, true
}

// Record builds the persisted form of the session.
func (s *Session) Record() storage.SessionRecord {
	turns := s.Turns()
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := storage.SessionRecord{
		ID:          s.id,
		UserID:      s.userID,
		InquiryType: s.inquiryType,
		State:       s.state,
		EndReason:   s.endReason,
		StartedAt:   s.startedAt,
		Turns:       turns,
	}
	if s.endedAt != nil {
		t := *s.endedAt
		rec.EndedAt = &t
	}
	return rec
}

func (s *Session) Snapshot() Snapshot {
	rec := s.Record()
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		SessionRecord: rec,
		Counterpart:   s.scenario.Counterpart,
		Capturing:     s.handle != nil,
		Busy:          s.handle != nil || s.transcribing,
	}
	if s.state == storage.StateActive {
		if left := time.Until(s.deadline); left > 0 {
			snap.RemainingSeconds = int(left.Round(time.Second) / time.Second)
		}
	}
	return snap
}

func (s *Session) publish(ev Event) {
	ev.SessionID = s.id
	if ev.At.IsZero() {
		ev.At = s.m.now().UTC()
	}
	s.bus.Publish(ev)
}

func (s *Session) stage(name string) {
	s.publish(Event{Type: EventStage, Stage: name})
}

// fail surfaces a non-blocking notice to the learner.
func (s *Session) fail(kind NoticeKind, msg string) {
	s.m.metrics.RecordFailure(string(kind))
	s.publish(Event{Type: EventNotice, Notice: &Notice{Kind: kind, Message: msg}})
}

func (s *Session) onAppend(t history.Turn) {
	s.m.metrics.RecordTurn(string(t.Sender))
	turn := t
	s.publish(Event{Type: EventTurn, Turn: &turn})
	if t.Sender == history.SenderCounterpart && s.player != nil {
		res := s.player.SpeakAsync(s.ctx, t.Text)
		go func() {
			err := <-res
			if err != nil && !errors.Is(err, speech.ErrInterrupted) && !errors.Is(err, speech.ErrPlayerClosed) {
				s.logger.Warn("speech playback failed", "error", err)
			}
		}()
	}
}

func (s *Session) deliverSpeech(ctx context.Context, a speech.Audio) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.m.metrics.RecordAudio("out", len(a.Data))
	s.publish(Event{Type: EventSpeech, Audio: &a})
	return nil
}

func (s *Session) persist(ctx context.Context) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	return s.m.recorder.Persist(ctx, s.Record())
}

// checkpoint writes the session through; failures are logged and never block the call.
func (s *Session) checkpoint() {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	_ = s.persist(ctx)
}

// opContext is cancelled when either the caller or the session is done.
func (s *Session) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	c, cancel := context.WithCancel(s.ctx)
	stop := context.AfterFunc(ctx, cancel)
	return c, func() {
		stop()
		cancel()
	}
}

func (s *Session) open() {
	if _, err := s.conv.Open(s.ctx); err != nil {
		s.handleReplyError(s.ctx, err)
		return
	}
	s.checkpoint()
}

// SendText submits a typed learner turn and returns the counterpart's reply.
func (s *Session) SendText(ctx context.Context, text string) (history.Turn, error) {
	if s.State() != storage.StateActive {
		return history.Turn{}, ErrNotActive
	}
	octx, cancel := s.opContext(ctx)
	defer cancel()
	return s.respond(octx, text, "")
}

func (s *Session) respond(ctx context.Context, text, audioURL string) (history.Turn, error) {
	started := time.Now()
	turn, err := s.conv.Respond(ctx, text, audioURL)
	s.m.metrics.ObserveStage("generation", time.Since(started))
	if err != nil {
		s.handleReplyError(ctx, err)
		return history.Turn{}, err
	}
	s.checkpoint()
	return turn, nil
}

func (s *Session) handleReplyError(ctx context.Context, err error) {
	switch {
	case errors.Is(err, conversation.ErrSuperseded), errors.Is(err, conversation.ErrClosed), ctx.Err() != nil:
		s.logger.Debug("reply abandoned", "error", err)
	case errors.Is(err, conversation.ErrDuplicateTurn):
		s.logger.Info("duplicate learner turn dropped")
	case errors.Is(err, conversation.ErrEmptyTurn):
		s.logger.Info("empty learner turn ignored")
	case errors.Is(err, conversation.ErrGenerationFailed):
		s.logger.Error("generation failed", "error", err)
		s.fail(NoticeGenerationFailed, "The other side could not answer. Try again or retry the last turn.")
		s.checkpoint()
	default:
		s.logger.Error("reply failed", "error", err)
		s.fail(NoticeGenerationFailed, "The other side could not answer. Try again or retry the last turn.")
	}
}

// StartCapture opens the session's audio source. Only one recording may be open or awaiting
// transcription at a time.
func (s *Session) StartCapture(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != storage.StateActive {
		return ErrNotActive
	}
	if s.handle != nil || s.transcribing {
		return ErrCaptureInProgress
	}
	h, err := s.recorder.Start(s.ctx)
	if err != nil {
		if errors.Is(err, capture.ErrPermissionDenied) {
			s.logger.Warn("microphone permission denied")
			s.fail(NoticePermissionDenied, "Microphone access was denied.")
		}
		return err
	}
	s.handle = h
	s.stage("recording")
	return nil
}

// PushAudio feeds a chunk of the open recording.
func (s *Session) PushAudio(chunk []byte) error {
	return s.source.Push(chunk)
}

// DenyMicrophone records that the client refused microphone access; the next StartCapture
// fails with capture.ErrPermissionDenied.
func (s *Session) DenyMicrophone() {
	s.source.Deny()
}

// SetAudioMIMEType tags recordings started afterwards.
func (s *Session) SetAudioMIMEType(mime string) {
	s.source.SetMIMEType(mime)
}

// StopCapture finishes the recording and runs upload, transcription and the reply in the
// background.
func (s *Session) StopCapture(ctx context.Context) error {
	s.mu.Lock()
	if s.state != storage.StateActive {
		s.mu.Unlock()
		return ErrNotActive
	}
	h := s.handle
	if h == nil {
		s.mu.Unlock()
		return ErrNoCapture
	}
	s.handle = nil
	s.transcribing = true
	pctx, epoch := s.pipeCtx, s.epoch
	s.mu.Unlock()

	blob, err := s.recorder.Stop(h)
	if err != nil {
		s.releasePipeline(epoch)
		if errors.Is(err, capture.ErrNoAudioCaptured) {
			s.logger.Info("no audio captured")
			s.fail(NoticeNoAudio, "No audio was captured. Please try recording again.")
		}
		return err
	}
	s.m.metrics.RecordAudio("in", blob.Size())
	return s.launch(pctx, epoch, blob)
}

// SubmitAudio records a complete clip through the capture path and processes it like a
// stopped recording.
func (s *Session) SubmitAudio(ctx context.Context, blob capture.Blob) error {
	if blob.Size() == 0 {
		return capture.ErrNoAudioCaptured
	}
	s.SetAudioMIMEType(blob.MIMEType)
	if err := s.StartCapture(ctx); err != nil {
		return err
	}
	if err := s.PushAudio(blob.Data); err != nil {
		s.abortCapture()
		return err
	}
	return s.StopCapture(ctx)
}

func (s *Session) abortCapture() {
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.mu.Unlock()
	if h != nil {
		s.recorder.Abort(h)
	}
}

func (s *Session) launch(ctx context.Context, epoch uint64, blob capture.Blob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != storage.StateActive {
		if s.epoch == epoch {
			s.transcribing = false
		}
		return ErrNotActive
	}
	s.pipelines.Add(1)
	go func() {
		defer s.pipelines.Done()
		s.runPipeline(ctx, epoch, blob)
	}()
	return nil
}

// releasePipeline lets a new recording start, unless a retry or end already did.
func (s *Session) releasePipeline(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch == epoch {
		s.transcribing = false
	}
}

func (s *Session) runPipeline(ctx context.Context, epoch uint64, blob capture.Blob) {
	s.stage("uploading")
	started := time.Now()
	url, err := s.m.uploader.Upload(ctx, blob)
	s.m.metrics.ObserveStage("upload", time.Since(started))
	if err != nil {
		s.releasePipeline(epoch)
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("upload failed", "error", err)
		s.fail(NoticeUploadFailed, "We couldn't upload your recording. Please try again.")
		return
	}

	s.stage("transcribing")
	started = time.Now()
	out, err := s.m.transcriber.Transcribe(ctx, url)
	s.m.metrics.ObserveStage("transcription", time.Since(started))
	s.m.metrics.RecordPoll(s.m.transcriber.ProviderName(), out.Kind.String())
	s.releasePipeline(epoch)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		switch {
		case errors.Is(err, transcribe.ErrEmptyTranscription):
			s.logger.Info("empty transcription skipped", "audio_url", url)
		case errors.Is(err, transcribe.ErrTimeoutExceeded):
			s.logger.Error("transcription timed out", "audio_url", url, "attempts", out.Attempts, "error", err)
			s.fail(NoticeTimeoutExceeded, "Transcription is taking too long. Please try again.")
		default:
			s.logger.Error("transcription failed", "audio_url", url, "error", err)
			s.fail(NoticeTranscriptionFailed, "We couldn't understand the recording. Please try again.")
		}
		return
	}

	s.mu.Lock()
	stale := s.epoch != epoch || s.state != storage.StateActive
	s.mu.Unlock()
	if stale {
		return
	}
	s.stage("generating")
	_, _ = s.respond(ctx, out.Job.ResultText, url)
}

// Retry abandons in-flight work and removes the last two turns so the learner can answer
// again. It returns how many turns were removed.
func (s *Session) Retry(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.state != storage.StateActive {
		s.mu.Unlock()
		return 0, ErrNotActive
	}
	h := s.handle
	s.handle = nil
	s.pipeCancel()
	s.epoch++
	s.transcribing = false
	s.pipeCtx, s.pipeCancel = context.WithCancel(s.ctx)
	s.mu.Unlock()

	if h != nil {
		s.recorder.Abort(h)
	}
	if s.player != nil {
		s.player.Cancel()
	}
	n, err := s.conv.RetryLastTurn()
	if err != nil {
		return 0, err
	}
	s.publish(Event{Type: EventTurnsRemoved, Removed: n})
	s.checkpoint()
	return n, nil
}

// End terminates the call, persists it and runs the analysis. Only the first call does any
// work; later calls return ErrNotActive.
func (s *Session) End(ctx context.Context, reason string) error {
	ran := false
	s.endOnce.Do(func() {
		ran = true
		s.end(ctx, reason)
	})
	if !ran {
		return ErrNotActive
	}
	return nil
}

func (s *Session) end(ctx context.Context, reason string) {
	if reason == "" {
		reason = ReasonUser
	}
	now := s.m.now().UTC()

	s.mu.Lock()
	s.state = storage.StateEnded
	s.endedAt = &now
	s.endReason = reason
	if s.timer != nil {
		s.timer.Stop()
	}
	h := s.handle
	s.handle = nil
	s.transcribing = false
	s.epoch++
	s.mu.Unlock()

	if h != nil {
		s.recorder.Abort(h)
	}
	s.cancel()
	if s.player != nil {
		s.player.Close()
	}
	s.conv.Close()
	s.pipelines.Wait()

	final := s.conv.Turns()
	s.mu.Lock()
	s.finalTurns = final
	s.mu.Unlock()
	s.publish(Event{Type: EventState, State: storage.StateEnded, Reason: reason})
	s.logger.Info("session ended", "reason", reason, "turns", len(final))

	base := context.WithoutCancel(ctx)
	pctx, cancel := context.WithTimeout(base, persistTimeout)
	_ = s.persist(pctx)
	cancel()

	actx, cancel := context.WithTimeout(base, analysisTimeout)
	a, err := s.m.recorder.Analyze(actx, s.Record())
	cancel()
	if err != nil {
		s.logger.Error("session analysis failed", "error", err)
	}
	if a.SessionID != "" {
		s.mu.Lock()
		s.analysis = &a
		s.mu.Unlock()
		s.publish(Event{Type: EventAnalysis, Analysis: &a})
	}

	s.bus.Close()
	close(s.ended)
	s.m.evict(s, reason)
}

func (s *Session) String() string {
	return fmt.Sprintf("session %s (%s)", s.id, s.inquiryType)
}
