package transcribe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type scriptedProvider struct {
	mu       sync.Mutex
	script   []Job
	errs     []error
	calls    int
	requests []string
}

func (s *scriptedProvider) Name() string { return "scripted" }

func (s *scriptedProvider) Request(ctx context.Context, audioURL string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, audioURL)
	return "job-1", nil
}

func (s *scriptedProvider) Status(ctx context.Context, id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return Job{}, s.errs[i]
	}
	if i >= len(s.script) {
		return s.script[len(s.script)-1], nil
	}
	return s.script[i], nil
}

func fastPoller(attempts uint64, timeout time.Duration) *Poller {
	return NewPoller(PollerConfig{Interval: time.Millisecond, Timeout: timeout, MaxAttempts: attempts})
}

func TestPoller_QueuedProcessingCompleted(t *testing.T) {
	p := &scriptedProvider{script: []Job{
		{Status: StatusQueued},
		{Status: StatusProcessing},
		{Status: StatusCompleted, ResultText: "My order hasn't arrived"},
	}}
	out, err := fastPoller(10, time.Second).Await(context.Background(), p, "job-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, out.Kind)
	require.Equal(t, "My order hasn't arrived", out.Job.ResultText)
	require.Equal(t, 3, out.Attempts)
}

func TestPoller_FailedIsTerminalAndNotRetried(t *testing.T) {
	p := &scriptedProvider{script: []Job{
		{Status: StatusProcessing},
		{Status: StatusFailed, Error: "audio too short"},
		{Status: StatusCompleted, ResultText: "never seen"},
	}}
	out, err := fastPoller(10, time.Second).Await(context.Background(), p, "job-1")
	require.ErrorIs(t, err, ErrTranscriptionFailed)
	require.Equal(t, OutcomeFailed, out.Kind)
	require.Equal(t, "audio too short", out.Reason)
	require.Equal(t, 2, p.calls)
}

func TestPoller_NeverTerminalIsBoundedByAttempts(t *testing.T) {
	p := &scriptedProvider{script: []Job{{Status: StatusProcessing}}}
	out, err := fastPoller(5, time.Minute).Await(context.Background(), p, "job-1")
	require.ErrorIs(t, err, ErrTimeoutExceeded)
	require.Equal(t, OutcomeTimedOut, out.Kind)
	require.Equal(t, 5, p.calls)
}

func TestPoller_NeverTerminalIsBoundedByDeadline(t *testing.T) {
	p := &scriptedProvider{script: []Job{{Status: StatusQueued}}}
	start := time.Now()
	poller := NewPoller(PollerConfig{Interval: 5 * time.Millisecond, Timeout: 50 * time.Millisecond, MaxAttempts: 1_000_000})
	out, err := poller.Await(context.Background(), p, "job-1")
	require.ErrorIs(t, err, ErrTimeoutExceeded)
	require.Equal(t, OutcomeTimedOut, out.Kind)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestPoller_CallerCancellationIsNotATimeout(t *testing.T) {
	p := &scriptedProvider{script: []Job{{Status: StatusQueued}}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := fastPoller(5, time.Second).Await(ctx, p, "job-1")
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, errors.Is(err, ErrTimeoutExceeded))
}

func TestPoller_EmptyTextIsSoftFailure(t *testing.T) {
	p := &scriptedProvider{script: []Job{{Status: StatusCompleted, ResultText: "   "}}}
	out, err := fastPoller(5, time.Second).Await(context.Background(), p, "job-1")
	require.ErrorIs(t, err, ErrEmptyTranscription)
	require.Equal(t, OutcomeCompleted, out.Kind)
}

func TestPoller_TransientStatusErrorsAreRetried(t *testing.T) {
	p := &scriptedProvider{
		errs:   []error{errors.New("502"), nil},
		script: []Job{{}, {Status: StatusCompleted, ResultText: "hello"}},
	}
	out, err := fastPoller(5, time.Second).Await(context.Background(), p, "job-1")
	require.NoError(t, err)
	require.Equal(t, "hello", out.Job.ResultText)
}

func TestClient_TranscribeRecordsSourceURL(t *testing.T) {
	p := &scriptedProvider{script: []Job{{Status: StatusCompleted, ResultText: "hi"}}}
	c := NewClient(p, fastPoller(3, time.Second))
	out, err := c.Transcribe(context.Background(), "https://res.example.com/a.wav")
	require.NoError(t, err)
	require.Equal(t, "https://res.example.com/a.wav", out.Job.SourceAudioURL)
	require.Equal(t, []string{"https://res.example.com/a.wav"}, p.requests)
}
