// Package transcribe submits recordings to asynchronous speech-to-text providers and polls the
// resulting jobs to a terminal state within an explicit deadline.
package transcribe

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrTranscriptionFailed = errors.New("transcription failed")
	ErrTimeoutExceeded     = errors.New("transcription timed out")
	ErrEmptyTranscription  = errors.New("transcription is empty")
	ErrInvalidResponse     = errors.New("invalid transcription response")
	ErrUnknownJob          = errors.New("unknown transcription job")
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job mirrors the provider's view of one transcription request.
type Job struct {
	ID             string
	SourceAudioURL string
	Status         Status
	ResultText     string
	Error          string
}

// Provider is a speech-to-text service with a submit/poll contract.
type Provider interface {
	Name() string
	Request(ctx context.Context, audioURL string) (string, error)
	Status(ctx context.Context, jobID string) (Job, error)
}

// Client pairs a provider with a bounded poller.
type Client struct {
	provider Provider
	poller   *Poller
}

func NewClient(p Provider, poller *Poller) *Client {
	if poller == nil {
		poller = NewPoller(PollerConfig{})
	}
	return &Client{provider: p, poller: poller}
}

func (c *Client) ProviderName() string { return c.provider.Name() }

// Transcribe requests a job for audioURL and waits for its outcome.
func (c *Client) Transcribe(ctx context.Context, audioURL string) (Outcome, error) {
	id, err := c.provider.Request(ctx, audioURL)
	if err != nil {
		return Outcome{Kind: OutcomeFailed, Reason: err.Error()}, fmt.Errorf("%w: request: %v", ErrTranscriptionFailed, err)
	}
	out, err := c.poller.Await(ctx, c.provider, id)
	out.Job.SourceAudioURL = audioURL
	return out, err
}
