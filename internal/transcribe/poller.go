package transcribe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultPollTimeout  = 60 * time.Second
	DefaultMaxAttempts  = 30
)

type OutcomeKind int

const (
	OutcomeCompleted OutcomeKind = iota
	OutcomeFailed
	OutcomeTimedOut
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Outcome is the tagged result of polling one job.
type Outcome struct {
	Kind     OutcomeKind
	Job      Job
	Attempts int
	Reason   string
}

type PollerConfig struct {
	Interval    time.Duration
	Timeout     time.Duration
	MaxAttempts uint64
}

// Poller polls a job on a fixed interval until it is terminal, the deadline passes, or the
// attempt budget is spent. Failed jobs are never resubmitted.
type Poller struct {
	interval    time.Duration
	timeout     time.Duration
	maxAttempts uint64
}

func NewPoller(cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultPollTimeout
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Poller{interval: cfg.Interval, timeout: cfg.Timeout, maxAttempts: cfg.MaxAttempts}
}

var errStillRunning = errors.New("job not terminal")

// Await polls jobID. The returned error is nil only for a completed job with non-empty text.
func (p *Poller) Await(ctx context.Context, provider Provider, jobID string) (Outcome, error) {
	pctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	out := Outcome{Job: Job{ID: jobID, Status: StatusQueued}}
	var lastErr error

	b := retry.WithMaxRetries(p.maxAttempts-1, retry.NewConstant(p.interval))

	// The provider needs a moment before the first status is meaningful.
	t := time.NewTimer(p.interval)
	select {
	case <-pctx.Done():
		t.Stop()
		return p.timedOut(ctx, out, pctx.Err())
	case <-t.C:
	}

	err := retry.Do(pctx, b, func(ctx context.Context) error {
		out.Attempts++
		job, err := provider.Status(ctx, jobID)
		if err != nil {
			lastErr = err
			return retry.RetryableError(err)
		}
		// Terminal states are sticky.
		if !out.Job.Status.Terminal() {
			out.Job.Status = job.Status
			out.Job.ResultText = job.ResultText
			out.Job.Error = job.Error
		}
		if out.Job.Status.Terminal() {
			return nil
		}
		return retry.RetryableError(errStillRunning)
	})
	if err != nil {
		if errors.Is(err, errStillRunning) && lastErr != nil {
			err = fmt.Errorf("%w (last status error: %v)", err, lastErr)
		}
		return p.timedOut(ctx, out, err)
	}

	switch out.Job.Status {
	case StatusFailed:
		out.Kind = OutcomeFailed
		out.Reason = out.Job.Error
		if out.Reason == "" {
			out.Reason = "provider reported failure"
		}
		return out, fmt.Errorf("%w: %s", ErrTranscriptionFailed, out.Reason)
	default:
		out.Kind = OutcomeCompleted
		if strings.TrimSpace(out.Job.ResultText) == "" {
			return out, ErrEmptyTranscription
		}
		return out, nil
	}
}

// timedOut classifies a polling stop. A cancelled caller context is reported as is; an
// exhausted budget or elapsed deadline becomes ErrTimeoutExceeded.
func (p *Poller) timedOut(parent context.Context, out Outcome, cause error) (Outcome, error) {
	out.Kind = OutcomeTimedOut
	if err := parent.Err(); err != nil {
		out.Reason = err.Error()
		return out, err
	}
	if cause != nil {
		out.Reason = cause.Error()
	}
	return out, fmt.Errorf("%w after %d attempts: %v", ErrTimeoutExceeded, out.Attempts, cause)
}
