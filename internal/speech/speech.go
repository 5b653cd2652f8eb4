// Package speech turns counterpart replies into audio and plays at most one utterance at a time.
package speech

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	ErrPlayerClosed  = errors.New("player closed")
	ErrInterrupted   = errors.New("utterance interrupted")
	ErrSynthesisFail = errors.New("speech synthesis failed")
)

// Audio is one synthesized utterance.
type Audio struct {
	Text     string
	Data     []byte
	MIMEType string
}

type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (Audio, error)
}

// Sink delivers audio to the listener. ctx is cancelled when the utterance is preempted.
type Sink interface {
	Play(ctx context.Context, a Audio) error
}

type SinkFunc func(ctx context.Context, a Audio) error

func (f SinkFunc) Play(ctx context.Context, a Audio) error { return f(ctx, a) }

// Player keeps at most one utterance active and skips consecutive repeats.
type Player struct {
	synth Synthesizer
	sink  Sink

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	last   string
	closed bool
}

func NewPlayer(synth Synthesizer, sink Sink) *Player {
	return &Player{synth: synth, sink: sink}
}

type utterance struct {
	text       string
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	prevCancel context.CancelFunc
	prevDone   chan struct{}
}

// claim takes the single playback slot for text and cancels the holder. It returns nil when
// text repeats the previous utterance.
func (p *Player) claim(ctx context.Context, text string) (*utterance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPlayerClosed
	}
	if text == p.last {
		return nil, nil
	}
	uctx, cancel := context.WithCancel(ctx)
	u := &utterance{
		text:       text,
		ctx:        uctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		prevCancel: p.cancel,
		prevDone:   p.done,
	}
	if u.prevCancel != nil {
		u.prevCancel()
	}
	p.cancel, p.done, p.last = cancel, u.done, text
	return u, nil
}

func (p *Player) play(u *utterance) error {
	defer func() {
		u.cancel()
		close(u.done)
		p.mu.Lock()
		if p.done == u.done {
			p.cancel, p.done = nil, nil
		}
		p.mu.Unlock()
	}()

	// The previous utterance has been cancelled; wait until it has fully stopped.
	if u.prevDone != nil {
		<-u.prevDone
	}
	if err := u.ctx.Err(); err != nil {
		return ErrInterrupted
	}

	audio, err := p.synth.Synthesize(u.ctx, u.text)
	if err != nil {
		if u.ctx.Err() != nil {
			return ErrInterrupted
		}
		return fmt.Errorf("%w: %v", ErrSynthesisFail, err)
	}
	if audio.Text == "" {
		audio.Text = u.text
	}
	if err := p.sink.Play(u.ctx, audio); err != nil {
		if u.ctx.Err() != nil {
			return ErrInterrupted
		}
		return err
	}
	return nil
}

// Speak cancels the active utterance, waits for it to stop, then synthesizes and plays text.
// It returns nil without playing when text repeats the previous utterance.
func (p *Player) Speak(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	u, err := p.claim(ctx, text)
	if err != nil || u == nil {
		return err
	}
	return p.play(u)
}

// SpeakAsync claims playback before returning, so utterances start in call order, and plays
// in the background. The channel yields Speak's result.
func (p *Player) SpeakAsync(ctx context.Context, text string) <-chan error {
	res := make(chan error, 1)
	text = strings.TrimSpace(text)
	if text == "" {
		res <- nil
		return res
	}
	u, err := p.claim(ctx, text)
	if err != nil || u == nil {
		res <- err
		return res
	}
	go func() { res <- p.play(u) }()
	return res
}

// Cancel stops the active utterance and waits for it to wind down.
func (p *Player) Cancel() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Active reports whether an utterance is in progress.
func (p *Player) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done != nil
}

func (p *Player) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.Cancel()
}
