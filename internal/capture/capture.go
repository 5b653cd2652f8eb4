// Package capture accumulates recorded audio chunks from a microphone-like source into a
// single blob. A Recorder owns the underlying stream for exactly one capture at a time.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const DefaultMIMEType = "audio/wav"

// drainTimeout bounds how long Stop waits for a stream that does not close its channel.
const drainTimeout = 2 * time.Second

var (
	ErrPermissionDenied  = errors.New("microphone permission denied")
	ErrNoAudioCaptured   = errors.New("no audio captured")
	ErrCaptureInProgress = errors.New("capture already in progress")
	ErrUnknownHandle     = errors.New("capture handle is not active")
)

// Source opens a stream of encoded audio chunks.
type Source interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream delivers chunks until closed. Chunks must be closed by the producer or by Close.
type Stream interface {
	Chunks() <-chan []byte
	MIMEType() string
	Close() error
}

// Blob is one finished recording.
type Blob struct {
	Data     []byte
	MIMEType string
}

func (b Blob) Size() int { return len(b.Data) }

// Handle identifies an in-progress capture.
type Handle struct {
	stream Stream
	mime   string

	mu     sync.Mutex
	chunks [][]byte
	done   chan struct{}
	cancel context.CancelFunc
}

func (h *Handle) collect(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-h.stream.Chunks():
			if !ok {
				return
			}
			if len(c) == 0 {
				continue
			}
			h.mu.Lock()
			h.chunks = append(h.chunks, c)
			h.mu.Unlock()
		}
	}
}

// Recorder allows one open capture at a time.
type Recorder struct {
	src Source

	mu     sync.Mutex
	active *Handle
}

func NewRecorder(src Source) *Recorder {
	return &Recorder{src: src}
}

// Start acquires the source stream and begins accumulating chunks.
func (r *Recorder) Start(ctx context.Context) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return nil, ErrCaptureInProgress
	}
	stream, err := r.src.Open(ctx)
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			return nil, err
		}
		return nil, fmt.Errorf("open audio source: %w", err)
	}
	mime := stream.MIMEType()
	if mime == "" {
		mime = DefaultMIMEType
	}
	cctx, cancel := context.WithCancel(context.Background())
	h := &Handle{stream: stream, mime: mime, done: make(chan struct{}), cancel: cancel}
	r.active = h
	go h.collect(cctx)
	return h, nil
}

// Active reports whether a capture is open.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

// Stop releases the stream and returns the concatenated recording.
func (r *Recorder) Stop(h *Handle) (Blob, error) {
	closeErr, err := r.release(h)
	if err != nil {
		return Blob{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	data := bytes.Join(h.chunks, nil)
	h.chunks = nil
	if len(data) == 0 {
		if closeErr != nil {
			return Blob{}, fmt.Errorf("%w: close stream: %v", ErrNoAudioCaptured, closeErr)
		}
		return Blob{}, ErrNoAudioCaptured
	}
	return Blob{Data: data, MIMEType: h.mime}, nil
}

// Abort releases the stream and discards everything captured so far.
func (r *Recorder) Abort(h *Handle) {
	if _, err := r.release(h); err != nil {
		return
	}
	h.mu.Lock()
	h.chunks = nil
	h.mu.Unlock()
}

// AbortActive aborts whatever capture is open, if any.
func (r *Recorder) AbortActive() {
	r.mu.Lock()
	h := r.active
	r.mu.Unlock()
	if h != nil {
		r.Abort(h)
	}
}

func (r *Recorder) release(h *Handle) (closeErr error, err error) {
	r.mu.Lock()
	if h == nil || r.active != h {
		r.mu.Unlock()
		return nil, ErrUnknownHandle
	}
	r.active = nil
	r.mu.Unlock()

	// Closing the stream closes its channel; the collector drains what was already
	// delivered before it exits.
	closeErr = h.stream.Close()
	select {
	case <-h.done:
	case <-time.After(drainTimeout):
		h.cancel()
		<-h.done
	}
	h.cancel()
	return closeErr, nil
}
