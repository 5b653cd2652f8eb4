package capture

import (
	"context"
	"errors"
	"sync"
)

var ErrStreamClosed = errors.New("audio stream closed")

// PushSource is a Source fed by an external producer, e.g. WebSocket binary frames sent by
// the browser's MediaRecorder or a downloaded voice note.
type PushSource struct {
	mime string

	mu     sync.Mutex
	denied bool
	cur    *pushStream
}

func NewPushSource(mime string) *PushSource {
	if mime == "" {
		mime = DefaultMIMEType
	}
	return &PushSource{mime: mime}
}

// Deny makes the next Open fail with ErrPermissionDenied.
func (p *PushSource) Deny() {
	p.mu.Lock()
	p.denied = true
	p.mu.Unlock()
}

// SetMIMEType changes the tag used for streams opened afterwards.
func (p *PushSource) SetMIMEType(mime string) {
	if mime == "" {
		return
	}
	p.mu.Lock()
	p.mime = mime
	p.mu.Unlock()
}

func (p *PushSource) Open(ctx context.Context) (Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.denied {
		p.denied = false
		return nil, ErrPermissionDenied
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &pushStream{ch: make(chan []byte, 64), mime: p.mime}
	p.cur = s
	return s, nil
}

// Push delivers a chunk to the open stream.
func (p *PushSource) Push(chunk []byte) error {
	p.mu.Lock()
	s := p.cur
	p.mu.Unlock()
	if s == nil {
		return ErrStreamClosed
	}
	return s.push(chunk)
}

type pushStream struct {
	ch   chan []byte
	mime string

	mu     sync.Mutex
	closed bool
}

func (s *pushStream) push(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	s.ch <- buf
	return nil
}

func (s *pushStream) Chunks() <-chan []byte { return s.ch }
func (s *pushStream) MIMEType() string      { return s.mime }

func (s *pushStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.ch)
	return nil
}

// StaticSource replays one finished recording, e.g. an uploaded file or a voice note.
type StaticSource struct {
	Blob Blob
}

func (s StaticSource) Open(ctx context.Context) (Stream, error) {
	ch := make(chan []byte, 1)
	if len(s.Blob.Data) > 0 {
		ch <- s.Blob.Data
	}
	close(ch)
	return &staticStream{ch: ch, mime: s.Blob.MIMEType}, nil
}

type staticStream struct {
	ch   chan []byte
	mime string
}

func (s *staticStream) Chunks() <-chan []byte { return s.ch }
func (s *staticStream) MIMEType() string      { return s.mime }
func (s *staticStream) Close() error          { return nil }
