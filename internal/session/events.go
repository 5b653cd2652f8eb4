package session

import (
	"sync"
	"time"

	"talkready/internal/history"
	"talkready/internal/speech"
	"talkready/internal/storage"
)

type EventType string

const (
	EventTurn         EventType = "turn"
	EventTurnsRemoved EventType = "turns_removed"
	EventNotice       EventType = "notice"
	EventSpeech       EventType = "speech"
	EventState        EventType = "state"
	EventStage        EventType = "stage"
	EventAnalysis     EventType = "analysis"
)

type NoticeKind string

const (
	NoticePermissionDenied    NoticeKind = "permission_denied"
	NoticeNoAudio             NoticeKind = "no_audio_captured"
	NoticeUploadFailed        NoticeKind = "upload_failed"
	NoticeTranscriptionFailed NoticeKind = "transcription_failed"
	NoticeTimeoutExceeded     NoticeKind = "timeout_exceeded"
	NoticeGenerationFailed    NoticeKind = "generation_failed"
)

type Notice struct {
	Kind    NoticeKind `json:"kind"`
	Message string     `json:"message"`
}

// Event is one update on a session's live channel. Audio is delivered out of band.
type Event struct {
	Type      EventType               `json:"type"`
	SessionID string                  `json:"session_id"`
	At        time.Time               `json:"at"`
	Turn      *history.Turn           `json:"turn,omitempty"`
	Removed   int                     `json:"removed,omitempty"`
	Notice    *Notice                 `json:"notice,omitempty"`
	State     storage.SessionState    `json:"state,omitempty"`
	Reason    string                  `json:"reason,omitempty"`
	Stage     string                  `json:"stage,omitempty"`
	Analysis  *storage.AnalysisRecord `json:"analysis,omitempty"`
	Audio     *speech.Audio           `json:"-"`
}

const subscriberBuffer = 64

// Bus fans session events out to subscribers. Slow subscribers lose events rather than
// stalling the session.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	next   int
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of events and a func to stop receiving them. The channel is
// closed when the bus closes or the subscription is cancelled.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
