// Package conversation drives a roleplay: it owns the turn order of one session and asks the
// text-generation provider for the counterpart's replies.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"talkready/internal/history"
	"talkready/internal/llm"
)

var (
	ErrGenerationFailed = errors.New("generation failed")
	ErrSuperseded       = errors.New("generation superseded")
	ErrDuplicateTurn    = errors.New("duplicate turn")
	ErrEmptyTurn        = errors.New("empty turn")
	ErrClosed           = errors.New("conversation closed")
)

const defaultGreetingReply = "Hello! How can I assist you today?"

type Options struct {
	Generate llm.GenerateOptions
	// OnAppend is called from the writer goroutine after every append, in turn order. It must
	// not call back into the orchestrator.
	OnAppend func(history.Turn)
	Now      func() time.Time
}

// Orchestrator serializes every append through one writer goroutine and keeps at most one
// generation in flight.
type Orchestrator struct {
	sessionID string
	client    llm.Client
	scenario  Scenario
	turns     *history.Manager
	opts      llm.GenerateOptions
	onAppend  func(history.Turn)
	now       func() time.Time

	ops       chan func()
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
}

func NewOrchestrator(sessionID string, client llm.Client, scenario Scenario, turns *history.Manager, opts Options) *Orchestrator {
	if turns == nil {
		turns = history.NewManager()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	o := &Orchestrator{
		sessionID: sessionID,
		client:    client,
		scenario:  scenario,
		turns:     turns,
		opts:      opts.Generate,
		onAppend:  opts.OnAppend,
		now:       opts.Now,
		ops:       make(chan func()),
		quit:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	go o.run()
	return o
}

func (o *Orchestrator) run() {
	defer close(o.stopped)
	for {
		select {
		case op := <-o.ops:
			op()
		case <-o.quit:
			return
		}
	}
}

// do runs fn on the writer goroutine and waits for it.
func (o *Orchestrator) do(fn func()) error {
	done := make(chan struct{})
	select {
	case o.ops <- func() { fn(); close(done) }:
	case <-o.quit:
		return ErrClosed
	}
	<-done
	return nil
}

func (o *Orchestrator) Scenario() Scenario { return o.scenario }

func (o *Orchestrator) Turns() []history.Turn { return o.turns.Get(o.sessionID) }

func (o *Orchestrator) newTurn(sender history.Sender, text, audioURL string) history.Turn {
	return history.Turn{
		ID:        uuid.NewString(),
		Sender:    sender,
		Text:      text,
		AudioURL:  audioURL,
		CreatedAt: o.now().UTC(),
	}
}

func (o *Orchestrator) appendLocked(t history.Turn) {
	o.turns.Append(o.sessionID, t)
	if o.onAppend != nil {
		o.onAppend(t)
	}
}

// AppendUserTurn stores a learner turn. Text equal to the learner's previous turn is dropped
// with ErrDuplicateTurn.
func (o *Orchestrator) AppendUserTurn(text, audioURL string) (history.Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" && audioURL == "" {
		return history.Turn{}, ErrEmptyTurn
	}
	var (
		t   history.Turn
		dup bool
	)
	err := o.do(func() {
		if last, ok := o.turns.LastFrom(o.sessionID, history.SenderUser); ok && text != "" && last.Text == text {
			dup = true
			return
		}
		t = o.newTurn(history.SenderUser, text, audioURL)
		o.appendLocked(t)
	})
	if err != nil {
		return history.Turn{}, err
	}
	if dup {
		return history.Turn{}, ErrDuplicateTurn
	}
	return t, nil
}

// begin claims the generation slot, cancelling whatever held it.
func (o *Orchestrator) begin(ctx context.Context) (context.Context, context.CancelFunc, uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
	o.gen++
	gctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	return gctx, cancel, o.gen
}

func (o *Orchestrator) finish(id uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gen == id {
		o.cancel = nil
	}
}

func (o *Orchestrator) current(id uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.gen == id
}

// CancelPending cancels the in-flight generation, if any. Its result will not be appended.
func (o *Orchestrator) CancelPending() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	o.gen++
}

// commit appends a counterpart turn unless generation id lost the slot in the meantime.
func (o *Orchestrator) commit(id uint64, text string) (history.Turn, error) {
	var (
		t     history.Turn
		stale bool
	)
	err := o.do(func() {
		if !o.current(id) {
			stale = true
			return
		}
		t = o.newTurn(history.SenderCounterpart, text, "")
		o.appendLocked(t)
	})
	if err != nil {
		return history.Turn{}, err
	}
	if stale {
		return history.Turn{}, ErrSuperseded
	}
	return t, nil
}

func (o *Orchestrator) prompt() []llm.Message {
	msgs := []llm.Message{{Role: llm.RoleSystem, Content: o.scenario.SystemPrompt}}
	return append(msgs, o.turns.Messages(o.sessionID)...)
}

// GenerateReply asks the provider for the counterpart's next line over the full history and
// appends it. A newer call supersedes this one.
func (o *Orchestrator) GenerateReply(ctx context.Context) (history.Turn, error) {
	return o.generate(ctx, o.prompt())
}

func (o *Orchestrator) generate(ctx context.Context, msgs []llm.Message) (history.Turn, error) {
	gctx, cancel, id := o.begin(ctx)
	defer cancel()
	defer o.finish(id)

	resp, err := llm.GenerateWith(gctx, o.client, msgs, o.opts)
	if err != nil {
		if !o.current(id) {
			return history.Turn{}, ErrSuperseded
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return history.Turn{}, ctxErr
		}
		return history.Turn{}, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	text := CleanReply(resp.Content)
	if text == "" {
		return history.Turn{}, fmt.Errorf("%w: empty reply", ErrGenerationFailed)
	}
	return o.commit(id, text)
}

// Respond appends the learner's turn and produces the counterpart's answer.
func (o *Orchestrator) Respond(ctx context.Context, text, audioURL string) (history.Turn, error) {
	if _, err := o.AppendUserTurn(text, audioURL); err != nil {
		return history.Turn{}, err
	}
	if o.scenario.Greeting && isGreeting(text, o.scenario.Greetings) {
		reply := o.scenario.GreetingReply
		if reply == "" {
			reply = defaultGreetingReply
		}
		_, cancel, id := o.begin(ctx)
		defer cancel()
		defer o.finish(id)
		return o.commit(id, reply)
	}
	return o.GenerateReply(ctx)
}

// Open produces the counterpart's first line: the scenario's fixed opening, or a generated one.
func (o *Orchestrator) Open(ctx context.Context) (history.Turn, error) {
	if o.scenario.Opening != "" {
		_, cancel, id := o.begin(ctx)
		defer cancel()
		defer o.finish(id)
		return o.commit(id, CleanReply(o.scenario.Opening))
	}
	msgs := o.prompt()
	if len(msgs) == 1 && o.scenario.OpeningPrompt != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: o.scenario.OpeningPrompt})
	}
	return o.generate(ctx, msgs)
}

// RetryLastTurn cancels pending generation and removes the last two turns, or fewer if the
// history is shorter. It returns the number removed.
func (o *Orchestrator) RetryLastTurn() (int, error) {
	o.CancelPending()
	var n int
	err := o.do(func() {
		n = o.turns.TruncateLast(o.sessionID, 2)
	})
	return n, err
}

// Close cancels pending generation and stops the writer. Turns stay readable.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		o.CancelPending()
		close(o.quit)
	})
	<-o.stopped
}
