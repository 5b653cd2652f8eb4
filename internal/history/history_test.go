package history

import (
	"testing"
	"time"

	"talkready/internal/llm"
)

func turn(s Sender, text string) Turn {
	return Turn{Sender: s, Text: text, CreatedAt: time.Unix(1, 0)}
}

func TestHistoryAppendGetReset(t *testing.T) {
	h := NewManager()
	h.Append("a", turn(SenderUser, "hello"))
	h.Append("a", turn(SenderCounterpart, "hi"))
	h.Append("b", turn(SenderUser, "foo"))

	ta := h.Get("a")
	if len(ta) != 2 || h.Len("b") != 1 {
		t.Fatalf("unexpected lengths: a=%d b=%d", len(ta), h.Len("b"))
	}
	if ta[0].Text != "hello" || ta[1].Sender != SenderCounterpart {
		t.Fatalf("unexpected turns: %+v", ta)
	}

	// copy semantics
	ta[0].Text = "mutated"
	if h.Get("a")[0].Text != "hello" {
		t.Fatalf("internal state mutated via returned slice")
	}

	h.Reset("a")
	if h.Len("a") != 0 {
		t.Fatalf("reset did not clear session a")
	}
	if h.Len("b") != 1 {
		t.Fatalf("reset should not affect other sessions")
	}
}

func TestHistoryMessagesMapsRoles(t *testing.T) {
	h := NewManager()
	h.Append("s", turn(SenderCounterpart, "Where is my order?"))
	h.Append("s", Turn{Sender: SenderUser, AudioURL: "https://x/a.wav"})
	h.Append("s", turn(SenderUser, "Let me check"))

	msgs := h.Messages("s")
	if len(msgs) != 2 {
		t.Fatalf("want 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != llm.RoleAssistant || msgs[1].Role != llm.RoleUser {
		t.Fatalf("unexpected roles: %+v", msgs)
	}
}

func TestHistoryTruncateLastAndLastFrom(t *testing.T) {
	h := NewManager()
	h.Append("s", turn(SenderCounterpart, "one"))
	h.Append("s", turn(SenderUser, "two"))
	h.Append("s", turn(SenderCounterpart, "three"))

	if last, ok := h.LastFrom("s", SenderUser); !ok || last.Text != "two" {
		t.Fatalf("LastFrom(user) = %+v, %v", last, ok)
	}
	if n := h.TruncateLast("s", 2); n != 2 {
		t.Fatalf("removed %d, want 2", n)
	}
	if n := h.TruncateLast("s", 2); n != 1 {
		t.Fatalf("removed %d, want 1", n)
	}
	if n := h.TruncateLast("s", 2); n != 0 {
		t.Fatalf("removed %d from empty session", n)
	}
	if _, ok := h.LastFrom("s", SenderUser); ok {
		t.Fatalf("expected no user turn")
	}
}
