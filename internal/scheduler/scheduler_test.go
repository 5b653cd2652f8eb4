package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestAddAndRun(t *testing.T) {
	s := New(nil)
	var n atomic.Int32
	if err := s.Add(Job{Name: "tick", Spec: "@every 1s", Run: func(ctx context.Context) error {
		n.Add(1)
		return nil
	}}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if !s.IsRunning() {
		t.Fatalf("expected registered entries")
	}
	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for n.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if n.Load() == 0 {
		t.Fatalf("job never ran")
	}
}

func TestDisabledAndInvalidJobs(t *testing.T) {
	s := New(nil)
	if err := s.Add(Job{Name: "off", Spec: ""}); err != nil {
		t.Fatalf("disabled job should be skipped: %v", err)
	}
	if s.IsRunning() {
		t.Fatalf("disabled job should not be scheduled")
	}
	if err := s.Add(Job{Name: "bad", Spec: "not a spec", Run: func(context.Context) error { return nil }}); err == nil {
		t.Fatalf("expected parse error")
	}
	if err := s.Add(Job{Name: "nil", Spec: "@every 1m"}); err == nil {
		t.Fatalf("expected nil run error")
	}
}

func TestRunNow(t *testing.T) {
	s := New(nil)
	boom := errors.New("boom")
	_ = s.Add(Job{Name: "report", Spec: "0 21 * * *", Run: func(context.Context) error { return boom }})

	if err := s.RunNow("report"); !errors.Is(err, boom) {
		t.Fatalf("want boom, got %v", err)
	}
	if err := s.RunNow("missing"); err == nil {
		t.Fatalf("expected unknown job error")
	}
}
