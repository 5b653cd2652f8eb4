package config

import (
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("http addr = %q", cfg.HTTPAddr)
	}
	if cfg.LLMProvider != ProviderOpenAI {
		t.Fatalf("llm provider = %q", cfg.LLMProvider)
	}
	if cfg.StorageBackend != StorageFile {
		t.Fatalf("storage = %q", cfg.StorageBackend)
	}
	if cfg.SessionDuration != 180*time.Second {
		t.Fatalf("session duration = %v", cfg.SessionDuration)
	}
	if cfg.PollTimeout != 60*time.Second || cfg.PollMaxAttempts != 30 {
		t.Fatalf("poll bounds = %v / %d", cfg.PollTimeout, cfg.PollMaxAttempts)
	}
}

func TestParseOverrides(t *testing.T) {
	t.Setenv("ALLOWED_USERS", "alice:bob")
	t.Setenv("STORAGE_BACKEND", "postgres")
	t.Setenv("TRANSCRIPTION_PROVIDER", "whisper")
	t.Setenv("SESSION_DURATION", "90s")
	t.Setenv("REPLY_TEMPERATURE", "0.2")

	cfg, err := Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cfg.AllowedUsers) != 2 || cfg.AllowedUsers[1] != "bob" {
		t.Fatalf("allowed users = %v", cfg.AllowedUsers)
	}
	if cfg.StorageBackend != StoragePostgres {
		t.Fatalf("storage = %q", cfg.StorageBackend)
	}
	if cfg.TranscriptionProvider != TranscriptionWhisper {
		t.Fatalf("transcription = %q", cfg.TranscriptionProvider)
	}
	if cfg.SessionDuration != 90*time.Second {
		t.Fatalf("duration = %v", cfg.SessionDuration)
	}
	if cfg.ReplyTemperature != 0.2 {
		t.Fatalf("temperature = %v", cfg.ReplyTemperature)
	}
}

func TestParseInvalidDuration(t *testing.T) {
	t.Setenv("SESSION_DURATION", "soon")
	if _, err := Parse(); err == nil {
		t.Fatalf("expected error for bad duration")
	}
}
