package transcribe

import (
	"testing"

	"talkready/internal/config"
)

func TestNewSelectsProvider(t *testing.T) {
	c, err := New(&config.Config{TranscriptionProvider: config.TranscriptionAssemblyAI, AssemblyAIAPIKey: "k"})
	if err != nil {
		t.Fatalf("assemblyai: %v", err)
	}
	if c.ProviderName() != "assemblyai" {
		t.Fatalf("provider = %q", c.ProviderName())
	}

	c, err = New(&config.Config{TranscriptionProvider: config.TranscriptionWhisper, OpenAIAPIKey: "k"})
	if err != nil {
		t.Fatalf("whisper: %v", err)
	}
	if c.ProviderName() != "whisper" {
		t.Fatalf("provider = %q", c.ProviderName())
	}

	if _, err := New(&config.Config{TranscriptionProvider: config.TranscriptionAssemblyAI}); err == nil {
		t.Fatalf("expected missing key error")
	}
	if _, err := New(&config.Config{TranscriptionProvider: "deepgram"}); err == nil {
		t.Fatalf("expected unknown provider error")
	}
}
