package transcribe

import (
	"fmt"
	"net/http"
	"time"

	"talkready/internal/config"
	"talkready/internal/llm"
)

// New builds the transcription client selected by cfg.TranscriptionProvider, bounded by the
// configured poll interval, deadline and attempt budget.
func New(cfg *config.Config) (*Client, error) {
	poller := NewPoller(PollerConfig{
		Interval:    cfg.PollInterval,
		Timeout:     cfg.PollTimeout,
		MaxAttempts: cfg.PollMaxAttempts,
	})
	httpClient := &http.Client{Timeout: 30 * time.Second}

	switch cfg.TranscriptionProvider {
	case config.TranscriptionAssemblyAI, "":
		if cfg.AssemblyAIAPIKey == "" {
			return nil, fmt.Errorf("assemblyai transcription needs ASSEMBLYAI_API_KEY")
		}
		return NewClient(NewAssemblyAI(cfg.AssemblyAIAPIKey, cfg.AssemblyAIBaseURL, httpClient), poller), nil
	case config.TranscriptionWhisper:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("whisper transcription needs OPENAI_API_KEY")
		}
		return NewClient(NewWhisper(llm.OpenAIConfig(cfg), cfg.WhisperModel, &http.Client{Timeout: 2 * time.Minute}), poller), nil
	default:
		return nil, fmt.Errorf("unknown transcription provider: %s", cfg.TranscriptionProvider)
	}
}
