package llm

import (
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"talkready/internal/config"
)

var ErrMissingCredentials = errors.New("llm provider credentials are not configured")

// New returns the completion client selected by cfg.LLMProvider.
func New(cfg *config.Config) (Client, error) {
	switch cfg.LLMProvider {
	case config.ProviderOpenAI, "":
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai: %w (OPENAI_API_KEY)", ErrMissingCredentials)
		}
		return NewOpenAIWithConfig(OpenAIConfig(cfg), cfg.OpenAIModel), nil
	case config.ProviderYandex:
		if cfg.YandexOAuthToken == "" || cfg.YandexFolderID == "" {
			return nil, fmt.Errorf("yandex: %w (YANDEX_OAUTH_TOKEN, YANDEX_FOLDER_ID)", ErrMissingCredentials)
		}
		return NewYandex(cfg.YandexOAuthToken, cfg.YandexFolderID)
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.LLMProvider)
	}
}

// OpenAIConfig is the go-openai config every OpenAI-backed component shares:
// chat replies, whisper transcription and speech synthesis.
func OpenAIConfig(cfg *config.Config) openai.ClientConfig {
	return NewOpenAIConfig(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenRouterReferrer, cfg.OpenRouterTitle)
}

// ReplyOptions are the per-call generation settings for counterpart replies.
func ReplyOptions(cfg *config.Config) GenerateOptions {
	return GenerateOptions{MaxTokens: cfg.ReplyMaxTokens, Temperature: cfg.ReplyTemperature}
}
