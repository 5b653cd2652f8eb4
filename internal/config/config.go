package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v6"
)

type LLMProvider string

const (
	ProviderOpenAI LLMProvider = "openai"
	ProviderYandex LLMProvider = "yandex"
)

type TranscriptionProvider string

const (
	TranscriptionAssemblyAI TranscriptionProvider = "assemblyai"
	TranscriptionWhisper    TranscriptionProvider = "whisper"
)

type UploadProvider string

const (
	UploadCloudinary UploadProvider = "cloudinary"
	UploadS3         UploadProvider = "s3"
)

type StorageBackend string

const (
	StorageFile     StorageBackend = "file"
	StoragePostgres StorageBackend = "postgres"
	StorageMemory   StorageBackend = "memory"
)

type Config struct {
	HTTPAddr     string   `env:"HTTP_ADDR" envDefault:":8080"`
	AllowedUsers []string `env:"ALLOWED_USERS" envSeparator:":"`

	// LLM settings
	LLMProvider      LLMProvider `env:"LLM_PROVIDER" envDefault:"openai"`
	OpenAIAPIKey     string      `env:"OPENAI_API_KEY"`
	OpenAIBaseURL    string      `env:"OPENAI_BASE_URL"`
	OpenAIModel      string      `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	ReplyMaxTokens   int         `env:"REPLY_MAX_TOKENS" envDefault:"300"`
	ReplyTemperature float32     `env:"REPLY_TEMPERATURE" envDefault:"0.7"`
	YandexOAuthToken string      `env:"YANDEX_OAUTH_TOKEN"`
	YandexFolderID   string      `env:"YANDEX_FOLDER_ID"`

	// OpenRouter (optional)
	OpenRouterReferrer string `env:"OPENROUTER_REFERRER"`
	OpenRouterTitle    string `env:"OPENROUTER_TITLE"`

	// Transcription
	TranscriptionProvider TranscriptionProvider `env:"TRANSCRIPTION_PROVIDER" envDefault:"assemblyai"`
	AssemblyAIAPIKey      string                `env:"ASSEMBLYAI_API_KEY"`
	AssemblyAIBaseURL     string                `env:"ASSEMBLYAI_BASE_URL" envDefault:"https://api.assemblyai.com"`
	WhisperModel          string                `env:"WHISPER_MODEL" envDefault:"whisper-1"`
	PollInterval          time.Duration         `env:"TRANSCRIPTION_POLL_INTERVAL" envDefault:"2s"`
	PollTimeout           time.Duration         `env:"TRANSCRIPTION_POLL_TIMEOUT" envDefault:"60s"`
	PollMaxAttempts       uint64                `env:"TRANSCRIPTION_POLL_MAX_ATTEMPTS" envDefault:"30"`

	// Upload
	UploadProvider         UploadProvider `env:"UPLOAD_PROVIDER" envDefault:"cloudinary"`
	CloudinaryBaseURL      string         `env:"CLOUDINARY_BASE_URL" envDefault:"https://api.cloudinary.com"`
	CloudinaryCloudName    string         `env:"CLOUDINARY_CLOUD_NAME"`
	CloudinaryUploadPreset string         `env:"CLOUDINARY_UPLOAD_PRESET"`
	S3Bucket               string         `env:"S3_BUCKET"`
	S3Region               string         `env:"S3_REGION" envDefault:"us-east-1"`
	S3Endpoint             string         `env:"S3_ENDPOINT"`
	S3AccessKeyID          string         `env:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey      string         `env:"S3_SECRET_ACCESS_KEY"`
	S3PublicBaseURL        string         `env:"S3_PUBLIC_BASE_URL"`
	UploadMaxBytes         int64          `env:"UPLOAD_MAX_BYTES" envDefault:"26214400"`

	// Speech synthesis
	TTSModel  string `env:"TTS_MODEL" envDefault:"tts-1"`
	TTSVoice  string `env:"TTS_VOICE" envDefault:"nova"`
	TTSFormat string `env:"TTS_FORMAT" envDefault:"mp3"`

	// Storage
	StorageBackend StorageBackend `env:"STORAGE_BACKEND" envDefault:"file"`
	DataDir        string         `env:"DATA_DIR" envDefault:"data"`
	DatabaseURL    string         `env:"DATABASE_URL"`

	// Sessions
	SessionDuration   time.Duration `env:"SESSION_DURATION" envDefault:"180s"`
	CheckpointSpec    string        `env:"CHECKPOINT_SPEC" envDefault:"@every 30s"`
	ReportSpec        string        `env:"REPORT_SPEC" envDefault:"0 21 * * *"`
	ScenariosPath     string        `env:"SCENARIOS_PATH" envDefault:"prompts/scenarios.yaml"`
	AllowlistFilePath string        `env:"ALLOWLIST_FILE_PATH" envDefault:"data/allowlist.json"`

	// Telegram frontend (optional)
	TelegramBotToken string `env:"TELEGRAM_BOT_TOKEN"`

	MetricsNamespace string `env:"METRICS_NAMESPACE" envDefault:"talkready"`
}

func New() *Config {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}
	return cfg
}

// Parse is New without the fatal exit, for callers that want the error.
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
