package speech

import (
	"context"
	"fmt"
	"io"

	"github.com/sashabaranov/go-openai"
)

var mimeByFormat = map[string]string{
	"mp3":  "audio/mpeg",
	"opus": "audio/ogg",
	"aac":  "audio/aac",
	"flac": "audio/flac",
	"wav":  "audio/wav",
	"pcm":  "audio/pcm",
}

type OpenAISynthesizer struct {
	client *openai.Client
	model  string
	voice  string
	format string
}

func NewOpenAISynthesizer(config openai.ClientConfig, model, voice, format string) *OpenAISynthesizer {
	if model == "" {
		model = string(openai.TTSModel1)
	}
	if voice == "" {
		voice = string(openai.VoiceNova)
	}
	if format == "" {
		format = string(openai.SpeechResponseFormatMp3)
	}
	return &OpenAISynthesizer{client: openai.NewClientWithConfig(config), model: model, voice: voice, format: format}
}

func (s *OpenAISynthesizer) Synthesize(ctx context.Context, text string) (Audio, error) {
	resp, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(s.model),
		Input:          text,
		Voice:          openai.SpeechVoice(s.voice),
		ResponseFormat: openai.SpeechResponseFormat(s.format),
	})
	if err != nil {
		return Audio{}, fmt.Errorf("create speech: %w", err)
	}
	defer resp.Close()
	data, err := io.ReadAll(resp)
	if err != nil {
		return Audio{}, fmt.Errorf("read speech: %w", err)
	}
	mime := mimeByFormat[s.format]
	if mime == "" {
		mime = "application/octet-stream"
	}
	return Audio{Text: text, Data: data, MIMEType: mime}, nil
}
