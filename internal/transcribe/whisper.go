package transcribe

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
)

// Whisper transcribes synchronously through the OpenAI audio API and exposes the result
// through the same submit/poll contract: jobs are terminal as soon as Request returns.
type Whisper struct {
	client     *openai.Client
	model      string
	httpClient *http.Client

	mu   sync.Mutex
	jobs map[string]Job
}

func NewWhisper(config openai.ClientConfig, model string, client *http.Client) *Whisper {
	if model == "" {
		model = openai.Whisper1
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Whisper{
		client:     openai.NewClientWithConfig(config),
		model:      model,
		httpClient: client,
		jobs:       make(map[string]Job),
	}
}

func (w *Whisper) Name() string { return "whisper" }

func (w *Whisper) Request(ctx context.Context, audioURL string) (string, error) {
	data, err := w.download(ctx, audioURL)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	job := Job{ID: id, SourceAudioURL: audioURL}
	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		FilePath: fileNameFor(audioURL),
		Reader:   bytes.NewReader(data),
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		job.Status = StatusFailed
		job.Error = err.Error()
	} else {
		job.Status = StatusCompleted
		job.ResultText = resp.Text
	}

	w.mu.Lock()
	w.jobs[id] = job
	w.mu.Unlock()
	return id, nil
}

// Status returns the finished job once and forgets it.
func (w *Whisper) Status(ctx context.Context, jobID string) (Job, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	job, ok := w.jobs[jobID]
	if !ok {
		return Job{}, ErrUnknownJob
	}
	delete(w.jobs, jobID)
	return job, nil
}

func (w *Whisper) download(ctx context.Context, audioURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, audioURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create download request: %w", err)
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download audio: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download audio: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// fileNameFor keeps the URL's extension; the API infers the container from it.
func fileNameFor(audioURL string) string {
	name := audioURL
	if u, err := url.Parse(audioURL); err == nil {
		name = u.Path
	}
	name = path.Base(name)
	if name == "" || name == "." || name == "/" || path.Ext(name) == "" {
		return "recording.wav"
	}
	return name
}
