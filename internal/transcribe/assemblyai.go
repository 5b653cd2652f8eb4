package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const assemblyAIBaseURL = "https://api.assemblyai.com"

// AssemblyAI implements Provider against the /v2/transcript REST API.
type AssemblyAI struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewAssemblyAI(apiKey, baseURL string, client *http.Client) *AssemblyAI {
	if baseURL == "" {
		baseURL = assemblyAIBaseURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return &AssemblyAI{apiKey: apiKey, baseURL: strings.TrimRight(baseURL, "/"), httpClient: client}
}

func (a *AssemblyAI) Name() string { return "assemblyai" }

type assemblyRequest struct {
	AudioURL      string `json:"audio_url"`
	SpeakerLabels bool   `json:"speaker_labels"`
	FormatText    bool   `json:"format_text"`
}

type assemblyJob struct {
	ID     string  `json:"id"`
	Status string  `json:"status"`
	Text   *string `json:"text"`
	Error  string  `json:"error,omitempty"`
}

func (a *AssemblyAI) Request(ctx context.Context, audioURL string) (string, error) {
	if audioURL == "" {
		return "", fmt.Errorf("%w: empty audio url", ErrInvalidResponse)
	}
	body, err := json.Marshal(assemblyRequest{AudioURL: audioURL, FormatText: true})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v2/transcript", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var job assemblyJob
	if err := a.do(req, &job); err != nil {
		return "", err
	}
	if job.ID == "" {
		return "", fmt.Errorf("%w: missing id", ErrInvalidResponse)
	}
	return job.ID, nil
}

func (a *AssemblyAI) Status(ctx context.Context, jobID string) (Job, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v2/transcript/"+url.PathEscape(jobID), nil)
	if err != nil {
		return Job{}, fmt.Errorf("create request: %w", err)
	}
	var job assemblyJob
	if err := a.do(req, &job); err != nil {
		return Job{}, err
	}
	out := Job{ID: jobID, Status: normalizeStatus(job.Status), Error: job.Error}
	if job.Text != nil {
		out.ResultText = *job.Text
	}
	return out, nil
}

func (a *AssemblyAI) do(req *http.Request, dst any) error {
	req.Header.Set("Authorization", a.apiKey)
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("assemblyai request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("assemblyai error %d: %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}

// normalizeStatus maps provider statuses; anything unrecognised counts as still processing.
func normalizeStatus(s string) Status {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusQueued:
		return StatusQueued
	case StatusCompleted:
		return StatusCompleted
	case StatusFailed, "error":
		return StatusFailed
	default:
		return StatusProcessing
	}
}
