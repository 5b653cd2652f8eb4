package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sethvargo/go-retry"
)

var ErrEmptyChoices = errors.New("completion returned no choices")

// Rate-limited and 5xx completions are retried this many times before giving up.
const (
	completionRetries = 2
	completionBackoff = 500 * time.Millisecond
)

type OpenAIClient struct {
	client  *openai.Client
	model   string
	backoff func() retry.Backoff
}

// extraHeaders decorates every outgoing request; OpenRouter uses them for attribution.
type extraHeaders struct {
	next http.RoundTripper
	set  http.Header
}

func (t extraHeaders) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	for k, vs := range t.set {
		for _, v := range vs {
			out.Header.Add(k, v)
		}
	}
	return t.next.RoundTrip(out)
}

// NewOpenAIConfig builds the go-openai config shared by chat, speech and whisper clients.
func NewOpenAIConfig(apiKey, baseURL, referrer, title string) openai.ClientConfig {
	oc := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		oc.BaseURL = baseURL
	}
	h := http.Header{}
	if referrer != "" {
		h.Set("HTTP-Referer", referrer)
	}
	if title != "" {
		h.Set("X-Title", title)
	}
	if len(h) > 0 {
		oc.HTTPClient = &http.Client{Transport: extraHeaders{next: http.DefaultTransport, set: h}}
	}
	return oc
}

func NewOpenAI(apiKey, baseURL, model, referrer, title string) *OpenAIClient {
	return NewOpenAIWithConfig(NewOpenAIConfig(apiKey, baseURL, referrer, title), model)
}

func NewOpenAIWithConfig(oc openai.ClientConfig, model string) *OpenAIClient {
	return &OpenAIClient{
		client: openai.NewClientWithConfig(oc),
		model:  model,
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(completionRetries, retry.NewExponential(completionBackoff))
		},
	}
}

func (c *OpenAIClient) Generate(ctx context.Context, messages []Message) (Response, error) {
	return c.GenerateWithOptions(ctx, messages, GenerateOptions{})
}

func (c *OpenAIClient) GenerateWithOptions(ctx context.Context, messages []Message, opts GenerateOptions) (Response, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    make([]openai.ChatCompletionMessage, len(messages)),
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	}
	for i, m := range messages {
		req.Messages[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}

	var resp openai.ChatCompletionResponse
	err := retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		var err error
		resp, err = c.client.CreateChatCompletion(ctx, req)
		if err != nil && transient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return Response{}, fmt.Errorf("failed to create chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, ErrEmptyChoices
	}
	return Response{
		Content:          resp.Choices[0].Message.Content,
		Model:            c.model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}, nil
}

func transient(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	return false
}
