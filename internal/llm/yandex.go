package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Morwran/yagpt"
)

// IAM tokens issued from an OAuth token live up to 12 hours; refresh well before that.
const iamRefreshAfter = time.Hour

type YandexClient struct {
	ya    yagpt.YaGPTFace
	issue func() (string, error)
	now   func() time.Time

	mu       sync.Mutex
	token    string
	issuedAt time.Time
}

func NewYandex(oauthToken, folderID string) (*YandexClient, error) {
	iam, err := yagpt.NewYaIam(oauthToken)
	if err != nil {
		return nil, fmt.Errorf("failed to init yandex iam: %w", err)
	}
	ya, err := yagpt.NewYagpt(folderID)
	if err != nil {
		return nil, fmt.Errorf("failed to init yagpt: %w", err)
	}
	c := &YandexClient{
		ya: ya,
		issue: func() (string, error) {
			resp, err := iam.Create()
			if err != nil {
				return "", err
			}
			return resp.IamToken, nil
		},
		now: time.Now,
	}
	if _, err := c.iamToken(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *YandexClient) iamToken() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Sub(c.issuedAt) < iamRefreshAfter {
		return c.token, nil
	}
	tok, err := c.issue()
	if err != nil {
		if c.token != "" {
			// keep serving the old token until it actually expires
			return c.token, nil
		}
		return "", fmt.Errorf("failed to create iam token: %w", err)
	}
	c.token, c.issuedAt = tok, c.now()
	return tok, nil
}

// Generate sends the role-tagged history as is; YandexGPT accepts system, user and assistant roles.
// Per-call options are not forwarded, the model defaults apply.
func (c *YandexClient) Generate(ctx context.Context, messages []Message) (Response, error) {
	token, err := c.iamToken()
	if err != nil {
		return Response{}, err
	}
	history := make([]yagpt.Message, len(messages))
	for i, m := range messages {
		history[i] = yagpt.Message{Role: m.Role, Content: m.Content}
	}

	resp, err := c.ya.CompletionWithCtx(ctx, token, history)
	if err != nil {
		return Response{}, fmt.Errorf("yagpt completion failed: %w", err)
	}
	if resp == nil || len(resp.Alternatives) == 0 {
		return Response{}, ErrEmptyChoices
	}
	return Response{
		Content:          resp.Alternatives[0].Message.Content,
		Model:            yagpt.YaModelLite,
		PromptTokens:     int(resp.Usage.InputTextTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:      int(resp.Usage.TotalTokens),
	}, nil
}
