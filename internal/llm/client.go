package llm

import "context"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string
	Content string
}

type Response struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// GenerateOptions tunes a single completion. Zero values leave the provider defaults.
type GenerateOptions struct {
	MaxTokens   int
	Temperature float32
}

type Client interface {
	Generate(ctx context.Context, messages []Message) (Response, error)
}

// OptionsClient is implemented by clients that honour per-call options.
type OptionsClient interface {
	Client
	GenerateWithOptions(ctx context.Context, messages []Message, opts GenerateOptions) (Response, error)
}

// GenerateWith uses per-call options when the client supports them.
func GenerateWith(ctx context.Context, c Client, messages []Message, opts GenerateOptions) (Response, error) {
	if oc, ok := c.(OptionsClient); ok {
		return oc.GenerateWithOptions(ctx, messages, opts)
	}
	return c.Generate(ctx, messages)
}
