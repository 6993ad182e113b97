package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/companionkit/companiond/internal/config"
)

// Message represents one conversation turn sent to the model.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Request represents a streaming generation request.
type Request struct {
	System      string     `json:"system,omitempty"`
	Messages    []*Message `json:"messages"`
	MaxTokens   int        `json:"max_tokens,omitempty"`
	Temperature float64    `json:"temperature,omitempty"`
}

// Client is the interface for streaming LLM clients. Stream invokes the
// callback once per text fragment in production order; it returns only
// after the fragment sequence is exhausted or fails.
type Client interface {
	Stream(ctx context.Context, req *Request, callback func(chunk string) error) error
	ModelName() string
}

// New builds the configured provider client.
func New(cfg config.LLMConfig) (Client, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIClient(cfg.APIKey, cfg.Model, cfg.BaseURL)
	case "anthropic":
		return NewAnthropicClient(cfg.APIKey, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// BuildRequest assembles a generation request from the system prompt, the
// retrieved context facts, the bounded conversation history, and the new
// user message.
func BuildRequest(cfg config.LLMConfig, facts string, history []*Message, content string) *Request {
	system := strings.TrimSpace(cfg.SystemPrompt)
	if facts = strings.TrimSpace(facts); facts != "" {
		if system != "" {
			system += "\n\n"
		}
		system += "Relevant long-term memories about this user:\n" + facts
	}

	messages := make([]*Message, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, &Message{Role: "user", Content: content})

	return &Request{
		System:      system,
		Messages:    messages,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}
}
