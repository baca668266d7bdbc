package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Request is a single-turn completion request.
type Request struct {
	System      string
	Prompt      string
	Temperature float32
	MaxTokens   int
}

// Completion is the backend reply.
type Completion struct {
	Content string
	ModelID string
}

// ChatAPI is the raw generation backend. It neither retries nor times out.
type ChatAPI interface {
	Generate(ctx context.Context, req Request) (*Completion, error)
}

// OpenAIChat calls the chat completions endpoint of OpenAI or of an
// OpenAI-compatible server such as Ollama.
type OpenAIChat struct {
	client *openai.Client
	model  string
}

type ChatConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

func NewOpenAIChat(cfg ChatConfig) *OpenAIChat {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIChat{client: openai.NewClientWithConfig(clientCfg), model: model}
}

// NewOllamaChat targets an Ollama server through its OpenAI-compatible API.
func NewOllamaChat(baseURL, model string) *OpenAIChat {
	return NewOpenAIChat(ChatConfig{
		APIKey:  "ollama",
		BaseURL: strings.TrimRight(baseURL, "/") + "/v1",
		Model:   model,
	})
}

func (c *OpenAIChat) Generate(ctx context.Context, req Request) (*Completion, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("no completion choices returned")
	}

	model := resp.Model
	if model == "" {
		model = c.model
	}
	return &Completion{Content: resp.Choices[0].Message.Content, ModelID: model}, nil
}
