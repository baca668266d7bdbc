package embedding

import (
	"context"
	"errors"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// DefaultModel is used when no embedding model is configured.
const DefaultModel = string(openai.SmallEmbedding3)

// EmbeddingAPI is the raw backend call. Implementations do not retry or
// validate; Client adds both.
type EmbeddingAPI interface {
	CreateEmbeddings(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// OpenAIAdapter talks to OpenAI or to any OpenAI-compatible embeddings
// endpoint such as Ollama's /v1 API.
type OpenAIAdapter struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

type AdapterConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

func NewOpenAIAdapter(cfg AdapterConfig) *OpenAIAdapter {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	return &OpenAIAdapter{
		client: openai.NewClientWithConfig(clientCfg),
		model:  openai.EmbeddingModel(model),
	}
}

// NewOllamaAdapter targets an Ollama server through its OpenAI-compatible API.
func NewOllamaAdapter(baseURL, model string) *OpenAIAdapter {
	return NewOpenAIAdapter(AdapterConfig{
		APIKey:  "ollama",
		BaseURL: strings.TrimRight(baseURL, "/") + "/v1",
		Model:   model,
	})
}

func (a *OpenAIAdapter) Model() string {
	return string(a.model)
}

// CreateEmbeddings calls the embeddings endpoint for a single input.
func (a *OpenAIAdapter) CreateEmbeddings(ctx context.Context, text string) ([]float32, error) {
	resp, err := a.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: a.model,
	})
	if err != nil {
		return nil, err
	}

	if len(resp.Data) == 0 {
		return nil, errors.New("no embedding data returned")
	}

	return resp.Data[0].Embedding, nil
}
