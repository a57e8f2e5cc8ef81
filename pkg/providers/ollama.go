package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OllamaProvider talks to a local Ollama server. Useful for air-gapped
// deployments; no keys involved.
type OllamaProvider struct {
	baseURL         string
	embeddingModel  string
	extractionModel string
	dims            int
	httpClient      *http.Client
}

// OllamaOptions configures the Ollama provider.
type OllamaOptions struct {
	BaseURL         string
	EmbeddingModel  string
	ExtractionModel string
	Dimensions      int
	Timeout         time.Duration
}

// NewOllamaProvider creates a provider pointed at a local model server.
func NewOllamaProvider(opts OllamaOptions) *OllamaProvider {
	if opts.BaseURL == "" {
		opts.BaseURL = "http://localhost:11434"
	}
	if opts.EmbeddingModel == "" {
		opts.EmbeddingModel = "nomic-embed-text"
	}
	if opts.ExtractionModel == "" {
		opts.ExtractionModel = "llama3.1"
	}
	if opts.Dimensions <= 0 {
		opts.Dimensions = 768
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	return &OllamaProvider{
		baseURL:         strings.TrimRight(opts.BaseURL, "/"),
		embeddingModel:  opts.EmbeddingModel,
		extractionModel: opts.ExtractionModel,
		dims:            opts.Dimensions,
		httpClient:      &http.Client{Timeout: opts.Timeout},
	}
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

type ollamaChatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Format   string              `json:"format,omitempty"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	PromptEvalCount int `json:"prompt_eval_count"`
	EvalCount       int `json:"eval_count"`
}

// Embed calls /api/embeddings once per text; the endpoint is single-prompt.
func (p *OllamaProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		var resp ollamaEmbedResponse
		err := p.post(ctx, "/api/embeddings", ollamaEmbedRequest{Model: p.embeddingModel, Prompt: text}, &resp)
		if err != nil {
			return nil, err
		}
		if len(resp.Embedding) == 0 {
			return nil, unavailable("ollama", fmt.Errorf("no embedding in response for text %d", i))
		}
		vectors[i] = resp.Embedding
	}
	return vectors, nil
}

// Dimensions returns the configured vector width.
func (p *OllamaProvider) Dimensions() int { return p.dims }

// ModelName identifies the embedding model in source_embeddings rows.
func (p *OllamaProvider) ModelName() string { return p.embeddingModel }

// Extract runs one JSON-mode chat call and decodes the reply.
func (p *OllamaProvider) Extract(ctx context.Context, chunkText string, ec ExtractionContext) (*ExtractionResult, error) {
	req := ollamaChatRequest{
		Model: p.extractionModel,
		Messages: []ollamaChatMessage{
			{Role: "system", Content: extractionSystemPrompt},
			{Role: "user", Content: buildExtractionPrompt(chunkText, ec)},
		},
		Stream:  false,
		Format:  "json",
		Options: map[string]any{"temperature": 0},
	}

	var resp ollamaChatResponse
	if err := p.post(ctx, "/api/chat", req, &resp); err != nil {
		return nil, err
	}

	result, err := decodeExtraction("ollama", []byte(stripCodeFence(resp.Message.Content)))
	if err != nil {
		return nil, err
	}
	result.TokensIn = resp.PromptEvalCount
	result.TokensOut = resp.EvalCount
	return result, nil
}

// Describe sends the image base64-encoded on the chat message.
func (p *OllamaProvider) Describe(ctx context.Context, image []byte, mediaType string) (string, error) {
	req := ollamaChatRequest{
		Model: p.extractionModel,
		Messages: []ollamaChatMessage{{
			Role:    "user",
			Content: visionPrompt,
			Images:  []string{base64.StdEncoding.EncodeToString(image)},
		}},
		Stream:  false,
		Options: map[string]any{"temperature": 0},
	}

	var resp ollamaChatResponse
	if err := p.post(ctx, "/api/chat", req, &resp); err != nil {
		return "", err
	}
	if resp.Message.Content == "" {
		return "", unavailable("ollama", fmt.Errorf("empty description"))
	}
	return resp.Message.Content, nil
}

func (p *OllamaProvider) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return invalidRequest("ollama", fmt.Errorf("failed to marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return invalidRequest("ollama", fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return unavailable("ollama", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return unavailable("ollama", fmt.Errorf("failed to read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		cause := fmt.Errorf("status %d: %s", resp.StatusCode, truncateBody(data))
		if retryableStatus(resp.StatusCode) {
			return unavailable("ollama", cause)
		}
		return invalidRequest("ollama", cause)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return unavailable("ollama", fmt.Errorf("failed to parse response: %w", err))
	}
	return nil
}
