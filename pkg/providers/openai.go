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

// OpenAIProvider talks to the OpenAI REST API (or any API-compatible server)
// for embeddings, extraction and vision.
type OpenAIProvider struct {
	apiKey          string
	baseURL         string
	embeddingModel  string
	extractionModel string
	dims            int
	httpClient      *http.Client
}

// OpenAIOptions configures the OpenAI provider.
type OpenAIOptions struct {
	APIKey          string
	BaseURL         string
	EmbeddingModel  string
	ExtractionModel string
	Dimensions      int
	Timeout         time.Duration
}

// NewOpenAIProvider creates an OpenAI provider with sane defaults.
func NewOpenAIProvider(opts OpenAIOptions) (*OpenAIProvider, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("openai provider requires an api key")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.openai.com/v1"
	}
	if opts.EmbeddingModel == "" {
		opts.EmbeddingModel = "text-embedding-3-small"
	}
	if opts.ExtractionModel == "" {
		opts.ExtractionModel = "gpt-4o-mini"
	}
	if opts.Dimensions <= 0 {
		opts.Dimensions = 1536
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	return &OpenAIProvider{
		apiKey:          opts.APIKey,
		baseURL:         strings.TrimRight(opts.BaseURL, "/"),
		embeddingModel:  opts.EmbeddingModel,
		extractionModel: opts.ExtractionModel,
		dims:            opts.Dimensions,
		httpClient:      &http.Client{Timeout: opts.Timeout},
	}, nil
}

type openAIEmbedRequest struct {
	Input          []string `json:"input"`
	Model          string   `json:"model"`
	EncodingFormat string   `json:"encoding_format,omitempty"`
	Dimensions     int      `json:"dimensions,omitempty"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

type openAIChatRequest struct {
	Model          string              `json:"model"`
	Messages       []openAIChatMessage `json:"messages"`
	Temperature    float64             `json:"temperature"`
	ResponseFormat *openAIFormat       `json:"response_format,omitempty"`
	MaxTokens      int                 `json:"max_tokens,omitempty"`
}

// Content is a string for text-only messages and a part array for vision.
type openAIChatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type openAIFormat struct {
	Type string `json:"type"`
}

type openAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Embed batch-embeds texts, preserving input order.
func (p *OpenAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	req := openAIEmbedRequest{
		Input:          texts,
		Model:          p.embeddingModel,
		EncodingFormat: "float",
	}
	// Only the 3-series models accept dimension reduction.
	if strings.HasPrefix(p.embeddingModel, "text-embedding-3") {
		req.Dimensions = p.dims
	}

	var resp openAIEmbedResponse
	if err := p.post(ctx, "/embeddings", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, unavailable("openai", fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data)))
	}

	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, unavailable("openai", fmt.Errorf("embedding index %d out of range", d.Index))
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

// Dimensions returns the configured vector width.
func (p *OpenAIProvider) Dimensions() int { return p.dims }

// ModelName identifies the embedding model in source_embeddings rows.
func (p *OpenAIProvider) ModelName() string { return p.embeddingModel }

// Extract runs one chat completion in JSON mode and decodes the reply.
func (p *OpenAIProvider) Extract(ctx context.Context, chunkText string, ec ExtractionContext) (*ExtractionResult, error) {
	req := openAIChatRequest{
		Model: p.extractionModel,
		Messages: []openAIChatMessage{
			{Role: "system", Content: extractionSystemPrompt},
			{Role: "user", Content: buildExtractionPrompt(chunkText, ec)},
		},
		Temperature:    0,
		ResponseFormat: &openAIFormat{Type: "json_object"},
	}

	var resp openAIChatResponse
	if err := p.post(ctx, "/chat/completions", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, unavailable("openai", fmt.Errorf("no choices in completion response"))
	}

	result, err := decodeExtraction("openai", []byte(resp.Choices[0].Message.Content))
	if err != nil {
		return nil, err
	}
	result.TokensIn = resp.Usage.PromptTokens
	result.TokensOut = resp.Usage.CompletionTokens
	return result, nil
}

// Describe sends the image inline as a data URL and returns the description.
func (p *OpenAIProvider) Describe(ctx context.Context, image []byte, mediaType string) (string, error) {
	dataURL := fmt.Sprintf("data:%s;base64,%s", mediaType, base64.StdEncoding.EncodeToString(image))
	req := openAIChatRequest{
		Model: p.extractionModel,
		Messages: []openAIChatMessage{
			{Role: "user", Content: []openAIContentPart{
				{Type: "text", Text: visionPrompt},
				{Type: "image_url", ImageURL: &openAIImageURL{URL: dataURL}},
			}},
		},
		Temperature: 0,
		MaxTokens:   1024,
	}

	var resp openAIChatResponse
	if err := p.post(ctx, "/chat/completions", req, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", unavailable("openai", fmt.Errorf("no choices in completion response"))
	}
	return resp.Choices[0].Message.Content, nil
}

// post marshals payload, sends it and decodes the JSON reply, mapping HTTP
// failures onto the provider error taxonomy.
func (p *OpenAIProvider) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return invalidRequest("openai", fmt.Errorf("failed to marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return invalidRequest("openai", fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return unavailable("openai", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return unavailable("openai", fmt.Errorf("failed to read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		cause := fmt.Errorf("status %d: %s", resp.StatusCode, truncateBody(data))
		if retryableStatus(resp.StatusCode) {
			return unavailable("openai", cause)
		}
		return invalidRequest("openai", cause)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return unavailable("openai", fmt.Errorf("failed to parse response: %w", err))
	}
	return nil
}

// retryableStatus reports whether the HTTP status signals a transient failure.
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func truncateBody(data []byte) string {
	const limit = 300
	s := string(data)
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
