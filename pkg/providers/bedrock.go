package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

const bedrockCallTimeout = 30 * time.Second

// BedrockRuntimeClient is the InvokeModel surface, an interface so tests can
// fake the AWS client.
type BedrockRuntimeClient interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockProvider embeds via Amazon Titan and extracts/describes via
// Anthropic messages on AWS Bedrock.
type BedrockProvider struct {
	client          BedrockRuntimeClient
	embeddingModel  string
	extractionModel string
	dims            int
}

// BedrockOptions configures the Bedrock provider.
type BedrockOptions struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	EmbeddingModel  string
	ExtractionModel string
	Dimensions      int
}

// NewBedrockProvider loads AWS configuration and creates the runtime client.
// Explicit credentials take precedence over the default chain.
func NewBedrockProvider(ctx context.Context, opts BedrockOptions) (*BedrockProvider, error) {
	if opts.Region == "" {
		return nil, errors.New("bedrock provider requires a region")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, opts.SessionToken),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	return NewBedrockProviderWithClient(bedrockruntime.NewFromConfig(awsCfg), opts), nil
}

// NewBedrockProviderWithClient wires an existing client; used by tests.
func NewBedrockProviderWithClient(client BedrockRuntimeClient, opts BedrockOptions) *BedrockProvider {
	if opts.EmbeddingModel == "" {
		opts.EmbeddingModel = "amazon.titan-embed-text-v2:0"
	}
	if opts.ExtractionModel == "" {
		opts.ExtractionModel = "anthropic.claude-3-5-haiku-20241022-v1:0"
	}
	if opts.Dimensions <= 0 {
		opts.Dimensions = 1024
	}
	return &BedrockProvider{
		client:          client,
		embeddingModel:  opts.EmbeddingModel,
		extractionModel: opts.ExtractionModel,
		dims:            opts.Dimensions,
	}
}

type titanEmbedRequest struct {
	InputText  string `json:"inputText"`
	Dimensions int    `json:"dimensions,omitempty"`
}

type titanEmbedResponse struct {
	Embedding           []float32 `json:"embedding"`
	InputTextTokenCount int       `json:"inputTextTokenCount"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicContentBlock struct {
	Type   string           `json:"type"`
	Text   string           `json:"text,omitempty"`
	Source *anthropicSource `json:"source,omitempty"`
}

type anthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicRequest struct {
	AnthropicVersion string             `json:"anthropic_version"`
	MaxTokens        int                `json:"max_tokens"`
	System           string             `json:"system,omitempty"`
	Temperature      float64            `json:"temperature"`
	Messages         []anthropicMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []anthropicContentBlock `json:"content"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Embed invokes the Titan model once per text; Titan does not batch.
func (p *BedrockProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		body, err := json.Marshal(titanEmbedRequest{InputText: text, Dimensions: p.dims})
		if err != nil {
			return nil, invalidRequest("bedrock", fmt.Errorf("failed to marshal request: %w", err))
		}

		out, err := p.invoke(ctx, p.embeddingModel, body)
		if err != nil {
			return nil, err
		}

		var resp titanEmbedResponse
		if err := json.Unmarshal(out, &resp); err != nil {
			return nil, unavailable("bedrock", fmt.Errorf("failed to parse embedding response: %w", err))
		}
		if len(resp.Embedding) == 0 {
			return nil, unavailable("bedrock", errors.New("no embedding in response"))
		}
		vectors[i] = resp.Embedding
	}
	return vectors, nil
}

// Dimensions returns the configured vector width.
func (p *BedrockProvider) Dimensions() int { return p.dims }

// ModelName identifies the embedding model in source_embeddings rows.
func (p *BedrockProvider) ModelName() string { return p.embeddingModel }

// Extract runs one Anthropic messages call and decodes the JSON reply.
func (p *BedrockProvider) Extract(ctx context.Context, chunkText string, ec ExtractionContext) (*ExtractionResult, error) {
	req := anthropicRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        4096,
		System:           extractionSystemPrompt,
		Temperature:      0,
		Messages: []anthropicMessage{{
			Role:    "user",
			Content: []anthropicContentBlock{{Type: "text", Text: buildExtractionPrompt(chunkText, ec)}},
		}},
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, invalidRequest("bedrock", fmt.Errorf("failed to marshal request: %w", err))
	}

	out, err := p.invoke(ctx, p.extractionModel, body)
	if err != nil {
		return nil, err
	}

	var resp anthropicResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, unavailable("bedrock", fmt.Errorf("failed to parse completion response: %w", err))
	}
	text := firstTextBlock(resp.Content)
	if text == "" {
		return nil, unavailable("bedrock", errors.New("no text content in response"))
	}

	result, err := decodeExtraction("bedrock", []byte(stripCodeFence(text)))
	if err != nil {
		return nil, err
	}
	result.TokensIn = resp.Usage.InputTokens
	result.TokensOut = resp.Usage.OutputTokens
	return result, nil
}

// Describe sends the image as a base64 content block.
func (p *BedrockProvider) Describe(ctx context.Context, image []byte, mediaType string) (string, error) {
	req := anthropicRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        1024,
		Temperature:      0,
		Messages: []anthropicMessage{{
			Role: "user",
			Content: []anthropicContentBlock{
				{Type: "image", Source: &anthropicSource{
					Type:      "base64",
					MediaType: mediaType,
					Data:      base64.StdEncoding.EncodeToString(image),
				}},
				{Type: "text", Text: visionPrompt},
			},
		}},
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", invalidRequest("bedrock", fmt.Errorf("failed to marshal request: %w", err))
	}

	out, err := p.invoke(ctx, p.extractionModel, body)
	if err != nil {
		return "", err
	}

	var resp anthropicResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return "", unavailable("bedrock", fmt.Errorf("failed to parse completion response: %w", err))
	}
	text := firstTextBlock(resp.Content)
	if text == "" {
		return "", unavailable("bedrock", errors.New("no text content in response"))
	}
	return text, nil
}

func (p *BedrockProvider) invoke(ctx context.Context, modelID string, body []byte) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, bedrockCallTimeout)
	defer cancel()

	out, err := p.client.InvokeModel(callCtx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, classifyBedrockError(err)
	}
	return out.Body, nil
}

// classifyBedrockError maps AWS exception names onto the provider taxonomy.
// Unknown failures default to transient so the retry budget decides.
func classifyBedrockError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "ValidationException"),
		strings.Contains(msg, "AccessDeniedException"),
		strings.Contains(msg, "ResourceNotFoundException"):
		return invalidRequest("bedrock", err)
	default:
		return unavailable("bedrock", err)
	}
}

func firstTextBlock(blocks []anthropicContentBlock) string {
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			return b.Text
		}
	}
	return ""
}

// stripCodeFence unwraps ```json fences some models insist on emitting.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
