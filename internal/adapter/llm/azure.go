package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"forgebot/internal/domain"
	"forgebot/internal/infra/tracer"
)

// DefaultAPIVersion is the Azure OpenAI REST API version used when none is configured.
const DefaultAPIVersion = "2024-10-21"

// AzureConfig holds the connection settings for one Azure OpenAI deployment.
type AzureConfig struct {
	Endpoint   string
	APIKey     string
	Deployment string
	APIVersion string
	Timeout    time.Duration
}

// AzureOpenAI implements domain.Completer against an Azure OpenAI chat
// completions deployment.
type AzureOpenAI struct {
	url    string
	apiKey string
	deploy string
	client *http.Client
	logger *slog.Logger
}

// NewAzureOpenAI creates the client. The endpoint is the resource URL, e.g.
// https://name.openai.azure.com.
func NewAzureOpenAI(cfg AzureConfig, logger *slog.Logger) (*AzureOpenAI, error) {
	if cfg.Endpoint == "" || cfg.APIKey == "" || cfg.Deployment == "" {
		return nil, domain.NewSubSystemError("ai", "NewAzureOpenAI", domain.ErrNotConfigured, "endpoint, api key and deployment are required")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	base, err := url.Parse(strings.TrimRight(cfg.Endpoint, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, domain.NewSubSystemError("ai", "NewAzureOpenAI", domain.ErrInvalidInput, fmt.Sprintf("invalid endpoint %q", cfg.Endpoint))
	}
	base = base.JoinPath("openai", "deployments", cfg.Deployment, "chat", "completions")
	base.RawQuery = url.Values{"api-version": {cfg.APIVersion}}.Encode()

	return &AzureOpenAI{
		url:    base.String(),
		apiKey: cfg.APIKey,
		deploy: cfg.Deployment,
		client: NewHTTPClient(cfg.Timeout),
		logger: logger,
	}, nil
}

// Complete implements domain.Completer.
func (p *AzureOpenAI) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResponse, error) {
	ctx, span := tracer.StartSpan(ctx, "ai.complete",
		trace.WithAttributes(
			tracer.StringAttr("ai.provider", p.Name()),
			tracer.StringAttr("ai.deployment", p.deploy),
			tracer.IntAttr("ai.messages", len(req.Messages)),
		),
	)
	defer span.End()

	body, err := json.Marshal(toAzureRequest(req))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	respBody, err := doJSONRequest(ctx, p.client, p.url, body, map[string]string{"api-key": p.apiKey})
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	var wire azureResponse
	if err := json.Unmarshal(respBody, &wire); err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(wire.Choices) == 0 {
		err := fmt.Errorf("%w: no choices returned", domain.ErrProviderError)
		tracer.RecordError(span, err)
		return nil, err
	}

	choice := wire.Choices[0]
	if choice.Message.Refusal != "" {
		p.logger.Warn("ai completion refused", "refusal", choice.Message.Refusal)
	}
	result := &domain.CompletionResponse{
		ID:      wire.ID,
		Model:   wire.Model,
		Content: choice.Message.Content,
		Usage: domain.Usage{
			PromptTokens:     wire.Usage.PromptTokens,
			CompletionTokens: wire.Usage.CompletionTokens,
			TotalTokens:      wire.Usage.TotalTokens,
		},
		CreatedAt: time.Unix(wire.Created, 0),
	}
	if result.Content == "" {
		p.logger.Warn("ai completion returned empty content", "finish_reason", choice.FinishReason)
	}

	setUsageAttrs(span, result.Usage)
	tracer.SetOK(span)
	logCompletion(p.logger, p.Name(), result, choice.FinishReason)
	return result, nil
}

// Name implements domain.Completer.
func (p *AzureOpenAI) Name() string { return "azure-openai" }

// Ping sends a minimal completion to verify credentials and connectivity.
func (p *AzureOpenAI) Ping(ctx context.Context) error {
	_, err := p.Complete(ctx, domain.CompletionRequest{
		Messages:  []domain.Message{{Role: domain.RoleUser, Content: "test"}},
		MaxTokens: 5,
	})
	if errors.Is(err, domain.ErrAuthInvalid) {
		return fmt.Errorf("check AZURE_OPENAI_API_KEY: %w", err)
	}
	return err
}

// --- Azure OpenAI wire types ---

type azureRequest struct {
	Messages            []azureMessage `json:"messages"`
	MaxCompletionTokens int            `json:"max_completion_tokens,omitempty"`
	Temperature         *float64       `json:"temperature,omitempty"`
	Stream              bool           `json:"stream"`
}

type azureMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Refusal string `json:"refusal,omitempty"`
}

type azureResponse struct {
	ID      string        `json:"id"`
	Model   string        `json:"model"`
	Created int64         `json:"created"`
	Choices []azureChoice `json:"choices"`
	Usage   azureUsage    `json:"usage"`
}

type azureChoice struct {
	Index        int          `json:"index"`
	Message      azureMessage `json:"message"`
	FinishReason string       `json:"finish_reason"`
}

type azureUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func toAzureRequest(req domain.CompletionRequest) azureRequest {
	msgs := make([]azureMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, azureMessage{Role: m.Role, Content: m.Content})
	}
	out := azureRequest{Messages: msgs, MaxCompletionTokens: req.MaxTokens}
	if req.Temperature > 0 {
		t := req.Temperature
		out.Temperature = &t
	}
	return out
}

var _ domain.Completer = (*AzureOpenAI)(nil)
