// Package llm implements the scoring oracle on top of the Anthropic and
// OpenAI SDKs. DeepSeek is reached through the OpenAI-compatible API.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go"
	openaioption "github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"leadscore/internal/domain"
)

const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderDeepSeek  = "deepseek"
)

const defaultAnthropicModel = "claude-sonnet-4-5-20250929"
const defaultOpenAIModel = "gpt-4o-mini"
const defaultDeepSeekModel = "deepseek-chat"
const defaultDeepSeekBaseURL = "https://api.deepseek.com"
const defaultMaxTokens = 1000

const systemPrompt = "You are a financial analyst who screens companies for cross-border payment and overseas lending needs. Answer only with the JSON object requested."

type Options struct {
	Provider   string
	APIKey     string
	Model      string
	BaseURL    string
	MaxTokens  int
	HTTPClient *http.Client
}

// Oracle is a configured model endpoint.
type Oracle interface {
	Call(ctx context.Context, prompt string) (string, error)
	Model() string
}

func DefaultModel(provider string) string {
	switch strings.ToLower(provider) {
	case ProviderOpenAI:
		return defaultOpenAIModel
	case ProviderDeepSeek:
		return defaultDeepSeekModel
	default:
		return defaultAnthropicModel
	}
}

func NewOracle(opts Options) (Oracle, error) {
	provider := strings.ToLower(strings.TrimSpace(opts.Provider))
	if provider == "" {
		provider = ProviderAnthropic
	}
	if opts.APIKey == "" {
		return nil, fmt.Errorf("%s api key is required", provider)
	}
	if opts.Model == "" {
		opts.Model = DefaultModel(provider)
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}

	switch provider {
	case ProviderAnthropic:
		return newAnthropicOracle(opts), nil
	case ProviderOpenAI:
		return newOpenAIOracle(provider, opts), nil
	case ProviderDeepSeek:
		if opts.BaseURL == "" {
			opts.BaseURL = defaultDeepSeekBaseURL
		}
		return newOpenAIOracle(provider, opts), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", opts.Provider)
	}
}

// --- Anthropic ---

type anthropicOracle struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

func newAnthropicOracle(opts Options) *anthropicOracle {
	// retries are owned by the scorer's policy
	reqOpts := []anthropicoption.RequestOption{
		anthropicoption.WithAPIKey(opts.APIKey),
		anthropicoption.WithMaxRetries(0),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, anthropicoption.WithBaseURL(opts.BaseURL))
	}
	if opts.HTTPClient != nil {
		reqOpts = append(reqOpts, anthropicoption.WithHTTPClient(opts.HTTPClient))
	}
	return &anthropicOracle{
		client:    anthropic.NewClient(reqOpts...),
		model:     opts.Model,
		maxTokens: int64(opts.MaxTokens),
	}
}

func (o *anthropicOracle) Model() string { return o.model }

func (o *anthropicOracle) Call(ctx context.Context, prompt string) (string, error) {
	message, err := o.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(o.model),
		MaxTokens: o.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		log.Printf("llm anthropic error: %v", err)
		return "", classifyError(ProviderAnthropic, err)
	}

	for _, block := range message.Content {
		if block.Type == "text" {
			log.Printf("llm anthropic response size=%d tokens_in=%d tokens_out=%d", len(block.Text), message.Usage.InputTokens, message.Usage.OutputTokens)
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("%w: no text content in Anthropic response", domain.ErrMalformedResponse)
}

// --- OpenAI / DeepSeek ---

type openAIOracle struct {
	provider  string
	client    openai.Client
	model     string
	maxTokens int64
}

func newOpenAIOracle(provider string, opts Options) *openAIOracle {
	reqOpts := []openaioption.RequestOption{
		openaioption.WithAPIKey(opts.APIKey),
		openaioption.WithMaxRetries(0),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, openaioption.WithBaseURL(opts.BaseURL))
	}
	if opts.HTTPClient != nil {
		reqOpts = append(reqOpts, openaioption.WithHTTPClient(opts.HTTPClient))
	}
	return &openAIOracle{
		provider:  provider,
		client:    openai.NewClient(reqOpts...),
		model:     opts.Model,
		maxTokens: int64(opts.MaxTokens),
	}
}

func (o *openAIOracle) Model() string { return o.model }

func (o *openAIOracle) Call(ctx context.Context, prompt string) (string, error) {
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: shared.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(prompt),
		},
		MaxTokens: openai.Int(o.maxTokens),
	})
	if err != nil {
		log.Printf("llm %s error: %v", o.provider, err)
		return "", classifyError(o.provider, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices in %s response", domain.ErrMalformedResponse, o.provider)
	}
	content := resp.Choices[0].Message.Content
	log.Printf("llm %s response size=%d tokens_in=%d tokens_out=%d", o.provider, len(content), resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	return content, nil
}

// classifyError maps SDK and transport errors onto the oracle error kinds
// the scorer retries on. The original error stays in the chain.
func classifyError(provider string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	status := 0
	var anthropicErr *anthropic.Error
	var openaiErr *openai.Error
	switch {
	case errors.As(err, &anthropicErr):
		status = anthropicErr.StatusCode
	case errors.As(err, &openaiErr):
		status = openaiErr.StatusCode
	}
	if status != 0 {
		return fmt.Errorf("%w: %s status %d: %w", statusError(status), provider, status, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", domain.ErrOracleUnavailable, provider, err)
	}
	return fmt.Errorf("%s request failed: %w", provider, err)
}

func statusError(status int) error {
	switch {
	case status == http.StatusTooManyRequests:
		return domain.ErrOracleRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusConflict || status >= 500:
		return domain.ErrOracleUnavailable
	case status == http.StatusBadRequest || status == http.StatusRequestEntityTooLarge || status == http.StatusUnprocessableEntity:
		return domain.ErrInvalidInput
	default:
		return domain.ErrOracleRejected
	}
}
