package llm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"
)

const defaultAnthropicMaxTokens = 4096

// Chatter is the call surface shared by every LLM backend.
type Chatter interface {
	Chat(ctx context.Context, system, user string) (string, Usage, error)
	Label() string
	Model() string
	Validate() error
}

var (
	_ Chatter = (*Client)(nil)
	_ Chatter = (*AnthropicClient)(nil)
)

// AnthropicConfig describes a Claude endpoint, reached directly or through
// AWS Bedrock.
type AnthropicConfig struct {
	APIKey      string
	BaseURL     string // optional; overrides the public API endpoint
	Model       string
	Label       string
	MaxTokens   int64
	Temperature *float64
	Timeout     time.Duration
	Bedrock     bool
	AWSRegion   string
	AWSProfile  string
}

// AnthropicClient is a Chatter backed by the Anthropic Messages API.
type AnthropicClient struct {
	inner       anthropic.Client
	model       string
	label       string
	maxTokens   int64
	temperature *float64
	bedrock     bool
	hasKey      bool
}

// NewAnthropic creates an AnthropicClient. With Bedrock set, credentials come
// from the default AWS config chain (region and profile optional).
func NewAnthropic(cfg AnthropicConfig) *AnthropicClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	opts := []option.RequestOption{option.WithRequestTimeout(timeout)}
	if cfg.Bedrock {
		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(context.Background(), loadOpts...))
	} else if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	label := cfg.Label
	if label == "" {
		label = "LLM"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	return &AnthropicClient{
		inner:       anthropic.NewClient(opts...),
		model:       cfg.Model,
		label:       label,
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
		bedrock:     cfg.Bedrock,
		hasKey:      cfg.APIKey != "",
	}
}

// Label returns the tier label used in log lines.
func (c *AnthropicClient) Label() string { return c.label }

// Model returns the configured model name.
func (c *AnthropicClient) Model() string { return c.model }

// Validate reports which of the required settings are missing.
//
// Expectations:
//   - Requires a model
//   - Requires an API key unless the client goes through Bedrock
func (c *AnthropicClient) Validate() error {
	var missing []string
	if !c.bedrock && !c.hasKey {
		missing = append(missing, "API key")
	}
	if c.model == "" {
		missing = append(missing, "model")
	}
	if len(missing) > 0 {
		return fmt.Errorf("llm[%s]: missing %s", c.label, strings.Join(missing, ", "))
	}
	return nil
}

// Chat sends one system + user turn and returns the concatenated text blocks.
//
// Expectations:
//   - Returns the text of every text block in order
//   - Maps input/output tokens onto Usage
//   - Returns an error when the reply holds no text
func (c *AnthropicClient) Chat(ctx context.Context, system, user string) (string, Usage, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	}
	if c.temperature != nil {
		params.Temperature = anthropic.Float(*c.temperature)
	}

	start := time.Now()
	resp, err := c.inner.Messages.New(ctx, params)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		log.Printf("[%s] anthropic call failed after %dms: %v", c.label, elapsed, err)
		return "", Usage{ElapsedMs: elapsed}, fmt.Errorf("anthropic: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if v, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(v.Text)
		}
	}
	usage := Usage{
		PromptTokens:     int(resp.Usage.InputTokens),
		CompletionTokens: int(resp.Usage.OutputTokens),
		TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		ElapsedMs:        elapsed,
	}
	log.Printf("[%s] model=%s tokens=%d elapsed=%dms", c.label, c.model, usage.TotalTokens, elapsed)
	if sb.Len() == 0 {
		return "", usage, errors.New("anthropic: reply has no text content")
	}
	return sb.String(), usage, nil
}
