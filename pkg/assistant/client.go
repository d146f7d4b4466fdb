// Package assistant wraps the Anthropic API for interaction
// summarization.
package assistant

import (
	"context"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/harborwell/intake-cli/internal/resilience"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-haiku-4-5-20251001"

// Client defines the assistant operations used by the pipeline.
type Client interface {
	// Summarize produces a short summary of one client interaction.
	Summarize(ctx context.Context, req SummarizeRequest) (*Summary, error)
}

// SummarizeRequest carries the interaction text to summarize.
type SummarizeRequest struct {
	Subject   string
	Body      string
	MaxTokens int64
}

// Summary is the assistant's response.
type Summary struct {
	Text  string
	Model string
	Usage TokenUsage
}

// TokenUsage tracks token consumption.
type TokenUsage struct {
	InputTokens  int64
	OutputTokens int64
}

// modelPricing holds per-million-token pricing for known models.
var modelPricing = map[string][2]float64{
	// model → {input $/MTok, output $/MTok}
	"claude-haiku-4-5-20251001":  {0.80, 4.00},
	"claude-sonnet-4-5-20250929": {3.00, 15.00},
}

// EstimateCost computes an estimated cost in USD from a TokenUsage and
// model ID. Returns 0 for unknown models.
func (u TokenUsage) EstimateCost(model string) float64 {
	pricing, ok := modelPricing[model]
	if !ok {
		return 0
	}
	return (float64(u.InputTokens)/1e6)*pricing[0] + (float64(u.OutputTokens)/1e6)*pricing[1]
}

// LogCost logs token usage and estimated cost with structured zap fields.
func (u TokenUsage) LogCost(model, operation string) {
	zap.L().Info("cost attribution",
		zap.String("model", model),
		zap.String("operation", operation),
		zap.Int64("input_tokens", u.InputTokens),
		zap.Int64("output_tokens", u.OutputTokens),
		zap.Float64("estimated_cost_usd", u.EstimateCost(model)),
	)
}

const systemPrompt = `You summarize client interactions for a wellness practice's contact timeline.
Write one or two sentences in plain language. Mention scheduling details and follow-ups when present.
Never include medical or diagnostic speculation.`

// sdkClient implements Client using the official anthropic-sdk-go.
type sdkClient struct {
	client sdk.Client
	model  string
}

// NewClient creates a new assistant client backed by the SDK.
func NewClient(apiKey, model string) Client {
	if model == "" {
		model = DefaultModel
	}
	return &sdkClient{
		client: sdk.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (c *sdkClient) Summarize(ctx context.Context, req SummarizeRequest) (*Summary, error) {
	text := strings.TrimSpace(req.Subject + "\n\n" + req.Body)
	if text == "" {
		return nil, eris.New("assistant: nothing to summarize")
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 256
	}

	msg, err := c.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: maxTokens,
		System: []sdk.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(text)),
		},
	})
	if err != nil {
		wrapped := eris.Wrap(err, "assistant: create message")
		// Overload and rate-limit responses that exhausted the SDK's own
		// retries must stay retryable for the job queue.
		var apierr *sdk.Error
		if errors.As(err, &apierr) && resilience.IsTransientHTTPStatus(apierr.StatusCode) {
			return nil, resilience.NewTransientError(wrapped, apierr.StatusCode)
		}
		return nil, wrapped
	}

	var out strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	if out.Len() == 0 {
		return nil, eris.New("assistant: empty response")
	}

	usage := TokenUsage{
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}
	usage.LogCost(c.model, "summarize")

	return &Summary{
		Text:  strings.TrimSpace(out.String()),
		Model: string(msg.Model),
		Usage: usage,
	}, nil
}
