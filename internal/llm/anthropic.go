package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/tahrirhq/tahrir/internal/telemetry"
)

const (
	maxAttempts    = 3
	initialBackoff = 2 * time.Second
	maxBackoff     = 30 * time.Second
)

var errAPIKeyRequired = errors.New("API key required")

// AnthropicClient routes the capability contract to the Anthropic API.
type AnthropicClient struct {
	client          anthropic.Client
	model           anthropic.Model
	analyzeTemplate *template.Template
}

// NewAnthropic builds a client. ANTHROPIC_API_KEY takes precedence over
// the explicit key.
func NewAnthropic(apiKey, model string) (*AnthropicClient, error) {
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		apiKey = envKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY or anthropic_api_key", errAPIKeyRequired)
	}

	tmpl, err := template.New("analyze").Parse(analyzePromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse analyze template: %w", err)
	}

	aiMetricsOnce.Do(initAIMetrics)

	return &AnthropicClient{
		client:          anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:           anthropic.Model(model),
		analyzeTemplate: tmpl,
	}, nil
}

func (c *AnthropicClient) AnalyzeNews(ctx context.Context, text, source string) (*AnalysisResult, error) {
	var buf strings.Builder
	err := c.analyzeTemplate.Execute(&buf, analyzeData{Text: text, Source: source})
	if err != nil {
		return nil, fmt.Errorf("render analyze prompt: %w", err)
	}
	raw, err := c.call(ctx, "analyze_news", buf.String())
	if err != nil {
		return nil, err
	}
	return decodeAnalysis(raw)
}

func (c *AnthropicClient) GenerateText(ctx context.Context, prompt string) (string, error) {
	return c.call(ctx, "generate_text", prompt)
}

func (c *AnthropicClient) GenerateJSON(ctx context.Context, prompt string) (map[string]interface{}, error) {
	raw, err := c.call(ctx, "generate_json", prompt)
	if err != nil {
		return nil, err
	}
	obj, err := ExtractJSON(raw)
	if err != nil {
		return nil, parseErr(err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(obj, &out); err != nil {
		return nil, parseErr(err)
	}
	return out, nil
}

// aiMetrics holds lazily-initialized OTel instruments for model calls.
var aiMetrics struct {
	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter
	duration     metric.Float64Histogram
}

var aiMetricsOnce sync.Once

func initAIMetrics() {
	m := telemetry.Meter("github.com/tahrirhq/tahrir/ai")
	aiMetrics.inputTokens, _ = m.Int64Counter("tahrir.ai.input_tokens",
		metric.WithDescription("Model API input tokens consumed"),
		metric.WithUnit("{token}"),
	)
	aiMetrics.outputTokens, _ = m.Int64Counter("tahrir.ai.output_tokens",
		metric.WithDescription("Model API output tokens generated"),
		metric.WithUnit("{token}"),
	)
	aiMetrics.duration, _ = m.Float64Histogram("tahrir.ai.request.duration",
		metric.WithDescription("Model API request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
}

// call runs one prompt with up to maxAttempts tries, 2–30 s exponential
// backoff between them. Non-retryable API errors abort immediately.
func (c *AnthropicClient) call(ctx context.Context, operation, prompt string) (string, error) {
	tracer := telemetry.Tracer("github.com/tahrirhq/tahrir/ai")
	ctx, span := tracer.Start(ctx, "anthropic.messages.new")
	defer span.End()
	span.SetAttributes(
		attribute.String("tahrir.ai.model", string(c.model)),
		attribute.String("tahrir.ai.operation", operation),
	)

	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 4096,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialBackoff
	bo.MaxInterval = maxBackoff

	attempts := 0
	var result string
	err := backoff.Retry(func() error {
		attempts++
		t0 := time.Now()
		message, err := c.client.Messages.New(ctx, params)
		ms := float64(time.Since(t0).Milliseconds())

		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if !anthropicRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}

		modelAttr := attribute.String("tahrir.ai.model", string(c.model))
		if aiMetrics.inputTokens != nil {
			aiMetrics.inputTokens.Add(ctx, message.Usage.InputTokens, metric.WithAttributes(modelAttr))
			aiMetrics.outputTokens.Add(ctx, message.Usage.OutputTokens, metric.WithAttributes(modelAttr))
			aiMetrics.duration.Record(ctx, ms, metric.WithAttributes(modelAttr))
		}
		span.SetAttributes(
			attribute.Int64("tahrir.ai.input_tokens", message.Usage.InputTokens),
			attribute.Int64("tahrir.ai.output_tokens", message.Usage.OutputTokens),
			attribute.Int("tahrir.ai.attempts", attempts),
		)

		if len(message.Content) == 0 {
			return backoff.Permanent(fmt.Errorf("unexpected response format: no content blocks"))
		}
		content := message.Content[0]
		if content.Type != "text" {
			return backoff.Permanent(fmt.Errorf("unexpected response format: not a text block (type=%s)", content.Type))
		}
		result = content.Text
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, maxAttempts-1), ctx))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", transportErr(err)
	}
	return result, nil
}

func anthropicRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}

type analyzeData struct {
	Text   string
	Source string
}

const analyzePromptTemplate = `You are a news desk classifier for an Algerian Arabic newsroom.

Classify the item below and respond with ONLY a JSON object, no prose:

{"category": "...", "arabic_title": "...", "summary": "...", "importance": 1-10, "entities": [...], "keywords": [...], "is_breaking": true|false}

Categories: politics, economy, sports, culture, technology, health, security, local_algeria, international.
Use local_algeria only when the item concerns Algeria directly.

Source: {{.Source}}

Item:
{{.Text}}`
