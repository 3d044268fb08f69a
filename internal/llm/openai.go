package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/cenkalti/backoff/v4"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/tahrirhq/tahrir/internal/telemetry"
)

// OpenAIClient routes the capability contract to the OpenAI chat API.
// Same retry policy as the Anthropic provider.
type OpenAIClient struct {
	client          *openai.Client
	model           string
	analyzeTemplate *template.Template
}

// NewOpenAI builds a client. OPENAI_API_KEY takes precedence over the
// explicit key.
func NewOpenAI(apiKey, model string) (*OpenAIClient, error) {
	if envKey := os.Getenv("OPENAI_API_KEY"); envKey != "" {
		apiKey = envKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set OPENAI_API_KEY or openai_api_key", errAPIKeyRequired)
	}
	tmpl, err := template.New("analyze").Parse(analyzePromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse analyze template: %w", err)
	}
	aiMetricsOnce.Do(initAIMetrics)
	return &OpenAIClient{
		client:          openai.NewClient(apiKey),
		model:           model,
		analyzeTemplate: tmpl,
	}, nil
}

func (c *OpenAIClient) AnalyzeNews(ctx context.Context, text, source string) (*AnalysisResult, error) {
	var buf strings.Builder
	if err := c.analyzeTemplate.Execute(&buf, analyzeData{Text: text, Source: source}); err != nil {
		return nil, fmt.Errorf("render analyze prompt: %w", err)
	}
	raw, err := c.call(ctx, "analyze_news", buf.String())
	if err != nil {
		return nil, err
	}
	return decodeAnalysis(raw)
}

func (c *OpenAIClient) GenerateText(ctx context.Context, prompt string) (string, error) {
	return c.call(ctx, "generate_text", prompt)
}

func (c *OpenAIClient) GenerateJSON(ctx context.Context, prompt string) (map[string]interface{}, error) {
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

func (c *OpenAIClient) call(ctx context.Context, operation, prompt string) (string, error) {
	tracer := telemetry.Tracer("github.com/tahrirhq/tahrir/ai")
	ctx, span := tracer.Start(ctx, "openai.chat.completions")
	defer span.End()
	span.SetAttributes(
		attribute.String("tahrir.ai.model", c.model),
		attribute.String("tahrir.ai.operation", operation),
	)

	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
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
		resp, err := c.client.CreateChatCompletion(ctx, req)
		ms := float64(time.Since(t0).Milliseconds())

		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if !openaiRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}

		modelAttr := attribute.String("tahrir.ai.model", c.model)
		if aiMetrics.inputTokens != nil {
			aiMetrics.inputTokens.Add(ctx, int64(resp.Usage.PromptTokens), metric.WithAttributes(modelAttr))
			aiMetrics.outputTokens.Add(ctx, int64(resp.Usage.CompletionTokens), metric.WithAttributes(modelAttr))
			aiMetrics.duration.Record(ctx, ms, metric.WithAttributes(modelAttr))
		}
		span.SetAttributes(attribute.Int("tahrir.ai.attempts", attempts))

		if len(resp.Choices) == 0 {
			return backoff.Permanent(fmt.Errorf("unexpected response format: no choices"))
		}
		result = resp.Choices[0].Message.Content
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, maxAttempts-1), ctx))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", transportErr(err)
	}
	return result, nil
}

func openaiRetryable(err error) bool {
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
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	return false
}
