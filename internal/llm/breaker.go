package llm

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerClient wraps a Client with a circuit breaker so a flapping
// vendor API stops burning retry budget across the whole pipeline. An
// open breaker surfaces as a transport error, which the worker retry
// path already handles.
type BreakerClient struct {
	inner Client
	cb    *gobreaker.CircuitBreaker
}

// WithBreaker decorates inner with a circuit breaker. The breaker trips
// after 5 consecutive failures and probes again after 60 s.
func WithBreaker(inner Client, log *zap.Logger) *BreakerClient {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm",
		MaxRequests: 1,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("llm breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			// Parse failures are the model being sloppy, not the
			// transport being down. Only transport errors count
			// against the breaker.
			return err == nil || KindOf(err) != KindTransport
		},
	})
	return &BreakerClient{inner: inner, cb: cb}
}

func (b *BreakerClient) AnalyzeNews(ctx context.Context, text, source string) (*AnalysisResult, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.AnalyzeNews(ctx, text, source)
	})
	if err != nil {
		return nil, wrapBreakerErr(err)
	}
	return v.(*AnalysisResult), nil
}

func (b *BreakerClient) GenerateText(ctx context.Context, prompt string) (string, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.GenerateText(ctx, prompt)
	})
	if err != nil {
		return "", wrapBreakerErr(err)
	}
	return v.(string), nil
}

func (b *BreakerClient) GenerateJSON(ctx context.Context, prompt string) (map[string]interface{}, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.GenerateJSON(ctx, prompt)
	})
	if err != nil {
		return nil, wrapBreakerErr(err)
	}
	return v.(map[string]interface{}), nil
}

func wrapBreakerErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return transportErr(err)
	}
	return err
}
