package llm

import (
	"context"
	"fmt"

	"github.com/tahrirhq/tahrir/internal/cache"
)

// CallsCounterKey is the daily cache counter tracking model calls. The
// status endpoint surfaces it.
const CallsCounterKey = "ai_calls_today"

// BudgetClient enforces the daily call budget before delegating. Each
// successful pass through it bumps the ai_calls_today counter, which
// resets at local midnight with the rest of the daily counters.
type BudgetClient struct {
	inner Client
	cache cache.Cache
	limit int // 0 = unlimited
}

// WithBudget decorates inner with the daily budget check.
func WithBudget(inner Client, c cache.Cache, dailyLimit int) *BudgetClient {
	return &BudgetClient{inner: inner, cache: c, limit: dailyLimit}
}

func (b *BudgetClient) spend(ctx context.Context) error {
	n := b.cache.IncrementCounter(ctx, CallsCounterKey)
	if b.limit > 0 && n > int64(b.limit) {
		return &ClassifyError{
			Kind: KindBudget,
			Err:  fmt.Errorf("daily call budget %d exhausted (%d calls today)", b.limit, n),
		}
	}
	return nil
}

func (b *BudgetClient) AnalyzeNews(ctx context.Context, text, source string) (*AnalysisResult, error) {
	if err := b.spend(ctx); err != nil {
		return nil, err
	}
	return b.inner.AnalyzeNews(ctx, text, source)
}

func (b *BudgetClient) GenerateText(ctx context.Context, prompt string) (string, error) {
	if err := b.spend(ctx); err != nil {
		return "", err
	}
	return b.inner.GenerateText(ctx, prompt)
}

func (b *BudgetClient) GenerateJSON(ctx context.Context, prompt string) (map[string]interface{}, error) {
	if err := b.spend(ctx); err != nil {
		return nil, err
	}
	return b.inner.GenerateJSON(ctx, prompt)
}
