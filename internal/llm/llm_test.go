package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tahrirhq/tahrir/internal/cache"
)

func TestExtractJSONPlainObject(t *testing.T) {
	raw := `{"headline": "عنوان", "tags": ["a"]}`
	obj, err := ExtractJSON(raw)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(obj))
}

func TestExtractJSONMarkdownFence(t *testing.T) {
	raw := "Here is the result:\n```json\n{\"headline\": \"x\"}\n```\nDone."
	obj, err := ExtractJSON(raw)
	require.NoError(t, err)
	assert.JSONEq(t, `{"headline": "x"}`, string(obj))
}

func TestExtractJSONSurroundingProse(t *testing.T) {
	raw := `Sure! {"category": "politics", "importance": 7} Hope that helps.`
	obj, err := ExtractJSON(raw)
	require.NoError(t, err)
	assert.JSONEq(t, `{"category": "politics", "importance": 7}`, string(obj))
}

func TestExtractJSONNoObject(t *testing.T) {
	_, err := ExtractJSON("no structured data here")
	assert.Error(t, err)
}

func TestDecodeAnalysisClampsImportance(t *testing.T) {
	res, err := decodeAnalysis(`{"category": "Politics", "importance": 99}`)
	require.NoError(t, err)
	assert.Equal(t, "politics", res.Category)
	assert.Equal(t, 10, res.Importance)

	res, err = decodeAnalysis(`{"category": "economy", "importance": -3}`)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Importance)
}

func TestDecodeAnalysisMissingCategoryIsParseError(t *testing.T) {
	_, err := decodeAnalysis(`{"importance": 5}`)
	require.Error(t, err)
	assert.Equal(t, KindParse, KindOf(err))
}

func TestKindOfDefaultsToTransport(t *testing.T) {
	assert.Equal(t, KindTransport, KindOf(errors.New("dial tcp: timeout")))
	assert.Equal(t, KindParse, KindOf(parseErr(errors.New("bad json"))))
}

func TestBudgetExhaustion(t *testing.T) {
	ctx := context.Background()
	fake := &Fake{Text: "ok"}
	c := WithBudget(fake, cache.NewMemory(), 2)

	_, err := c.GenerateText(ctx, "a")
	require.NoError(t, err)
	_, err = c.GenerateText(ctx, "b")
	require.NoError(t, err)

	_, err = c.GenerateText(ctx, "c")
	require.Error(t, err)
	assert.Equal(t, KindBudget, KindOf(err))
	assert.Equal(t, 2, fake.GenerateCalls)
}

func TestBudgetUnlimitedWhenZero(t *testing.T) {
	ctx := context.Background()
	fake := &Fake{Text: "ok"}
	c := WithBudget(fake, cache.NewMemory(), 0)
	for i := 0; i < 10; i++ {
		_, err := c.GenerateText(ctx, "p")
		require.NoError(t, err)
	}
	assert.Equal(t, 10, fake.GenerateCalls)
}

func TestBreakerOpensOnTransportFailures(t *testing.T) {
	ctx := context.Background()
	fake := &Fake{TextErr: transportErr(errors.New("upstream 503"))}
	c := WithBreaker(fake, zap.NewNop())

	for i := 0; i < 5; i++ {
		_, err := c.GenerateText(ctx, "p")
		require.Error(t, err)
	}
	// breaker now open: inner no longer reached
	before := fake.GenerateCalls
	_, err := c.GenerateText(ctx, "p")
	require.Error(t, err)
	assert.Equal(t, KindTransport, KindOf(err))
	assert.Equal(t, before, fake.GenerateCalls)
}

func TestBreakerIgnoresParseFailures(t *testing.T) {
	ctx := context.Background()
	fake := &Fake{JSONErr: parseErr(errors.New("model returned prose"))}
	c := WithBreaker(fake, zap.NewNop())

	for i := 0; i < 10; i++ {
		_, err := c.GenerateJSON(ctx, "p")
		require.Error(t, err)
	}
	// parse noise never trips the breaker
	assert.Equal(t, 10, fake.JSONCalls)
}
