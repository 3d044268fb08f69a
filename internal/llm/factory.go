package llm

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/tahrirhq/tahrir/internal/cache"
	"github.com/tahrirhq/tahrir/internal/config"
)

// FromSettings builds the configured provider wrapped with the circuit
// breaker and the daily budget. Provider "none" returns a nil Client;
// agents treat nil as "LLM unavailable" and stay rule-based.
func FromSettings(s *config.Settings, c cache.Cache, log *zap.Logger) (Client, error) {
	var inner Client
	var err error
	switch s.LLMProvider {
	case "anthropic":
		inner, err = NewAnthropic(s.AnthropicAPIKey, s.AnthropicModel)
	case "openai":
		inner, err = NewOpenAI(s.OpenAIAPIKey, s.OpenAIModel)
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown llm_provider %q", s.LLMProvider)
	}
	if err != nil {
		return nil, err
	}
	return WithBudget(WithBreaker(inner, log), c, s.LLMDailyBudget), nil
}
