// Package llm defines the capability contract the pipeline agents use to
// reach a language model, and the providers implementing it. Agents never
// talk to a vendor SDK directly; they hold a Client and degrade to
// rule-based behavior when a call fails.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// AnalysisResult is the structured output of an analyze-news call.
type AnalysisResult struct {
	Category    string   `json:"category"`
	ArabicTitle string   `json:"arabic_title"`
	Summary     string   `json:"summary"`
	Importance  int      `json:"importance"` // 1..10
	Entities    []string `json:"entities"`
	Keywords    []string `json:"keywords"`
	IsBreaking  bool     `json:"is_breaking"`
}

// Client is the LLM capability contract. Implementations may route to
// fast or deep models; callers must treat every method as a network call.
type Client interface {
	// AnalyzeNews classifies a news item into a structured result.
	AnalyzeNews(ctx context.Context, text, source string) (*AnalysisResult, error)
	// GenerateText returns free-form prose for the prompt.
	GenerateText(ctx context.Context, prompt string) (string, error)
	// GenerateJSON returns the prompt's answer parsed as a JSON object.
	GenerateJSON(ctx context.Context, prompt string) (map[string]interface{}, error)
}

// ErrorKind discriminates failure classes so callers can choose between
// retrying and degrading to rule-based defaults.
type ErrorKind string

const (
	// KindTransport covers network failures, timeouts, 429s and 5xx
	// responses. Retryable at the job level.
	KindTransport ErrorKind = "transport"
	// KindParse covers malformed or incomplete model output. Not
	// retryable; the caller falls back.
	KindParse ErrorKind = "parse"
	// KindBudget means the daily call budget is exhausted.
	KindBudget ErrorKind = "budget"
)

// ClassifyError wraps a provider failure with its kind.
type ClassifyError struct {
	Kind ErrorKind
	Err  error
}

func (e *ClassifyError) Error() string {
	return fmt.Sprintf("llm %s error: %v", e.Kind, e.Err)
}

func (e *ClassifyError) Unwrap() error { return e.Err }

// KindOf extracts the error kind, defaulting to transport for unwrapped
// errors (the conservative choice: transport errors are retried).
func KindOf(err error) ErrorKind {
	var ce *ClassifyError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindTransport
}

func transportErr(err error) error { return &ClassifyError{Kind: KindTransport, Err: err} }
func parseErr(err error) error     { return &ClassifyError{Kind: KindParse, Err: err} }

// ExtractJSON pulls the first JSON object out of a model response, which
// may wrap it in prose or a markdown fence.
func ExtractJSON(raw string) (json.RawMessage, error) {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in response")
	}
	candidate := s[start : end+1]
	if !json.Valid([]byte(candidate)) {
		return nil, fmt.Errorf("response JSON does not parse")
	}
	return json.RawMessage(candidate), nil
}

// decodeAnalysis parses a model response into an AnalysisResult,
// normalizing the fields the agents depend on.
func decodeAnalysis(raw string) (*AnalysisResult, error) {
	obj, err := ExtractJSON(raw)
	if err != nil {
		return nil, parseErr(err)
	}
	var res AnalysisResult
	if err := json.Unmarshal(obj, &res); err != nil {
		return nil, parseErr(err)
	}
	if res.Category == "" {
		return nil, parseErr(errors.New("analysis missing category"))
	}
	res.Category = strings.ToLower(strings.TrimSpace(res.Category))
	if res.Importance < 1 {
		res.Importance = 1
	}
	if res.Importance > 10 {
		res.Importance = 10
	}
	return &res, nil
}
