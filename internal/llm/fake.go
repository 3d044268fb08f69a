package llm

import (
	"context"
	"sync"
)

// Fake is a scriptable in-memory Client for tests. Zero value returns
// empty results; set the fields to script responses or failures.
type Fake struct {
	mu sync.Mutex

	Analysis    *AnalysisResult
	AnalysisErr error
	Text        string
	TextErr     error
	JSON        map[string]interface{}
	JSONErr     error

	AnalyzeCalls  int
	GenerateCalls int
	JSONCalls     int
	LastPrompt    string
}

func (f *Fake) AnalyzeNews(ctx context.Context, text, source string) (*AnalysisResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.AnalyzeCalls++
	if f.AnalysisErr != nil {
		return nil, f.AnalysisErr
	}
	if f.Analysis == nil {
		return &AnalysisResult{Category: "international", Importance: 5}, nil
	}
	cp := *f.Analysis
	return &cp, nil
}

func (f *Fake) GenerateText(ctx context.Context, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.GenerateCalls++
	f.LastPrompt = prompt
	return f.Text, f.TextErr
}

func (f *Fake) GenerateJSON(ctx context.Context, prompt string) (map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.JSONCalls++
	f.LastPrompt = prompt
	if f.JSONErr != nil {
		return nil, f.JSONErr
	}
	return f.JSON, nil
}

var _ Client = (*Fake)(nil)
