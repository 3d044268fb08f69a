package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tahrirhq/tahrir/internal/core"
)

// sourceEntry is the YAML shape of one catalog row.
type sourceEntry struct {
	Name        string  `yaml:"name"`
	URL         string  `yaml:"url"`
	Type        string  `yaml:"type"`
	Category    string  `yaml:"category"`
	Priority    int     `yaml:"priority"`
	Credibility float64 `yaml:"credibility"`
	Aggregator  bool    `yaml:"aggregator"`
	Local       bool    `yaml:"local"`
	Language    string  `yaml:"language"`
	Active      *bool   `yaml:"active"` // nil means active
}

type sourceCatalog struct {
	Sources []sourceEntry `yaml:"sources"`
}

// LoadSources parses the source catalog file. The catalog is upserted
// into the store at startup; a missing file yields an empty list so a
// fresh install starts clean.
func LoadSources(path string) ([]core.Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sources file %s: %w", path, err)
	}

	var catalog sourceCatalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("parse sources file %s: %w", path, err)
	}

	out := make([]core.Source, 0, len(catalog.Sources))
	for i, e := range catalog.Sources {
		if e.Name == "" || e.URL == "" {
			return nil, fmt.Errorf("sources[%d]: name and url are required", i)
		}
		st := core.SourceType(e.Type)
		if e.Type == "" {
			st = core.SourceTypeRSS
		}
		if !st.IsValid() {
			return nil, fmt.Errorf("sources[%d] %s: unknown type %q", i, e.Name, e.Type)
		}
		if e.Category != "" && !core.Category(e.Category).IsValid() {
			return nil, fmt.Errorf("sources[%d] %s: unknown category %q", i, e.Name, e.Category)
		}
		prio := e.Priority
		if prio < 1 {
			prio = 5
		} else if prio > 10 {
			prio = 10
		}
		cred := e.Credibility
		if cred <= 0 {
			cred = 0.5
		} else if cred > 1 {
			cred = 1
		}
		lang := e.Language
		if lang == "" {
			lang = "ar"
		}
		active := true
		if e.Active != nil {
			active = *e.Active
		}
		out = append(out, core.Source{
			Name:         e.Name,
			URL:          e.URL,
			Type:         st,
			Category:     core.Category(e.Category),
			Priority:     prio,
			Credibility:  cred,
			IsAggregator: e.Aggregator,
			IsLocal:      e.Local,
			Language:     lang,
			Active:       active,
		})
	}
	return out, nil
}
