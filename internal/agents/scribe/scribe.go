// Package scribe turns approved articles into publishable draft
// revisions. The LLM writes the piece as structured JSON; the body is
// sanitized to an allow-list before it becomes an EditorialDraft, and
// the article moves on to DRAFT_GENERATED.
package scribe

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/tahrirhq/tahrir/internal/config"
	"github.com/tahrirhq/tahrir/internal/core"
	"github.com/tahrirhq/tahrir/internal/drafts"
	"github.com/tahrirhq/tahrir/internal/llm"
	"github.com/tahrirhq/tahrir/internal/store"
)

// AgentActor identifies scribe-authored revisions in the decision log.
var AgentActor = core.Actor{Name: "scribe", Kind: "agent"}

// Stats is the batch run summary.
type Stats struct {
	Generated int `json:"generated"`
	Fallbacks int `json:"fallbacks"`
	Failures  int `json:"failures"`
}

// Agent drafts articles through the LLM.
type Agent struct {
	store    store.Storage
	drafts   *drafts.Service
	llm      llm.Client
	settings *config.Settings
	log      *zap.Logger

	sanitizer *bluemonday.Policy
	model     string
	tmpl      *template.Template
}

// New wires a scribe agent. The body sanitizer is the UGC allow-list:
// structural and inline markup survives, scripts and styles do not.
func New(st store.Storage, svc *drafts.Service, client llm.Client, settings *config.Settings, log *zap.Logger) *Agent {
	model := settings.AnthropicModel
	if settings.LLMProvider == "openai" {
		model = settings.OpenAIModel
	}
	return &Agent{
		store:     st,
		drafts:    svc,
		llm:       client,
		settings:  settings,
		log:       log.Named("scribe"),
		sanitizer: bluemonday.UGCPolicy(),
		model:     model,
		tmpl:      template.Must(template.New("draft").Parse(draftPromptTemplate)),
	}
}

const draftPromptTemplate = `أنت محرر صحفي محترف في غرفة أخبار جزائرية. أعد صياغة الخبر التالي كمقال جاهز للنشر بالعربية الفصحى، بأسلوب الهرم المقلوب.

العنوان الأصلي: {{.Title}}
القسم: {{.Category}}
{{if .Summary}}الملخص: {{.Summary}}
{{end}}النص:
{{.Body}}

أجب بكائن JSON فقط بالمفاتيح التالية:
{"headline": "عنوان جديد جذاب ودقيق", "body_html": "<p>فقرات المقال</p>", "seo_title": "عنوان لمحركات البحث", "seo_description": "وصف قصير", "tags": ["وسم"]}`

// draftContent is the parsed and sanitized LLM output.
type draftContent struct {
	Headline string
	BodyHTML string
	SEOTitle string
	SEODesc  string
	Tags     []string
	Fallback bool
}

// GenerateDraft produces the next draft revision for the article. A
// non-empty workID regenerates inside an existing work; empty starts a
// new one. Parse failures degrade to a pass-through draft of the
// original content instead of failing the job.
func (a *Agent) GenerateDraft(ctx context.Context, articleID int64, workID string) (*core.EditorialDraft, error) {
	art, err := a.store.GetArticle(ctx, articleID)
	if err != nil {
		return nil, fmt.Errorf("load article: %w", err)
	}
	switch art.Status.Normalize() {
	case core.StatusApprovedHandoff, core.StatusDraftGenerated, core.StatusApproved:
	default:
		return nil, fmt.Errorf("article %d not ready for drafting (status %s)", articleID, art.Status)
	}

	content, err := a.compose(ctx, art)
	if err != nil {
		return nil, err
	}

	origin := "llm"
	model := a.model
	if content.Fallback {
		origin = "passthrough"
		model = ""
	}
	draft, err := a.drafts.NewVersion(ctx, drafts.NewVersionInput{
		ArticleID:    art.ID,
		WorkID:       workID,
		Title:        content.Headline,
		Body:         content.BodyHTML,
		SEOTitle:     content.SEOTitle,
		SEODesc:      content.SEODesc,
		Tags:         content.Tags,
		SourceAction: "generate_draft",
		ChangeOrigin: origin,
		Model:        model,
		Actor:        AgentActor,
	})
	if err != nil {
		return nil, err
	}

	if art.Status.Normalize() == core.StatusApprovedHandoff {
		if err := a.store.TransitionArticle(ctx, art.ID, core.StatusDraftGenerated, "draft generated"); err != nil {
			return nil, fmt.Errorf("transition after draft: %w", err)
		}
	}

	a.log.Info("draft generated",
		zap.Int64("article_id", art.ID),
		zap.String("work_id", draft.WorkID),
		zap.Int("version", draft.Version),
		zap.String("origin", origin))
	return draft, nil
}

// Run drafts a batch of handoff articles, isolating per-article
// failures.
func (a *Agent) Run(ctx context.Context, limit int) (*Stats, error) {
	if limit <= 0 {
		limit = 10
	}
	status := core.StatusApprovedHandoff
	batch, err := a.store.ListArticles(ctx, core.ArticleFilter{
		Status:    &status,
		SortBy:    core.SortCreatedAt,
		Ascending: true,
		Limit:     limit,
	})
	if err != nil {
		return nil, err
	}

	stats := &Stats{}
	for _, art := range batch {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		draft, err := a.GenerateDraft(ctx, art.ID, "")
		if err != nil {
			stats.Failures++
			a.log.Warn("draft generation failed",
				zap.Int64("article_id", art.ID), zap.Error(err))
			continue
		}
		stats.Generated++
		if draft.ChangeOrigin == "passthrough" {
			stats.Fallbacks++
		}
	}
	return stats, nil
}

// compose asks the LLM for the article JSON and sanitizes it. Transport
// and budget errors surface to the caller for retry; parse errors fall
// back to the original content.
func (a *Agent) compose(ctx context.Context, art *core.Article) (*draftContent, error) {
	if a.llm == nil {
		return a.passthrough(art), nil
	}

	var buf bytes.Buffer
	if err := a.tmpl.Execute(&buf, map[string]string{
		"Title":    art.Title,
		"Category": string(art.Category),
		"Summary":  art.Summary,
		"Body":     art.Body,
	}); err != nil {
		return nil, fmt.Errorf("render prompt: %w", err)
	}

	obj, err := a.llm.GenerateJSON(ctx, buf.String())
	if err != nil {
		if llm.KindOf(err) == llm.KindParse {
			a.log.Warn("model returned unparseable draft, passing original through",
				zap.Int64("article_id", art.ID), zap.Error(err))
			return a.passthrough(art), nil
		}
		return nil, fmt.Errorf("generate draft: %w", err)
	}

	content := &draftContent{
		Headline: asString(obj["headline"]),
		BodyHTML: a.sanitizer.Sanitize(asString(obj["body_html"])),
		SEOTitle: asString(obj["seo_title"]),
		SEODesc:  asString(obj["seo_description"]),
		Tags:     asStrings(obj["tags"]),
	}
	if content.Headline == "" {
		content.Headline = art.Title
	}
	if strings.TrimSpace(content.BodyHTML) == "" {
		content.BodyHTML = paragraphs(art.Body)
	}
	return content, nil
}

// passthrough wraps the article's own content as a draft so the
// editorial flow can continue without the model.
func (a *Agent) passthrough(art *core.Article) *draftContent {
	title := art.ArabicTitle
	if title == "" {
		title = art.Title
	}
	return &draftContent{
		Headline: title,
		BodyHTML: paragraphs(art.Body),
		Tags:     art.Keywords,
		Fallback: true,
	}
}

// paragraphs wraps plain text into <p> blocks on blank-line boundaries.
func paragraphs(text string) string {
	var b strings.Builder
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		b.WriteString("<p>")
		b.WriteString(para)
		b.WriteString("</p>\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asStrings(v interface{}) []string {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
