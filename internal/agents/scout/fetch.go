package scout

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"github.com/tahrirhq/tahrir/internal/core"
)

// Item is one entry pulled from a source, before sanitization.
type Item struct {
	Title       string
	URL         string
	Summary     string
	Body        string
	ImageURL    string
	PublishedAt *time.Time
}

// Fetcher pulls raw entries from a source. The default implementation
// parses RSS or scrapes HTML depending on the source type; tests inject
// a fake.
type Fetcher interface {
	Fetch(ctx context.Context, src *core.Source) ([]Item, error)
}

// FeedFetcher is the production fetcher.
type FeedFetcher struct {
	parser *gofeed.Parser
	client *http.Client
}

// NewFetcher builds a fetcher with sane network timeouts.
func NewFetcher() *FeedFetcher {
	client := &http.Client{Timeout: 20 * time.Second}
	parser := gofeed.NewParser()
	parser.Client = client
	parser.UserAgent = "tahrir-scout/1.0"
	return &FeedFetcher{parser: parser, client: client}
}

func (f *FeedFetcher) Fetch(ctx context.Context, src *core.Source) ([]Item, error) {
	switch src.Type {
	case core.SourceTypeScrape:
		return f.scrape(ctx, src)
	default:
		return f.parseFeed(ctx, src)
	}
}

func (f *FeedFetcher) parseFeed(ctx context.Context, src *core.Source) ([]Item, error) {
	feed, err := f.parser.ParseURLWithContext(src.URL, ctx)
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", src.Name, err)
	}
	items := make([]Item, 0, len(feed.Items))
	for _, it := range feed.Items {
		if it == nil || it.Link == "" || it.Title == "" {
			continue
		}
		item := Item{
			Title:       it.Title,
			URL:         it.Link,
			Summary:     it.Description,
			Body:        it.Content,
			PublishedAt: it.PublishedParsed,
		}
		if item.Body == "" {
			item.Body = it.Description
		}
		if it.Image != nil {
			item.ImageURL = it.Image.URL
		}
		items = append(items, item)
	}
	return items, nil
}

// scrape pulls headline links out of a listing page. Scraped items carry
// no body; the downstream gates treat them as headline-only entries.
func (f *FeedFetcher) scrape(ctx context.Context, src *core.Source) ([]Item, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", src.Name, err)
	}
	req.Header.Set("User-Agent", "tahrir-scout/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", src.Name, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch %s: status %d", src.Name, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse html %s: %w", src.Name, err)
	}

	base, _ := url.Parse(src.URL)
	var items []Item
	seen := map[string]bool{}
	doc.Find("article a, h1 a, h2 a, h3 a").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		title := strings.TrimSpace(sel.Text())
		if title == "" || len([]rune(title)) < 8 {
			return
		}
		link := resolveURL(base, href)
		if link == "" || seen[link] {
			return
		}
		seen[link] = true
		items = append(items, Item{Title: title, URL: link})
	})
	return items, nil
}

func resolveURL(base *url.URL, href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}
