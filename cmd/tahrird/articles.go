package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/tahrirhq/tahrir/internal/core"
	"github.com/tahrirhq/tahrir/internal/ui"
)

var (
	articlesStatus   string
	articlesCategory string
	articlesSince    string
	articlesBreaking bool
	articlesLimit    int
)

var articlesCmd = &cobra.Command{
	Use:   "articles",
	Short: "List pipeline articles",
	Long: `List pipeline articles with optional filters.

--since accepts natural language ("2 hours ago", "yesterday") or an
RFC3339 timestamp.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runArticles(cmd.Context())
	},
}

func init() {
	articlesCmd.Flags().StringVar(&articlesStatus, "status", "", "filter by editorial status")
	articlesCmd.Flags().StringVar(&articlesCategory, "category", "", "filter by category")
	articlesCmd.Flags().StringVar(&articlesSince, "since", "", `only articles created after this time ("2 hours ago", RFC3339)`)
	articlesCmd.Flags().BoolVar(&articlesBreaking, "breaking", false, "only breaking articles inside the TTL window")
	articlesCmd.Flags().IntVar(&articlesLimit, "limit", 50, "max rows")
	rootCmd.AddCommand(articlesCmd)
}

// parseSince turns a human time phrase into a timestamp.
func parseSince(text string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, text); err == nil {
		return ts, nil
	}
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(text, time.Now())
	if err != nil || r == nil {
		return time.Time{}, fmt.Errorf("cannot parse time %q", text)
	}
	return r.Time, nil
}

func runArticles(ctx context.Context) error {
	st, err := openReadStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	var arts []*core.Article
	if articlesBreaking {
		arts, err = st.ListBreaking(ctx, settings.BreakingTTL)
	} else {
		filter := core.ArticleFilter{
			Limit:  articlesLimit,
			SortBy: core.SortCreatedAt,
		}
		if articlesStatus != "" {
			s := core.Status(articlesStatus)
			if !s.IsValid() {
				return fmt.Errorf("unknown status %q", articlesStatus)
			}
			filter.Status = &s
		}
		if articlesCategory != "" {
			c := core.Category(articlesCategory)
			if !c.IsValid() {
				return fmt.Errorf("unknown category %q", articlesCategory)
			}
			filter.Category = &c
		}
		if articlesSince != "" {
			ts, perr := parseSince(articlesSince)
			if perr != nil {
				return perr
			}
			filter.CreatedAfter = &ts
		}
		arts, err = st.ListArticles(ctx, filter)
	}
	if err != nil {
		return err
	}
	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(arts)
	}

	tbl := ui.NewTable("ID", "STATUS", "URGENCY", "SCORE", "SOURCE", "AGE", "TITLE")
	for _, a := range arts {
		raw := []string{
			strconv.FormatInt(a.ID, 10),
			string(a.Status),
			string(a.Urgency),
			strconv.Itoa(a.ImportanceScore),
			a.SourceName,
			relTime(a.CreatedAt),
			a.Title,
		}
		styled := append([]string(nil), raw...)
		styled[1] = ui.RenderArticleStatus(a.Status)
		styled[2] = ui.RenderUrgency(a.Urgency, a.IsBreaking)
		if a.IsBreaking {
			raw[2] = "BREAKING"
		}
		tbl.AddRow(raw, styled)
	}
	fmt.Print(tbl.Render(ui.TerminalWidth()))
	fmt.Println(ui.MutedStyle.Render(fmt.Sprintf("%d article(s)", len(arts))))
	return nil
}
