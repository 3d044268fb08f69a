package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tahrirhq/tahrir/internal/core"
	"github.com/tahrirhq/tahrir/internal/ui"
)

var (
	enqueueEntity   string
	enqueuePayload  string
	enqueueCoalesce int
	apiAddr         string
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <job_type>",
	Short: "Enqueue a pipeline job on a running daemon",
	Long: `Enqueue a job over the daemon's HTTP API.

Job types: scout_cycle, router_batch, scribe_draft, trend_scan,
published_monitor_scan, queue_maintenance.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEnqueue(cmd.Context(), args[0])
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pipeline statistics from a running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd.Context())
	},
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueEntity, "entity", "", "dedup key; jobs with the same type and entity coalesce")
	enqueueCmd.Flags().StringVar(&enqueuePayload, "payload", "", "JSON payload body")
	enqueueCmd.Flags().IntVar(&enqueueCoalesce, "coalesce", 0, "coalesce window in seconds")
	for _, c := range []*cobra.Command{enqueueCmd, statusCmd} {
		c.Flags().StringVar(&apiAddr, "addr", "", "daemon API address (default from http_addr setting)")
	}
	rootCmd.AddCommand(enqueueCmd, statusCmd)
}

// apiBaseURL resolves the daemon address. A bare ":8080" from settings
// targets localhost.
func apiBaseURL() string {
	addr := apiAddr
	if addr == "" {
		addr = settings.HTTPAddr
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/")
}

func apiRequest(ctx context.Context, method, path string, body []byte) (map[string]interface{}, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, apiBaseURL()+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("daemon unreachable at %s: %w", apiBaseURL(), err)
	}
	defer resp.Body.Close()

	var decoded map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("unexpected response (%s)", resp.Status)
	}
	if resp.StatusCode >= 400 {
		msg, _ := decoded["message"].(string)
		if msg == "" {
			msg = resp.Status
		}
		return nil, fmt.Errorf("daemon rejected request: %s", msg)
	}
	return decoded, nil
}

func runEnqueue(ctx context.Context, jobType string) error {
	if !core.JobType(jobType).IsValid() {
		return fmt.Errorf("unknown job type %q", jobType)
	}
	reqBody := map[string]interface{}{
		"job_type":         jobType,
		"entity_id":        enqueueEntity,
		"actor_name":       "cli",
		"actor_kind":       "editor",
		"coalesce_seconds": enqueueCoalesce,
	}
	if enqueuePayload != "" {
		var payload interface{}
		if err := json.Unmarshal([]byte(enqueuePayload), &payload); err != nil {
			return fmt.Errorf("--payload is not valid JSON: %w", err)
		}
		reqBody["payload"] = payload
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}

	decoded, err := apiRequest(ctx, http.MethodPost, "/api/jobs", body)
	if err != nil {
		return err
	}
	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(decoded)
	}
	data, _ := decoded["data"].(map[string]interface{})
	id, _ := data["id"].(string)
	status, _ := data["status"].(string)
	fmt.Printf("%s job %s (%s)\n", ui.PassStyle.Render("enqueued"), shortID(id), status)
	fmt.Println(ui.MutedStyle.Render("watch: tahrird jobs --type " + jobType))
	return nil
}

func runStatus(ctx context.Context) error {
	decoded, err := apiRequest(ctx, http.MethodGet, "/api/status", nil)
	if err != nil {
		return err
	}
	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(decoded)
	}

	data, _ := decoded["data"].(map[string]interface{})
	meta, _ := decoded["meta"].(map[string]interface{})

	fmt.Println(ui.HeaderStyle.Render("pipeline"))
	for _, key := range []string{"active_sources", "clusters", "drafts_pending", "breaking_active", "dead_letters"} {
		if v, ok := data[key]; ok {
			fmt.Printf("  %-18s %v\n", key, v)
		}
	}
	if byStatus, ok := data["articles_by_status"].(map[string]interface{}); ok {
		fmt.Println(ui.HeaderStyle.Render("articles by status"))
		for status, n := range byStatus {
			fmt.Printf("  %-24s %v\n", ui.RenderArticleStatus(core.Status(status)), n)
		}
	}
	if byStatus, ok := data["jobs_by_status"].(map[string]interface{}); ok {
		fmt.Println(ui.HeaderStyle.Render("jobs by status"))
		for status, n := range byStatus {
			fmt.Printf("  %-24s %v\n", ui.RenderJobStatus(core.JobStatus(status)), n)
		}
	}
	fmt.Println(ui.HeaderStyle.Render("llm"))
	fmt.Printf("  %-18s %v / %v\n", "calls today", meta["ai_calls_today"], meta["llm_daily_budget"])
	if healthy, ok := meta["cache_healthy"].(bool); ok && !healthy {
		fmt.Println(ui.WarnStyle.Render("  cache degraded: running on in-process fallback"))
	}
	return nil
}
