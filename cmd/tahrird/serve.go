package main

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tahrirhq/tahrir/internal/agents/monitor"
	"github.com/tahrirhq/tahrir/internal/agents/router"
	"github.com/tahrirhq/tahrir/internal/agents/scout"
	"github.com/tahrirhq/tahrir/internal/agents/scribe"
	"github.com/tahrirhq/tahrir/internal/agents/trends"
	"github.com/tahrirhq/tahrir/internal/cache"
	"github.com/tahrirhq/tahrir/internal/cluster"
	"github.com/tahrirhq/tahrir/internal/config"
	"github.com/tahrirhq/tahrir/internal/core"
	"github.com/tahrirhq/tahrir/internal/drafts"
	"github.com/tahrirhq/tahrir/internal/events"
	"github.com/tahrirhq/tahrir/internal/httpapi"
	"github.com/tahrirhq/tahrir/internal/llm"
	"github.com/tahrirhq/tahrir/internal/notify"
	"github.com/tahrirhq/tahrir/internal/orchestrator"
	"github.com/tahrirhq/tahrir/internal/queue"
	"github.com/tahrirhq/tahrir/internal/store"
	"github.com/tahrirhq/tahrir/internal/store/memory"
	"github.com/tahrirhq/tahrir/internal/store/postgres"
	"github.com/tahrirhq/tahrir/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipeline daemon: queue workers, tick loops, HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	log := logger.Named("tahrird")
	if err := settings.Validate(); err != nil {
		return err
	}

	if telemetry.Enabled() {
		if err := telemetry.Init(ctx, "tahrird", Version); err != nil {
			log.Warn("telemetry init failed, continuing without", zap.Error(err))
		} else {
			defer telemetry.Shutdown(context.Background())
		}
	}

	st, err := openStore(ctx, settings.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if telemetry.Enabled() {
		st = telemetry.WrapStorage(st)
	}

	c := buildCache(settings, log)

	nc, cleanup, err := connectNATS(settings, log)
	if err != nil {
		return fmt.Errorf("connect NATS: %w", err)
	}
	defer cleanup()

	broker, err := queue.NewBroker(nc, core.QueueNames())
	if err != nil {
		return fmt.Errorf("provision streams: %w", err)
	}
	manager := queue.NewManager(st, broker, settings, log)
	worker := queue.NewWorker(st, broker, c, settings, log)
	hub := events.NewHub(nc, log)
	notifier := notify.FromSettings(settings, log)

	llmClient, err := llm.FromSettings(settings, c, log)
	if err != nil {
		return fmt.Errorf("build LLM client: %w", err)
	}

	lex, err := config.LoadLexicon(settings.LexiconDir)
	if err != nil {
		return fmt.Errorf("load lexicons: %w", err)
	}
	lexicons := config.NewLexiconHolder(lex)

	if err := seedSources(ctx, st, settings.SourcesFile, log); err != nil {
		return err
	}

	engine := cluster.New(st, log)
	draftSvc := drafts.NewService(st, log)
	agents := orchestrator.Agents{
		Scout:   scout.New(st, c, scout.NewFetcher(), settings, log),
		Router:  router.New(st, c, llmClient, engine, notifier, lexicons, settings, log),
		Scribe:  scribe.New(st, draftSvc, llmClient, settings, log),
		Trends:  trends.New(st, c, llmClient, trends.NewLoader(), settings, log),
		Monitor: monitor.New(st, c, llmClient, monitor.NewLoader(), notifier, lexicons, settings, log),
	}
	orch := orchestrator.New(st, manager, worker, hub, notifier, lexicons, agents, settings, log)
	api := httpapi.NewServer(st, c, orch, hub, broker, settings, log)

	log.Info("tahrird starting",
		zap.String("version", Version),
		zap.String("http_addr", settings.HTTPAddr),
		zap.String("data_dir", settings.DataDir))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orch.Run(ctx) })
	g.Go(func() error { return api.Serve(ctx) })
	return g.Wait()
}

// buildCache wires the daemon cache. The Redis backend always carries
// an in-process fallback so a Redis outage degrades instead of zeroing
// the dedup windows and the daily LLM budget counter.
func buildCache(s *config.Settings, log *zap.Logger) cache.Cache {
	if s.RedisAddr == "" {
		return cache.NewMemory()
	}
	return cache.NewRedis(s.RedisAddr, s.RedisDB, log,
		cache.WithFallback(cache.NewMemory()))
}

// openStore picks the backend from the DSN. "memory" runs everything
// in-process, for demos and smoke tests.
func openStore(ctx context.Context, dsn string) (store.Storage, error) {
	if dsn == "" || dsn == "memory" {
		return memory.New(), nil
	}
	return postgres.Open(ctx, dsn)
}

// connectNATS either dials an external broker or starts the embedded
// one under the data directory. The returned cleanup is safe to call
// once.
func connectNATS(s *config.Settings, log *zap.Logger) (*nats.Conn, func(), error) {
	if !s.NATSEmbedded && s.NATSURL != "" {
		nc, err := nats.Connect(s.NATSURL, nats.Name("tahrird"), nats.MaxReconnects(-1))
		if err != nil {
			return nil, nil, err
		}
		return nc, func() { nc.Close() }, nil
	}
	srv, err := queue.StartEmbedded(queue.EmbeddedConfig{
		StoreDir: queue.DefaultStoreDir(s.DataDir),
	})
	if err != nil {
		return nil, nil, err
	}
	log.Info("embedded NATS started", zap.Int("port", srv.Port()))
	return srv.Conn(), srv.Shutdown, nil
}

// seedSources upserts the feed roster from sources.yaml. A missing file
// is fine when sources were registered earlier.
func seedSources(ctx context.Context, st store.Storage, path string, log *zap.Logger) error {
	if path == "" {
		return nil
	}
	sources, err := config.LoadSources(path)
	if err != nil {
		return fmt.Errorf("load sources: %w", err)
	}
	if len(sources) == 0 {
		return nil
	}
	for i := range sources {
		if err := st.UpsertSource(ctx, &sources[i]); err != nil {
			return fmt.Errorf("upsert source %q: %w", sources[i].Name, err)
		}
	}
	log.Info("source roster loaded", zap.Int("count", len(sources)))
	return nil
}
