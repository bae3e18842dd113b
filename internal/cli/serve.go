package cli

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/olehsavchenko/ava/internal/config"
	"github.com/olehsavchenko/ava/internal/logger"
	"github.com/olehsavchenko/ava/internal/observability"
	"github.com/olehsavchenko/ava/internal/tracing"
	"github.com/olehsavchenko/ava/pkg/docstore"
	"github.com/olehsavchenko/ava/pkg/engine"
	"github.com/olehsavchenko/ava/pkg/gateway"
	"github.com/olehsavchenko/ava/pkg/httpapi"
	"github.com/olehsavchenko/ava/pkg/model"
	"github.com/olehsavchenko/ava/pkg/registry"
	"github.com/olehsavchenko/ava/pkg/session"
	"github.com/olehsavchenko/ava/pkg/strategy"
	"github.com/olehsavchenko/ava/pkg/tools"
	"github.com/olehsavchenko/ava/pkg/vectorstore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ava server",
	Long: `Run the ava HTTP API in the foreground. The server opens the knowledge
and record stores, registers the builtin tools, and serves queries until
interrupted.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	lg, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer lg.Close()

	zl := lg.GetZerolog()
	log.Logger = zl
	zl.Info().Str("config", cfg.String()).Msg("Starting ava")

	if err := tracing.InitOpenTelemetry("ava", version); err != nil {
		zl.Warn().Err(err).Msg("Tracing unavailable")
	}
	defer tracing.ShutdownOpenTelemetry(context.Background())

	if err := observability.InitAuditLogger(filepath.Join(cfg.DataDir, "audit.jsonl")); err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer observability.GetAuditLogger().Close()

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	var embedder vectorstore.Embedder
	if cfg.Models.OpenAIKey != "" {
		embedder = vectorstore.NewOpenAIEmbedder(cfg.Models.OpenAIKey, cfg.Knowledge.EmbeddingModel)
	} else {
		zl.Warn().Msg("No OpenAI key, knowledge search runs keyword-only")
	}

	knowledge, err := vectorstore.New(vectorstore.Config{
		DBPath:   cfg.Knowledge.DBPath,
		Embedder: embedder,
		Logger:   zl,
	})
	if err != nil {
		return fmt.Errorf("failed to open knowledge store: %w", err)
	}
	defer knowledge.Close()

	records, err := docstore.New(docstore.Config{
		DBPath:   cfg.Records.DBPath,
		SkipSeed: !cfg.Records.Seed,
		Logger:   zl,
	})
	if err != nil {
		return fmt.Errorf("failed to open record store: %w", err)
	}
	defer records.Close()

	reg := registry.New()
	if err := tools.RegisterKnowledgeTools(reg, knowledge); err != nil {
		return err
	}
	if err := tools.RegisterRecordTools(reg, records); err != nil {
		return err
	}
	reg.Freeze()

	gw := gateway.New(reg, gateway.Config{
		Timeout:          cfg.Engine.ToolTimeout(),
		TransientRetries: 2,
	})

	sessions, err := session.NewManager(filepath.Join(cfg.DataDir, "sessions"), session.Config{
		HistoryTurnLimit: cfg.Engine.HistoryTurnLimit,
		TTL:              cfg.Engine.SessionTTL(),
	})
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer sessions.Close()

	sweeper := session.NewSweeper(sessions, session.DefaultSweepSchedule)
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("failed to start session sweeper: %w", err)
	}
	defer sweeper.Stop()

	eng, err := engine.New(sessions, strategy.Options{
		Provider:       provider,
		Gateway:        gw,
		Registry:       reg,
		Model:          cfg.Models.Model,
		System:         cfg.Models.SystemPrompt,
		Temperature:    cfg.Models.Temperature,
		MaxTokens:      cfg.Models.MaxTokens,
		MaxIterations:  cfg.Engine.MaxIterations,
		MaxRetries:     cfg.Engine.MaxRetries,
		StepLimit:      cfg.Engine.GraphStepLimit,
		ToolCallBudget: cfg.Engine.ToolCallBudget,
	}, engine.Config{DefaultStrategy: cfg.Engine.Strategy})
	if err != nil {
		return err
	}
	defer eng.Close()

	srv, err := httpapi.NewServer(httpapi.Config{
		Port:     cfg.Server.Port,
		Engine:   eng,
		Gateway:  gw,
		Registry: reg,
		Logger:   zl,
	})
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	watcher, err := config.NewWatcher(cfgFile, zl, func(next *config.Config) {
		zl.Info().Str("config", next.String()).Msg("Config file changed, restart to apply engine tunables")
		observability.RecordConfigAudit(context.Background(), "reload", "watcher", nil)
	})
	if err != nil {
		zl.Warn().Err(err).Msg("Config hot reload unavailable")
	} else {
		defer watcher.Stop()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	zl.Info().Msg("Shutting down")
	return srv.Stop()
}

// buildProvider creates the configured model provider
func buildProvider(cfg *config.Config) (model.Provider, error) {
	var key string
	switch cfg.Models.Provider {
	case "openai":
		key = cfg.Models.OpenAIKey
	case "anthropic":
		key = cfg.Models.AnthropicKey
	}
	if key == "" {
		return nil, fmt.Errorf("no API key configured for provider %s", cfg.Models.Provider)
	}
	return model.New(cfg.Models.Provider, key)
}
