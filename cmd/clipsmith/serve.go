package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/clipsmith/clipsmith/internal/config"
	"github.com/clipsmith/clipsmith/internal/convo"
	"github.com/clipsmith/clipsmith/internal/jobs"
	"github.com/clipsmith/clipsmith/internal/llm"
	"github.com/clipsmith/clipsmith/internal/memory"
	"github.com/clipsmith/clipsmith/internal/server"
	"github.com/clipsmith/clipsmith/internal/telemetry"
	"github.com/clipsmith/clipsmith/internal/tools"
)

const defaultSystemPrompt = `You are a professional video editing AI agent.

For each step, you should:
1. Think about what needs to be done
2. Act by calling the appropriate tool
3. Observe the result
4. Reflect on whether you are making progress

Use the available video editing tools to complete multi-step requests.
When everything is done, call submit_final_answer with a summary and the
files you produced. Always explain your reasoning before acting.`

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the job server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	level := telemetry.ParseLevel(cfg.LogLevel)
	if verbose {
		level = slog.LevelDebug
	}
	logger := telemetry.NewLogger(os.Stderr, level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openConvoStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	mem := openMemoryStore(ctx, cfg, logger)
	if mem != nil {
		defer mem.Close()
	}

	client, model, err := llm.NewClientForModel(cfg.Model.Name)
	if err != nil {
		return fmt.Errorf("llm client: %w", err)
	}
	gen := llm.DefaultGenConfig()
	if cfg.Model.MaxTokens > 0 {
		gen.MaxTokens = cfg.Model.MaxTokens
	}
	if cfg.Model.Temperature > 0 {
		gen.Temperature = cfg.Model.Temperature
	}

	if err := os.MkdirAll(cfg.Outputs.Dir, 0755); err != nil {
		return fmt.Errorf("outputs dir: %w", err)
	}

	registry, err := buildRegistry(cfg.Outputs.Dir)
	if err != nil {
		return err
	}

	sink := &outputLog{logger: logger, memory: mem}
	post := jobs.NewPostProcessor(sink, logger)
	defer post.Close()
	registry.AddInvokeHook(post.Inspect)

	go func() {
		if err := jobs.WatchOutputs(ctx, cfg.Outputs.Dir, sink, logger); err != nil {
			logger.Warn("output watcher stopped", "error", err)
		}
	}()

	manager := jobs.NewManager(logger)
	defer manager.Shutdown()

	cleanup, err := manager.StartCleanup(cfg.Jobs.CleanupSchedule, cfg.Jobs.Retention.Std())
	if err != nil {
		return err
	}
	defer cleanup.Stop()

	runner := &jobs.Runner{
		Manager:  manager,
		Convo:    store,
		Memory:   mem,
		Settings: settingsSource(store),
		Client:   client,
		Registry: registry,
		Model:    model,
		Gen:      gen,
		Logger:   logger,
	}

	prompt := cfg.Model.SystemPrompt
	if prompt == "" {
		prompt = defaultSystemPrompt
	}
	srv := server.New(manager, runner, prompt, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(cfg.Server.Addr) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildRegistry assembles the tool catalog. RegisterMediaTools already
// includes the reserved submit_final_answer tool.
func buildRegistry(outputDir string) (*tools.Registry, error) {
	registry := tools.NewRegistry()
	if err := tools.RegisterMediaTools(registry, outputDir); err != nil {
		return nil, fmt.Errorf("media tools: %w", err)
	}
	return registry, nil
}

// openConvoStore connects to Postgres when a DSN is configured and
// falls back to the in-memory store for local development.
func openConvoStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (convo.Store, error) {
	if cfg.Database.DSN == "" {
		logger.Warn("no database configured, conversations are not durable")
		return convo.NewMemStore(), nil
	}
	store, err := convo.Connect(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	if err := store.InitSchema(ctx); err != nil {
		return nil, fmt.Errorf("database schema: %w", err)
	}
	return store, nil
}

// openMemoryStore builds the semantic memory store, preferring Voyage
// embeddings and falling back to Gemini. Missing keys disable memory.
func openMemoryStore(ctx context.Context, cfg config.Config, logger *slog.Logger) memory.Store {
	if !cfg.Memory.Enabled {
		return nil
	}

	var embedder memory.Embedder
	switch cfg.Memory.Embedder {
	case "voyage":
		if key := os.Getenv("VOYAGE_API_KEY"); key != "" {
			embedder = memory.NewVoyageEmbedder(key)
			break
		}
		logger.Warn("VOYAGE_API_KEY not set, trying gemini embeddings")
		fallthrough
	case "gemini":
		key := os.Getenv("GEMINI_API_KEY")
		if key == "" {
			logger.Warn("no embedding API key available, memory disabled")
			return nil
		}
		e, err := memory.NewGenAIEmbedder(ctx, key)
		if err != nil {
			logger.Warn("gemini embedder init failed, memory disabled", "error", err)
			return nil
		}
		embedder = e
	}

	store, err := memory.NewSQLiteStore(cfg.Memory.Path, embedder)
	if err != nil {
		logger.Warn("memory store open failed, memory disabled", "error", err)
		return nil
	}
	logger.Info("semantic memory enabled", "path", cfg.Memory.Path, "embedder", embedder.Name())
	return store
}

// settingsSource exposes pricing settings only when backed by Postgres.
func settingsSource(store convo.Store) jobs.SettingsSource {
	if pg, ok := store.(*convo.PGStore); ok {
		return jobs.PGSettings{Pool: pg.Pool()}
	}
	return nil
}

// outputLog records produced files and feeds them into semantic memory
// so later requests can reference earlier outputs.
type outputLog struct {
	logger *slog.Logger
	memory memory.Store
}

func (o *outputLog) RecordFile(ctx context.Context, path, tool string) error {
	o.logger.Info("output produced", "path", path, "tool", tool)
	return nil
}

func (o *outputLog) EnqueueIndex(ctx context.Context, path string) error {
	if o.memory == nil {
		return nil
	}
	return o.memory.Index(ctx, memory.Turn{
		SessionID:     "outputs",
		UserText:      "produced file " + path,
		AssistantText: path,
	})
}
