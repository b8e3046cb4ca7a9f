package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/ricordo/pkg/chat"
	"github.com/go-go-golems/ricordo/pkg/chunker"
	"github.com/go-go-golems/ricordo/pkg/config"
	"github.com/go-go-golems/ricordo/pkg/embeddings"
	"github.com/go-go-golems/ricordo/pkg/events"
	"github.com/go-go-golems/ricordo/pkg/indexer"
	"github.com/go-go-golems/ricordo/pkg/rag"
	"github.com/go-go-golems/ricordo/pkg/server"
	"github.com/go-go-golems/ricordo/pkg/store"
	"github.com/go-go-golems/ricordo/pkg/vectorindex"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "ricordo",
	Short: "Multi-model chat service with durable, searchable conversation memory",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := zerolog.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			Level(level)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp()
		if err != nil {
			return err
		}
		defer app.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		go func() {
			if err := app.router.RunLogSink(ctx, events.TopicChat, events.TopicIndexing); err != nil {
				log.Warn().Err(err).Msg("event log sink stopped")
			}
		}()

		srv := server.New(app.cfg.Server.Addr, app.store, app.orchestrator, app.registry, app.search, app.indexer)
		return srv.Start(ctx)
	},
}

var indexDaysLimit int

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Run one synchronous indexing pass over the conversation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp()
		if err != nil {
			return err
		}
		defer app.Close()

		indexed, err := app.indexer.RunOnce(cmd.Context(), indexDaysLimit)
		if err != nil {
			return err
		}
		log.Info().Int("chunks", indexed).Msg("indexing run complete")
		return nil
	},
}

// app holds the wired service graph.
type app struct {
	cfg          *config.Config
	store        *store.Store
	router       *events.Router
	registry     *chat.Registry
	orchestrator *chat.Orchestrator
	search       *rag.SearchService
	indexer      *indexer.Service
}

func (a *app) Close() {
	if a.router != nil {
		_ = a.router.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

func buildApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	st, err := store.New(cfg.Store.DSN)
	if err != nil {
		return nil, err
	}

	index, err := vectorindex.New(st.DB())
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	if err := index.Load(context.Background()); err != nil {
		_ = st.Close()
		return nil, err
	}

	registry := chat.NewRegistry()
	for name, mc := range cfg.Models {
		engine := chat.NewOpenAIEngine(mc.APIKey(), mc.BaseURL, mc.Model)
		registry.Register(name, engine, mc.SystemPrompt)
	}

	provider := embeddings.NewOpenAIProvider(
		cfg.Embeddings.APIKey(),
		go_openai.EmbeddingModel(cfg.Embeddings.Model),
		cfg.Embeddings.Dimensions,
		embeddings.WithBaseURL(cfg.Embeddings.BaseURL),
		embeddings.WithBatchSize(cfg.Embeddings.BatchSize),
	)

	summarizer := rag.NewOpenAISummarizer(cfg.Summarizer.APIKey(), cfg.Summarizer.BaseURL, cfg.Summarizer.Model)

	router := events.NewRouter()
	orchestrator := chat.NewOrchestrator(st, registry, router, cfg.UserID)
	search := rag.NewSearchService(provider, index, summarizer)
	indexSvc := indexer.New(st, chunker.New(cfg.Index.ChunkSize, cfg.Index.ChunkOverlap), provider, index, router)

	return &app{
		cfg:          cfg,
		store:        st,
		router:       router,
		registry:     registry,
		orchestrator: orchestrator,
		search:       search,
		indexer:      indexSvc,
	}, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	indexCmd.Flags().IntVar(&indexDaysLimit, "days-limit", 0, "only index messages from the last N days (0 = everything)")
	rootCmd.AddCommand(serveCmd, indexCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
