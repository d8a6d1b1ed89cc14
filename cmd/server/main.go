// Copa - tutoring dialogue server
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/c2stem/copa/internal/api"
	"github.com/c2stem/copa/internal/config"
	"github.com/c2stem/copa/internal/eventlog"
	"github.com/c2stem/copa/internal/identity"
	"github.com/c2stem/copa/internal/llm"
	"github.com/c2stem/copa/internal/middleware"
	"github.com/c2stem/copa/internal/prompts"
	"github.com/c2stem/copa/internal/retrieval"
	"github.com/c2stem/copa/internal/retry"
	"github.com/c2stem/copa/internal/session"
	"github.com/c2stem/copa/internal/store"
	"github.com/c2stem/copa/internal/transport"
	"github.com/c2stem/copa/internal/vectorsearch"
	"github.com/c2stem/copa/web"
)

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	level.Set(cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "vector_backend", cfg.Vector.Backend)

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	repo, err := store.NewSQLiteFromDB(db, logger)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("initialize repository: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	slog.Info("Database connected", "path", cfg.DBPath)

	retrievalLog, err := eventlog.New(eventlog.Config{
		Path:      cfg.EventLog.RetrievalLogPath,
		QueueSize: cfg.EventLog.QueueSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize retrieval log: %w", err)
	}
	defer closeLog("retrieval", retrievalLog)

	conversationLog, err := eventlog.New(eventlog.Config{
		Dir:       cfg.EventLog.ConversationDir,
		QueueSize: cfg.EventLog.QueueSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize conversation log: %w", err)
	}
	defer closeLog("conversation", conversationLog)

	searcher, closeSearcher, err := newSearcher(cfg, db, logger)
	if err != nil {
		return err
	}
	defer closeSearcher()

	if cfg.Completion.APIKey == "" {
		slog.Warn("ANTHROPIC_API_KEY not set, every reply will be the fallback message")
	}
	completer := llm.NewAnthropicCompleter(cfg.Completion.APIKey, cfg.Completion.Model, cfg.Completion.MaxTokens)

	var embedder llm.Embedder
	if cfg.Embedding.APIKey == "" {
		slog.Warn("GEMINI_API_KEY not set, retrieval will use the fallback context")
		embedder = llm.EmbedderFunc(func(context.Context, []string) ([][]float32, error) {
			return nil, errors.New("embedding service not configured")
		})
	} else {
		embedder, err = llm.NewGenAIEmbedder(ctx, cfg.Embedding.APIKey, cfg.Embedding.Model, llm.TaskRetrievalQuery)
		if err != nil {
			return fmt.Errorf("initialize embedder: %w", err)
		}
	}

	adapter := retry.New(cfg.Retry.MaxRetries, cfg.Retry.BackoffBase, llm.IsTransient,
		retry.WithLogger(logger),
		retry.WithAttemptTimeout(cfg.Retry.UpstreamTimeout),
	)

	promptSet := prompts.Load(cfg.Prompts, logger)

	orchestrator := retrieval.New(retrieval.Config{
		Completer: completer,
		Embedder:  embedder,
		Searcher:  searcher,
		Adapter:   adapter,
		FewShot:   promptSet.FewShot,
		TopK:      cfg.Vector.TopK,
		Sink:      retrievalLog,
		Logger:    logger,
	})

	sessions := session.NewRegistry(session.Deps{
		Completer:     completer,
		Retriever:     orchestrator,
		Adapter:       adapter,
		Prompts:       promptSet,
		AgentName:     cfg.AgentName,
		WordThreshold: cfg.Dialogue.WordThreshold,
		RefreshEvery:  cfg.Dialogue.KnowledgeRefreshEvery,
		MutedActions:  cfg.MutedActions,
		MasteryFields: cfg.MasteryFields,
		Transcripts:   repo,
		Journal:       conversationLog,
		Logger:        logger,
	})

	conns := transport.NewConnManager()
	sessions.OnTeardown(func(username, runID string) {
		conns.CloseUser(username)
		conversationLog.Log(eventlog.Entry{
			Kind:     eventlog.KindSession,
			Username: username,
			RunID:    runID,
			Content:  "session closed",
		})
	})

	limiter := api.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	defer limiter.Close()

	apiHandler := api.NewHandler(repo, sessions, limiter, cfg)
	wsHandler := transport.NewHandler(sessions, conns, cfg.FrontendURL, cfg.IsDevelopment(), logger)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.RequestLog(logger))
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(allowedOrigins(cfg)))

	apiHandler.RegisterRoutes(r, identity.Middleware(repo))
	r.Get("/app/ws/data", wsHandler.ServeHTTP)
	r.Handle("/*", web.ViewerHandler())

	// Event sockets and chat turns are long-lived; no WriteTimeout.
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return session.RunReaper(gctx, sessions, session.ReaperConfig{
			IdleTTL:   cfg.SessionIdleTTL,
			Retention: cfg.TranscriptRetention,
			Cleaner:   repo,
		}, logger)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
		if err := sessions.CloseAll(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("close sessions: %w", err))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

// newSearcher opens the configured vector backend. The SQLite index shares
// the repository's database handle.
func newSearcher(cfg *config.Config, db *sql.DB, logger *slog.Logger) (vectorsearch.Searcher, func(), error) {
	switch cfg.Vector.Backend {
	case "grpc":
		idx, err := vectorsearch.NewGRPCIndex(vectorsearch.DefaultGRPCConfig(cfg.Vector.Addr, cfg.Vector.Namespace), logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect vector service: %w", err)
		}
		slog.Info("Connected to vector service", "addr", cfg.Vector.Addr, "namespace", cfg.Vector.Namespace)
		return idx, idx.Close, nil
	default:
		idx, err := vectorsearch.NewSQLiteIndex(db, cfg.Vector.Namespace, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize vector index: %w", err)
		}
		if n, err := idx.Count(context.Background()); err == nil {
			slog.Info("Local vector index ready", "namespace", cfg.Vector.Namespace, "passages", n)
			if n == 0 {
				slog.Warn("Knowledge base is empty; load it with kbload ingest")
			}
		}
		return idx, func() {}, nil
	}
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() || cfg.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}

func closeLog(name string, l *eventlog.Log) {
	if err := l.Close(); err != nil {
		slog.Error("Failed to close event log", "log", name, "error", err)
	}
}
