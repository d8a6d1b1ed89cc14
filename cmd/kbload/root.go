package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/c2stem/copa/internal/config"
	"github.com/c2stem/copa/internal/store"
	"github.com/c2stem/copa/internal/vectorsearch"
)

// Global flags
var (
	dbPath    string
	namespace string
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "kbload",
	Short: "Load and serve the retrieval knowledge base",
	Long: `kbload embeds plain-text knowledge base files into the local SQLite
vector index used by the tutoring server, and can expose that index to other
servers over gRPC.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := godotenv.Load(); err == nil {
			slog.Debug("Loaded .env")
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(logLevel)})))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", envOr("DB_PATH", "./data/copa.db"), "SQLite database path")
	rootCmd.PersistentFlags().StringVar(&namespace, "namespace", envOr("KB_NAMESPACE", "c2stem"), "Knowledge base namespace")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug|info|warn|error)")

	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(serveCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}

// openIndex opens the database and the namespace's vector index.
func openIndex() (*vectorsearch.SQLiteIndex, func(), error) {
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, nil, err
	}
	idx, err := vectorsearch.NewSQLiteIndex(db, namespace, slog.Default())
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return idx, func() { _ = db.Close() }, nil
}

// embeddingConfig reads the embedding model settings the server uses.
func embeddingConfig() config.EmbeddingConfig {
	return config.EmbeddingConfig{
		Model:  envOr("EMBEDDING_MODEL", "gemini-embedding-001"),
		APIKey: os.Getenv("GEMINI_API_KEY"),
	}
}
