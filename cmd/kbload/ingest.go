package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/c2stem/copa/internal/kb"
	"github.com/c2stem/copa/internal/llm"
	"github.com/c2stem/copa/internal/retry"
)

var (
	ingestLabel       string
	ingestLabelPrefix bool
	ingestBatchSize   int
	ingestDryRun      bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>...",
	Short: "Embed text files into the vector index",
	Long: `Split each file on blank lines, embed the paragraphs and upsert them into
the namespace. Re-ingesting an unchanged paragraph replaces it in place.

Examples:
  kbload ingest kb/physics.txt
  kbload ingest --label-prefix kb/glossary.txt    # "velocity: ..." paragraphs
  kbload ingest --dry-run kb/*.txt`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestLabel, "label", "", "Label for paragraphs (default: file name)")
	ingestCmd.Flags().BoolVar(&ingestLabelPrefix, "label-prefix", false, `Read a leading "label:" from each paragraph`)
	ingestCmd.Flags().IntVar(&ingestBatchSize, "batch-size", kb.DefaultBatchSize, "Paragraphs per embedding call")
	ingestCmd.Flags().BoolVar(&ingestDryRun, "dry-run", false, "Print the split without embedding")
}

func runIngest(cmd *cobra.Command, args []string) error {
	var chunks []kb.Chunk
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		label := ingestLabel
		if label == "" {
			label = baseName(path)
		}
		chunks = append(chunks, kb.Split(namespace, string(data), kb.SplitOptions{Label: label, LabelPrefix: ingestLabelPrefix})...)
	}

	if ingestDryRun {
		out := cmd.OutOrStdout()
		for _, c := range chunks {
			fmt.Fprintf(out, "%s\t%s\t%d chars\n", c.ID, c.Label, len(c.Text))
		}
		return nil
	}

	emb := embeddingConfig()
	if emb.APIKey == "" {
		return errors.New("GEMINI_API_KEY is required to embed passages")
	}
	ctx := cmd.Context()
	embedder, err := llm.NewGenAIEmbedder(ctx, emb.APIKey, emb.Model, llm.TaskRetrievalDocument)
	if err != nil {
		return fmt.Errorf("initialize embedder: %w", err)
	}

	idx, closeDB, err := openIndex()
	if err != nil {
		return err
	}
	defer closeDB()

	in := &kb.Ingester{
		Embedder:  embedder,
		Adapter:   retry.New(5, time.Second, llm.IsTransient, retry.WithLogger(slog.Default())),
		Index:     idx,
		Namespace: namespace,
		BatchSize: ingestBatchSize,
		Logger:    slog.Default(),
	}
	stored, err := in.Ingest(ctx, chunks)
	if err != nil {
		return fmt.Errorf("ingest stopped after %d passages: %w", stored, err)
	}

	total, err := idx.Count(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stored %d passages; namespace %q now holds %d\n", stored, namespace, total)
	return nil
}

func baseName(path string) string {
	name := filepath.Base(path)
	return strings.TrimSuffix(name, filepath.Ext(name))
}
