package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/c2stem/copa/internal/llm"
)

var searchTopK int

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Query the local vector index",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		emb := embeddingConfig()
		if emb.APIKey == "" {
			return errors.New("GEMINI_API_KEY is required to embed the query")
		}
		ctx := cmd.Context()
		embedder, err := llm.NewGenAIEmbedder(ctx, emb.APIKey, emb.Model, llm.TaskRetrievalQuery)
		if err != nil {
			return err
		}
		vectors, err := embedder.Embed(ctx, []string{strings.Join(args, " ")})
		if err != nil {
			return fmt.Errorf("embed query: %w", err)
		}

		idx, closeDB, err := openIndex()
		if err != nil {
			return err
		}
		defer closeDB()

		matches, err := idx.Search(ctx, vectors[0], searchTopK)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SCORE\tLABEL\tTEXT")
		for _, m := range matches {
			text := m.Text
			if len(text) > 80 {
				text = text[:77] + "..."
			}
			fmt.Fprintf(w, "%.3f\t%s\t%s\n", m.Score, m.Label, strings.ReplaceAll(text, "\n", " "))
		}
		return w.Flush()
	},
}

func init() {
	searchCmd.Flags().IntVarP(&searchTopK, "top-k", "k", 3, "Number of passages to return")
}
