// Package kb turns a plain-text knowledge base into embedded passages.
package kb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/c2stem/copa/internal/domain"
	"github.com/c2stem/copa/internal/llm"
	"github.com/c2stem/copa/internal/retry"
)

// DefaultBatchSize is how many passages are embedded per upstream call.
const DefaultBatchSize = 32

var (
	blankLines   = regexp.MustCompile(`\n[ \t]*\n`)
	labelPattern = regexp.MustCompile(`^([A-Za-z0-9 _.-]{1,64}):\s*(.*)$`)
)

// Chunk is one passage before embedding.
type Chunk struct {
	ID    string
	Label string
	Text  string
}

// SplitOptions controls Split.
type SplitOptions struct {
	// Label is used for chunks without their own label, suffixed with the
	// chunk's position.
	Label string
	// LabelPrefix reads a leading "label: " from each chunk's first line.
	LabelPrefix bool
}

// Split cuts text into paragraphs separated by blank lines. Chunk IDs are
// derived from namespace, label and text so re-ingesting the same file
// replaces rather than duplicates.
func Split(namespace, text string, opts SplitOptions) []Chunk {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	base := opts.Label
	if base == "" {
		base = "passage"
	}

	var chunks []Chunk
	for _, para := range blankLines.Split(text, -1) {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		label := base + "-" + strconv.Itoa(len(chunks)+1)
		if opts.LabelPrefix {
			first, rest, _ := strings.Cut(para, "\n")
			if m := labelPattern.FindStringSubmatch(first); m != nil {
				label = strings.TrimSpace(m[1])
				para = strings.TrimSpace(m[2] + "\n" + rest)
			}
		}
		if para == "" {
			continue
		}
		chunks = append(chunks, Chunk{
			ID:    uuid.NewSHA1(uuid.NameSpaceURL, []byte(namespace+"\x00"+label+"\x00"+para)).String(),
			Label: label,
			Text:  para,
		})
	}
	return chunks
}

// Upserter stores embedded passages.
type Upserter interface {
	Upsert(ctx context.Context, passages []domain.Passage) error
}

// Ingester embeds chunks in batches and upserts them.
type Ingester struct {
	Embedder  llm.Embedder
	Adapter   *retry.Adapter
	Index     Upserter
	Namespace string
	BatchSize int
	Logger    *slog.Logger
}

var errEmbeddingShape = errors.New("embedding count does not match batch size")

// Ingest embeds and stores every chunk, returning how many were stored.
// It stops at the first batch that cannot be embedded or stored.
func (in *Ingester) Ingest(ctx context.Context, chunks []Chunk) (int, error) {
	logger := in.Logger
	if logger == nil {
		logger = slog.Default()
	}
	size := in.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	adapter := in.Adapter
	if adapter == nil {
		adapter = retry.New(3, 0, llm.IsTransient)
	}

	stored := 0
	for start := 0; start < len(chunks); start += size {
		end := min(start+size, len(chunks))
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}
		vectors, err := retry.Call(ctx, adapter, "embed passages", func(ctx context.Context) ([][]float32, error) {
			return in.Embedder.Embed(ctx, texts)
		}, nil)
		if err != nil {
			return stored, fmt.Errorf("embed batch at %d: %w", start, err)
		}
		if len(vectors) != len(batch) {
			return stored, fmt.Errorf("embed batch at %d: %w", start, errEmbeddingShape)
		}

		passages := make([]domain.Passage, len(batch))
		for i, c := range batch {
			passages[i] = domain.Passage{
				ID:        c.ID,
				Namespace: in.Namespace,
				Label:     c.Label,
				Text:      c.Text,
				Embedding: vectors[i],
			}
		}
		if err := in.Index.Upsert(ctx, passages); err != nil {
			return stored, fmt.Errorf("store batch at %d: %w", start, err)
		}
		stored += len(passages)
		logger.Info("ingested batch", "namespace", in.Namespace, "stored", stored, "total", len(chunks))
	}
	return stored, nil
}
