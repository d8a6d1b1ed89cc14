// Package retrieval produces the domain context injected into a session's
// system prompt on its first turn.
package retrieval

import (
	"context"
	"log/slog"
	"strings"

	"github.com/c2stem/copa/internal/domain"
	"github.com/c2stem/copa/internal/llm"
	"github.com/c2stem/copa/internal/prompts"
	"github.com/c2stem/copa/internal/retry"
	"github.com/c2stem/copa/internal/vectorsearch"
)

// FallbackContext replaces the domain context when retrieval fails.
const FallbackContext = "No additional domain context is available for this question."

// passageSeparator joins retrieved passages.
const passageSeparator = "\n\n"

const summarizerInstruction = `You diagnose difficulties of students building physics simulations in a block-based programming environment.
Given the student's question and their current computational model, write a single paragraph describing the student's most likely difficulty.
Respond with the paragraph only.`

// RecordSink receives retrieval records. Implementations must not block.
type RecordSink interface {
	Record(rec domain.RetrievalRecord)
}

// Result is the outcome of one retrieval sequence.
type Result struct {
	QuerySummary  string
	DomainContext string
	// Degraded is set when the fallback context was used.
	Degraded bool
}

// Orchestrator composes summarization, embedding and vector search. All three
// upstream calls go through the same retry.Adapter.
type Orchestrator struct {
	completer llm.Completer
	embedder  llm.Embedder
	searcher  vectorsearch.Searcher
	adapter   *retry.Adapter
	fewShot   []prompts.Example
	topK      int
	sink      RecordSink
	logger    *slog.Logger
}

// Config wires an Orchestrator.
type Config struct {
	Completer llm.Completer
	Embedder  llm.Embedder
	Searcher  vectorsearch.Searcher
	Adapter   *retry.Adapter
	FewShot   []prompts.Example
	TopK      int
	Sink      RecordSink
	Logger    *slog.Logger
}

// New creates an Orchestrator. TopK defaults to 3.
func New(cfg Config) *Orchestrator {
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Adapter == nil {
		cfg.Adapter = retry.New(1, 0, llm.IsTransient)
	}
	return &Orchestrator{
		completer: cfg.Completer,
		embedder:  cfg.Embedder,
		searcher:  cfg.Searcher,
		adapter:   cfg.Adapter,
		fewShot:   cfg.FewShot,
		topK:      cfg.TopK,
		sink:      cfg.Sink,
		logger:    cfg.Logger,
	}
}

// Retrieve runs summarize, embed and search for one query. It never fails:
// upstream errors degrade to FallbackContext.
func (o *Orchestrator) Retrieve(ctx context.Context, username, runID, query, studentModel string) Result {
	logger := o.logger.With("user_id", username, "run_id", runID)

	summary := o.summarize(ctx, logger, query, studentModel)
	res := Result{QuerySummary: summary}
	res.DomainContext, res.Degraded = o.domainContext(ctx, logger, summary)

	if o.sink != nil {
		o.sink.Record(domain.RetrievalRecord{
			Timestamp:     domain.Now(),
			Username:      username,
			RunID:         runID,
			QuerySummary:  res.QuerySummary,
			DomainContext: res.DomainContext,
		})
	}
	return res
}

// summarize falls back to the raw query when the summarizer is unavailable.
func (o *Orchestrator) summarize(ctx context.Context, logger *slog.Logger, query, studentModel string) string {
	req := llm.Request{Messages: SummaryMessages(o.fewShot, query, studentModel)}
	summary, err := retry.Call(ctx, o.adapter, "summarize query", func(ctx context.Context) (string, error) {
		return o.completer.Complete(ctx, req)
	}, "")
	summary = strings.TrimSpace(summary)
	if err != nil || summary == "" {
		logger.Warn("query summary unavailable, using raw query", "error", err)
		return query
	}
	return summary
}

func (o *Orchestrator) domainContext(ctx context.Context, logger *slog.Logger, summary string) (string, bool) {
	vectors, err := retry.Call(ctx, o.adapter, "embed summary", func(ctx context.Context) ([][]float32, error) {
		return o.embedder.Embed(ctx, []string{summary})
	}, nil)
	if err != nil || len(vectors) == 0 || len(vectors[0]) == 0 {
		logger.Warn("embedding unavailable, using fallback context", "error", err)
		return FallbackContext, true
	}

	matches, err := retry.Call(ctx, o.adapter, "vector search", func(ctx context.Context) ([]vectorsearch.Match, error) {
		return o.searcher.Search(ctx, vectors[0], o.topK)
	}, nil)
	if err != nil {
		logger.Warn("vector search failed, using fallback context", "error", err)
		return FallbackContext, true
	}

	passages := make([]string, 0, len(matches))
	for _, m := range matches {
		if text := strings.TrimSpace(m.Text); text != "" {
			passages = append(passages, text)
		}
	}
	if len(passages) == 0 {
		logger.Warn("vector search returned no passages, using fallback context")
		return FallbackContext, true
	}
	logger.Info("retrieved domain context", "passages", len(passages))
	return strings.Join(passages, passageSeparator), false
}

// SummaryMessages builds the few-shot primed summarization prompt.
func SummaryMessages(examples []prompts.Example, query, studentModel string) []domain.Message {
	msgs := make([]domain.Message, 0, 2+2*len(examples))
	msgs = append(msgs, domain.Message{Role: domain.RoleSystem, Content: summarizerInstruction})
	for _, ex := range examples {
		msgs = append(msgs,
			domain.Message{Role: domain.RoleUser, Content: summaryInput(ex.Query, ex.Model)},
			domain.Message{Role: domain.RoleAssistant, Content: ex.Summary},
		)
	}
	return append(msgs, domain.Message{Role: domain.RoleUser, Content: summaryInput(query, studentModel)})
}

func summaryInput(query, studentModel string) string {
	return "Student Query:\n" + query + "\n\nStudent Computational Model:\n" + studentModel
}
