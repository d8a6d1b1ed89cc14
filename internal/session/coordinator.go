// Package session holds per-student dialogue state and drives the
// request/response cycle against the upstream services.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/c2stem/copa/internal/blocks"
	"github.com/c2stem/copa/internal/conversation"
	"github.com/c2stem/copa/internal/domain"
	"github.com/c2stem/copa/internal/knowledge"
	"github.com/c2stem/copa/internal/llm"
	"github.com/c2stem/copa/internal/prompts"
	"github.com/c2stem/copa/internal/retrieval"
	"github.com/c2stem/copa/internal/retry"
)

// ErrClosed is returned by Turn after the session has been torn down.
var ErrClosed = errors.New("session closed")

// Phase is the coordinator's dialogue state.
type Phase int

const (
	AwaitingFirstTurn Phase = iota
	Conversing
)

func (p Phase) String() string {
	if p == Conversing {
		return "conversing"
	}
	return "awaiting_first_turn"
}

// Retriever produces the first-turn domain context.
type Retriever interface {
	Retrieve(ctx context.Context, username, runID, query, studentModel string) retrieval.Result
}

// TranscriptSaver persists transcripts.
type TranscriptSaver interface {
	UpsertTranscript(ctx context.Context, t *domain.Transcript) error
}

// MessageJournal receives every user and assistant message. It must not block.
type MessageJournal interface {
	Message(username, runID string, msg domain.Message)
}

// Deps are shared by every coordinator in a registry.
type Deps struct {
	Completer     llm.Completer
	Retriever     Retriever
	Adapter       *retry.Adapter
	Prompts       prompts.Set
	AgentName     string
	WordThreshold int
	// RefreshEvery triggers a knowledge refresh after every N completed
	// turns. Zero disables refreshes.
	RefreshEvery  int
	MutedActions  []string
	MasteryFields []string
	Transcripts   TranscriptSaver
	Journal       MessageJournal
	Logger        *slog.Logger
}

func (d *Deps) withDefaults() *Deps {
	out := *d
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.Adapter == nil {
		out.Adapter = retry.New(1, 0, llm.IsTransient)
	}
	if out.WordThreshold <= 0 {
		out.WordThreshold = 1500
	}
	if out.AgentName == "" {
		out.AgentName = "Copa"
	}
	return &out
}

// TurnResult is the outcome of one chat turn.
type TurnResult struct {
	Response string `json:"response"`
	Turn     int    `json:"turn"`
	// Degraded is set when the fallback reply was used.
	Degraded bool `json:"degraded,omitempty"`
}

// Coordinator is one student's session. Event ingestion and turns may run
// concurrently: all state is guarded by mu, turns are serialized by turnMu,
// and no upstream call is made while mu is held.
type Coordinator struct {
	deps     *Deps
	username string
	runID    string
	muted    map[string]struct{}
	mastery  map[string]struct{}
	tracker  *knowledge.Tracker
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup

	turnMu sync.Mutex

	mu           sync.Mutex
	phase        Phase
	closed       bool
	conv         *conversation.Store
	resolver     *blocks.Resolver
	actions      []domain.ActionRecord
	groups       []domain.Record
	scores       []domain.ScoreRecord
	segments     []domain.Record
	studentModel string
	turns        int
	transcriptID string
	createdAt    time.Time
	lastActive   time.Time
}

func newCoordinator(deps *Deps, username, runID string) *Coordinator {
	logger := deps.Logger.With("user_id", username, "run_id", runID)
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	return &Coordinator{
		deps:       deps,
		username:   username,
		runID:      runID,
		muted:      toSet(deps.MutedActions),
		mastery:    toSet(deps.MasteryFields),
		tracker:    knowledge.NewTracker(deps.Completer, deps.Adapter, logger),
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		conv:       conversation.NewStore(deps.Prompts.System),
		resolver:   blocks.NewResolver(logger),
		createdAt:  now,
		lastActive: now,
	}
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		set[it] = struct{}{}
	}
	return set
}

// Username returns the student identity.
func (c *Coordinator) Username() string { return c.username }

// RunID returns the identifier of this session's run.
func (c *Coordinator) RunID() string { return c.runID }

// Tracker returns the session's knowledge tracker.
func (c *Coordinator) Tracker() *knowledge.Tracker { return c.tracker }

// LastActive returns when the session last saw an event or turn.
func (c *Coordinator) LastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

// Introduce returns the agent's greeting, rephrased by the completion model
// when it is reachable.
func (c *Coordinator) Introduce(ctx context.Context) string {
	intro := prompts.Introduction(c.deps.AgentName)
	req := llm.Request{
		Temperature: 0.5,
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: prompts.RephraseInstruction},
			{Role: domain.RoleUser, Content: intro},
		},
	}
	ctx, stop := c.bind(ctx)
	defer stop()
	text, err := retry.Call(ctx, c.deps.Adapter, "rephrase introduction", func(ctx context.Context) (string, error) {
		return c.deps.Completer.Complete(ctx, req)
	}, intro)
	if err != nil || text == "" {
		text = intro
	}
	c.journal(domain.Message{Role: domain.RoleAssistant, Content: text, Timestamp: domain.Now()})
	return text
}

// bind derives a context cancelled by either ctx or session teardown.
func (c *Coordinator) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Turn processes one user query. The first turn runs retrieval and augments
// the system prompt; every turn appends a User/Assistant pair. Upstream
// failures degrade the reply to llm.Fallback and are not returned.
func (c *Coordinator) Turn(ctx context.Context, query string) (TurnResult, error) {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return TurnResult{}, ErrClosed
	}
	phase, model := c.phase, c.studentModel
	c.lastActive = time.Now()
	c.mu.Unlock()

	ctx, stop := c.bind(ctx)
	defer stop()

	var retrieved *retrieval.Result
	if phase == AwaitingFirstTurn && c.deps.Retriever != nil {
		res := c.deps.Retriever.Retrieve(ctx, c.username, c.runID, query, model)
		retrieved = &res
	}

	c.mu.Lock()
	var content string
	if phase == AwaitingFirstTurn {
		if retrieved != nil {
			c.conv.AugmentSystem(prompts.DomainContextSuffix(retrieved.DomainContext))
		}
		content = prompts.FirstTurn(c.deps.Prompts.TaskContext, query, model)
	} else {
		content = prompts.FollowUp(query, model)
	}
	userMsg := c.conv.Append(domain.RoleUser, content)
	window := c.conv.Window()
	c.mu.Unlock()
	c.journal(userMsg)

	req := llm.Request{Messages: window.Messages()}
	reply, err := retry.Call(ctx, c.deps.Adapter, "completion", func(ctx context.Context) (string, error) {
		return c.deps.Completer.Complete(ctx, req)
	}, llm.Fallback)
	degraded := err != nil || reply == ""
	if degraded {
		c.logger.Warn("completion unavailable, sending fallback reply", "error", err)
		reply = llm.Fallback
	}

	c.mu.Lock()
	asstMsg := c.conv.Append(domain.RoleAssistant, reply)
	if c.conv.MaybeEvict(c.deps.WordThreshold) {
		c.logger.Info("conversation window advanced",
			"offset", c.conv.Offset(), "word_count", c.conv.WordCount())
	}
	c.phase = Conversing
	c.turns++
	turn := c.turns
	c.lastActive = time.Now()
	transcript := c.transcriptLocked()
	history := c.conv.Messages()
	c.mu.Unlock()
	c.journal(asstMsg)

	c.saveTranscript(ctx, transcript)

	if every := c.deps.RefreshEvery; every > 0 && turn%every == 0 {
		c.bg.Add(1)
		go func() {
			defer c.bg.Done()
			c.refreshKnowledge(history)
		}()
	}

	return TurnResult{Response: reply, Turn: turn, Degraded: degraded}, nil
}

// refreshKnowledge runs on the session's base context so teardown stops it.
func (c *Coordinator) refreshKnowledge(history []domain.Message) {
	if c.tracker.Phase() == knowledge.Uninitialized {
		if err := c.tracker.Initialize(c.ctx, c.deps.Prompts.TaskContext, c.deps.Prompts.Editorial); err != nil {
			return
		}
	}
	c.tracker.Refresh(c.ctx, history)
}

func (c *Coordinator) transcriptLocked() *domain.Transcript {
	msgs := c.conv.Messages()
	timestamps := make([]string, len(msgs))
	for i, m := range msgs {
		timestamps[i] = m.Timestamp
	}
	return &domain.Transcript{
		ID:         c.transcriptID,
		Username:   c.username,
		RunID:      c.runID,
		Messages:   msgs,
		Timestamps: timestamps,
		CreatedAt:  c.createdAt,
	}
}

func (c *Coordinator) saveTranscript(ctx context.Context, t *domain.Transcript) {
	if c.deps.Transcripts == nil {
		return
	}
	if ctx.Err() != nil {
		// The caller went away; persist anyway with a bounded context.
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
	}
	if err := c.deps.Transcripts.UpsertTranscript(ctx, t); err != nil {
		c.logger.Error("failed to save transcript", "error", err)
		return
	}
	c.mu.Lock()
	c.transcriptID = t.ID
	c.mu.Unlock()
}

func (c *Coordinator) journal(msg domain.Message) {
	if c.deps.Journal != nil {
		c.deps.Journal.Message(c.username, c.runID, msg)
	}
}

// Ingest applies one raw inbound message and returns the reply to send
// back, if any. It never calls upstream services.
func (c *Coordinator) Ingest(raw []byte) []byte {
	ev, err := ParseEvent(raw)
	if err != nil {
		c.logger.Warn("invalid inbound message", "error", err)
		return InvalidJSONReply
	}
	return c.Handle(ev)
}

// Handle applies a parsed event.
func (c *Coordinator) Handle(ev Event) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActive = time.Now()

	switch e := ev.(type) {
	case ActionEvent:
		label := c.resolver.Resolve(e.Action)
		if _, muted := c.muted[e.Action.ActionType]; muted {
			return nil
		}
		c.actions = append(c.actions, domain.ActionRecord{
			Timestamp:  e.Action.Timestamp,
			ActionType: e.Action.ActionType,
			Block:      label,
		})
	case StateEvent:
		if e.Snapshot != c.studentModel {
			c.studentModel = e.Snapshot
			c.logger.Debug("student model updated", "bytes", len(e.Snapshot))
		}
	case GroupEvent:
		c.groups = append(c.groups, domain.Record{Timestamp: time.Now(), Payload: e.Payload})
	case ScoreEvent:
		c.scores = append(c.scores, domain.ScoreRecord{
			Timestamp:  time.Now(),
			Components: e.Components,
			TotalScore: c.totalScore(e.Components),
		})
	case SegmentEvent:
		c.segments = append(c.segments, domain.Record{Timestamp: time.Now(), Payload: e.Label})
	case UnknownEvent:
		return e.Data
	default:
		c.logger.Error("unhandled event", "event", ev)
	}
	return nil
}

func (c *Coordinator) totalScore(components map[string]float64) float64 {
	var total float64
	for k, v := range components {
		if _, skip := c.mastery[k]; !skip {
			total += v
		}
	}
	return total
}

// View is a read-only summary of a session.
type View struct {
	Username       string                `json:"username"`
	RunID          string                `json:"run_id"`
	Phase          string                `json:"phase"`
	Turns          int                   `json:"turns"`
	Messages       int                   `json:"messages"`
	WordCount      int                   `json:"word_count"`
	Offset         int                   `json:"offset"`
	Augmented      bool                  `json:"augmented"`
	Actions        []domain.ActionRecord `json:"actions"`
	Scores         []domain.ScoreRecord  `json:"scores"`
	Segments       []domain.Record       `json:"segments"`
	Groups         int                   `json:"groups"`
	KnownBlocks    int                   `json:"known_blocks"`
	StudentModel   string                `json:"student_model"`
	KnowledgePhase string                `json:"knowledge_phase"`
	Knowledge      knowledge.State       `json:"knowledge"`
	LastActive     time.Time             `json:"last_active"`
}

// Snapshot returns a copy of the session's observable state.
func (c *Coordinator) Snapshot() View {
	c.mu.Lock()
	v := View{
		Username:     c.username,
		RunID:        c.runID,
		Phase:        c.phase.String(),
		Turns:        c.turns,
		Messages:     c.conv.Len(),
		WordCount:    c.conv.WordCount(),
		Offset:       c.conv.Offset(),
		Augmented:    c.conv.Augmented(),
		Actions:      append([]domain.ActionRecord(nil), c.actions...),
		Scores:       append([]domain.ScoreRecord(nil), c.scores...),
		Segments:     append([]domain.Record(nil), c.segments...),
		Groups:       len(c.groups),
		KnownBlocks:  c.resolver.Len(),
		StudentModel: c.studentModel,
		LastActive:   c.lastActive,
	}
	c.mu.Unlock()

	v.KnowledgePhase = c.tracker.Phase().String()
	v.Knowledge = c.tracker.Snapshot()
	return v
}

// Messages returns the full conversation history.
func (c *Coordinator) Messages() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conv.Messages()
}

// Close tears the session down: in-flight upstream calls are cancelled, the
// transcript is saved one last time, and background refreshes are awaited.
// Close is idempotent.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.turnMu.Lock()
	c.mu.Lock()
	var transcript *domain.Transcript
	if c.turns > 0 {
		transcript = c.transcriptLocked()
	}
	c.mu.Unlock()
	c.turnMu.Unlock()

	if transcript != nil {
		c.saveTranscript(ctx, transcript)
	}

	done := make(chan struct{})
	go func() {
		c.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.logger.Info("session closed", "turns", transcriptTurns(transcript))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func transcriptTurns(t *domain.Transcript) int {
	if t == nil {
		return 0
	}
	return (len(t.Messages) - 1) / 2
}
