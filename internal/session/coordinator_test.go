package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c2stem/copa/internal/domain"
	"github.com/c2stem/copa/internal/knowledge"
	"github.com/c2stem/copa/internal/llm"
	"github.com/c2stem/copa/internal/prompts"
	"github.com/c2stem/copa/internal/retrieval"
	"github.com/c2stem/copa/internal/retry"
)

const systemPrompt = "You are a peer tutor."

// upstream counts calls by purpose and answers each with a canned reply.
type upstream struct {
	mu          sync.Mutex
	retrievals  int
	completions int
	knowledge   int
	failTurns   bool
	lastTurn    []domain.Message
	retrieveArg [2]string
}

func (u *upstream) Retrieve(_ context.Context, _, _, query, model string) retrieval.Result {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.retrievals++
	u.retrieveArg = [2]string{query, model}
	return retrieval.Result{QuerySummary: "summary", DomainContext: "Velocity is distance over time."}
}

func (u *upstream) Complete(_ context.Context, req llm.Request) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	last := req.Messages[len(req.Messages)-1].Content
	switch {
	case strings.Contains(last, "List the physics"):
		u.knowledge++
		return `{"concepts": ["velocity", "loops"], "summary": "Set a velocity."}`, nil
	case strings.Contains(last, "current knowledge state"):
		u.knowledge++
		return `{"concepts": {"velocity": "known", "loops": "known_unknown"}, "summary": "Progressing."}`, nil
	case req.Messages[0].Content == prompts.RephraseInstruction:
		return "Hey there, I'm Copa!", nil
	}
	u.completions++
	u.lastTurn = req.Messages
	if u.failTurns {
		return "", errors.New("upstream unavailable")
	}
	return "Have you checked the velocity block?", nil
}

type memTranscripts struct {
	mu    sync.Mutex
	saved []*domain.Transcript
}

func (m *memTranscripts) UpsertTranscript(_ context.Context, t *domain.Transcript) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.ID = "tr-1"
	m.saved = append(m.saved, t)
	return nil
}

func (m *memTranscripts) last() *domain.Transcript {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.saved) == 0 {
		return nil
	}
	return m.saved[len(m.saved)-1]
}

type memJournal struct {
	mu   sync.Mutex
	msgs []domain.Message
}

func (j *memJournal) Message(_, _ string, msg domain.Message) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.msgs = append(j.msgs, msg)
}

type fixture struct {
	up          *upstream
	transcripts *memTranscripts
	journal     *memJournal
	reg         *Registry
}

func newFixture(t *testing.T, mutate func(*Deps)) *fixture {
	t.Helper()
	f := &fixture{up: &upstream{}, transcripts: &memTranscripts{}, journal: &memJournal{}}
	deps := Deps{
		Completer:     f.up,
		Retriever:     f.up,
		Prompts:       prompts.Set{System: systemPrompt, TaskContext: "Make the truck move.", Editorial: "Set x velocity."},
		MutedActions:  []string{"setBlockPosition"},
		MasteryFields: []string{"mastery"},
		Transcripts:   f.transcripts,
		Journal:       f.journal,
		Logger:        slog.New(slog.DiscardHandler),
	}
	if mutate != nil {
		mutate(&deps)
	}
	f.reg = NewRegistry(deps)
	t.Cleanup(func() { _ = f.reg.CloseAll(context.Background()) })
	return f
}

func TestTurn_RetrievalOnlyOnFirstTurn(t *testing.T) {
	f := newFixture(t, nil)
	c, created := f.reg.GetOrCreate("alice")
	require.True(t, created)
	c.Ingest([]byte(`{"type":"state","data":"set x velocity to 0"}`))

	res, err := c.Turn(context.Background(), "Why won't my truck move?")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Turn)
	assert.False(t, res.Degraded)
	assert.Equal(t, 1, f.up.retrievals)
	assert.Equal(t, 1, f.up.completions)
	assert.Equal(t, [2]string{"Why won't my truck move?", "set x velocity to 0"}, f.up.retrieveArg)

	first := f.up.lastTurn
	require.Len(t, first, 2)
	assert.Equal(t, systemPrompt+prompts.DomainContextSuffix("Velocity is distance over time."), first[0].Content)
	assert.Equal(t, prompts.FirstTurn("Make the truck move.", "Why won't my truck move?", "set x velocity to 0"), first[1].Content)

	res, err = c.Turn(context.Background(), "Still stuck")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Turn)
	assert.Equal(t, 1, f.up.retrievals)
	assert.Equal(t, 2, f.up.completions)
	assert.Zero(t, f.up.knowledge)

	second := f.up.lastTurn
	require.Len(t, second, 4)
	assert.Equal(t, first[0].Content, second[0].Content, "system augmented once")
	assert.Equal(t, prompts.FollowUp("Still stuck", "set x velocity to 0"), second[3].Content)

	msgs := c.Messages()
	require.Len(t, msgs, 5)
	for i, m := range msgs[1:] {
		want := domain.RoleUser
		if i%2 == 1 {
			want = domain.RoleAssistant
		}
		assert.Equal(t, want, m.Role)
	}
}

func TestTurn_FallbackKeepsPairs(t *testing.T) {
	f := newFixture(t, nil)
	f.up.failTurns = true
	c, _ := f.reg.GetOrCreate("bob")

	res, err := c.Turn(context.Background(), "help")
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, llm.Fallback, res.Response)

	msgs := c.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, domain.RoleAssistant, msgs[2].Role)
	assert.Equal(t, llm.Fallback, msgs[2].Content)
}

func (u *upstream) completionCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.completions
}

func TestIngest_DoesNotWaitForBackingOffTurn(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.Adapter = retry.New(3, 200*time.Millisecond, retry.Always)
	})
	f.up.failTurns = true
	c, _ := f.reg.GetOrCreate("dave")

	done := make(chan TurnResult, 1)
	go func() {
		res, _ := c.Turn(context.Background(), "help")
		done <- res
	}()

	require.Eventually(t, func() bool { return f.up.completionCount() >= 1 }, time.Second, time.Millisecond)

	start := time.Now()
	reply := c.Ingest([]byte(`{"type":"state","data":"forward 10"}`))
	elapsed := time.Since(start)

	assert.Nil(t, reply)
	assert.Less(t, elapsed, 50*time.Millisecond)
	select {
	case <-done:
		t.Fatal("turn finished before its retries")
	default:
	}
	assert.Equal(t, "forward 10", c.Snapshot().StudentModel)

	select {
	case res := <-done:
		assert.True(t, res.Degraded)
		assert.Equal(t, 3, f.up.completionCount())
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not finish")
	}
}

func TestTurn_PersistsAndJournals(t *testing.T) {
	f := newFixture(t, nil)
	c, _ := f.reg.GetOrCreate("carol")

	_, err := c.Turn(context.Background(), "hello")
	require.NoError(t, err)

	saved := f.transcripts.last()
	require.NotNil(t, saved)
	assert.Equal(t, "carol", saved.Username)
	assert.Equal(t, c.RunID(), saved.RunID)
	require.Len(t, saved.Messages, 3)
	assert.Len(t, saved.Timestamps, 3)

	f.journal.mu.Lock()
	defer f.journal.mu.Unlock()
	require.Len(t, f.journal.msgs, 2)
	assert.Equal(t, domain.RoleUser, f.journal.msgs[0].Role)
	assert.Equal(t, domain.RoleAssistant, f.journal.msgs[1].Role)
}

func TestTurn_EvictsWhenOverThreshold(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.WordThreshold = 10 })
	c, _ := f.reg.GetOrCreate("dave")

	for i := 0; i < 3; i++ {
		_, err := c.Turn(context.Background(), "one two three four five six")
		require.NoError(t, err)
	}

	view := c.Snapshot()
	assert.Positive(t, view.Offset)
	assert.Equal(t, 7, view.Messages)
	window := f.up.lastTurn
	assert.Equal(t, domain.RoleUser, window[1].Role)
}

func TestIntroduce_IsJournaledNotStored(t *testing.T) {
	f := newFixture(t, nil)
	c, _ := f.reg.GetOrCreate("erin")

	assert.Equal(t, "Hey there, I'm Copa!", c.Introduce(context.Background()))
	assert.Len(t, c.Messages(), 1)

	f.journal.mu.Lock()
	defer f.journal.mu.Unlock()
	require.Len(t, f.journal.msgs, 1)
}

func TestIntroduce_FallsBackToPlainGreeting(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.Completer = llm.CompleterFunc(func(context.Context, llm.Request) (string, error) {
			return "", errors.New("down")
		})
	})
	c, _ := f.reg.GetOrCreate("frank")

	assert.Equal(t, prompts.Introduction("Copa"), c.Introduce(context.Background()))
}

func TestIngest_Events(t *testing.T) {
	f := newFixture(t, nil)
	c, _ := f.reg.GetOrCreate("gina")

	assert.Nil(t, c.Ingest([]byte(`{"type":"action","data":{"time":1,"type":"addBlock","args":["<block s=\"setXVelocity\"/>","item_0",0,0,["b1"]]}}`)))
	assert.Nil(t, c.Ingest([]byte(`{"type":"action","data":{"time":2,"type":"setField","args":["b1/0","4"]}}`)))
	assert.Nil(t, c.Ingest([]byte(`{"type":"action","data":{"time":3,"type":"setBlockPosition","args":["b1",1,2]}}`)))
	assert.Nil(t, c.Ingest([]byte(`{"type":"score","data":{"velocity":2,"position":1.5,"mastery":10}}`)))
	assert.Nil(t, c.Ingest([]byte(`{"type":"segment","data":"truck"}`)))
	assert.Nil(t, c.Ingest([]byte(`{"type":"group","data":{"id":1}}`)))
	assert.Nil(t, c.Ingest([]byte(`{"type":"state","data":"v1"}`)))
	assert.Nil(t, c.Ingest([]byte(`{"type":"state","data":"v1"}`)))

	assert.Equal(t, []byte("ping"), c.Ingest([]byte(`{"type":"hello","data":"ping"}`)))
	assert.JSONEq(t, `{"n":1}`, string(c.Ingest([]byte(`{"type":"hello","data":{"n":1}}`))))
	assert.Nil(t, c.Ingest([]byte(`{"type":"hello"}`)))
	assert.Equal(t, InvalidJSONReply, c.Ingest([]byte(`{oops`)))

	view := c.Snapshot()
	assert.Equal(t, []domain.ActionRecord{
		{Timestamp: 1, ActionType: "addBlock", Block: "setXVelocity"},
		{Timestamp: 2, ActionType: "setField", Block: "setXVelocity"},
	}, view.Actions, "muted actions are resolved but not logged")
	require.Len(t, view.Scores, 1)
	assert.Equal(t, 3.5, view.Scores[0].TotalScore)
	require.Len(t, view.Segments, 1)
	assert.Equal(t, "truck", view.Segments[0].Payload)
	assert.Equal(t, 1, view.Groups)
	assert.Equal(t, "v1", view.StudentModel)
	assert.Equal(t, 1, view.KnownBlocks)
}

func TestTurn_RefreshUpdatesKnowledge(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.RefreshEvery = 1 })
	c, _ := f.reg.GetOrCreate("iris")

	_, err := c.Turn(context.Background(), "what next?")
	require.NoError(t, err)
	c.bg.Wait()

	require.Equal(t, knowledge.Initialized, c.Tracker().Phase())
	state := c.Tracker().Snapshot()
	m, ok := state.Marker("velocity")
	require.True(t, ok)
	assert.Equal(t, knowledge.Known, m)
	assert.Equal(t, "Progressing.", state.Summary)
	assert.Equal(t, 2, f.up.knowledge)
}

func TestTurn_AfterCloseFails(t *testing.T) {
	f := newFixture(t, nil)
	c, _ := f.reg.GetOrCreate("jack")
	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()))

	_, err := c.Turn(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrClosed)
}
