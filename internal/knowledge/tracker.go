package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/c2stem/copa/internal/domain"
	"github.com/c2stem/copa/internal/llm"
	"github.com/c2stem/copa/internal/retry"
)

// ErrMalformedState is recorded when the model's reply is not valid JSON of
// the expected shape.
var ErrMalformedState = errors.New("malformed knowledge state")

var (
	errNotInitialized = errors.New("knowledge state not initialized")
	errBusy           = errors.New("knowledge refresh already in progress")
)

// Phase is the tracker's lifecycle state.
type Phase int

const (
	Uninitialized Phase = iota
	Initialized
	Refreshing
)

func (p Phase) String() string {
	switch p {
	case Initialized:
		return "initialized"
	case Refreshing:
		return "refreshing"
	default:
		return "uninitialized"
	}
}

// Tracker holds one student's knowledge state. It is safe for concurrent
// use; the completion call runs without holding the tracker's lock.
type Tracker struct {
	completer llm.Completer
	adapter   *retry.Adapter
	logger    *slog.Logger

	mu      sync.Mutex
	phase   Phase
	state   State
	lastErr error
}

// NewTracker creates an uninitialized tracker.
func NewTracker(completer llm.Completer, adapter *retry.Adapter, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if adapter == nil {
		adapter = retry.New(1, 0, llm.IsTransient)
	}
	return &Tracker{
		completer: completer,
		adapter:   adapter,
		logger:    logger,
		state:     NewState(nil, UnknownUnknown, ""),
	}
}

// Phase returns the current lifecycle phase.
func (t *Tracker) Phase() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Clone()
}

// LastError returns the failure recorded by the most recent Initialize or
// Refresh, or nil if it succeeded.
func (t *Tracker) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

type conceptList struct {
	Concepts []string `json:"concepts"`
	Summary  *string  `json:"summary"`
}

// Initialize extracts the concept set from a problem statement and its
// editorial and seeds every concept as UnknownUnknown. On failure the
// tracker stays Uninitialized.
func (t *Tracker) Initialize(ctx context.Context, problem, editorial string) error {
	t.mu.Lock()
	if t.phase != Uninitialized {
		t.mu.Unlock()
		return nil
	}
	t.phase = Refreshing
	t.mu.Unlock()

	reply, err := retry.Call(ctx, t.adapter, "extract concepts", func(ctx context.Context) (string, error) {
		return t.completer.Complete(ctx, llm.Request{Messages: conceptPrompt(problem, editorial)})
	}, "")

	var parsed conceptList
	if err == nil {
		err = decodeStrict(reply, &parsed)
		if err == nil && (len(parsed.Concepts) == 0 || parsed.Summary == nil) {
			err = fmt.Errorf("%w: expected a non-empty concepts list and a summary", ErrMalformedState)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.phase = Uninitialized
		t.lastErr = err
		t.logger.Error("knowledge state initialization failed", "error", err)
		return err
	}
	t.state = NewState(parsed.Concepts, UnknownUnknown, *parsed.Summary)
	t.phase = Initialized
	t.lastErr = nil
	t.logger.Info("knowledge state initialized", "concepts", t.state.Concepts.Len())
	return nil
}

type refreshReply struct {
	Concepts *orderedmap.OrderedMap[string, Marker] `json:"concepts"`
	Summary  *string                                `json:"summary"`
}

// Refresh re-analyzes history and replaces the whole state when the reply
// carries exactly the current concept keys with valid markers. Any failure
// leaves the state unchanged; it is logged and available from LastError,
// never returned.
func (t *Tracker) Refresh(ctx context.Context, history []domain.Message) {
	t.mu.Lock()
	switch t.phase {
	case Uninitialized:
		t.lastErr = errNotInitialized
		t.mu.Unlock()
		t.logger.Warn("knowledge refresh skipped", "error", errNotInitialized)
		return
	case Refreshing:
		t.mu.Unlock()
		t.logger.Debug("knowledge refresh skipped", "error", errBusy)
		return
	}
	t.phase = Refreshing
	current := t.state.Clone()
	t.mu.Unlock()

	reply, err := retry.Call(ctx, t.adapter, "analyze knowledge", func(ctx context.Context) (string, error) {
		return t.completer.Complete(ctx, llm.Request{Messages: analysisPrompt(history, current)})
	}, "")

	var next State
	if err == nil {
		next, err = parseRefresh(reply, current)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.phase = Initialized
	if err != nil {
		t.lastErr = err
		t.logger.Error("knowledge refresh failed, state unchanged", "error", err)
		return
	}
	t.state = next
	t.lastErr = nil
	t.logger.Info("knowledge state refreshed", "concepts", next.Concepts.Len())
}

func parseRefresh(reply string, current State) (State, error) {
	var parsed refreshReply
	if err := decodeStrict(reply, &parsed); err != nil {
		return State{}, err
	}
	if parsed.Concepts == nil || parsed.Summary == nil {
		return State{}, fmt.Errorf("%w: missing concepts or summary", ErrMalformedState)
	}
	if parsed.Concepts.Len() != current.Concepts.Len() {
		return State{}, fmt.Errorf("%w: got %d concepts, want %d",
			ErrMalformedState, parsed.Concepts.Len(), current.Concepts.Len())
	}

	next := NewState(nil, UnknownUnknown, *parsed.Summary)
	for _, key := range current.Keys() {
		marker, ok := parsed.Concepts.Get(key)
		if !ok {
			return State{}, fmt.Errorf("%w: missing concept %q", ErrMalformedState, key)
		}
		if !marker.Valid() {
			return State{}, fmt.Errorf("%w: invalid marker %q for %q", ErrMalformedState, marker, key)
		}
		next.Concepts.Set(key, marker)
	}
	return next, nil
}

// decodeStrict parses reply as a single JSON object, tolerating a
// surrounding markdown code fence.
func decodeStrict(reply string, v any) error {
	body := strings.TrimSpace(reply)
	if strings.HasPrefix(body, "```") {
		body = strings.TrimPrefix(body, "```json")
		body = strings.TrimPrefix(body, "```")
		body = strings.TrimSuffix(strings.TrimSpace(body), "```")
	}
	dec := json.NewDecoder(strings.NewReader(body))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedState, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data after JSON object", ErrMalformedState)
	}
	return nil
}
