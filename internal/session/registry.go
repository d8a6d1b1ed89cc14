package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TeardownFunc is called after a session has been removed and closed.
type TeardownFunc func(username, runID string)

// Registry owns every live session, keyed by username. Sessions are created
// lazily and never shared between users.
type Registry struct {
	deps *Deps

	mu       sync.RWMutex
	sessions map[string]*Coordinator

	hooksMu sync.Mutex
	hooks   []TeardownFunc
}

// NewRegistry creates an empty registry sharing deps across sessions.
func NewRegistry(deps Deps) *Registry {
	return &Registry{
		deps:     deps.withDefaults(),
		sessions: make(map[string]*Coordinator),
	}
}

// OnTeardown registers fn to run whenever a session is removed.
func (r *Registry) OnTeardown(fn TeardownFunc) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.hooks = append(r.hooks, fn)
}

// GetOrCreate returns the user's session, creating it if needed. The second
// result reports whether a new session was created.
func (r *Registry) GetOrCreate(username string) (*Coordinator, bool) {
	r.mu.RLock()
	c, ok := r.sessions[username]
	r.mu.RUnlock()
	if ok {
		return c, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.sessions[username]; ok {
		return c, false
	}
	c = newCoordinator(r.deps, username, uuid.NewString())
	r.sessions[username] = c
	r.deps.Logger.Info("session created", "user_id", username, "run_id", c.RunID())
	return c, true
}

// Get returns the user's session if one exists.
func (r *Registry) Get(username string) (*Coordinator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.sessions[username]
	return c, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns the live sessions ordered by username.
func (r *Registry) List() []*Coordinator {
	r.mu.RLock()
	out := make([]*Coordinator, 0, len(r.sessions))
	for _, c := range r.sessions {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Username() < out[j].Username() })
	return out
}

// Idle returns the usernames of sessions inactive for longer than ttl.
func (r *Registry) Idle(ttl time.Duration, now time.Time) []string {
	var idle []string
	for _, c := range r.List() {
		if now.Sub(c.LastActive()) > ttl {
			idle = append(idle, c.Username())
		}
	}
	return idle
}

// Remove tears down the user's session. It reports whether one existed.
func (r *Registry) Remove(ctx context.Context, username string) (bool, error) {
	r.mu.Lock()
	c, ok := r.sessions[username]
	delete(r.sessions, username)
	r.mu.Unlock()
	if !ok {
		return false, nil
	}

	err := c.Close(ctx)
	r.hooksMu.Lock()
	hooks := append([]TeardownFunc(nil), r.hooks...)
	r.hooksMu.Unlock()
	for _, fn := range hooks {
		fn(c.Username(), c.RunID())
	}
	r.deps.Logger.Info("session removed", "user_id", username, "run_id", c.RunID())
	return true, err
}

// CloseAll tears down every session, typically at shutdown.
func (r *Registry) CloseAll(ctx context.Context) error {
	var errs []error
	for _, c := range r.List() {
		if _, err := r.Remove(ctx, c.Username()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
