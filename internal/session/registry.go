// Package session maps browser sessions to their workflow instances.
//
// Each session owns exactly one core.Workflow and one artifact.Manager.
// Sessions that are not touched for the idle TTL are torn down by the
// sweeper, which closes the workflow and thereby releases its artifact.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/JonMunkholm/paperwork/internal/artifact"
	"github.com/JonMunkholm/paperwork/internal/core"
	"github.com/google/uuid"
)

// ErrSessionNotFound is returned for unknown or expired session ids.
var ErrSessionNotFound = errors.New("session not found")

// Session is one browser's workflow.
type Session struct {
	ID        string
	Workflow  *core.Workflow
	Artifacts *artifact.Manager
	CreatedAt time.Time

	lastSeen time.Time
}

// Deps builds the per-session collaborators.
type Deps struct {
	Validator core.Validator
	Submitter core.Submitter
	Store     *artifact.Store
	Audit     core.AuditSink
	Logger    *slog.Logger
}

// Registry holds live sessions.
type Registry struct {
	deps Deps
	ttl  time.Duration
	now  func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates a registry whose sessions expire after ttl of inactivity.
func NewRegistry(deps Deps, ttl time.Duration) *Registry {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Registry{
		deps:     deps,
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Get returns the session for id and marks it as used.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	s.lastSeen = r.now()
	return s, nil
}

// GetOrCreate returns the session for id, or a new session with a fresh id
// when id is empty or unknown. created reports whether a session was made.
func (r *Registry) GetOrCreate(id string) (s *Session, created bool) {
	if id != "" {
		if s, err := r.Get(id); err == nil {
			return s, false
		}
	}

	id = uuid.New().String()
	manager := artifact.NewManager(r.deps.Store, r.deps.Logger.With("session_id", id))
	s = &Session{
		ID: id,
		Workflow: core.NewWorkflow(core.WorkflowDeps{
			ID:        id,
			Validator: r.deps.Validator,
			Submitter: r.deps.Submitter,
			Publisher: manager,
			Audit:     r.deps.Audit,
			Logger:    r.deps.Logger,
		}),
		Artifacts: manager,
		CreatedAt: r.now(),
	}
	s.lastSeen = s.CreatedAt

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	r.deps.Logger.Debug("session created", "session_id", id)
	return s, true
}

// Remove tears down the session for id. Unknown ids are ignored.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if ok {
		s.close()
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep tears down sessions idle since before now-ttl and returns how many
// were removed.
func (r *Registry) Sweep(now time.Time) int {
	var expired []*Session

	r.mu.Lock()
	for id, s := range r.sessions {
		if now.Sub(s.lastSeen) > r.ttl {
			expired = append(expired, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range expired {
		s.close()
	}
	if len(expired) > 0 {
		r.deps.Logger.Info("expired idle sessions", "count", len(expired), "remaining", r.Len())
	}
	return len(expired)
}

// Run sweeps every interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.deps.Logger.Info("session sweeper stopped")
			return
		case <-ticker.C:
			r.Sweep(r.now())
		}
	}
}

// CloseAll tears down every session. Used at shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range all {
		s.close()
	}
}

func (s *Session) close() {
	s.Workflow.Close()
	s.Artifacts.Close()
}
