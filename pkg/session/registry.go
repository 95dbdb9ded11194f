package session

import (
	"context"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/grovetools/prdflow/errors"
	"github.com/grovetools/prdflow/pkg/models"
)

const (
	DefaultIdleTTL       = 24 * time.Hour
	DefaultSweepInterval = 5 * time.Minute
	maxIDLength          = 128
)

var validID = regexp.MustCompile(`^[A-Za-z0-9_.:-]+$`)

// ValidateID checks a client-supplied session identifier.
func ValidateID(id string) error {
	switch {
	case id == "":
		return errors.InvalidInput("session_id", "is required")
	case len(id) > maxIDLength:
		return errors.InvalidInput("session_id", "is too long")
	case !validID.MatchString(id):
		return errors.InvalidInput("session_id", "contains invalid characters")
	}
	return nil
}

// RegistryOptions configures session eviction.
type RegistryOptions struct {
	// IdleTTL evicts sessions idle for longer. Zero disables eviction.
	IdleTTL       time.Duration
	SweepInterval time.Duration
	// OnCreate runs for every newly created session before it is returned.
	OnCreate func(*Session)
	// OnEvict runs after a session is removed by a sweep.
	OnEvict func(id string)
}

// Registry maps session ids to sessions. It is the only state shared across
// sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	opts     RegistryOptions
	logger   *logrus.Entry
}

// NewRegistry creates an empty registry.
func NewRegistry(opts RegistryOptions, logger *logrus.Entry) *Registry {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	return &Registry{
		sessions: make(map[string]*Session),
		opts:     opts,
		logger:   logger,
	}
}

// GetOrCreate returns the session for id, creating it on first contact.
// The boolean reports whether the session was created.
func (r *Registry) GetOrCreate(id string) (*Session, bool, error) {
	if err := ValidateID(id); err != nil {
		return nil, false, err
	}

	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		s.Touch()
		return s, false, nil
	}

	r.mu.Lock()
	if s, ok = r.sessions[id]; ok {
		r.mu.Unlock()
		s.Touch()
		return s, false, nil
	}
	s = New(id, r.logger)
	r.sessions[id] = s
	onCreate := r.opts.OnCreate
	r.mu.Unlock()

	r.logger.WithField("session_id", id).Info("Created session")
	if onCreate != nil {
		onCreate(s)
	}
	return s, true, nil
}

// Get returns an existing session.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.SessionNotFound(id)
	}
	return s, nil
}

// Delete discards a session. It reports whether the session existed.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if ok {
		r.logger.WithField("session_id", id).Info("Deleted session")
	}
	return ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Summaries describes every session, ordered by id.
func (r *Registry) Summaries() []models.SessionSummary {
	r.mu.RLock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.RUnlock()

	out := make([]models.SessionSummary, len(list))
	for i, s := range list {
		out[i] = s.Summary()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetIdleTTL changes the eviction threshold, used on config reload.
func (r *Registry) SetIdleTTL(ttl time.Duration) {
	r.mu.Lock()
	r.opts.IdleTTL = ttl
	r.mu.Unlock()
}

// Sweep evicts sessions idle since before now minus the idle TTL. Sessions
// with an operation in flight are kept. It returns the evicted ids.
func (r *Registry) Sweep(now time.Time) []string {
	r.mu.Lock()
	ttl := r.opts.IdleTTL
	if ttl <= 0 {
		r.mu.Unlock()
		return nil
	}
	var evicted []string
	for id, s := range r.sessions {
		if s.Busy() || now.Sub(s.LastSeen()) < ttl {
			continue
		}
		delete(r.sessions, id)
		evicted = append(evicted, id)
	}
	onEvict := r.opts.OnEvict
	r.mu.Unlock()

	sort.Strings(evicted)
	for _, id := range evicted {
		r.logger.WithField("session_id", id).Info("Evicted idle session")
		if onEvict != nil {
			onEvict(id)
		}
	}
	return evicted
}

// Run sweeps periodically until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}
