package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrNotFound = errors.New("connection not found")

// Registry is the process-wide table of live sessions. It is the only state
// shared across connections; each session's own state is exclusively owned by
// that session's tasks.
type Registry struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	idleTimeout time.Duration
	onEvict     func(*Session)
}

func NewRegistry(idleTimeout time.Duration) *Registry {
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}
	return &Registry{
		sessions:    make(map[string]*Session),
		idleTimeout: idleTimeout,
	}
}

// SetEvictHook installs a callback invoked after the reaper closes an idle
// session, outside the registry lock.
func (r *Registry) SetEvictHook(hook func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEvict = hook
}

func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

// Unregister removes a session. Last unregister wins; a later register with a
// repeated id is an unrelated session.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// List returns a read-only snapshot of live connection ids.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// StartReaper evicts sessions whose last activity exceeds the idle timeout.
// Eviction closes the session (cancelling any in-flight generation first) and
// leaves unregistration to the connection's own teardown path.
func (r *Registry) StartReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.evictIdle()
			}
		}
	}()
}

func (r *Registry) evictIdle() {
	now := time.Now().UTC()

	var stale []*Session
	r.mu.RLock()
	for _, s := range r.sessions {
		if now.Sub(s.LastActivity()) >= r.idleTimeout {
			stale = append(stale, s)
		}
	}
	hook := r.onEvict
	r.mu.RUnlock()

	for _, s := range stale {
		s.Close()
		if hook != nil {
			hook(s)
		}
	}
}
