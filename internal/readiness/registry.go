package readiness

import (
	"context"
	"sync"
	"time"

	"github.com/arencloud/hoadesk/internal/metrics"
	"github.com/arencloud/hoadesk/internal/session"
)

// Registry keeps one Checker per session. Acquiring a session for the first
// time runs its automatic check; releasing it, or the session expiring,
// discards the state.
type Registry struct {
	store Bucketer
	opts  Options
	now   func() time.Time

	mu       sync.Mutex
	checkers map[string]*entry
}

type entry struct {
	c *Checker
	// zero means the session does not expire
	expires time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

func NewRegistry(store Bucketer, opts Options) *Registry {
	return &Registry{store: store, opts: opts, now: time.Now, checkers: map[string]*entry{}}
}

// Acquire returns the session's Checker and its status. A nil session gets
// a throwaway Checker whose check fails with KindAuthRequired.
func (r *Registry) Acquire(ctx context.Context, sess *session.Session) (*Checker, Status) {
	c, created := r.mount(sess)
	if created {
		return c, c.Check(ctx, sess)
	}
	return c, c.Status()
}

// Mount returns the session's Checker, creating it without running the
// automatic check. Callers that are about to run their own check use it.
func (r *Registry) Mount(sess *session.Session) *Checker {
	c, _ := r.mount(sess)
	return c
}

func (r *Registry) mount(sess *session.Session) (*Checker, bool) {
	if sess == nil {
		return NewChecker(r.store, r.opts), true
	}
	r.mu.Lock()
	stale := r.sweepLocked()
	e, ok := r.checkers[sess.ID]
	if !ok {
		e = &entry{c: NewChecker(r.store, r.opts), expires: sess.ExpiresAt}
		r.checkers[sess.ID] = e
	}
	metrics.SetReadinessSessions(len(r.checkers))
	r.mu.Unlock()
	closeAll(stale)
	return e.c, !ok
}

func (r *Registry) Get(sessionID string) *Checker {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.checkers[sessionID]
	if !ok || e.expired(r.now()) {
		return nil
	}
	return e.c
}

// Release drops the session's Checker and closes its subscriptions.
func (r *Registry) Release(sessionID string) bool {
	r.mu.Lock()
	e, ok := r.checkers[sessionID]
	delete(r.checkers, sessionID)
	metrics.SetReadinessSessions(len(r.checkers))
	r.mu.Unlock()
	if ok {
		e.c.Close()
	}
	return ok
}

// Sweep discards the Checkers of expired sessions and returns how many were
// removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	stale := r.sweepLocked()
	metrics.SetReadinessSessions(len(r.checkers))
	r.mu.Unlock()
	closeAll(stale)
	return len(stale)
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if n := r.Sweep(); n > 0 && r.opts.Logger != nil {
				r.opts.Logger.Debug("expired readiness sessions discarded", "count", n)
			}
		}
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.checkers)
}

func (r *Registry) sweepLocked() []*Checker {
	now := r.now()
	var stale []*Checker
	for id, e := range r.checkers {
		if e.expired(now) {
			delete(r.checkers, id)
			stale = append(stale, e.c)
		}
	}
	return stale
}

func closeAll(cs []*Checker) {
	for _, c := range cs {
		c.Close()
	}
}
