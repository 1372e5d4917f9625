package api

import (
	"net/http"

	"github.com/arencloud/hoadesk/internal/readiness"
	"github.com/arencloud/hoadesk/internal/session"
)

type retryResponse struct {
	readiness.Status
	// Started is false when the retry was ignored because a check was in flight.
	Started bool `json:"started"`
}

// storageStatus mounts the session's checker on first use, which runs the
// automatic check, and returns the current status.
func (s *Server) storageStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := checkContext(r.Context())
	defer cancel()
	_, st := s.readiness.Acquire(ctx, session.FromContext(r.Context()))
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) storageRetry(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := checkContext(r.Context())
	defer cancel()
	sess := session.FromContext(r.Context())
	st, started := s.readiness.Mount(sess).RetryCheck(ctx, sess)
	addEvent(r, "storage.retry", map[string]any{"started": started, "ready": st.Ready, "retryCount": st.RetryCount})
	writeJSON(w, http.StatusOK, retryResponse{Status: st, Started: started})
}

// storageCheck is the explicit "check storage status" action; it resets the
// retry counter.
func (s *Server) storageCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := checkContext(r.Context())
	defer cancel()
	sess := session.FromContext(r.Context())
	st := s.readiness.Mount(sess).CheckStorageStatus(ctx, sess)
	addEvent(r, "storage.check", map[string]any{"ready": st.Ready})
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) storageRelease(w http.ResponseWriter, r *http.Request) {
	s.readiness.Release(session.FromContext(r.Context()).ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) storageEvents(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := checkContext(r.Context())
	c, st := s.readiness.Acquire(ctx, session.FromContext(r.Context()))
	cancel()
	ch, unsubscribe := c.Subscribe()
	defer unsubscribe()
	streamSSE(w, r, "status", []readiness.Status{st}, ch)
}

func (s *Server) notificationStream(w http.ResponseWriter, r *http.Request) {
	ch, unsubscribe := s.hub.Subscribe(session.FromContext(r.Context()).ID)
	defer unsubscribe()
	streamSSE(w, r, "toast", nil, ch)
}
