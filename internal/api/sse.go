package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const sseKeepAlive = 25 * time.Second

type sseWriter struct {
	w  http.ResponseWriter
	fl http.Flusher
}

// startSSE writes the event-stream headers and an opening comment, so the
// client knows the subscription is live once it reads the first line.
func startSSE(w http.ResponseWriter) (*sseWriter, bool) {
	fl, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	fl.Flush()
	return &sseWriter{w: w, fl: fl}, true
}

func (s *sseWriter) send(event string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if event != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		return err
	}
	s.fl.Flush()
	return nil
}

func (s *sseWriter) ping() error {
	if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
		return err
	}
	s.fl.Flush()
	return nil
}

// streamSSE forwards ch to the client until the request ends or ch closes.
func streamSSE[T any](w http.ResponseWriter, r *http.Request, event string, initial []T, ch <-chan T) {
	sw, ok := startSSE(w)
	if !ok {
		respondError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	for _, v := range initial {
		if sw.send(event, v) != nil {
			return
		}
	}
	tick := time.NewTicker(sseKeepAlive)
	defer tick.Stop()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if sw.ping() != nil {
				return
			}
		case v, ok := <-ch:
			if !ok {
				return
			}
			if sw.send(event, v) != nil {
				return
			}
		}
	}
}
