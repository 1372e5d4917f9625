package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/arencloud/hoadesk/internal/metrics"
	"github.com/arencloud/hoadesk/internal/models"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Lightweight request tracing. Each request gets a Trace with Events, kept
// in a ring buffer and written to the database when the request ends.

type TraceEvent struct {
	Time   time.Time      `json:"time"`
	Name   string         `json:"name"`
	Fields map[string]any `json:"fields,omitempty"`
}

type Trace struct {
	ID        string        `json:"id"`
	Method    string        `json:"method"`
	Path      string        `json:"path"`
	Status    int           `json:"status"`
	UserEmail string        `json:"userEmail,omitempty"`
	UserRole  string        `json:"userRole,omitempty"`
	UserAgent string        `json:"userAgent,omitempty"`
	RemoteIP  string        `json:"remoteIp,omitempty"`
	ReqBytes  int64         `json:"reqBytes,omitempty"`
	RespBytes int64         `json:"respBytes,omitempty"`
	Started   time.Time     `json:"started"`
	Ended     time.Time     `json:"ended"`
	Duration  time.Duration `json:"duration"`
	Events    []TraceEvent  `json:"events"`
}

type traceStore struct {
	mu   sync.RWMutex
	buf  []*Trace
	next int
}

func newTraceStore(size int) *traceStore {
	return &traceStore{buf: make([]*Trace, size)}
}

func (s *traceStore) add(t *Trace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf[s.next] = t
	s.next = (s.next + 1) % len(s.buf)
}

func (s *traceStore) get(id string) *Trace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.buf {
		if t != nil && t.ID == id {
			return t
		}
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	code  int
	bytes int64
}

func (sr *statusRecorder) WriteHeader(statusCode int) {
	sr.code = statusCode
	sr.ResponseWriter.WriteHeader(statusCode)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += int64(n)
	return n, err
}

// Flush keeps event streams working behind the recorder.
func (sr *statusRecorder) Flush() {
	if fl, ok := sr.ResponseWriter.(http.Flusher); ok {
		fl.Flush()
	}
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter { return sr.ResponseWriter }

func (s *Server) tracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t := &Trace{ID: uuid.NewString(), Method: r.Method, Path: r.URL.Path, Started: time.Now(), Events: []TraceEvent{}}
		t.UserAgent = r.UserAgent()
		if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
			t.RemoteIP = ip
		} else {
			t.RemoteIP = r.RemoteAddr
		}
		if r.ContentLength > 0 {
			t.ReqBytes = r.ContentLength
		}
		w.Header().Set("X-Trace-Id", t.ID)
		w.Header().Set("X-Request-Id", t.ID)
		r = r.WithContext(withTraceCtx(r.Context(), t))
		addEvent(r, "request.start", map[string]any{"method": r.Method, "path": r.URL.Path})

		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		t.Status = rec.code
		t.Ended = time.Now()
		t.Duration = t.Ended.Sub(t.Started)
		t.RespBytes = rec.bytes
		addEvent(r, "request.end", map[string]any{"status": rec.code, "respBytes": rec.bytes})
		metrics.RecordHTTPRequest(t.Method, t.Status, t.Duration)
		s.traces.add(t)
		s.persistTrace(t)
		s.logger.Info("http_request",
			"method", t.Method,
			"path", t.Path,
			"status", t.Status,
			"durationMs", float64(t.Duration)/1e6,
			"user", t.UserEmail,
			"role", t.UserRole,
			"traceId", t.ID,
			"bytesIn", t.ReqBytes,
			"bytesOut", t.RespBytes,
		)
	})
}

// persistTrace stores the trace and its events so they survive restarts.
func (s *Server) persistTrace(t *Trace) {
	if s.db == nil {
		return
	}
	row := models.TraceRow{
		ID:         t.ID,
		Method:     t.Method,
		Path:       t.Path,
		Status:     t.Status,
		UserEmail:  t.UserEmail,
		UserRole:   t.UserRole,
		UserAgent:  t.UserAgent,
		RemoteIP:   t.RemoteIP,
		ReqBytes:   t.ReqBytes,
		RespBytes:  t.RespBytes,
		Started:    t.Started,
		Ended:      t.Ended,
		DurationNs: int64(t.Duration),
	}
	if err := s.db.Create(&row).Error; err != nil {
		s.logger.Warn("trace persist failed", "traceId", t.ID, "error", err)
		return
	}
	events := make([]models.TraceEventRow, 0, len(t.Events))
	for _, ev := range t.Events {
		fields, _ := json.Marshal(ev.Fields)
		events = append(events, models.TraceEventRow{TraceID: t.ID, Time: ev.Time, Name: ev.Name, Fields: string(fields)})
	}
	if len(events) > 0 {
		_ = s.db.Create(&events).Error
	}
}

// Context helpers

type ctxKey int

const traceKey ctxKey = 1

func traceFrom(ctx context.Context) *Trace {
	t, _ := ctx.Value(traceKey).(*Trace)
	return t
}

func withTraceCtx(ctx context.Context, t *Trace) context.Context {
	return context.WithValue(ctx, traceKey, t)
}

func addEvent(r *http.Request, name string, fields map[string]any) {
	if t := traceFrom(r.Context()); t != nil {
		t.Events = append(t.Events, TraceEvent{Time: time.Now(), Name: name, Fields: fields})
	}
}

// tagUser attaches the authenticated principal to the current trace.
func tagUser(r *http.Request, email, role string) {
	if t := traceFrom(r.Context()); t != nil {
		t.UserEmail, t.UserRole = email, role
	}
}

func (s *Server) traceRecent(w http.ResponseWriter, r *http.Request) {
	limit := 200
	if v := r.URL.Query().Get("limit"); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 && i <= 1000 {
			limit = i
		}
	}
	var rows []models.TraceRow
	if err := s.db.WithContext(r.Context()).Order("started desc").Limit(limit).Find(&rows).Error; err != nil {
		respondError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]*Trace, 0, len(rows))
	for _, row := range rows {
		out = append(out, traceFromRow(row))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) traceGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var row models.TraceRow
	if err := s.db.WithContext(r.Context()).First(&row, "id = ?", id).Error; err != nil {
		// the ring buffer still holds traces whose rows failed to persist
		if t := s.traces.get(id); t != nil {
			writeJSON(w, http.StatusOK, t)
			return
		}
		respondError(w, r, http.StatusNotFound, "not found")
		return
	}
	var evs []models.TraceEventRow
	_ = s.db.WithContext(r.Context()).Where("trace_id = ?", id).Order("time asc, id asc").Find(&evs).Error
	out := traceFromRow(row)
	for _, e := range evs {
		var f map[string]any
		if e.Fields != "" {
			_ = json.Unmarshal([]byte(e.Fields), &f)
		}
		out.Events = append(out.Events, TraceEvent{Time: e.Time, Name: e.Name, Fields: f})
	}
	writeJSON(w, http.StatusOK, out)
}

func traceFromRow(row models.TraceRow) *Trace {
	return &Trace{
		ID:        row.ID,
		Method:    row.Method,
		Path:      row.Path,
		Status:    row.Status,
		UserEmail: row.UserEmail,
		UserRole:  row.UserRole,
		UserAgent: row.UserAgent,
		RemoteIP:  row.RemoteIP,
		ReqBytes:  row.ReqBytes,
		RespBytes: row.RespBytes,
		Started:   row.Started,
		Ended:     row.Ended,
		Duration:  time.Duration(row.DurationNs),
		Events:    []TraceEvent{},
	}
}
