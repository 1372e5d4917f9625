package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/arencloud/hoadesk/internal/logging"
	"github.com/arencloud/hoadesk/internal/models"
)

func limitParam(r *http.Request, def, max int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 && i <= max {
			return i
		}
	}
	return def
}

// errorsHandler returns recent traces with errors (status >= 400) and the last error event message.
func (s *Server) errorsHandler(w http.ResponseWriter, r *http.Request) {
	var trs []models.TraceRow
	if err := s.db.WithContext(r.Context()).Where("status >= ?", 400).Order("started desc").Limit(limitParam(r, 200, 1000)).Find(&trs).Error; err != nil {
		respondError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]any, 0, len(trs))
	for _, t := range trs {
		var ev models.TraceEventRow
		msg := ""
		if err := s.db.WithContext(r.Context()).Where("trace_id = ? AND name = ?", t.ID, "error").Order("time desc").First(&ev).Error; err == nil && ev.Fields != "" {
			var f map[string]any
			_ = json.Unmarshal([]byte(ev.Fields), &f)
			msg, _ = f["message"].(string)
		}
		out = append(out, map[string]any{
			"id":         t.ID,
			"method":     t.Method,
			"path":       t.Path,
			"status":     t.Status,
			"durationMs": float64(t.DurationNs) / 1e6,
			"userEmail":  t.UserEmail,
			"message":    msg,
			"started":    t.Started,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// logsRecent returns recent structured logs from the database so they survive restarts.
func (s *Server) logsRecent(w http.ResponseWriter, r *http.Request) {
	var rows []models.LogEntry
	if err := s.db.WithContext(r.Context()).Order("time desc").Limit(limitParam(r, 200, 5000)).Find(&rows).Error; err != nil {
		respondError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]logging.Entry, 0, len(rows))
	for _, row := range rows {
		e := logging.Entry{Time: row.Time, Level: row.Level, Msg: row.Msg}
		if row.Fields != "" {
			_ = json.Unmarshal([]byte(row.Fields), &e.Fields)
		}
		out = append(out, e)
	}
	writeJSON(w, http.StatusOK, out)
}

// logsDownload returns recent logs as NDJSON for easy download
func logsDownload(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Disposition", `attachment; filename="hoadesk-logs.ndjson"`)
	enc := json.NewEncoder(w)
	for _, e := range logging.Recent(limitParam(r, 1000, 1000)) {
		_ = enc.Encode(e)
	}
}

func logsGetLevel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"level": logging.GetLevel()})
}

func logsSetLevel(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Level string `json:"level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	switch in.Level {
	case "debug", "info", "warn", "error":
	default:
		respondError(w, r, http.StatusBadRequest, "level must be one of debug, info, warn, error")
		return
	}
	logging.SetLevel(in.Level)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "level": logging.GetLevel()})
}

// logsStream streams logs via Server-Sent Events, optionally filtered by ?level=.
func logsStream(w http.ResponseWriter, r *http.Request) {
	qLevel := r.URL.Query().Get("level")
	keep := func(e *logging.Entry) bool { return qLevel == "" || e.Level == qLevel }

	backlog := logging.Recent(50)
	initial := make([]*logging.Entry, 0, len(backlog))
	// oldest first so the client can append
	for i := len(backlog) - 1; i >= 0; i-- {
		if keep(backlog[i]) {
			initial = append(initial, backlog[i])
		}
	}
	src, cancel := logging.Subscribe()
	defer cancel()

	filtered := make(chan *logging.Entry, 100)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(filtered)
		for e := range src {
			if !keep(e) {
				continue
			}
			select {
			case filtered <- e:
			case <-done:
				return
			}
		}
	}()
	streamSSE(w, r, "", initial, filtered)
}
