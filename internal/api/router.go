package api

import (
	"net/http"
	"os"
	"path"
	"path/filepath"

	"github.com/arencloud/hoadesk/internal/logging"
	"github.com/arencloud/hoadesk/internal/middleware"
	"github.com/arencloud/hoadesk/internal/session"
	"github.com/arencloud/hoadesk/internal/version"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Note: no go:embed for assets; we serve from disk only.

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer(s.logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Trace-Id", "X-Request-Id"},
		AllowCredentials: false,
	}))
	r.Use(s.tracing)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("ok")) })
	r.Get("/ready", s.ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"name": "hoadesk", "version": version.Version})
		})
		r.Route("/v1", s.registerAPI)
	})

	fs := http.FileServer(http.Dir(s.cfg.StaticDir))
	r.Handle("/*", spaHandler(s.cfg.StaticDir, fs, s.logger))
	return r
}

func (s *Server) registerAPI(r chi.Router) {
	s.registerAuth(r)
	r.Group(func(pr chi.Router) {
		pr.Use(s.requireAuth)

		pr.Route("/storage", func(r chi.Router) {
			r.Get("/status", s.storageStatus)
			r.Delete("/status", s.storageRelease)
			r.With(middleware.RetryRateLimit(sessionKey)).Post("/retry", s.storageRetry)
			r.Post("/check", s.storageCheck)
			r.Get("/events", s.storageEvents)
		})

		pr.Route("/documents", func(r chi.Router) {
			r.Get("/", s.listDocuments)
			r.Get("/{id}", s.getDocument)
			r.Get("/{id}/download", s.downloadDocument)
			r.Get("/{id}/url", s.documentURL)
			r.Group(func(er chi.Router) {
				er.Use(requireEditorOrAdmin)
				er.Post("/", s.uploadDocument)
				er.Delete("/{id}", s.deleteDocument)
			})
		})

		pr.Route("/settings", func(r chi.Router) {
			r.Get("/company", s.getCompany)
			r.Get("/events", s.settingsEvents)
			r.Group(func(ar chi.Router) {
				ar.Use(requireAdmin)
				ar.Put("/company", s.updateCompany)
				ar.Put("/company/logo", s.uploadLogo)
			})
		})

		pr.Get("/notifications/stream", s.notificationStream)

		pr.Group(func(ar chi.Router) {
			ar.Use(requireAdmin)
			ar.Route("/users", func(r chi.Router) {
				r.Get("/", s.listUsers)
				r.Post("/", s.createUser)
				r.Put("/{id}", s.updateUser)
				r.Delete("/{id}", s.deleteUser)
			})
			ar.Get("/trace/recent", s.traceRecent)
			ar.Get("/trace/{id}", s.traceGet)
			ar.Get("/obs/errors", s.errorsHandler)
			ar.Get("/logs/recent", s.logsRecent)
			ar.Get("/logs/download", logsDownload)
			ar.Get("/logs/level", logsGetLevel)
			ar.Put("/logs/level", logsSetLevel)
			ar.Get("/logs/stream", logsStream)
		})
	})
}

// ready reports whether the documents bucket is usable by the operator principal.
func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	if s.probe == nil {
		writeJSON(w, http.StatusOK, map[string]any{"ready": true})
		return
	}
	ctx, cancel := checkContext(r.Context())
	defer cancel()
	st := s.probe.Check(ctx, session.System())
	code := http.StatusOK
	if !st.Ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, st)
}

// sessionKey rate-limits per session, falling back to the client IP.
func sessionKey(r *http.Request) (string, error) {
	if sess := session.FromContext(r.Context()); sess != nil {
		return "session:" + sess.ID, nil
	}
	return httprate.KeyByIP(r)
}

type spa struct {
	dir    string
	next   http.Handler
	logger logging.Logger
}

func spaHandler(dir string, next http.Handler, logger logging.Logger) http.Handler {
	return &spa{dir: dir, next: next, logger: logger}
}

func (s *spa) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p := filepath.Join(s.dir, filepath.FromSlash(path.Clean("/"+r.URL.Path)))
	if info, err := os.Stat(p); err == nil && !info.IsDir() {
		s.next.ServeHTTP(w, r)
		return
	}
	index := filepath.Join(s.dir, "index.html")
	if _, err := os.Stat(index); err != nil {
		s.logger.Debug("spa index missing", "dir", s.dir)
		http.NotFound(w, r)
		return
	}
	// fallback to index.html for client-side routes
	http.ServeFile(w, r, index)
}
