package api

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arencloud/hoadesk/internal/config"
	"github.com/arencloud/hoadesk/internal/db"
	"github.com/arencloud/hoadesk/internal/documents"
	"github.com/arencloud/hoadesk/internal/logging"
	"github.com/arencloud/hoadesk/internal/models"
	"github.com/arencloud/hoadesk/internal/notify"
	"github.com/arencloud/hoadesk/internal/readiness"
	"github.com/arencloud/hoadesk/internal/session"
	"github.com/arencloud/hoadesk/internal/settings"
	"github.com/arencloud/hoadesk/internal/storage"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const testPassword = "secretpass"

type testEnv struct {
	ts       *httptest.Server
	db       *gorm.DB
	mem      *storage.Memory
	registry *readiness.Registry
	settings *settings.Store
	hub      *notify.Hub
}

// newTestEnv wires a full server over sqlite and the in-memory object store.
// The documents bucket does not exist and is not auto-created.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	tmp := t.TempDir()
	staticDir := filepath.Join(tmp, "static")
	require.NoError(t, os.MkdirAll(staticDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(staticDir, "index.html"), []byte("<html>ok</html>"), 0o644))

	cfg := &config.Config{
		Env:       "test",
		DBDriver:  "sqlite",
		DBPath:    filepath.Join(tmp, "test.db"),
		StaticDir: staticDir,
		Storage:   config.StorageConfig{Driver: "memory", Bucket: "documents", MaxRetries: 3},
		Session:   config.SessionConfig{Store: "memory", Secret: "test-secret", TTL: time.Hour},

		MaxUploadBytes: 1 << 20,
	}
	logger := logging.Nop()
	t.Cleanup(func() { logging.SetPersist(nil) })
	gdb, err := db.Open(cfg, logger)
	require.NoError(t, err)

	mem := storage.NewMemory()
	hub := notify.NewHub()
	opts := readiness.Options{Bucket: cfg.Storage.Bucket, MaxRetries: cfg.Storage.MaxRetries, Logger: logger, Notifier: hub}
	registry := readiness.NewRegistry(mem, opts)
	probeOpts := opts
	probeOpts.Notifier = nil
	store := settings.NewStore(gdb, logger)

	srv := NewServer(Deps{
		Config:    cfg,
		DB:        gdb,
		Logger:    logger,
		Sessions:  session.NewMemoryStore(cfg.Session.TTL),
		Storage:   mem,
		Readiness: registry,
		Documents: documents.NewService(gdb, mem, cfg.Storage.Bucket, cfg.MaxUploadBytes, logger),
		Settings:  store,
		Hub:       hub,
		Probe:     readiness.NewChecker(mem, probeOpts),
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, db: gdb, mem: mem, registry: registry, settings: store, hub: hub}
}

func (e *testEnv) createUser(t *testing.T, email, role string) models.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)
	u := models.User{Email: email, Password: string(hash), Role: role}
	require.NoError(t, e.db.Create(&u).Error)
	return u
}

// login creates a user with role and returns its session cookie.
func (e *testEnv) login(t *testing.T, email, role string) *http.Cookie {
	t.Helper()
	e.createUser(t, email, role)
	resp := e.do(t, http.MethodPost, "/api/v1/auth/login", jsonBody(map[string]string{"email": email, "password": testPassword}), "application/json", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookie {
			return c
		}
	}
	t.Fatal("no session cookie returned")
	return nil
}

func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, contentType string, cookie *http.Cookie) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.ts.URL+path, body)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func jsonBody(v any) io.Reader {
	b, _ := json.Marshal(v)
	return bytes.NewReader(b)
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

// multipartBody builds a form with the given text fields followed by a file part.
func multipartBody(t *testing.T, fields map[string]string, fileName, contentType string, content []byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if fileName != "" {
		h := make(map[string][]string)
		h["Content-Disposition"] = []string{`form-data; name="file"; filename="` + fileName + `"`}
		h["Content-Type"] = []string{contentType}
		part, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}
