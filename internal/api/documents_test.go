package api

import (
	"io"
	"net/http"
	"strconv"
	"testing"

	"github.com/arencloud/hoadesk/internal/models"
	"github.com/arencloud/hoadesk/internal/readiness"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadRefusedUntilReady(t *testing.T) {
	e := newTestEnv(t)
	cookie := e.login(t, "editor@example.com", "editor")

	body, ct := multipartBody(t, map[string]string{"title": "Bylaws"}, "bylaws.pdf", "application/pdf", []byte("%PDF-1.4"))
	resp := e.do(t, http.MethodPost, "/api/v1/documents", body, ct, cookie)
	out := decode[struct {
		Error  string           `json:"error"`
		Status readiness.Status `json:"status"`
	}](t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "document storage is not ready", out.Error)
	assert.Equal(t, readiness.KindBucketMissing, out.Status.ErrorKind)

	var count int64
	require.NoError(t, e.db.Model(&models.Document{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestDocumentLifecycle(t *testing.T) {
	e := newTestEnv(t)
	cookie := e.login(t, "editor@example.com", "editor")
	decode[retryResponse](t, e.do(t, http.MethodPost, "/api/v1/storage/retry", nil, "", cookie))

	body, ct := multipartBody(t, map[string]string{"title": "March minutes", "category": "minutes"}, "march.txt", "text/plain", []byte("quorum reached"))
	resp := e.do(t, http.MethodPost, "/api/v1/documents", body, ct, cookie)
	doc := decode[models.Document](t, resp)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "March minutes", doc.Title)
	assert.Equal(t, "minutes", doc.Category)
	assert.Equal(t, int64(14), doc.Size)
	id := strconv.FormatUint(uint64(doc.ID), 10)

	list := decode[[]models.Document](t, e.do(t, http.MethodGet, "/api/v1/documents?category=minutes", nil, "", cookie))
	require.Len(t, list, 1)
	assert.Equal(t, doc.ID, list[0].ID)
	assert.Empty(t, decode[[]models.Document](t, e.do(t, http.MethodGet, "/api/v1/documents?category=financial", nil, "", cookie)))

	got := decode[models.Document](t, e.do(t, http.MethodGet, "/api/v1/documents/"+id, nil, "", cookie))
	assert.Equal(t, doc.Key, got.Key)

	resp = e.do(t, http.MethodGet, "/api/v1/documents/"+id+"/download", nil, "", cookie)
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "quorum reached", string(data))
	assert.Equal(t, `attachment; filename=march.txt`, resp.Header.Get("Content-Disposition"))
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))

	u := decode[map[string]string](t, e.do(t, http.MethodGet, "/api/v1/documents/"+id+"/url", nil, "", cookie))
	assert.Contains(t, u["url"], "/documents/minutes/")

	resp = e.do(t, http.MethodDelete, "/api/v1/documents/"+id, nil, "", cookie)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/api/v1/documents/"+id, nil, "", cookie)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUploadValidationErrors(t *testing.T) {
	e := newTestEnv(t)
	cookie := e.login(t, "editor@example.com", "editor")
	decode[retryResponse](t, e.do(t, http.MethodPost, "/api/v1/storage/retry", nil, "", cookie))

	body, ct := multipartBody(t, map[string]string{"category": "gossip"}, "a.txt", "text/plain", []byte("x"))
	resp := e.do(t, http.MethodPost, "/api/v1/documents", body, ct, cookie)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body, ct = multipartBody(t, map[string]string{"title": "no file"}, "", "", nil)
	resp = e.do(t, http.MethodPost, "/api/v1/documents", body, ct, cookie)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/api/v1/documents", jsonBody(map[string]string{"title": "x"}), "application/json", cookie)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/api/v1/documents/abc", nil, "", cookie)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUploadBucketVanished(t *testing.T) {
	e := newTestEnv(t)
	cookie := e.login(t, "editor@example.com", "editor")
	decode[retryResponse](t, e.do(t, http.MethodPost, "/api/v1/storage/retry", nil, "", cookie))
	e.mem.DropBucket("documents")

	body, ct := multipartBody(t, nil, "a.txt", "text/plain", []byte("x"))
	resp := e.do(t, http.MethodPost, "/api/v1/documents", body, ct, cookie)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestViewerCannotWriteDocuments(t *testing.T) {
	e := newTestEnv(t)
	cookie := e.login(t, "viewer@example.com", "viewer")
	body, ct := multipartBody(t, nil, "a.txt", "text/plain", []byte("x"))
	resp := e.do(t, http.MethodPost, "/api/v1/documents", body, ct, cookie)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = e.do(t, http.MethodDelete, "/api/v1/documents/1", nil, "", cookie)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	list := decode[[]models.Document](t, e.do(t, http.MethodGet, "/api/v1/documents", nil, "", cookie))
	assert.Empty(t, list)
}
