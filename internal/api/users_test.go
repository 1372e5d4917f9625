package api

import (
	"net/http"
	"strconv"
	"testing"

	"github.com/arencloud/hoadesk/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserAdministration(t *testing.T) {
	e := newTestEnv(t)
	admin := e.login(t, "admin@example.com", "admin")

	resp := e.do(t, http.MethodPost, "/api/v1/users", jsonBody(map[string]string{"email": "Board@Example.com", "password": "longenough", "role": "editor"}), "application/json", admin)
	u := decode[models.User](t, resp)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "board@example.com", u.Email)
	assert.True(t, u.MustChangePassword)
	id := strconv.FormatUint(uint64(u.ID), 10)

	resp = e.do(t, http.MethodPost, "/api/v1/users", jsonBody(map[string]string{"email": "board@example.com", "password": "longenough"}), "application/json", admin)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/api/v1/users", jsonBody(map[string]string{"email": "x@example.com", "password": "longenough", "role": "owner"}), "application/json", admin)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, http.MethodPut, "/api/v1/users/"+id, jsonBody(map[string]string{"role": "viewer"}), "application/json", admin)
	u = decode[models.User](t, resp)
	assert.Equal(t, "viewer", u.Role)

	resp = e.do(t, http.MethodPut, "/api/v1/users/"+id, jsonBody(map[string]any{"enabled": true}), "application/json", admin)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	users := decode[[]models.User](t, e.do(t, http.MethodGet, "/api/v1/users", nil, "", admin))
	assert.Len(t, users, 3) // bootstrap admin, admin@example.com, board

	resp = e.do(t, http.MethodDelete, "/api/v1/users/"+id, nil, "", admin)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = e.do(t, http.MethodDelete, "/api/v1/users/"+id, nil, "", admin)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUsersRequireAdmin(t *testing.T) {
	e := newTestEnv(t)
	editor := e.login(t, "editor@example.com", "editor")
	for _, p := range []string{"/api/v1/users", "/api/v1/trace/recent", "/api/v1/logs/recent", "/api/v1/logs/level"} {
		resp := e.do(t, http.MethodGet, p, nil, "", editor)
		resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, p)
	}
}

func TestCannotDeleteSelf(t *testing.T) {
	e := newTestEnv(t)
	admin := e.login(t, "admin@example.com", "admin")
	var u models.User
	require.NoError(t, e.db.Where("email = ?", "admin@example.com").First(&u).Error)
	resp := e.do(t, http.MethodDelete, "/api/v1/users/"+strconv.FormatUint(uint64(u.ID), 10), nil, "", admin)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRoleChangesApplyToLiveSessions(t *testing.T) {
	e := newTestEnv(t)
	admin := e.login(t, "admin@example.com", "admin")
	second := e.login(t, "treasurer@example.com", "admin")
	var u models.User
	require.NoError(t, e.db.Where("email = ?", "treasurer@example.com").First(&u).Error)
	id := strconv.FormatUint(uint64(u.ID), 10)

	resp := e.do(t, http.MethodGet, "/api/v1/users", nil, "", second)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, http.MethodPut, "/api/v1/users/"+id, jsonBody(map[string]string{"role": "viewer"}), "application/json", admin)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/api/v1/users", nil, "", second)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "demoted user keeps admin access")
	me := decode[map[string]any](t, e.do(t, http.MethodGet, "/api/v1/auth/me", nil, "", second))
	assert.Equal(t, "viewer", me["role"])
}

func TestDeletedUserLosesSessions(t *testing.T) {
	e := newTestEnv(t)
	admin := e.login(t, "admin@example.com", "admin")
	second := e.login(t, "treasurer@example.com", "admin")
	var u models.User
	require.NoError(t, e.db.Where("email = ?", "treasurer@example.com").First(&u).Error)

	resp := e.do(t, http.MethodGet, "/api/v1/storage/status", nil, "", second)
	resp.Body.Close()
	require.Equal(t, 1, e.registry.Len())

	resp = e.do(t, http.MethodDelete, "/api/v1/users/"+strconv.FormatUint(uint64(u.ID), 10), nil, "", admin)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 0, e.registry.Len())

	for _, p := range []string{"/api/v1/users", "/api/v1/auth/me", "/api/v1/documents"} {
		resp = e.do(t, http.MethodGet, p, nil, "", second)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, p)
	}
}

func TestSessionOfRemovedRowIsRejected(t *testing.T) {
	e := newTestEnv(t)
	cookie := e.login(t, "editor@example.com", "editor")
	require.NoError(t, e.db.Unscoped().Where("email = ?", "editor@example.com").Delete(&models.User{}).Error)

	resp := e.do(t, http.MethodGet, "/api/v1/auth/me", nil, "", cookie)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
