package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/arencloud/hoadesk/internal/models"
	"github.com/arencloud/hoadesk/internal/session"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

func validRole(role string) bool {
	return role == "admin" || role == "editor" || role == "viewer"
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	users := []models.User{}
	if err := s.db.WithContext(r.Context()).Order("email asc").Find(&users).Error; err != nil {
		respondError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	if !emailRe.MatchString(in.Email) {
		respondError(w, r, http.StatusBadRequest, "invalid email")
		return
	}
	if len(in.Password) < 8 {
		respondError(w, r, http.StatusBadRequest, "password too short")
		return
	}
	if in.Role == "" {
		in.Role = "viewer"
	}
	if !validRole(in.Role) {
		respondError(w, r, http.StatusBadRequest, "invalid role")
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, "failed to hash password")
		return
	}
	u := models.User{Email: in.Email, Password: string(hash), Role: in.Role, MustChangePassword: true}
	if err := s.db.WithContext(r.Context()).Create(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(strings.ToLower(err.Error()), "unique") {
			respondError(w, r, http.StatusConflict, "email already in use")
			return
		}
		respondError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) updateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		respondError(w, r, http.StatusBadRequest, "invalid user id")
		return
	}
	var u models.User
	if err := s.db.WithContext(r.Context()).First(&u, id).Error; err != nil {
		respondError(w, r, http.StatusNotFound, "not found")
		return
	}
	var in struct {
		Email    *string `json:"email"`
		Password *string `json:"password"`
		Role     *string `json:"role"`
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if in.Email != nil {
		v := strings.ToLower(strings.TrimSpace(*in.Email))
		if !emailRe.MatchString(v) {
			respondError(w, r, http.StatusBadRequest, "invalid email")
			return
		}
		u.Email = v
	}
	if in.Password != nil {
		if len(*in.Password) < 8 {
			respondError(w, r, http.StatusBadRequest, "password too short")
			return
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(*in.Password), bcrypt.DefaultCost)
		if err != nil {
			respondError(w, r, http.StatusInternalServerError, "failed to hash password")
			return
		}
		u.Password = string(hash)
		u.MustChangePassword = true
	}
	if in.Role != nil {
		if !validRole(*in.Role) {
			respondError(w, r, http.StatusBadRequest, "invalid role")
			return
		}
		u.Role = *in.Role
	}
	if err := s.db.WithContext(r.Context()).Save(&u).Error; err != nil {
		respondError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) deleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		respondError(w, r, http.StatusBadRequest, "invalid user id")
		return
	}
	if sess := session.FromContext(r.Context()); sess != nil && sess.UserID == id {
		respondError(w, r, http.StatusBadRequest, "cannot delete your own account")
		return
	}
	res := s.db.WithContext(r.Context()).Delete(&models.User{}, id)
	if res.Error != nil {
		respondError(w, r, http.StatusInternalServerError, res.Error.Error())
		return
	}
	if res.RowsAffected == 0 {
		respondError(w, r, http.StatusNotFound, "not found")
		return
	}
	s.endUserSessions(r, id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) endUserSessions(r *http.Request, userID uint) {
	ids, err := s.sessions.DeleteUser(r.Context(), userID)
	if err != nil {
		s.logger.Warn("user session cleanup failed", "userId", userID, "error", err)
		return
	}
	for _, sid := range ids {
		s.readiness.Release(sid)
	}
	addEvent(r, "users.sessions_ended", map[string]any{"userId": userID, "count": len(ids)})
}
