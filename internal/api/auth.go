package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/arencloud/hoadesk/internal/db"
	"github.com/arencloud/hoadesk/internal/middleware"
	"github.com/arencloud/hoadesk/internal/models"
	"github.com/arencloud/hoadesk/internal/session"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const sessionCookie = "dsess"

func (s *Server) sign(value string) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(value))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

func (s *Server) setSessionCookie(w http.ResponseWriter, sess *session.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sess.ID + "." + s.sign(sess.ID),
		Path:     "/",
		HttpOnly: true,
		Secure:   s.cfg.Env == "prod",
		SameSite: http.SameSiteLaxMode,
		Expires:  sess.ExpiresAt,
	})
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "", Path: "/", Expires: time.Unix(0, 0), MaxAge: -1})
}

// sessionID returns the verified session ID carried by the cookie.
func (s *Server) sessionID(r *http.Request) string {
	c, err := r.Cookie(sessionCookie)
	if err != nil {
		return ""
	}
	sid, sig, ok := strings.Cut(c.Value, ".")
	if !ok || sid == "" || !hmac.Equal([]byte(sig), []byte(s.sign(sid))) {
		return ""
	}
	return sid
}

func (s *Server) currentSession(r *http.Request) *session.Session {
	sid := s.sessionID(r)
	if sid == "" {
		return nil
	}
	sess, err := s.sessions.Get(r.Context(), sid)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			s.logger.Warn("session lookup failed", "error", err)
		}
		return nil
	}
	return sess
}

// requireAuth resolves the session and reloads its user, so role changes
// and deletions take effect on the next request.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := s.currentSession(r)
		if sess == nil {
			respondError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}
		var u models.User
		if err := s.db.WithContext(r.Context()).First(&u, sess.UserID).Error; err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				respondError(w, r, http.StatusInternalServerError, "failed to load user")
				return
			}
			s.endSession(r, sess.ID)
			clearSessionCookie(w)
			respondError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}
		current := *sess
		current.Email = u.Email
		current.Role = u.Role
		tagUser(r, current.Email, current.Role)
		next.ServeHTTP(w, r.WithContext(session.WithContext(r.Context(), &current)))
	})
}

func (s *Server) endSession(r *http.Request, sid string) {
	if err := s.sessions.Delete(r.Context(), sid); err != nil {
		s.logger.Warn("session delete failed", "error", err)
	}
	s.readiness.Release(sid)
}

// requireAdmin expects requireAuth to have run.
func requireAdmin(next http.Handler) http.Handler {
	return requireRole(next, "admin")
}

// requireEditorOrAdmin allows roles admin and editor; viewers are read-only
func requireEditorOrAdmin(next http.Handler) http.Handler {
	return requireRole(next, "admin", "editor")
}

func requireRole(next http.Handler, roles ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := session.FromContext(r.Context())
		if sess == nil {
			respondError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}
		for _, role := range roles {
			if sess.Role == role {
				next.ServeHTTP(w, r)
				return
			}
		}
		respondError(w, r, http.StatusForbidden, "forbidden")
	})
}

func (s *Server) registerAuth(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.With(middleware.LoginRateLimit()).Post("/login", s.login)
		r.Post("/logout", s.logout)
		// Bootstrap status (unauthenticated): whether default admin must change password
		r.Get("/bootstrap", s.authBootstrap)
		r.Group(func(ar chi.Router) {
			ar.Use(s.requireAuth)
			ar.Get("/me", s.me)
			ar.Post("/change-password", s.changePassword)
		})
	})
}

func userJSON(u *models.User) map[string]any {
	return map[string]any{"id": u.ID, "email": u.Email, "role": u.Role, "mustChangePassword": u.MustChangePassword}
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var u models.User
	if err := s.db.WithContext(r.Context()).Where("email = ?", strings.ToLower(strings.TrimSpace(in.Email))).First(&u).Error; err != nil {
		respondError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(in.Password)) != nil {
		respondError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	}
	sess := &session.Session{UserID: u.ID, Email: u.Email, Role: u.Role}
	if err := s.sessions.Create(r.Context(), sess); err != nil {
		respondError(w, r, http.StatusInternalServerError, "could not create session")
		return
	}
	s.setSessionCookie(w, sess)
	tagUser(r, u.Email, u.Role)
	s.logger.Info("login", "email", u.Email, "role", u.Role)
	writeJSON(w, http.StatusOK, userJSON(&u))
}

// logout ends the session and discards its storage status.
func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	if sid := s.sessionID(r); sid != "" {
		s.endSession(r, sid)
	}
	clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) loadUser(r *http.Request) (*models.User, error) {
	sess := session.FromContext(r.Context())
	var u models.User
	if err := s.db.WithContext(r.Context()).First(&u, sess.UserID).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	u, err := s.loadUser(r)
	if err != nil {
		respondError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, userJSON(u))
}

func (s *Server) changePassword(w http.ResponseWriter, r *http.Request) {
	u, err := s.loadUser(r)
	if err != nil {
		respondError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	var in struct {
		OldPassword string `json:"oldPassword"`
		NewPassword string `json:"newPassword"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if len(in.NewPassword) < 8 {
		respondError(w, r, http.StatusBadRequest, "password too short")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(in.OldPassword)) != nil {
		respondError(w, r, http.StatusBadRequest, "invalid old password")
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, "failed to hash password")
		return
	}
	u.Password = string(hash)
	u.MustChangePassword = false
	if err := s.db.WithContext(r.Context()).Save(u).Error; err != nil {
		respondError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// authBootstrap returns whether the default bootstrap admin still must change password.
func (s *Server) authBootstrap(w http.ResponseWriter, r *http.Request) {
	var u models.User
	err := s.db.WithContext(r.Context()).Where("email = ? AND must_change_password = ?", db.DefaultAdminEmail, true).First(&u).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		respondError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"showTempNotice": err == nil})
}
