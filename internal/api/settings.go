package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/arencloud/hoadesk/internal/notify"
	"github.com/arencloud/hoadesk/internal/settings"
)

const maxLogoBytes = 2 << 20

func (s *Server) getCompany(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.settings.Company())
}

func (s *Server) updateCompany(w http.ResponseWriter, r *http.Request) {
	patch, err := settings.DecodePatch(http.MaxBytesReader(w, r.Body, 64<<10))
	if err != nil {
		respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	c, err := s.settings.UpdateCompany(r.Context(), patch)
	if err != nil {
		if errors.Is(err, settings.ErrInvalid) {
			respondError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		respondError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	s.toast(r, notify.LevelSuccess, "Settings saved", "")
	writeJSON(w, http.StatusOK, c)
}

// uploadLogo stores the logo in the documents bucket and records its URL.
func (s *Server) uploadLogo(w http.ResponseWriter, r *http.Request) {
	if !s.requireReady(w, r) {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxLogoBytes+multipartOverhead)
	if err := r.ParseMultipartForm(maxLogoBytes); err != nil {
		respondUploadError(w, r, err)
		return
	}
	f, hdr, err := r.FormFile("file")
	if err != nil {
		respondError(w, r, http.StatusBadRequest, "no file provided")
		return
	}
	defer f.Close()
	ct := hdr.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "image/") {
		respondError(w, r, http.StatusBadRequest, "logo must be an image")
		return
	}
	if hdr.Size > maxLogoBytes {
		respondError(w, r, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}
	key, url, err := s.docs.PutAsset(r.Context(), "branding", hdr.Filename, ct, f, hdr.Size)
	if err != nil {
		s.toast(r, notify.LevelError, "Logo upload failed", err.Error())
		respondServiceError(w, r, err)
		return
	}
	c, err := s.settings.SetLogo(r.Context(), key, url)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	s.toast(r, notify.LevelSuccess, "Logo updated", "")
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) settingsEvents(w http.ResponseWriter, r *http.Request) {
	ch, unsubscribe := s.settings.Subscribe()
	defer unsubscribe()
	streamSSE(w, r, "settings", nil, ch)
}
