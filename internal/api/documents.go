package api

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/arencloud/hoadesk/internal/documents"
	"github.com/arencloud/hoadesk/internal/models"
	"github.com/arencloud/hoadesk/internal/notify"
	"github.com/arencloud/hoadesk/internal/session"
)

// multipart framing and the small form fields on top of the file itself
const multipartOverhead = 1 << 20

// requireReady refuses writes to the bucket until the caller's storage
// status is ready. It answers 409 with the status otherwise.
func (s *Server) requireReady(w http.ResponseWriter, r *http.Request) bool {
	ctx, cancel := checkContext(r.Context())
	defer cancel()
	_, st := s.readiness.Acquire(ctx, session.FromContext(r.Context()))
	if st.Ready {
		return true
	}
	addEvent(r, "error", map[string]any{"code": http.StatusConflict, "message": "document storage is not ready"})
	writeJSON(w, http.StatusConflict, map[string]any{"error": "document storage is not ready", "status": st})
	return false
}

func (s *Server) toast(r *http.Request, level notify.Level, title, msg string) {
	if sess := session.FromContext(r.Context()); sess != nil {
		s.hub.Notify(sess.ID, notify.Toast{Level: level, Title: title, Message: msg})
	}
}

func (s *Server) listDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.docs.List(r.Context(), strings.ToLower(r.URL.Query().Get("category")))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		respondError(w, r, http.StatusBadRequest, "invalid document id")
		return
	}
	doc, err := s.docs.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// uploadDocument streams a multipart upload into the bucket. The text
// fields (title, category) must precede the file part.
func (s *Server) uploadDocument(w http.ResponseWriter, r *http.Request) {
	if !s.requireReady(w, r) {
		return
	}
	if s.cfg.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+multipartOverhead)
	}
	mr, err := r.MultipartReader()
	if err != nil {
		respondError(w, r, http.StatusBadRequest, "expecting multipart form-data")
		return
	}
	sess := session.FromContext(r.Context())
	in := documents.UploadInput{UploadedBy: sess.UserID}
	var doc *models.Document
	for doc == nil {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			respondUploadError(w, r, err)
			return
		}
		switch part.FormName() {
		case "title", "category":
			b, err := io.ReadAll(io.LimitReader(part, 1024))
			if err != nil {
				respondUploadError(w, r, err)
				return
			}
			if part.FormName() == "title" {
				in.Title = string(b)
			} else {
				in.Category = string(b)
			}
		case "file":
			in.FileName = part.FileName()
			in.ContentType = part.Header.Get("Content-Type")
			in.Body = part
			addEvent(r, "document.upload", map[string]any{"fileName": in.FileName, "category": in.Category})
			doc, err = s.docs.Upload(r.Context(), in)
			if err != nil {
				s.toast(r, notify.LevelError, "Upload failed", err.Error())
				respondUploadError(w, r, err)
				return
			}
		}
		part.Close()
	}
	if doc == nil {
		respondError(w, r, http.StatusBadRequest, "no file provided")
		return
	}
	s.toast(r, notify.LevelSuccess, "Document uploaded", doc.Title)
	writeJSON(w, http.StatusCreated, doc)
}

func respondUploadError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		respondError(w, r, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}
	respondServiceError(w, r, err)
}

func (s *Server) downloadDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		respondError(w, r, http.StatusBadRequest, "invalid document id")
		return
	}
	doc, rc, err := s.docs.Open(r.Context(), id)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	defer rc.Close()
	ct := doc.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": doc.FileName}))
	if doc.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(doc.Size, 10))
	}
	w.Header().Set("Last-Modified", doc.UpdatedAt.UTC().Format(time.RFC1123))
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("download interrupted", "id", doc.ID, "error", err)
	}
}

func (s *Server) documentURL(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		respondError(w, r, http.StatusBadRequest, "invalid document id")
		return
	}
	url, err := s.docs.URL(r.Context(), id)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": url})
}

func (s *Server) deleteDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		respondError(w, r, http.StatusBadRequest, "invalid document id")
		return
	}
	if err := s.docs.Delete(r.Context(), id); err != nil {
		if !errors.Is(err, documents.ErrNotFound) {
			s.toast(r, notify.LevelError, "Delete failed", err.Error())
		}
		respondServiceError(w, r, err)
		return
	}
	s.toast(r, notify.LevelSuccess, "Document deleted", "")
	w.WriteHeader(http.StatusNoContent)
}
