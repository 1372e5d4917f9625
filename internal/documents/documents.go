// Package documents stores HOA documents in the documents bucket and keeps
// their metadata in the database.
package documents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"strings"

	"github.com/arencloud/hoadesk/internal/logging"
	"github.com/arencloud/hoadesk/internal/metrics"
	"github.com/arencloud/hoadesk/internal/models"
	"github.com/arencloud/hoadesk/internal/storage"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrNotFound = errors.New("document not found")
	ErrInvalid  = errors.New("invalid document")
	ErrTooLarge = errors.New("document too large")
)

// Categories accepted for uploads.
var Categories = []string{"general", "minutes", "bylaws", "financial", "insurance", "maintenance", "notices", "branding"}

type Service struct {
	db      *gorm.DB
	store   storage.Backend
	bucket  string
	maxSize int64
	logger  logging.Logger
}

func NewService(db *gorm.DB, store storage.Backend, bucket string, maxSize int64, logger logging.Logger) *Service {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Service{db: db, store: store, bucket: bucket, maxSize: maxSize, logger: logger}
}

type UploadInput struct {
	Title       string
	Category    string
	FileName    string
	ContentType string
	UploadedBy  uint
	Body        io.Reader
}

// Upload spools the body to a temporary file so the object store always
// receives a seekable body with a known length, then stores object and row.
func (s *Service) Upload(ctx context.Context, in UploadInput) (*models.Document, error) {
	if err := validateUpload(&in); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp("", "hoadesk-upload-*")
	if err != nil {
		return nil, fmt.Errorf("spool upload: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	src := in.Body
	if s.maxSize > 0 {
		src = io.LimitReader(in.Body, s.maxSize+1)
	}
	size, err := io.Copy(tmp, src)
	if err != nil {
		return nil, fmt.Errorf("spool upload: %w", err)
	}
	if s.maxSize > 0 && size > s.maxSize {
		return nil, ErrTooLarge
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("spool upload: %w", err)
	}

	key := objectKey(in.Category, in.FileName)
	if _, err := s.store.PutObject(ctx, s.bucket, key, tmp, size, in.ContentType); err != nil {
		return nil, err
	}
	doc := &models.Document{
		Title:       in.Title,
		Category:    in.Category,
		Bucket:      s.bucket,
		Key:         key,
		FileName:    in.FileName,
		ContentType: in.ContentType,
		Size:        size,
		UploadedBy:  in.UploadedBy,
	}
	if err := s.db.WithContext(ctx).Create(doc).Error; err != nil {
		// keep bucket and table consistent
		if rmErr := s.store.RemoveObject(ctx, s.bucket, key); rmErr != nil {
			s.logger.Error("orphaned object after failed insert", "key", key, "error", rmErr)
		}
		return nil, fmt.Errorf("save document: %w", err)
	}
	metrics.RecordDocumentBytes("upload", size)
	s.logger.Info("document uploaded", "id", doc.ID, "key", key, "size", size, "by", in.UploadedBy)
	return doc, nil
}

// List returns documents newest first, optionally filtered by category.
func (s *Service) List(ctx context.Context, category string) ([]models.Document, error) {
	q := s.db.WithContext(ctx).Order("created_at desc, id desc")
	if category != "" {
		q = q.Where("category = ?", category)
	}
	out := []models.Document{}
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, id uint) (*models.Document, error) {
	var doc models.Document
	err := s.db.WithContext(ctx).First(&doc, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return &doc, nil
}

// Open returns the document row and a reader over its content. The caller
// closes the reader.
func (s *Service) Open(ctx context.Context, id uint) (*models.Document, io.ReadCloser, error) {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	rc, info, err := s.store.GetObject(ctx, doc.Bucket, doc.Key)
	if err != nil {
		return nil, nil, err
	}
	metrics.RecordDocumentBytes("download", info.Size)
	return doc, rc, nil
}

// URL returns the public URL of the document's object.
func (s *Service) URL(ctx context.Context, id uint) (string, error) {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return s.store.PublicURL(doc.Bucket, doc.Key), nil
}

// Delete removes the object and then the row. A missing object does not
// block removing the row.
func (s *Service) Delete(ctx context.Context, id uint) error {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.RemoveObject(ctx, doc.Bucket, doc.Key); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
		return err
	}
	if err := s.db.WithContext(ctx).Delete(&models.Document{}, doc.ID).Error; err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	s.logger.Info("document deleted", "id", doc.ID, "key", doc.Key)
	return nil
}

// PutAsset stores a non-document object (e.g. the company logo) under prefix
// and returns its key and public URL.
func (s *Service) PutAsset(ctx context.Context, prefix, fileName, contentType string, body io.Reader, size int64) (string, string, error) {
	key := objectKey(prefix, fileName)
	if _, err := s.store.PutObject(ctx, s.bucket, key, body, size, contentType); err != nil {
		return "", "", err
	}
	return key, s.store.PublicURL(s.bucket, key), nil
}

func validateUpload(in *UploadInput) error {
	in.FileName = sanitizeFileName(in.FileName)
	if in.FileName == "" {
		return fmt.Errorf("%w: file name is required", ErrInvalid)
	}
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		in.Title = in.FileName
	}
	in.Category = strings.ToLower(strings.TrimSpace(in.Category))
	if in.Category == "" {
		in.Category = "general"
	}
	if !validCategory(in.Category) {
		return fmt.Errorf("%w: unknown category %q", ErrInvalid, in.Category)
	}
	if in.ContentType == "" {
		in.ContentType = "application/octet-stream"
	}
	return nil
}

func validCategory(c string) bool {
	for _, v := range Categories {
		if v == c {
			return true
		}
	}
	return false
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// sanitizeFileName keeps the base name and replaces anything outside a
// conservative character set.
func sanitizeFileName(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), `\`, "/"))
	if name == "." || name == "/" {
		return ""
	}
	name = strings.Trim(unsafeChars.ReplaceAllString(name, "_"), "_")
	if len(name) > 128 {
		ext := path.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		name = name[:128-len(ext)] + ext
	}
	return name
}

func objectKey(prefix, fileName string) string {
	return path.Join(prefix, uuid.NewString()+"-"+sanitizeFileName(fileName))
}
