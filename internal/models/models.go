package models

import (
	"time"
)

type User struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	Email              string    `gorm:"uniqueIndex" json:"email"`
	Password           string    `json:"-"`
	Role               string    `json:"role"` // admin|editor|viewer
	MustChangePassword bool      `json:"mustChangePassword"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// Document is the metadata row for a file stored in the documents bucket.
// The object itself lives at (Bucket, Key).
type Document struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Title       string    `gorm:"not null" json:"title"`
	Category    string    `gorm:"index" json:"category"`
	Bucket      string    `gorm:"not null" json:"bucket"`
	Key         string    `gorm:"uniqueIndex;not null" json:"key"`
	FileName    string    `json:"fileName"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	UploadedBy  uint      `gorm:"index" json:"uploadedBy"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// SettingsRow stores one versioned settings document as JSON.
type SettingsRow struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"uniqueIndex;not null" json:"name"`
	Version   int       `json:"version"`
	Data      string    `json:"data"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Persistent observability models

type LogEntry struct {
	ID     uint      `gorm:"primaryKey" json:"id"`
	Time   time.Time `json:"time"`
	Level  string    `json:"level"`
	Msg    string    `json:"msg"`
	Fields string    `json:"fields"` // JSON string of fields
}

type TraceRow struct {
	ID         string    `gorm:"primaryKey" json:"id"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Status     int       `json:"status"`
	UserEmail  string    `json:"userEmail"`
	UserRole   string    `json:"userRole"`
	UserAgent  string    `json:"userAgent"`
	RemoteIP   string    `json:"remoteIp"`
	ReqBytes   int64     `json:"reqBytes"`
	RespBytes  int64     `json:"respBytes"`
	Started    time.Time `gorm:"index" json:"started"`
	Ended      time.Time `json:"ended"`
	DurationNs int64     `json:"durationNs"`
}

type TraceEventRow struct {
	ID      uint      `gorm:"primaryKey" json:"id"`
	TraceID string    `gorm:"index" json:"traceId"`
	Time    time.Time `json:"time"`
	Name    string    `json:"name"`
	Fields  string    `json:"fields"` // JSON string of fields
}

// All lists every model migrated at startup.
func All() []any {
	return []any{&User{}, &Document{}, &SettingsRow{}, &LogEntry{}, &TraceRow{}, &TraceEventRow{}}
}
