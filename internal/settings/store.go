package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arencloud/hoadesk/internal/logging"
	"github.com/arencloud/hoadesk/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const companyRow = "company"

const (
	EventCompany = "company"
	EventLogo    = "logo"
)

// Event is published to subscribers after every successful change.
type Event struct {
	Kind    string  `json:"kind"`
	Company Company `json:"company"`
}

// Store caches the company document in memory and writes through to the
// database.
type Store struct {
	db     *gorm.DB
	logger logging.Logger

	mu      sync.RWMutex
	company Company

	subMu sync.Mutex
	subs  map[chan Event]struct{}
}

func NewStore(db *gorm.DB, logger logging.Logger) *Store {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Store{db: db, logger: logger, company: DefaultCompany(), subs: map[chan Event]struct{}{}}
}

// Load reads the stored document. A missing row keeps the defaults; a row
// that fails to decode is reported and the defaults are kept.
func (s *Store) Load(ctx context.Context) error {
	var row models.SettingsRow
	err := s.db.WithContext(ctx).Where("name = ?", companyRow).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	c, err := DecodeCompany([]byte(row.Data))
	if err != nil {
		s.logger.Error("stored company settings rejected, using defaults", "version", row.Version, "error", err)
		return err
	}
	s.mu.Lock()
	s.company = c
	s.mu.Unlock()
	return nil
}

func (s *Store) Company() Company {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.company
}

// UpdateCompany applies patch, validates the result and persists it.
func (s *Store) UpdateCompany(ctx context.Context, patch CompanyPatch) (Company, error) {
	s.mu.Lock()
	next := patch.Apply(s.company)
	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		return Company{}, err
	}
	next, err := s.saveLocked(ctx, next)
	s.mu.Unlock()
	if err != nil {
		return Company{}, err
	}
	s.logger.Info("company settings updated", "name", next.Name)
	s.publish(Event{Kind: EventCompany, Company: next})
	return next, nil
}

// SetLogo records the object key and public URL of the uploaded logo.
func (s *Store) SetLogo(ctx context.Context, key, url string) (Company, error) {
	s.mu.Lock()
	next := s.company
	next.LogoKey, next.LogoURL = key, url
	next, err := s.saveLocked(ctx, next)
	s.mu.Unlock()
	if err != nil {
		return Company{}, err
	}
	s.logger.Info("company logo updated", "key", key)
	s.publish(Event{Kind: EventLogo, Company: next})
	return next, nil
}

func (s *Store) saveLocked(ctx context.Context, c Company) (Company, error) {
	c.Version = SchemaVersion
	c.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(c)
	if err != nil {
		return Company{}, err
	}
	row := models.SettingsRow{Name: companyRow, Version: c.Version, Data: string(data), UpdatedAt: c.UpdatedAt}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"version", "data", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return Company{}, fmt.Errorf("save settings: %w", err)
	}
	s.company = c
	return c, nil
}

// Subscribe returns a channel of change events. Slow subscribers miss events.
func (s *Store) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 8)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, ch)
			close(ch)
			s.subMu.Unlock()
		})
	}
}

func (s *Store) publish(e Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
