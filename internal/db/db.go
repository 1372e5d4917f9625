package db

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/arencloud/hoadesk/internal/config"
	"github.com/arencloud/hoadesk/internal/logging"
	"github.com/arencloud/hoadesk/internal/models"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DefaultAdminEmail is the account bootstrapped on an empty database.
const DefaultAdminEmail = "admin@local"

// Open connects to the configured database, migrates the schema, wires log
// persistence and bootstraps the default admin on first run.
func Open(cfg *config.Config, logger logging.Logger) (*gorm.DB, error) {
	var gormLevel gormlogger.LogLevel
	switch strings.ToLower(logging.GetLevel()) {
	case "debug":
		gormLevel = gormlogger.Info
	case "error", "fatal":
		gormLevel = gormlogger.Error
	default:
		gormLevel = gormlogger.Warn
	}

	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(cfg.DBDriver)) {
	case "postgres", "postgresql":
		if cfg.DBDsn == "" {
			return nil, fmt.Errorf("open database: DATABASE_URL/DB_DSN is required for postgres")
		}
		dialector = postgres.Open(cfg.DBDsn)
		logger.Info("db connect", "driver", "postgres")
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		dialector = sqlite.Open(cfg.DBPath)
		logger.Info("db connect", "driver", "sqlite", "path", cfg.DBPath)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{Logger: newGormLogger(logger, gormLevel)})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := gdb.AutoMigrate(models.All()...); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	logging.SetPersist(func(e logging.Entry) error {
		fields, _ := json.Marshal(e.Fields)
		return gdb.Create(&models.LogEntry{Time: e.Time, Level: e.Level, Msg: e.Msg, Fields: string(fields)}).Error
	})

	if err := bootstrapAdmin(gdb, logger); err != nil {
		logger.Error("failed to create default admin", "error", err)
	}
	return gdb, nil
}

func bootstrapAdmin(gdb *gorm.DB, logger logging.Logger) error {
	var count int64
	if err := gdb.Model(&models.User{}).Count(&count).Error; err != nil || count > 0 {
		return err
	}
	tmp := make([]byte, 12)
	if _, err := rand.Read(tmp); err != nil {
		return err
	}
	tmpPass := hex.EncodeToString(tmp)
	hash, err := bcrypt.GenerateFromPassword([]byte(tmpPass), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	admin := models.User{Email: DefaultAdminEmail, Password: string(hash), Role: "admin", MustChangePassword: true}
	if err := gdb.Create(&admin).Error; err != nil {
		return err
	}
	logger.Info("default admin created", "email", admin.Email, "tempPassword", tmpPass)
	return nil
}
