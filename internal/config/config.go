package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env       string
	HttpPort  string
	DBPath    string // used when DBDriver=sqlite
	DBDriver  string // sqlite|postgres
	DBDsn     string // used when DBDriver=postgres (e.g., DATABASE_URL)
	StaticDir string

	Storage StorageConfig
	Session SessionConfig

	MaxUploadBytes int64
}

// StorageConfig describes the object store holding the documents bucket.
type StorageConfig struct {
	Driver     string // minio|aws|memory
	Endpoint   string
	AccessKey  string
	SecretKey  string
	Region     string
	UseSSL     bool
	Bucket     string
	AutoCreate bool // create the bucket during the first check of a session
	MaxRetries int
}

type SessionConfig struct {
	Store         string // memory|redis
	Secret        string
	TTL           time.Duration
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

func defaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "dev")
	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("DB_PATH", "data/hoadesk.db")
	v.SetDefault("DB_DRIVER", "sqlite")
	v.SetDefault("STATIC_DIR", "web/dist")
	v.SetDefault("STORAGE_DRIVER", "minio")
	v.SetDefault("STORAGE_ENDPOINT", "localhost:9000")
	v.SetDefault("STORAGE_REGION", "us-east-1")
	v.SetDefault("STORAGE_USE_SSL", false)
	v.SetDefault("DOCUMENTS_BUCKET", "documents")
	v.SetDefault("STORAGE_AUTO_CREATE", true)
	v.SetDefault("STORAGE_MAX_RETRIES", 3)
	v.SetDefault("SESSION_STORE", "memory")
	v.SetDefault("SESSION_SECRET", "hoadesk-dev-secret")
	v.SetDefault("SESSION_TTL", 24*time.Hour)
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("MAX_UPLOAD_BYTES", int64(50<<20))
}

// Load reads configuration from the environment, optionally layered over the
// YAML file named by CONFIG_FILE. A CONFIG_FILE that cannot be read or
// parsed is an error.
func Load() (*Config, error) {
	v := viper.New()
	defaults(v)
	v.AutomaticEnv()
	if f := v.GetString("CONFIG_FILE"); f != "" {
		v.SetConfigFile(f)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read CONFIG_FILE %s: %w", f, err)
		}
	}

	dsn := v.GetString("DATABASE_URL")
	if dsn == "" {
		dsn = v.GetString("DB_DSN")
	}
	return &Config{
		Env:       v.GetString("APP_ENV"),
		HttpPort:  v.GetString("HTTP_PORT"),
		DBPath:    v.GetString("DB_PATH"),
		DBDriver:  v.GetString("DB_DRIVER"),
		DBDsn:     dsn,
		StaticDir: v.GetString("STATIC_DIR"),
		Storage: StorageConfig{
			Driver:     strings.ToLower(strings.TrimSpace(v.GetString("STORAGE_DRIVER"))),
			Endpoint:   v.GetString("STORAGE_ENDPOINT"),
			AccessKey:  v.GetString("STORAGE_ACCESS_KEY"),
			SecretKey:  v.GetString("STORAGE_SECRET_KEY"),
			Region:     v.GetString("STORAGE_REGION"),
			UseSSL:     v.GetBool("STORAGE_USE_SSL"),
			Bucket:     v.GetString("DOCUMENTS_BUCKET"),
			AutoCreate: v.GetBool("STORAGE_AUTO_CREATE"),
			MaxRetries: v.GetInt("STORAGE_MAX_RETRIES"),
		},
		Session: SessionConfig{
			Store:         strings.ToLower(strings.TrimSpace(v.GetString("SESSION_STORE"))),
			Secret:        v.GetString("SESSION_SECRET"),
			TTL:           v.GetDuration("SESSION_TTL"),
			RedisAddr:     v.GetString("REDIS_ADDR"),
			RedisPassword: v.GetString("REDIS_PASSWORD"),
			RedisDB:       v.GetInt("REDIS_DB"),
		},
		MaxUploadBytes: v.GetInt64("MAX_UPLOAD_BYTES"),
	}, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "minio", "aws", "memory":
	default:
		return fmt.Errorf("unsupported STORAGE_DRIVER %q", c.Storage.Driver)
	}
	if c.Storage.Bucket == "" {
		return fmt.Errorf("DOCUMENTS_BUCKET is required")
	}
	if c.Storage.MaxRetries < 1 {
		return fmt.Errorf("STORAGE_MAX_RETRIES must be positive, got %d", c.Storage.MaxRetries)
	}
	switch c.Session.Store {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported SESSION_STORE %q", c.Session.Store)
	}
	switch strings.ToLower(c.DBDriver) {
	case "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	return nil
}
