// Package session stores authenticated sessions, either in process memory or
// in Redis when several server replicas share logins.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/arencloud/hoadesk/internal/config"
	"github.com/arencloud/hoadesk/internal/logging"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrNotFound = errors.New("session not found")

// Session is the authenticated principal for a browser login. Email and Role
// are a snapshot taken at login; the auth middleware replaces them with the
// current user row on every request.
type Session struct {
	ID        string    `json:"id"`
	UserID    uint      `json:"userId"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// System returns the operator principal used by the CLI and the readiness probe.
func System() *Session {
	return &Session{ID: "system", Email: "system", Role: "admin"}
}

type Store interface {
	// Create assigns an ID and expiry to s and stores it.
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
	// DeleteUser ends every session of the user and returns their IDs.
	DeleteUser(ctx context.Context, userID uint) ([]string, error)
}

// New builds the store selected by cfg.Store.
func New(cfg config.SessionConfig, logger logging.Logger) (Store, error) {
	switch cfg.Store {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		logger.Info("session store", "backend", "redis", "addr", cfg.RedisAddr, "db", cfg.RedisDB)
		return NewRedisStore(client, cfg.TTL), nil
	default:
		logger.Info("session store", "backend", "memory")
		return NewMemoryStore(cfg.TTL), nil
	}
}

func stamp(s *Session, ttl time.Duration) {
	s.ID = uuid.NewString()
	s.ExpiresAt = time.Now().Add(ttl)
}

type MemoryStore struct {
	mu       sync.RWMutex
	ttl      time.Duration
	sessions map[string]Session
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryStore{ttl: ttl, sessions: map[string]Session{}}
}

func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	stamp(s, m.ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = *s
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if time.Now().After(s.ExpiresAt) {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) DeleteUser(_ context.Context, userID uint) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, s := range m.sessions {
		if s.UserID == userID {
			delete(m.sessions, id)
			ids = append(ids, id)
		}
	}
	return ids, nil
}

const (
	redisPrefix     = "hoadesk:session:"
	redisUserPrefix = "hoadesk:user-sessions:"
)

func userKey(userID uint) string {
	return redisUserPrefix + strconv.FormatUint(uint64(userID), 10)
}

type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, ttl: ttl}
}

func (r *RedisStore) Create(ctx context.Context, s *Session) error {
	stamp(s, r.ttl)
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	// the per-user index lives as long as the newest session
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, redisPrefix+s.ID, data, r.ttl)
		p.SAdd(ctx, userKey(s.UserID), s.ID)
		p.Expire(ctx, userKey(s.UserID), r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	data, err := r.client.Get(ctx, redisPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	return r.client.Del(ctx, redisPrefix+id).Err()
}

func (r *RedisStore) DeleteUser(ctx context.Context, userID uint) ([]string, error) {
	ids, err := r.client.SMembers(ctx, userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list user sessions: %w", err)
	}
	keys := []string{userKey(userID)}
	for _, id := range ids {
		keys = append(keys, redisPrefix+id)
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return nil, fmt.Errorf("delete user sessions: %w", err)
	}
	return ids, nil
}

type ctxKey struct{}

func WithContext(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the session attached by the auth middleware, or nil.
func FromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(ctxKey{}).(*Session)
	return s
}
