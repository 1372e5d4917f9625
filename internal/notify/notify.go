// Package notify delivers toast notifications to the sessions that caused
// them. Delivery is fire-and-forget: nothing is queued for sessions without
// a live subscriber and slow subscribers lose toasts.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type Level string

const (
	LevelSuccess Level = "success"
	LevelInfo    Level = "info"
	LevelError   Level = "error"
)

type Toast struct {
	ID      string    `json:"id"`
	Level   Level     `json:"level"`
	Title   string    `json:"title"`
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time"`
}

type Notifier interface {
	Notify(sessionID string, t Toast)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(sessionID string, t Toast)

func (f NotifierFunc) Notify(sessionID string, t Toast) { f(sessionID, t) }

// Hub fans toasts out to per-session subscribers.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan Toast]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[string]map[chan Toast]struct{}{}}
}

func (h *Hub) Notify(sessionID string, t Toast) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Time.IsZero() {
		t.Time = time.Now()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[sessionID] {
		select {
		case ch <- t:
		default:
		}
	}
}

// Subscribe registers a receiver for sessionID. The returned cancel func is idempotent.
func (h *Hub) Subscribe(sessionID string) (<-chan Toast, func()) {
	ch := make(chan Toast, 16)
	h.mu.Lock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = map[chan Toast]struct{}{}
	}
	h.subs[sessionID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[sessionID], ch)
			if len(h.subs[sessionID]) == 0 {
				delete(h.subs, sessionID)
			}
			close(ch)
			h.mu.Unlock()
		})
	}
}
