package logging

import (
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
	Fatal(msg string, kv ...any)
}

// Entry is a log record kept in the in-memory buffer and fanned out to
// subscribers.
type Entry struct {
	Time   time.Time      `json:"time"`
	Level  string         `json:"level"`
	Msg    string         `json:"msg"`
	Fields map[string]any `json:"fields,omitempty"`
}

type zapLogger struct {
	z *zap.SugaredLogger
}

var (
	bufMu   sync.RWMutex
	recent  = make([]*Entry, 1000)
	nextIdx = 0

	// shared by every logger built through New
	atom = zap.NewAtomicLevelAt(zapcore.InfoLevel)

	subMu       sync.RWMutex
	subscribers = map[chan *Entry]struct{}{}

	persistMu sync.RWMutex
	persistFn func(Entry) error
)

// New creates a logger; honors env vars LOG_LEVEL (debug|info|warn|error), LOG_JSON (true|false).
func New(env string) Logger {
	lvl := os.Getenv("LOG_LEVEL")
	if lvl == "" {
		lvl = "info"
	}
	SetLevel(lvl)

	var zc zap.Config
	if os.Getenv("LOG_JSON") == "false" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
		zc.Sampling = nil
	}
	zc.Level = atom
	zc.DisableStacktrace = true
	zc.InitialFields = map[string]any{"env": env}
	z, err := zc.Build(zap.AddCallerSkip(2))
	if err != nil {
		z = zap.NewNop()
	}
	return &zapLogger{z: z.Sugar()}
}

// Nop returns a logger that discards everything and skips the buffer.
func Nop() Logger { return nopLogger{} }

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
func (nopLogger) Fatal(string, ...any) { os.Exit(1) }

// SetPersist registers a callback invoked asynchronously for every entry.
func SetPersist(fn func(Entry) error) {
	persistMu.Lock()
	defer persistMu.Unlock()
	persistFn = fn
}

func SetLevel(lvl string) {
	switch lvl {
	case "debug":
		atom.SetLevel(zapcore.DebugLevel)
	case "warn":
		atom.SetLevel(zapcore.WarnLevel)
	case "error":
		atom.SetLevel(zapcore.ErrorLevel)
	case "fatal":
		atom.SetLevel(zapcore.FatalLevel)
	default:
		atom.SetLevel(zapcore.InfoLevel)
	}
}

func GetLevel() string { return atom.Level().String() }

func shouldLog(lvl zapcore.Level) bool { return atom.Enabled(lvl) }

func broadcast(e *Entry) {
	subMu.RLock()
	defer subMu.RUnlock()
	for ch := range subscribers {
		select {
		case ch <- e:
		default: // drop if slow
		}
	}
}

func appendBuf(e *Entry) {
	bufMu.Lock()
	recent[nextIdx] = e
	nextIdx = (nextIdx + 1) % len(recent)
	bufMu.Unlock()
	broadcast(e)
	persistMu.RLock()
	fn := persistFn
	persistMu.RUnlock()
	if fn != nil {
		go fn(*e)
	}
}

func fieldsFromKV(kv []any) map[string]any {
	if len(kv) == 0 {
		return nil
	}
	m := map[string]any{}
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		if err, ok := kv[i+1].(error); ok {
			m[k] = err.Error()
			continue
		}
		m[k] = kv[i+1]
	}
	return m
}

func (l *zapLogger) write(level zapcore.Level, msg string, kv ...any) {
	if !shouldLog(level) {
		return
	}
	appendBuf(&Entry{Time: time.Now(), Level: level.String(), Msg: msg, Fields: fieldsFromKV(kv)})
	switch level {
	case zapcore.DebugLevel:
		l.z.Debugw(msg, kv...)
	case zapcore.InfoLevel:
		l.z.Infow(msg, kv...)
	case zapcore.WarnLevel:
		l.z.Warnw(msg, kv...)
	case zapcore.ErrorLevel:
		l.z.Errorw(msg, kv...)
	case zapcore.FatalLevel:
		l.z.Fatalw(msg, kv...)
	}
}

func (l *zapLogger) Debug(msg string, kv ...any) { l.write(zapcore.DebugLevel, msg, kv...) }
func (l *zapLogger) Info(msg string, kv ...any)  { l.write(zapcore.InfoLevel, msg, kv...) }
func (l *zapLogger) Warn(msg string, kv ...any)  { l.write(zapcore.WarnLevel, msg, kv...) }
func (l *zapLogger) Error(msg string, kv ...any) { l.write(zapcore.ErrorLevel, msg, kv...) }
func (l *zapLogger) Fatal(msg string, kv ...any) { l.write(zapcore.FatalLevel, msg, kv...) }

// Recent returns up to n most recent log entries (newest-first).
func Recent(n int) []*Entry {
	bufMu.RLock()
	defer bufMu.RUnlock()
	if n <= 0 || n > len(recent) {
		n = len(recent)
	}
	out := make([]*Entry, 0, n)
	i := (nextIdx - 1 + len(recent)) % len(recent)
	for c := 0; c < len(recent) && len(out) < n; c++ {
		if recent[i] != nil {
			out = append(out, recent[i])
		}
		i = (i - 1 + len(recent)) % len(recent)
	}
	return out
}

// Subscribe returns a channel that will receive new log entries. Call the returned cancel func to unsubscribe.
func Subscribe() (<-chan *Entry, func()) {
	ch := make(chan *Entry, 100)
	subMu.Lock()
	subscribers[ch] = struct{}{}
	subMu.Unlock()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			subMu.Lock()
			delete(subscribers, ch)
			close(ch)
			subMu.Unlock()
		})
	}
	return ch, cancel
}
