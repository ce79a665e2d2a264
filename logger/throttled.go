package logger

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
)

type throttleEntry struct {
	level      string
	msg        string
	suppressed atomic.Int64
}

// Throttled wraps a Logger so that a Warn or Error entry with the same message
// is written at most once per window. Repeats inside the window are counted
// and reported in a single summary entry once the window has passed, just
// before the next Warn or Error is written or on Flush. Debug and Info
// entries are passed through unchanged.
//
// It is meant for error paths that can fire in a tight loop, such as a
// listener that keeps failing to accept.
type Throttled struct {
	inner Logger
	seen  *cache.Cache
	mu    *sync.Mutex
}

// NewThrottled creates a Throttled logger around l. Expired entries are
// swept when the next Warn or Error arrives and on Flush or Close; no
// background goroutine is started.
//
// Parameters:
//   - l: The logger that receives entries that are not suppressed
//   - window: How long a message is suppressed after it was last written
//
// Returns:
//   - A new *Throttled
func NewThrottled(l Logger, window time.Duration) *Throttled {
	l = OrNop(l)
	seen := cache.New(window, 0)
	seen.OnEvicted(func(_ string, v interface{}) {
		e, ok := v.(*throttleEntry)
		if !ok {
			return
		}

		if n := e.suppressed.Load(); n > 0 {
			l.Warn("suppressed repeated log entries",
				Field{Key: "level", Value: e.level},
				Field{Key: "entry", Value: e.msg},
				Field{Key: "count", Value: n},
			)
		}
	})

	return &Throttled{inner: l, seen: seen, mu: &sync.Mutex{}}
}

// Debug implements Logger.
func (t *Throttled) Debug(msg string, fields ...Field) {
	t.inner.Debug(msg, fields...)
}

// Info implements Logger.
func (t *Throttled) Info(msg string, fields ...Field) {
	t.inner.Info(msg, fields...)
}

// Warn implements Logger.
func (t *Throttled) Warn(msg string, fields ...Field) {
	if t.allow("warn", msg) {
		t.inner.Warn(msg, fields...)
	}
}

// Error implements Logger.
func (t *Throttled) Error(msg string, fields ...Field) {
	if t.allow("error", msg) {
		t.inner.Error(msg, fields...)
	}
}

// With implements Logger. The derived logger shares the suppression state.
func (t *Throttled) With(fields ...Field) Logger {
	return &Throttled{inner: t.inner.With(fields...), seen: t.seen, mu: t.mu}
}

// Flush reports the suppression summary of every entry whose window has
// passed.
func (t *Throttled) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen.DeleteExpired()
}

// Close implements Logger. It does not close the wrapped logger.
func (t *Throttled) Close() error {
	t.Flush()
	return nil
}

func (t *Throttled) allow(level, msg string) bool {
	key := level + "|" + msg

	t.mu.Lock()
	defer t.mu.Unlock()

	if v, found := t.seen.Get(key); found {
		v.(*throttleEntry).suppressed.Add(1)
		return false
	}

	// Report the previous window, if any, before the new entry.
	t.seen.DeleteExpired()
	t.seen.SetDefault(key, &throttleEntry{level: level, msg: msg})
	return true
}
