// Package monitoring holds the estimator's diagnostic logging hooks.
package monitoring

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Limiter forwards to Logf at most once per interval and reports how many
// messages were suppressed in between. The estimation loop runs at 50 Hz, so
// per-tick conditions (skipped filter updates, counter resets) go through one.
type Limiter struct {
	mu         sync.Mutex
	prefix     string
	interval   time.Duration
	last       time.Time
	suppressed int
	now        func() time.Time
}

// NewLimiter returns a Limiter that tags messages with prefix.
func NewLimiter(prefix string, interval time.Duration) *Limiter {
	return &Limiter{prefix: prefix, interval: interval, now: time.Now}
}

// Logf logs the message unless another one was emitted within the interval.
func (l *Limiter) Logf(format string, v ...interface{}) {
	l.mu.Lock()
	now := l.now()
	if !l.last.IsZero() && now.Sub(l.last) < l.interval {
		l.suppressed++
		l.mu.Unlock()
		return
	}
	suppressed := l.suppressed
	l.suppressed = 0
	l.last = now
	l.mu.Unlock()

	msg := fmt.Sprintf(format, v...)
	if suppressed > 0 {
		Logf("[%s] %s (%d similar suppressed)", l.prefix, msg, suppressed)
		return
	}
	Logf("[%s] %s", l.prefix, msg)
}
