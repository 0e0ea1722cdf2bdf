// Package logging provides the rate-limited diagnostic sink used by the
// sampler. Sustained failures repeat the same message every cycle; the sink
// collapses repeats into at most one line per window so operator logs stay
// readable.
package logging

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Severity markers carried inside diagnostic lines.
const (
	TagOK     = "[OK]"
	TagWarn   = "[WARN]"
	TagErr    = "[ERR]"
	TagWait   = "[WAIT]"
	TagCfg    = "[CFG]"
	TagSample = "[SAMPLE]"
)

const errRepeatWindow = 5 * time.Second

// RateLimited wraps a zap logger with per-message repeat suppression. Error
// lines and state lines are limited independently, matching their different
// cadences.
type RateLimited struct {
	log *zap.Logger
	now func() time.Time

	mu           sync.Mutex
	lastErrAt    time.Time
	lastErrMsg   string
	lastStateAt  time.Time
	lastStateMsg string
}

// NewRateLimited builds a sink over l. A nil logger falls back to zap.NewNop.
func NewRateLimited(l *zap.Logger) *RateLimited {
	if l == nil {
		l = zap.NewNop()
	}
	return &RateLimited{log: l, now: time.Now}
}

// Line logs msg unconditionally.
func (r *RateLimited) Line(msg string) {
	r.log.Info(msg)
}

// Error logs the failure with its prefix, suppressing identical messages
// repeated within a 5 second window.
func (r *RateLimited) Error(prefix string, err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	if msg == "" {
		return
	}

	r.mu.Lock()
	now := r.now()
	fire := msg != r.lastErrMsg || now.Sub(r.lastErrAt) >= errRepeatWindow
	if fire {
		r.lastErrAt = now
		r.lastErrMsg = msg
	}
	r.mu.Unlock()

	if fire {
		r.log.Error(TagErr + " " + prefix + ": " + msg)
	}
}

// State logs a status line, suppressing identical messages repeated within
// minInterval.
func (r *RateLimited) State(msg string, minInterval time.Duration) {
	if msg == "" {
		return
	}

	r.mu.Lock()
	now := r.now()
	fire := msg != r.lastStateMsg || now.Sub(r.lastStateAt) >= minInterval
	if fire {
		r.lastStateAt = now
		r.lastStateMsg = msg
	}
	r.mu.Unlock()

	if fire {
		r.log.Info(msg)
	}
}

// Zap exposes the wrapped logger for components that want structured fields.
func (r *RateLimited) Zap() *zap.Logger { return r.log }
