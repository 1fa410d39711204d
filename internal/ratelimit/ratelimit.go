package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Config is a fixed-window throttle policy.
type Config struct {
	MaxAttempts int
	Window      time.Duration
}

// Presets for generation actions. Video is the most expensive action and gets
// the tightest budget; audio actions share the image allowance.
var (
	ImageGeneration = Config{MaxAttempts: 10, Window: time.Hour}
	VideoGeneration = Config{MaxAttempts: 5, Window: time.Hour}
	MusicGeneration = Config{MaxAttempts: 10, Window: time.Hour}
	SFXGeneration   = Config{MaxAttempts: 10, Window: time.Hour}
)

// Result is the outcome of a limit check.
type Result struct {
	Allowed           bool `json:"allowed"`
	RemainingAttempts int  `json:"remaining_attempts"`
	ResetInSeconds    int  `json:"reset_in_seconds"`
}

type window struct {
	WindowStart  int64 `json:"window_start"` // unix milliseconds
	AttemptCount int   `json:"attempt_count"`
}

// Limiter is an advisory sliding fixed-window counter keyed by (user, action).
// It shapes UX; the ledger's balance check is the authoritative backstop,
// since client-resettable counters cannot be trusted for abuse control.
type Limiter struct {
	store KeyValueStore
	now   func() time.Time
}

// New creates a limiter on the given store.
func New(store KeyValueStore) *Limiter {
	return &Limiter{store: store, now: time.Now}
}

// Check reports the current allowance without mutating the window. An
// expired window reads as a fresh one; only Record actually resets it.
func (l *Limiter) Check(ctx context.Context, key string, cfg Config) (Result, error) {
	w, found, err := l.load(ctx, key)
	if err != nil {
		return Result{}, err
	}

	now := l.now()
	if !found || l.expired(w, cfg, now) {
		return Result{Allowed: true, RemainingAttempts: cfg.MaxAttempts}, nil
	}

	remaining := cfg.MaxAttempts - w.AttemptCount
	if remaining < 0 {
		remaining = 0
	}
	resetAt := time.UnixMilli(w.WindowStart).Add(cfg.Window)
	resetIn := int(math.Ceil(resetAt.Sub(now).Seconds()))
	if resetIn < 0 {
		resetIn = 0
	}

	return Result{
		Allowed:           w.AttemptCount < cfg.MaxAttempts,
		RemainingAttempts: remaining,
		ResetInSeconds:    resetIn,
	}, nil
}

// Record counts one attempt: it starts a fresh window when the previous one
// has elapsed, otherwise increments the active window in place.
func (l *Limiter) Record(ctx context.Context, key string, cfg Config) error {
	w, found, err := l.load(ctx, key)
	if err != nil {
		return err
	}

	now := l.now()
	if !found || l.expired(w, cfg, now) {
		w = window{WindowStart: now.UnixMilli(), AttemptCount: 1}
	} else {
		w.AttemptCount++
	}

	value, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to marshal rate limit window: %w", err)
	}
	return l.store.Set(ctx, key, string(value), cfg.Window)
}

func (l *Limiter) load(ctx context.Context, key string) (window, bool, error) {
	value, found, err := l.store.Get(ctx, key)
	if err != nil {
		return window{}, false, fmt.Errorf("failed to read rate limit window: %w", err)
	}
	if !found {
		return window{}, false, nil
	}
	var w window
	if err := json.Unmarshal([]byte(value), &w); err != nil {
		// Corrupt state: treat as absent rather than locking the user out.
		return window{}, false, nil
	}
	return w, true, nil
}

func (l *Limiter) expired(w window, cfg Config, now time.Time) bool {
	return now.Sub(time.UnixMilli(w.WindowStart)) >= cfg.Window
}

// Key builds the store key for a (user, action) pair.
func Key(userID, action string) string {
	return userID + ":" + action
}
