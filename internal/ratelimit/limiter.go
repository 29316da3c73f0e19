// ============================================================================
// Market-Sizer Rate Limiter - Process-wide Provider Gate
// ============================================================================
//
// Package: internal/ratelimit
// File: limiter.go
// Purpose: Keep every API call from every job inside the provider's ceilings
//
// Ceilings (enforced together):
//   1. minimum spacing between calls: max(1/30 s, 60 s/1800) ≈ 33.3 ms
//   2. at most 1800 calls in any trailing 60 s
//   3. at most 500,000 calls in any trailing 24 h
//
// Fairness:
//   A single turn token circulates through a channel of capacity one.
//   Goroutines blocked on a channel receive are served in arrival order,
//   so callers are granted first-requested-first-served and nobody starves
//   while capacity exists. Only the turn holder computes and sleeps.
//
//   caller A ──┐
//   caller B ──┼──> <-turn ──> wait windows ──> wait interval ──> record ──> turn<-
//   caller C ──┘
//
// Daily Exhaustion:
//   If the daily window would make the caller wait longer than MaxWait,
//   Acquire fails with ErrQuotaExhausted instead of blocking, so the job
//   can fail cleanly.
//
// Sharing:
//   One Limiter instance is injected into every job. With RedisWindow the
//   rolling windows are additionally shared between processes.
//
// ============================================================================

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// ErrQuotaExhausted is returned when the daily cap cannot be satisfied
// within the configured maximum wait.
var ErrQuotaExhausted = errors.New("daily request quota exhausted")

// Config holds the provider ceilings.
type Config struct {
	PerSecond int           // calls per second, drives the minimum spacing
	PerMinute int           // calls per trailing 60 s
	PerDay    int           // calls per trailing 24 h
	MaxWait   time.Duration // longest acceptable wait on the daily cap
}

// DefaultConfig returns the provider's published limits.
func DefaultConfig() Config {
	return Config{
		PerSecond: 30,
		PerMinute: 1800,
		PerDay:    500_000,
		MaxWait:   10 * time.Minute,
	}
}

// MinInterval is the spacing implied by the per-second and per-minute
// ceilings, whichever is stricter.
func (c Config) MinInterval() time.Duration {
	interval := time.Duration(0)
	if c.PerSecond > 0 {
		interval = time.Second / time.Duration(c.PerSecond)
	}
	if c.PerMinute > 0 {
		if m := time.Minute / time.Duration(c.PerMinute); m > interval {
			interval = m
		}
	}
	return interval
}

// Usage reports how much of each rolling window is in use.
type Usage struct {
	Minute      int `json:"minute"`
	MinuteLimit int `json:"minute_limit"`
	Day         int `json:"day"`
	DayLimit    int `json:"day_limit"`
}

// Limiter gates calls to the provider. It is safe for concurrent use.
type Limiter struct {
	clock    Clock
	interval *rate.Limiter
	minute   Window
	day      Window
	maxWait  time.Duration
	turn     chan struct{}
	observe  func(wait time.Duration)
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// WithWindows replaces the in-memory rolling windows.
func WithWindows(minute, day Window) Option {
	return func(l *Limiter) {
		l.minute = minute
		l.day = day
	}
}

// WithObserver registers a callback receiving the time each grant waited.
func WithObserver(fn func(wait time.Duration)) Option {
	return func(l *Limiter) { l.observe = fn }
}

// New builds a Limiter from cfg.
func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		clock:    SystemClock{},
		interval: rate.NewLimiter(rate.Every(cfg.MinInterval()), 1),
		minute:   NewMemoryWindow(cfg.PerMinute, time.Minute),
		day:      NewMemoryWindow(cfg.PerDay, 24*time.Hour),
		maxWait:  cfg.MaxWait,
		turn:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.turn <- struct{}{}
	return l
}

// Acquire blocks until one call is permitted. It returns ctx.Err() if the
// context ends first and ErrQuotaExhausted when the daily cap would hold
// the caller longer than MaxWait. A failed Acquire consumes no capacity.
func (l *Limiter) Acquire(ctx context.Context) error {
	start := l.clock.Now()

	select {
	case <-l.turn:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { l.turn <- struct{}{} }()

	for {
		now := l.clock.Now()

		dayWait, err := l.day.Wait(ctx, now)
		if err != nil {
			return err
		}
		if dayWait > l.maxWait {
			return fmt.Errorf("%w: next slot in %s", ErrQuotaExhausted, dayWait.Round(time.Second))
		}

		minuteWait, err := l.minute.Wait(ctx, now)
		if err != nil {
			return err
		}

		wait := max(dayWait, minuteWait)
		if wait <= 0 {
			break
		}
		if err := l.clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}

	now := l.clock.Now()
	r := l.interval.ReserveN(now, 1)
	if !r.OK() {
		return errors.New("rate limiter misconfigured")
	}
	if delay := r.DelayFrom(now); delay > 0 {
		if err := l.clock.Sleep(ctx, delay); err != nil {
			r.CancelAt(now)
			return err
		}
	}

	granted := l.clock.Now()
	if err := l.minute.Record(ctx, granted); err != nil {
		return err
	}
	if err := l.day.Record(ctx, granted); err != nil {
		return err
	}

	if l.observe != nil {
		l.observe(granted.Sub(start))
	}
	return nil
}

// Usage returns the current window counts.
func (l *Limiter) Usage(ctx context.Context) (Usage, error) {
	now := l.clock.Now()
	minute, err := l.minute.Count(ctx, now)
	if err != nil {
		return Usage{}, err
	}
	day, err := l.day.Count(ctx, now)
	if err != nil {
		return Usage{}, err
	}
	return Usage{
		Minute:      minute,
		MinuteLimit: l.minute.Limit(),
		Day:         day,
		DayLimit:    l.day.Limit(),
	}, nil
}
