// Package scheduler drives the static refresh and the realtime cycle from a
// single loop.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"transitdata/internal/model"
	"transitdata/internal/publish"
)

// ErrInitialAttemptsExhausted is returned by Run when no realtime cycle
// succeeded within the allowed number of initial attempts.
var ErrInitialAttemptsExhausted = errors.New("initial realtime attempts exhausted")

// StaticRefresher rebuilds static data when upstream changes.
type StaticRefresher interface {
	Update(ctx context.Context) error
}

// RealtimeUpdater runs one realtime cycle.
type RealtimeUpdater interface {
	Update(ctx context.Context) error
	Current() *model.RealtimeData
}

// Pinger reports whether the store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options controls timing. Zero durations take the defaults.
type Options struct {
	RealtimeFreq       time.Duration
	StaticInterval     time.Duration // default 24h
	MaxInitialAttempts int
	Tick               time.Duration // default 1s
	InitialRetryDelay  time.Duration // default 5s
	ReconnectDelay     time.Duration // default 2s
}

func (o *Options) setDefaults() {
	if o.StaticInterval <= 0 {
		o.StaticInterval = 24 * time.Hour
	}
	if o.Tick <= 0 {
		o.Tick = time.Second
	}
	if o.InitialRetryDelay <= 0 {
		o.InitialRetryDelay = 5 * time.Second
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 2 * time.Second
	}
	if o.MaxInitialAttempts < 1 {
		o.MaxInitialAttempts = 1
	}
}

// Scheduler owns the timing of both pipelines. Cycles never overlap.
type Scheduler struct {
	static StaticRefresher
	rt     RealtimeUpdater
	store  Pinger
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	initialFailures int
}

// New creates a Scheduler.
func New(static StaticRefresher, rt RealtimeUpdater, store Pinger, opts Options, logger *slog.Logger) *Scheduler {
	opts.setDefaults()
	return &Scheduler{
		static: static,
		rt:     rt,
		store:  store,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// Run loops until ctx is cancelled, returning nil, or until the initial
// realtime attempts are exhausted. A cycle already running when ctx is
// cancelled is allowed to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started",
		"realtime_freq", s.opts.RealtimeFreq,
		"static_interval", s.opts.StaticInterval,
	)

	nextStatic, nextRT := s.now(), s.now()
	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()

	for {
		if now := s.now(); !now.Before(nextStatic) {
			s.refreshStatic(ctx)
			nextStatic = nextStatic.Add(s.opts.StaticInterval)
		}
		if now := s.now(); !now.Before(nextRT) {
			next, err := s.realtime(ctx, nextRT)
			if err != nil {
				return err
			}
			nextRT = next
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		}
	}
}

func (s *Scheduler) refreshStatic(ctx context.Context) {
	err := s.static.Update(context.WithoutCancel(ctx))
	if err == nil {
		return
	}
	s.logger.Error("static refresh failed", "error", err)
	if errors.Is(err, publish.ErrUnavailable) {
		s.reconnect(ctx)
	}
}

// realtime runs the cycle that was due at due and returns when the next
// one is due.
func (s *Scheduler) realtime(ctx context.Context, due time.Time) (time.Time, error) {
	err := s.rt.Update(context.WithoutCancel(ctx))
	if err == nil {
		s.initialFailures = 0
		return s.following(due), nil
	}

	s.logger.Error("realtime update failed", "error", err)
	if errors.Is(err, publish.ErrUnavailable) {
		s.reconnect(ctx)
	}

	if s.rt.Current() != nil {
		return s.following(due), nil
	}

	s.initialFailures++
	if s.initialFailures > s.opts.MaxInitialAttempts {
		return time.Time{}, fmt.Errorf("%w after %d attempts: %w", ErrInitialAttemptsExhausted, s.initialFailures, err)
	}
	s.logger.Warn("initial realtime update failed, retrying",
		"attempt", s.initialFailures,
		"max", s.opts.MaxInitialAttempts,
		"in", s.opts.InitialRetryDelay,
	)
	return s.now().Add(s.opts.InitialRetryDelay), nil
}

// following returns the slot after due, skipping slots already in the past
// so a long stall does not cause a burst of back-to-back cycles.
func (s *Scheduler) following(due time.Time) time.Time {
	next := due.Add(s.opts.RealtimeFreq)
	if now := s.now(); next.Before(now) {
		next = now
	}
	return next
}

// reconnect blocks until the store answers a ping or ctx is cancelled.
func (s *Scheduler) reconnect(ctx context.Context) {
	s.logger.Warn("store connection lost, reconnecting")
	policy := backoff.WithContext(backoff.NewConstantBackOff(s.opts.ReconnectDelay), ctx)
	err := backoff.RetryNotify(func() error {
		return s.store.Ping(ctx)
	}, policy, func(err error, d time.Duration) {
		s.logger.Warn("store still unavailable", "error", err, "retry_in", d)
	})
	if err != nil {
		s.logger.Warn("reconnect abandoned", "error", err)
		return
	}
	s.logger.Info("store reconnected")
}
