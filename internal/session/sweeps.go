package session

import (
	"context"
	"log/slog"
	"time"
)

// JobScheduler registers interval jobs.
type JobScheduler interface {
	Every(name string, interval time.Duration, task func()) error
}

// ScheduleSweeps registers the flush sweep every flushEvery and the idle
// eviction sweep every ttl/2.
func ScheduleSweeps(ctx context.Context, s JobScheduler, r *Registry, flushEvery, ttl time.Duration) error {
	if err := s.Every("session-flush", flushEvery, func() {
		if _, err := r.FlushAll(ctx); err != nil {
			slog.Error("Registry flush sweep failed", "error", err)
		}
	}); err != nil {
		return err
	}

	evictEvery := ttl / 2
	if evictEvery < time.Second {
		evictEvery = time.Second
	}
	return s.Every("session-evict", evictEvery, func() {
		r.EvictIdle(ttl)
	})
}
