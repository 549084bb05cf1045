// Package abuse implements the abuse/lockout controller: an append-only
// log of failed-authentication events with two sliding-window predicates,
// global and per-user.
package abuse

import (
	"context"
	"sync"
	"time"
)

// Store is the persistence interface for failed-auth events. A nil userID
// in CountSince means "count all users" (the global predicate).
type Store interface {
	RecordFailure(ctx context.Context, userID int64, at time.Time) error
	CountSince(ctx context.Context, userID *int64, since time.Time) (int, error)
	Close() error
}

// Controller evaluates the global and per-user lockout predicates against
// a Store.
type Controller struct {
	store                Store
	window               time.Duration
	globalThreshold      int
	maxFailedBeforeBlock int
}

// New returns a Controller backed by store, with the given sliding window
// and thresholds.
func New(store Store, window time.Duration, globalThreshold, maxFailedBeforeBlock int) *Controller {
	return &Controller{
		store:                store,
		window:               window,
		globalThreshold:      globalThreshold,
		maxFailedBeforeBlock: maxFailedBeforeBlock,
	}
}

// GloballyThrottled reports whether the instance-wide failure count within
// the window has reached the global threshold.
func (c *Controller) GloballyThrottled(ctx context.Context, now time.Time) (bool, error) {
	n, err := c.store.CountSince(ctx, nil, now.Add(-c.window))
	if err != nil {
		return false, err
	}
	return n >= c.globalThreshold, nil
}

// UserThrottled reports whether userID's failure count within the window
// exceeds the per-user threshold.
func (c *Controller) UserThrottled(ctx context.Context, userID int64, now time.Time) (bool, error) {
	n, err := c.store.CountSince(ctx, &userID, now.Add(-c.window))
	if err != nil {
		return false, err
	}
	return n > c.maxFailedBeforeBlock, nil
}

// RecordFailure appends a failure event for userID at now.
func (c *Controller) RecordFailure(ctx context.Context, userID int64, now time.Time) error {
	return c.store.RecordFailure(ctx, userID, now)
}

// --- in-memory store ---

type failureEvent struct {
	userID int64
	at     time.Time
}

// MemoryStore is an in-memory Store, suitable for single-instance
// deployments and tests. Entries older than the longest window observed so
// far are pruned lazily on read.
type MemoryStore struct {
	mu     sync.Mutex
	events []failureEvent
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) RecordFailure(_ context.Context, userID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, failureEvent{userID: userID, at: at})
	return nil
}

func (s *MemoryStore) CountSince(_ context.Context, userID *int64, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0:0]
	count := 0
	for _, e := range s.events {
		if e.at.Before(since) {
			continue // garbage-collected: outside every window that matters
		}
		kept = append(kept, e)
		if userID == nil || e.userID == *userID {
			count++
		}
	}
	s.events = kept
	return count, nil
}

func (s *MemoryStore) Close() error { return nil }
