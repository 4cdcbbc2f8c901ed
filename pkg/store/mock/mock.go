// Package mock provides an in-memory test double for the store interfaces.
//
// Sink records every inserted record and can be configured to fail or to block
// until released, which lets tests observe the fire-and-forget persistence path.
package mock

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/coachai/coach/pkg/store"
)

// Sink is a mock implementation of store.Sink, store.MessageLister and
// store.ProfileStore.
type Sink struct {
	mu sync.Mutex

	// InsertErr, if non-nil, is returned by every Insert call.
	InsertErr error

	// ListErr, if non-nil, is returned by ListMessages and ListProfiles.
	ListErr error

	// PingErr, if non-nil, is returned by Ping.
	PingErr error

	// Block, if non-nil, makes Insert wait until it is closed or ctx is done.
	Block chan struct{}

	// Records holds every successfully inserted record in order.
	Records []store.Record

	// Profiles holds upserted profiles keyed by ID.
	Profiles map[string]store.Profile

	// InsertCallCount is the number of times Insert was called.
	InsertCallCount int

	inserted chan struct{}
}

// Insert records rec and returns InsertErr.
func (s *Sink) Insert(ctx context.Context, rec store.Record) error {
	s.mu.Lock()
	s.InsertCallCount++
	block := s.Block
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.InsertErr != nil {
		return s.InsertErr
	}
	rec, err := store.Prepare(rec, time.Now())
	if err != nil {
		return err
	}
	s.Records = append(s.Records, rec)
	if s.inserted != nil {
		select {
		case s.inserted <- struct{}{}:
		default:
		}
	}
	return nil
}

// Inserted returns a channel that receives a value after each successful
// Insert. Sends never block; size the expectations accordingly.
func (s *Sink) Inserted() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inserted == nil {
		s.inserted = make(chan struct{}, 64)
	}
	return s.inserted
}

// Snapshot returns a copy of Records. Thread-safe.
func (s *Sink) Snapshot() []store.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.Records)
}

// Calls returns InsertCallCount. Thread-safe.
func (s *Sink) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.InsertCallCount
}

// ListMessages returns the last limit records of userID in insertion order.
func (s *Sink) ListMessages(_ context.Context, userID string, limit int) ([]store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ListErr != nil {
		return nil, s.ListErr
	}
	if limit <= 0 {
		limit = store.DefaultListLimit
	}
	var out []store.Record
	for _, r := range s.Records {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// UpsertProfile stores p keyed by its ID.
func (s *Sink) UpsertProfile(_ context.Context, p store.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Profiles == nil {
		s.Profiles = make(map[string]store.Profile)
	}
	if prev, ok := s.Profiles[p.ID]; ok {
		p.CreatedAt = prev.CreatedAt
	} else if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	s.Profiles[p.ID] = p
	return nil
}

// ListProfiles returns all stored profiles ordered by ID.
func (s *Sink) ListProfiles(context.Context) ([]store.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ListErr != nil {
		return nil, s.ListErr
	}
	out := make([]store.Profile, 0, len(s.Profiles))
	for _, p := range s.Profiles {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b store.Profile) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out, nil
}

// Ping returns PingErr.
func (s *Sink) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PingErr
}

var (
	_ store.Sink          = (*Sink)(nil)
	_ store.MessageLister = (*Sink)(nil)
	_ store.ProfileStore  = (*Sink)(nil)
)
