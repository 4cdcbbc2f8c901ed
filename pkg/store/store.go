// Package store defines the persistence contracts for conversation turns.
//
// The persistence sink is deliberately narrow: the session only ever inserts.
// Read access ([MessageLister], [ProfileStore]) is optional and discovered by
// type assertion where the HTTP surface or startup code needs it.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidRecord is returned by sinks for records missing a user or content.
var ErrInvalidRecord = errors.New("store: record requires user id and content")

// Record is one persisted conversation turn.
type Record struct {
	ID        uuid.UUID `json:"id"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate reports whether r carries the fields every sink requires.
func (r Record) Validate() error {
	if r.UserID == "" || r.Content == "" {
		return ErrInvalidRecord
	}
	return nil
}

// Profile is a known user of the service.
type Profile struct {
	ID        string    `json:"id"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Sink accepts finalized conversation turns.
type Sink interface {
	// Insert stores rec. Implementations assign rec.ID when it is the zero
	// UUID and rec.CreatedAt when it is zero.
	Insert(ctx context.Context, rec Record) error
}

// MessageLister is implemented by sinks that can read messages back.
type MessageLister interface {
	// ListMessages returns the most recent messages of userID, oldest first.
	// A limit <= 0 selects a backend-specific default.
	ListMessages(ctx context.Context, userID string, limit int) ([]Record, error)
}

// ProfileStore is implemented by sinks that keep user profiles.
type ProfileStore interface {
	UpsertProfile(ctx context.Context, p Profile) error
	ListProfiles(ctx context.Context) ([]Profile, error)
}

// DefaultListLimit caps ListMessages when the caller passes no limit.
const DefaultListLimit = 50

// Prepare fills in the generated fields of rec and validates it.
func Prepare(rec Record, now time.Time) (Record, error) {
	if err := rec.Validate(); err != nil {
		return rec, err
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	return rec, nil
}
