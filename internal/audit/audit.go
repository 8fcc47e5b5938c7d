// Package audit records an append-only trail of every mutation. Entries are
// written after the mutation commits and are only removed by an explicit
// administrative delete.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"mealreg/internal/actor"
	"mealreg/internal/cursor"
	"mealreg/internal/sentinel"
)

// Action is the kind of mutation an entry describes.
type Action string

const (
	ActionCreateRegistration Action = "create_registration"
	ActionUpdateRegistration Action = "update_registration"
	ActionDeleteRegistration Action = "delete_registration"
	ActionCreateClass        Action = "create_class"
	ActionUpdateClass        Action = "update_class"
	ActionDeleteClass        Action = "delete_class"
	ActionCreateUser         Action = "create_user"
	ActionUpdateUser         Action = "update_user"
	ActionDeleteUser         Action = "delete_user"
	ActionCreateAnnouncement Action = "create_announcement"
	ActionUpdateAnnouncement Action = "update_announcement"
	ActionDeleteAnnouncement Action = "delete_announcement"
	ActionArchive            Action = "archive"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionCreateRegistration, ActionUpdateRegistration, ActionDeleteRegistration,
		ActionCreateClass, ActionUpdateClass, ActionDeleteClass,
		ActionCreateUser, ActionUpdateUser, ActionDeleteUser,
		ActionCreateAnnouncement, ActionUpdateAnnouncement, ActionDeleteAnnouncement,
		ActionArchive:
		return true
	}
	return false
}

// Entry is one immutable audit record.
type Entry struct {
	ID               string          `json:"id"`
	Timestamp        time.Time       `json:"timestamp"`
	ActorID          string          `json:"actor_id"`
	ActorDisplayName string          `json:"actor_display_name"`
	Action           Action          `json:"action"`
	Details          json.RawMessage `json:"details"`
}

// Position is the last entry of a listing page.
type Position struct {
	Timestamp time.Time `json:"t"`
	ID        string    `json:"i"`
}

// Store persists entries.
type Store interface {
	Append(ctx context.Context, e Entry) error
	// List returns up to limit entries, newest first, after the position.
	List(ctx context.Context, limit int, after *Position) ([]Entry, error)
	// Delete removes the given ids and reports how many existed.
	Delete(ctx context.Context, ids []string) (int, error)
}

// Page is one slice of the audit trail.
type Page struct {
	Entries []Entry `json:"entries"`
	Next    string  `json:"next_cursor,omitempty"`
}

// Log is the audit service used by every engine.
type Log struct {
	store        Store
	now          func() time.Time
	mu           sync.Mutex
	last         time.Time
	defaultLimit int
	maxLimit     int
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the entry timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithLimits sets the default and maximum page sizes for List.
func WithLimits(def, max int) Option {
	return func(l *Log) {
		if def > 0 {
			l.defaultLimit = def
		}
		if max >= l.defaultLimit {
			l.maxLimit = max
		}
	}
}

// NewLog creates the audit service.
func NewLog(store Store, opts ...Option) *Log {
	l := &Log{
		store:        store,
		now:          func() time.Time { return time.Now().UTC() },
		defaultLimit: 20,
		maxLimit:     500,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append writes one entry attributed to the actor in ctx.
func (l *Log) Append(ctx context.Context, action Action, details any) error {
	who, ok := actor.From(ctx)
	if !ok {
		return fmt.Errorf("append audit entry: %w", sentinel.ErrUnauthenticated)
	}
	if !action.Valid() {
		return sentinel.Invalid("action", "unknown audit action %q", action)
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("encode audit details: %w", err)
	}
	return l.store.Append(ctx, Entry{
		ID:               uuid.NewString(),
		Timestamp:        l.timestamp(),
		ActorID:          who.ID,
		ActorDisplayName: who.DisplayName,
		Action:           action,
		Details:          raw,
	})
}

// timestamp keeps entry times strictly increasing at microsecond precision,
// the resolution Postgres stores.
func (l *Log) timestamp() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := l.now().Truncate(time.Microsecond)
	if !ts.After(l.last) {
		ts = l.last.Add(time.Microsecond)
	}
	l.last = ts
	return ts
}

// List returns a page of entries, newest first. An empty token starts at the
// newest entry; the returned Next is empty once the trail is exhausted.
func (l *Log) List(ctx context.Context, limit int, token string) (Page, error) {
	if limit <= 0 {
		limit = l.defaultLimit
	}
	limit = min(limit, l.maxLimit)
	var after *Position
	if token != "" {
		var pos Position
		if err := cursor.Decode(token, &pos); err != nil || pos.Timestamp.IsZero() {
			return Page{}, sentinel.Invalid("cursor", "malformed cursor")
		}
		if _, err := uuid.Parse(pos.ID); err != nil {
			return Page{}, sentinel.Invalid("cursor", "malformed cursor")
		}
		after = &pos
	}
	entries, err := l.store.List(ctx, limit, after)
	if err != nil {
		return Page{}, fmt.Errorf("list audit entries: %w", err)
	}
	page := Page{Entries: entries}
	if len(entries) == limit {
		last := entries[len(entries)-1]
		next, err := cursor.Encode(Position{Timestamp: last.Timestamp, ID: last.ID})
		if err != nil {
			return Page{}, err
		}
		page.Next = next
	}
	return page, nil
}

// Delete removes entries by id. Deletion is not itself audited.
func (l *Log) Delete(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, sentinel.Invalid("ids", "at least one id required")
	}
	for _, id := range ids {
		if _, err := uuid.Parse(id); err != nil {
			return 0, sentinel.Invalid("ids", "%q is not an entry id", id)
		}
	}
	n, err := l.store.Delete(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("delete audit entries: %w", err)
	}
	return n, nil
}
