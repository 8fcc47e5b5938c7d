package audit

import (
	"context"
	"slices"
	"strings"
	"sync"

	"mealreg/internal/sentinel"
)

// Memory is an in-process Store.
type Memory struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Append(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return sentinel.Unavailable("append audit entry", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *Memory) List(ctx context.Context, limit int, after *Position) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, sentinel.Unavailable("list audit entries", err)
	}
	m.mu.RLock()
	sorted := slices.Clone(m.entries)
	m.mu.RUnlock()

	slices.SortFunc(sorted, newestFirst)
	var out []Entry
	for _, e := range sorted {
		if after != nil && !olderThan(e, *after) {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) Delete(ctx context.Context, ids []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, sentinel.Unavailable("delete audit entries", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	before := len(m.entries)
	m.entries = slices.DeleteFunc(m.entries, func(e Entry) bool {
		return slices.Contains(ids, e.ID)
	})
	return before - len(m.entries), nil
}

func newestFirst(a, b Entry) int {
	if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
		return c
	}
	return strings.Compare(b.ID, a.ID)
}

func olderThan(e Entry, p Position) bool {
	if !e.Timestamp.Equal(p.Timestamp) {
		return e.Timestamp.Before(p.Timestamp)
	}
	return e.ID < p.ID
}
