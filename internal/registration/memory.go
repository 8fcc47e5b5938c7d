package registration

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"mealreg/internal/sentinel"
)

// WriteHook runs before each op a memory store applies. Returning an error
// aborts the surrounding batch or transaction.
type WriteHook func(ctx context.Context, index int, op Op) error

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithWriteHook installs a hook used by tests to inject store failures.
func WithWriteHook(h WriteHook) MemoryOption {
	return func(m *Memory) { m.hook = h }
}

// WithClock overrides the time source for UpdatedAt.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

type memState struct {
	live    map[string]Registration
	byKey   map[Key]string
	archive map[string]Registration
}

func (s memState) clone() memState {
	return memState{
		live:    maps.Clone(s.live),
		byKey:   maps.Clone(s.byKey),
		archive: maps.Clone(s.archive),
	}
}

// Memory is an in-process Store. Batches and transactions work on a copy of
// the state that replaces the live one only when every op succeeded.
type Memory struct {
	mu    sync.RWMutex
	state memState
	stamp int64
	hook  WriteHook
	now   func() time.Time
}

// NewMemory creates an empty store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		state: memState{
			live:    make(map[string]Registration),
			byKey:   make(map[Key]string),
			archive: make(map[string]Registration),
		},
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Get(ctx context.Context, key Key) (Registration, error) {
	if err := ctx.Err(); err != nil {
		return Registration{}, sentinel.Unavailable("get registration", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.state.byKey[key]
	if !ok {
		return Registration{}, fmt.Errorf("registration %s: %w", key, sentinel.ErrNotFound)
	}
	return m.state.live[id], nil
}

func (m *Memory) Find(ctx context.Context, keys []Key) ([]Registration, error) {
	if err := ctx.Err(); err != nil {
		return nil, sentinel.Unavailable("find registrations", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.find(keys), nil
}

func (s memState) find(keys []Key) []Registration {
	var out []Registration
	for _, k := range keys {
		if id, ok := s.byKey[k]; ok {
			out = append(out, s.live[id])
		}
	}
	return out
}

func (m *Memory) Query(ctx context.Context, c Collection, f Filter) ([]Registration, error) {
	if err := ctx.Err(); err != nil {
		return nil, sentinel.Unavailable("query registrations", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.state.live
	if c == Archive {
		src = m.state.archive
	}
	return filterSorted(src, f), nil
}

func filterSorted(src map[string]Registration, f Filter) []Registration {
	var out []Registration
	for _, r := range src {
		if f.Matches(r) {
			out = append(out, r)
		}
	}
	sortNewestFirst(out)
	return out
}

func (m *Memory) Count(ctx context.Context, f Filter) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, sentinel.Unavailable("count registrations", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.state.live {
		if f.Matches(r) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Page(ctx context.Context, f Filter, size int, after *Position) ([]Registration, error) {
	all, err := m.Query(ctx, Live, f)
	if err != nil {
		return nil, err
	}
	start := 0
	if after != nil {
		start = len(all)
		for i, r := range all {
			if after.before(r) {
				start = i
				break
			}
		}
	}
	end := min(start+size, len(all))
	return all[start:end], nil
}

func (m *Memory) Batch(ctx context.Context, ops []Op) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.state.clone()
	if err := m.apply(ctx, &next, 0, ops); err != nil {
		return err
	}
	m.state = next
	return nil
}

func (m *Memory) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTx{store: m, state: m.state.clone()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	m.state = tx.state
	return nil
}

type memTx struct {
	store   *Memory
	state   memState
	applied int
}

func (t *memTx) Find(ctx context.Context, keys []Key) ([]Registration, error) {
	if err := ctx.Err(); err != nil {
		return nil, sentinel.Unavailable("find registrations", err)
	}
	return t.state.find(keys), nil
}

func (t *memTx) Query(ctx context.Context, f Filter) ([]Registration, error) {
	if err := ctx.Err(); err != nil {
		return nil, sentinel.Unavailable("query registrations", err)
	}
	return filterSorted(t.state.live, f), nil
}

func (t *memTx) Apply(ctx context.Context, ops ...Op) error {
	if err := t.store.apply(ctx, &t.state, t.applied, ops); err != nil {
		return err
	}
	t.applied += len(ops)
	return nil
}

func (m *Memory) apply(ctx context.Context, s *memState, offset int, ops []Op) error {
	for i, op := range ops {
		if err := ctx.Err(); err != nil {
			return sentinel.Unavailable("apply batch", err)
		}
		if m.hook != nil {
			if err := m.hook(ctx, offset+i, op); err != nil {
				return err
			}
		}
		if err := m.applyOne(s, op); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) applyOne(s *memState, op Op) error {
	r := op.Record
	switch {
	case op.Collection == Archive && op.Kind == OpCreate:
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		s.archive[r.ID] = r
	case op.Collection == Archive:
		return fmt.Errorf("%s on archive: archived registrations are read-only", op.Kind)
	case op.Kind == OpCreate:
		if _, exists := s.byKey[r.Key]; exists {
			return fmt.Errorf("create %s: %w", r.Key, ErrDuplicateKey)
		}
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		m.stampRecord(&r)
		s.live[r.ID] = r
		s.byKey[r.Key] = r.ID
	case op.Kind == OpUpdate:
		cur, ok := s.live[r.ID]
		if !ok {
			return fmt.Errorf("update registration %s: %w", r.ID, sentinel.ErrNotFound)
		}
		if cur.Key != r.Key {
			if _, exists := s.byKey[r.Key]; exists {
				return fmt.Errorf("move %s to %s: %w", cur.Key, r.Key, ErrDuplicateKey)
			}
			delete(s.byKey, cur.Key)
			s.byKey[r.Key] = r.ID
		}
		m.stampRecord(&r)
		s.live[r.ID] = r
	case op.Kind == OpDelete:
		if cur, ok := s.live[r.ID]; ok {
			delete(s.byKey, cur.Key)
			delete(s.live, r.ID)
		}
	default:
		return fmt.Errorf("unknown op kind %d", op.Kind)
	}
	return nil
}

// stampRecord must be called with m.mu held.
func (m *Memory) stampRecord(r *Registration) {
	m.stamp++
	r.Stamp = m.stamp
	r.UpdatedAt = m.now()
}
