package class

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mealreg/internal/sentinel"
	"mealreg/internal/store"
)

// Memory is an in-process Store.
type Memory struct {
	mu      sync.RWMutex
	classes map[string]Class
	stamp   int64
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{classes: make(map[string]Class)}
}

func (m *Memory) List(_ context.Context) ([]Class, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Class, 0, len(m.classes))
	for _, c := range m.classes {
		out = append(out, c)
	}
	return out, nil
}

func (m *Memory) Get(_ context.Context, id string) (Class, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.classes[id]
	if !ok {
		return Class{}, fmt.Errorf("class %s: %w", id, sentinel.ErrNotFound)
	}
	return c, nil
}

func (m *Memory) Create(_ context.Context, c Class) (Class, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nameTaken(c.Name, "") {
		return Class{}, ErrDuplicateName
	}
	c.ID = uuid.NewString()
	m.touch(&c)
	m.classes[c.ID] = c
	return c, nil
}

func (m *Memory) Update(_ context.Context, c Class) (Class, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.classes[c.ID]; !ok {
		return Class{}, fmt.Errorf("class %s: %w", c.ID, sentinel.ErrNotFound)
	}
	if m.nameTaken(c.Name, c.ID) {
		return Class{}, ErrDuplicateName
	}
	m.touch(&c)
	m.classes[c.ID] = c
	return c, nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.classes[id]; !ok {
		return fmt.Errorf("class %s: %w", id, sentinel.ErrNotFound)
	}
	delete(m.classes, id)
	return nil
}

func (m *Memory) nameTaken(name, exceptID string) bool {
	for id, c := range m.classes {
		if id != exceptID && strings.EqualFold(c.Name, name) {
			return true
		}
	}
	return false
}

func (m *Memory) touch(c *Class) {
	m.stamp++
	c.Stamp = m.stamp
	c.UpdatedAt = time.Now().UTC()
}

// Postgres stores classes in the classes table.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a store over an open pool.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

const classColumns = `id::text, name, student_count, stamp, updated_at`

func (p *Postgres) List(ctx context.Context) ([]Class, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+classColumns+` FROM classes`)
	if err != nil {
		return nil, store.Classify("list classes", err)
	}
	defer rows.Close()
	var out []Class
	for rows.Next() {
		var c Class
		if err := rows.Scan(&c.ID, &c.Name, &c.StudentCount, &c.Stamp, &c.UpdatedAt); err != nil {
			return nil, store.Classify("scan class", err)
		}
		out = append(out, c)
	}
	return out, store.Classify("list classes", rows.Err())
}

func (p *Postgres) Get(ctx context.Context, id string) (Class, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Class{}, fmt.Errorf("class %s: %w", id, sentinel.ErrNotFound)
	}
	var c Class
	err := p.db.QueryRowContext(ctx, `SELECT `+classColumns+` FROM classes WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.StudentCount, &c.Stamp, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Class{}, fmt.Errorf("class %s: %w", id, sentinel.ErrNotFound)
	}
	return c, store.Classify("get class", err)
}

func (p *Postgres) Create(ctx context.Context, c Class) (Class, error) {
	c.ID = uuid.NewString()
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO classes (id, name, student_count)
		VALUES ($1, $2, $3)
		RETURNING stamp, updated_at
	`, c.ID, c.Name, c.StudentCount).Scan(&c.Stamp, &c.UpdatedAt)
	if store.IsUniqueViolation(err) {
		return Class{}, ErrDuplicateName
	}
	if err != nil {
		return Class{}, store.Classify("create class", err)
	}
	return c, nil
}

func (p *Postgres) Update(ctx context.Context, c Class) (Class, error) {
	if _, err := uuid.Parse(c.ID); err != nil {
		return Class{}, fmt.Errorf("class %s: %w", c.ID, sentinel.ErrNotFound)
	}
	err := p.db.QueryRowContext(ctx, `
		UPDATE classes
		SET name = $2, student_count = $3, stamp = nextval('registration_stamp_seq'), updated_at = NOW()
		WHERE id = $1
		RETURNING stamp, updated_at
	`, c.ID, c.Name, c.StudentCount).Scan(&c.Stamp, &c.UpdatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Class{}, fmt.Errorf("class %s: %w", c.ID, sentinel.ErrNotFound)
	case store.IsUniqueViolation(err):
		return Class{}, ErrDuplicateName
	case err != nil:
		return Class{}, store.Classify("update class", err)
	}
	return c, nil
}

func (p *Postgres) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("class %s: %w", id, sentinel.ErrNotFound)
	}
	res, err := p.db.ExecContext(ctx, `DELETE FROM classes WHERE id = $1`, id)
	if err != nil {
		return store.Classify("delete class", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("class %s: %w", id, sentinel.ErrNotFound)
	}
	return nil
}
