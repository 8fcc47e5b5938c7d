package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mealreg/internal/actor"
	"mealreg/internal/sentinel"
	"mealreg/internal/store"
)

// Memory is an in-process Store.
type Memory struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewMemory creates a store holding the given users.
func NewMemory(seed ...User) *Memory {
	m := &Memory{users: make(map[string]User)}
	for _, u := range seed {
		if u.ID == "" {
			u.ID = uuid.NewString()
		}
		m.users[u.ID] = u
	}
	return m
}

func (m *Memory) List(_ context.Context) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	return out, nil
}

func (m *Memory) Get(_ context.Context, id string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return User{}, fmt.Errorf("user %s: %w", id, sentinel.ErrNotFound)
	}
	return u, nil
}

func (m *Memory) GetByEmail(_ context.Context, email string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return User{}, fmt.Errorf("user %s: %w", email, sentinel.ErrNotFound)
}

func (m *Memory) Create(_ context.Context, u User) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.emailTaken(u.Email, "") {
		return User{}, ErrDuplicateEmail
	}
	u.ID = uuid.NewString()
	u.CreatedAt = time.Now().UTC()
	m.users[u.ID] = u
	return u, nil
}

func (m *Memory) Update(_ context.Context, u User) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; !ok {
		return User{}, fmt.Errorf("user %s: %w", u.ID, sentinel.ErrNotFound)
	}
	if m.emailTaken(u.Email, u.ID) {
		return User{}, ErrDuplicateEmail
	}
	m.users[u.ID] = u
	return u, nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		return fmt.Errorf("user %s: %w", id, sentinel.ErrNotFound)
	}
	delete(m.users, id)
	return nil
}

func (m *Memory) emailTaken(email, exceptID string) bool {
	for id, u := range m.users {
		if id != exceptID && strings.EqualFold(u.Email, email) {
			return true
		}
	}
	return false
}

// Postgres stores users in the users table.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a store over an open pool.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

const userColumns = `id::text, email, display_name, role, assigned_class, created_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var u User
	var role string
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &role, &u.AssignedClass, &u.CreatedAt)
	u.Role = actor.Role(role)
	return u, err
}

func (p *Postgres) List(ctx context.Context) ([]User, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users`)
	if err != nil {
		return nil, store.Classify("list users", err)
	}
	defer rows.Close()
	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, store.Classify("scan user", err)
		}
		out = append(out, u)
	}
	return out, store.Classify("list users", rows.Err())
}

func (p *Postgres) Get(ctx context.Context, id string) (User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return User{}, fmt.Errorf("user %s: %w", id, sentinel.ErrNotFound)
	}
	u, err := scanUser(p.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("user %s: %w", id, sentinel.ErrNotFound)
	}
	return u, store.Classify("get user", err)
}

func (p *Postgres) GetByEmail(ctx context.Context, email string) (User, error) {
	u, err := scanUser(p.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("user %s: %w", email, sentinel.ErrNotFound)
	}
	return u, store.Classify("get user by email", err)
}

func (p *Postgres) Create(ctx context.Context, u User) (User, error) {
	u.ID = uuid.NewString()
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO users (id, email, display_name, role, assigned_class)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, u.ID, u.Email, u.DisplayName, string(u.Role), u.AssignedClass).Scan(&u.CreatedAt)
	if store.IsUniqueViolation(err) {
		return User{}, ErrDuplicateEmail
	}
	if err != nil {
		return User{}, store.Classify("create user", err)
	}
	return u, nil
}

func (p *Postgres) Update(ctx context.Context, u User) (User, error) {
	if _, err := uuid.Parse(u.ID); err != nil {
		return User{}, fmt.Errorf("user %s: %w", u.ID, sentinel.ErrNotFound)
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE users SET email = $2, display_name = $3, role = $4, assigned_class = $5
		WHERE id = $1
	`, u.ID, u.Email, u.DisplayName, string(u.Role), u.AssignedClass)
	if store.IsUniqueViolation(err) {
		return User{}, ErrDuplicateEmail
	}
	if err != nil {
		return User{}, store.Classify("update user", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return User{}, fmt.Errorf("user %s: %w", u.ID, sentinel.ErrNotFound)
	}
	return u, nil
}

func (p *Postgres) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("user %s: %w", id, sentinel.ErrNotFound)
	}
	res, err := p.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return store.Classify("delete user", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %s: %w", id, sentinel.ErrNotFound)
	}
	return nil
}
