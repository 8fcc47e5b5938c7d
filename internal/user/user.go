// Package user manages the people allowed to act on registrations.
package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"slices"
	"strings"
	"time"

	"mealreg/internal/actor"
	"mealreg/internal/audit"
	"mealreg/internal/sentinel"
)

// ErrDuplicateEmail is returned by a store when the email is already used.
var ErrDuplicateEmail = errors.New("email already used")

// User is an account that can obtain an access token.
type User struct {
	ID            string     `json:"id"`
	Email         string     `json:"email"`
	DisplayName   string     `json:"display_name"`
	Role          actor.Role `json:"role"`
	AssignedClass string     `json:"assigned_class,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Actor is the identity the user acts as.
func (u User) Actor() actor.Actor {
	return actor.Actor{ID: u.ID, DisplayName: u.DisplayName, Role: u.Role}
}

// Input is the editable part of a user.
type Input struct {
	Email         string     `json:"email"`
	DisplayName   string     `json:"display_name"`
	Role          actor.Role `json:"role"`
	AssignedClass string     `json:"assigned_class"`
}

func (in Input) normalize() (Input, error) {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.DisplayName = strings.TrimSpace(in.DisplayName)
	in.AssignedClass = strings.TrimSpace(in.AssignedClass)
	if _, err := mail.ParseAddress(in.Email); err != nil || in.Email == "" {
		return Input{}, sentinel.Invalid("email", "%q is not an email address", in.Email)
	}
	if in.DisplayName == "" {
		return Input{}, sentinel.Invalid("display_name", "required")
	}
	if !in.Role.Valid() {
		return Input{}, sentinel.Invalid("role", "unknown role %q", in.Role)
	}
	if in.Role != actor.RoleTeacher {
		in.AssignedClass = ""
	}
	return in, nil
}

// Store persists users. Emails are unique case-insensitively.
type Store interface {
	List(ctx context.Context) ([]User, error)
	Get(ctx context.Context, id string) (User, error)
	GetByEmail(ctx context.Context, email string) (User, error)
	Create(ctx context.Context, u User) (User, error)
	Update(ctx context.Context, u User) (User, error)
	Delete(ctx context.Context, id string) error
}

type Auditor interface {
	Append(ctx context.Context, action audit.Action, details any) error
}

// Service validates and audits user changes.
type Service struct {
	store Store
	audit Auditor
	log   *slog.Logger
}

// NewService wires a user service.
func NewService(store Store, auditor Auditor, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, audit: auditor, log: log}
}

// List returns every user ordered by display name.
func (s *Service) List(ctx context.Context) ([]User, error) {
	users, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	slices.SortFunc(users, func(a, b User) int {
		return strings.Compare(strings.ToLower(a.DisplayName), strings.ToLower(b.DisplayName))
	})
	return users, nil
}

func (s *Service) Get(ctx context.Context, id string) (User, error) {
	return s.store.Get(ctx, id)
}

// GetByEmail resolves a user for token issuing.
func (s *Service) GetByEmail(ctx context.Context, email string) (User, error) {
	return s.store.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
}

func (s *Service) Create(ctx context.Context, in Input) (User, error) {
	if _, ok := actor.From(ctx); !ok {
		return User{}, sentinel.ErrUnauthenticated
	}
	in, err := in.normalize()
	if err != nil {
		return User{}, err
	}
	u, err := s.store.Create(ctx, User{Email: in.Email, DisplayName: in.DisplayName, Role: in.Role, AssignedClass: in.AssignedClass})
	if err != nil {
		return User{}, mapDuplicate(in.Email, err)
	}
	s.record(ctx, audit.ActionCreateUser, u)
	return u, nil
}

func (s *Service) Update(ctx context.Context, id string, in Input) (User, error) {
	if _, ok := actor.From(ctx); !ok {
		return User{}, sentinel.ErrUnauthenticated
	}
	in, err := in.normalize()
	if err != nil {
		return User{}, err
	}
	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return User{}, err
	}
	cur.Email, cur.DisplayName, cur.Role, cur.AssignedClass = in.Email, in.DisplayName, in.Role, in.AssignedClass
	u, err := s.store.Update(ctx, cur)
	if err != nil {
		return User{}, mapDuplicate(in.Email, err)
	}
	s.record(ctx, audit.ActionUpdateUser, u)
	return u, nil
}

// Delete removes a user. Callers cannot delete themselves.
func (s *Service) Delete(ctx context.Context, id string) error {
	who, ok := actor.From(ctx)
	if !ok {
		return sentinel.ErrUnauthenticated
	}
	if who.ID == id {
		return sentinel.Invalid("id", "cannot delete your own account")
	}
	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	s.record(ctx, audit.ActionDeleteUser, cur)
	return nil
}

func (s *Service) record(ctx context.Context, action audit.Action, u User) {
	details := map[string]any{"id": u.ID, "email": u.Email, "display_name": u.DisplayName, "role": u.Role}
	if err := s.audit.Append(ctx, action, details); err != nil {
		s.log.ErrorContext(ctx, "audit append failed after commit", "action", string(action), "error", err)
	}
}

func mapDuplicate(email string, err error) error {
	if errors.Is(err, ErrDuplicateEmail) {
		return sentinel.Invalid("email", "%s is already registered", email)
	}
	return err
}
