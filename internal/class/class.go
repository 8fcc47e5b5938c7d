// Package class manages the classes meals are registered for.
package class

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode"

	"mealreg/internal/actor"
	"mealreg/internal/audit"
	"mealreg/internal/sentinel"
)

// ErrDuplicateName is returned by a store when another class already uses
// the name, compared case-insensitively.
var ErrDuplicateName = errors.New("class name already used")

// Class is a group of students that registers meals together.
type Class struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	StudentCount int       `json:"student_count"`
	Stamp        int64     `json:"stamp"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Input is the editable part of a class.
type Input struct {
	Name         string `json:"name"`
	StudentCount int    `json:"student_count"`
}

func (in Input) normalize() (Input, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return Input{}, sentinel.Invalid("name", "required")
	}
	if in.StudentCount < 0 {
		return Input{}, sentinel.Invalid("student_count", "must not be negative")
	}
	return in, nil
}

// Defaults are seeded into an empty class collection.
var Defaults = []Input{
	{Name: "Mầm", StudentCount: 20},
	{Name: "Chồi", StudentCount: 25},
	{Name: "Lá", StudentCount: 30},
}

// Store persists classes.
type Store interface {
	List(ctx context.Context) ([]Class, error)
	Get(ctx context.Context, id string) (Class, error)
	Create(ctx context.Context, c Class) (Class, error)
	Update(ctx context.Context, c Class) (Class, error)
	Delete(ctx context.Context, id string) error
}

// Registrations is the cascade target for renames and deletes.
type Registrations interface {
	RenameClass(ctx context.Context, oldName, newName string) (int, error)
	CountClass(ctx context.Context, className string) (int, error)
	PurgeClass(ctx context.Context, className string) (int, error)
}

type Auditor interface {
	Append(ctx context.Context, action audit.Action, details any) error
}

type Notifier interface {
	Bump(ctx context.Context) (int64, error)
}

// Service validates and cascades class changes.
type Service struct {
	store    Store
	regs     Registrations
	audit    Auditor
	notifier Notifier
	log      *slog.Logger
}

// NewService wires a class service. notifier may be nil.
func NewService(store Store, regs Registrations, auditor Auditor, notifier Notifier, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, regs: regs, audit: auditor, notifier: notifier, log: log}
}

// List returns every class in natural name order ("Lá 2" before "Lá 10").
func (s *Service) List(ctx context.Context) ([]Class, error) {
	classes, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list classes: %w", err)
	}
	slices.SortFunc(classes, func(a, b Class) int { return naturalCompare(a.Name, b.Name) })
	return classes, nil
}

// Get returns one class or sentinel.ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (Class, error) {
	return s.store.Get(ctx, id)
}

// Create adds a class with a unique name.
func (s *Service) Create(ctx context.Context, in Input) (Class, error) {
	if _, ok := actor.From(ctx); !ok {
		return Class{}, sentinel.ErrUnauthenticated
	}
	in, err := in.normalize()
	if err != nil {
		return Class{}, err
	}
	if err := s.ensureUnique(ctx, in.Name, ""); err != nil {
		return Class{}, err
	}
	c, err := s.store.Create(ctx, Class{Name: in.Name, StudentCount: in.StudentCount})
	if err != nil {
		return Class{}, mapDuplicate(in.Name, err)
	}
	s.committed(ctx, audit.ActionCreateClass, map[string]any{"id": c.ID, "name": c.Name, "student_count": c.StudentCount})
	return c, nil
}

// Update edits a class. A rename is followed by a separate batch that moves
// every live registration to the new name; readers may briefly see the old
// name on registrations. Renaming onto a name that live registrations
// already use is rejected.
func (s *Service) Update(ctx context.Context, id string, in Input) (Class, error) {
	if _, ok := actor.From(ctx); !ok {
		return Class{}, sentinel.ErrUnauthenticated
	}
	in, err := in.normalize()
	if err != nil {
		return Class{}, err
	}
	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return Class{}, err
	}
	if err := s.ensureUnique(ctx, in.Name, id); err != nil {
		return Class{}, err
	}
	if cur.Name != in.Name {
		orphans, err := s.regs.CountClass(ctx, in.Name)
		if err != nil {
			return Class{}, fmt.Errorf("update class %s: %w", cur.Name, err)
		}
		if orphans > 0 {
			return Class{}, sentinel.Invalid("name", "%d registrations already use %q", orphans, in.Name)
		}
	}
	next := cur
	next.Name, next.StudentCount = in.Name, in.StudentCount
	updated, err := s.store.Update(ctx, next)
	if err != nil {
		return Class{}, mapDuplicate(in.Name, err)
	}

	details := map[string]any{"id": id, "name": updated.Name, "student_count": updated.StudentCount}
	if cur.Name != updated.Name {
		details["old_name"] = cur.Name
		moved, err := s.regs.RenameClass(ctx, cur.Name, updated.Name)
		if err != nil {
			s.log.ErrorContext(ctx, "class renamed but registrations still use the old name",
				"class_id", id, "old_name", cur.Name, "new_name", updated.Name, "error", err)
			s.committed(ctx, audit.ActionUpdateClass, details)
			return updated, fmt.Errorf("rename class registrations: %w", err)
		}
		details["registrations_moved"] = moved
	}
	s.committed(ctx, audit.ActionUpdateClass, details)
	return updated, nil
}

// Delete removes a class together with its live registrations. Archived
// registrations keep the class name.
func (s *Service) Delete(ctx context.Context, id string) error {
	if _, ok := actor.From(ctx); !ok {
		return sentinel.ErrUnauthenticated
	}
	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	purged, err := s.regs.PurgeClass(ctx, cur.Name)
	if err != nil {
		return fmt.Errorf("delete class %s: %w", cur.Name, err)
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete class %s: %w", cur.Name, err)
	}
	s.committed(ctx, audit.ActionDeleteClass, map[string]any{"id": id, "name": cur.Name, "registrations_deleted": purged})
	return nil
}

// SeedDefaults creates the default classes when none exist.
func (s *Service) SeedDefaults(ctx context.Context) (int, error) {
	existing, err := s.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("seed classes: %w", err)
	}
	if len(existing) > 0 {
		return 0, nil
	}
	for i, in := range Defaults {
		if _, err := s.store.Create(ctx, Class{Name: in.Name, StudentCount: in.StudentCount}); err != nil {
			return i, fmt.Errorf("seed class %s: %w", in.Name, err)
		}
	}
	s.log.InfoContext(ctx, "seeded default classes", "count", len(Defaults))
	return len(Defaults), nil
}

func (s *Service) ensureUnique(ctx context.Context, name, exceptID string) error {
	classes, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("check class name: %w", err)
	}
	for _, c := range classes {
		if c.ID != exceptID && strings.EqualFold(c.Name, name) {
			return sentinel.Invalid("name", "class %q already exists", c.Name)
		}
	}
	return nil
}

func (s *Service) committed(ctx context.Context, action audit.Action, details any) {
	if err := s.audit.Append(ctx, action, details); err != nil {
		s.log.ErrorContext(ctx, "audit append failed after commit", "action", string(action), "error", err)
	}
	if s.notifier != nil {
		if _, err := s.notifier.Bump(ctx); err != nil {
			s.log.WarnContext(ctx, "data version bump failed", "error", err)
		}
	}
}

func mapDuplicate(name string, err error) error {
	if errors.Is(err, ErrDuplicateName) {
		return sentinel.Invalid("name", "class %q already exists", name)
	}
	return err
}

// naturalCompare orders strings case-insensitively with digit runs compared
// by numeric value.
func naturalCompare(a, b string) int {
	ar, br := []rune(strings.ToLower(a)), []rune(strings.ToLower(b))
	i, j := 0, 0
	for i < len(ar) && j < len(br) {
		if unicode.IsDigit(ar[i]) && unicode.IsDigit(br[j]) {
			si := i
			for i < len(ar) && unicode.IsDigit(ar[i]) {
				i++
			}
			sj := j
			for j < len(br) && unicode.IsDigit(br[j]) {
				j++
			}
			na := strings.TrimLeft(string(ar[si:i]), "0")
			nb := strings.TrimLeft(string(br[sj:j]), "0")
			if len(na) != len(nb) {
				return len(na) - len(nb)
			}
			if c := strings.Compare(na, nb); c != 0 {
				return c
			}
			continue
		}
		if ar[i] != br[j] {
			if ar[i] < br[j] {
				return -1
			}
			return 1
		}
		i++
		j++
	}
	return (len(ar) - i) - (len(br) - j)
}
