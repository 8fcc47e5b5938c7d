package registration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mealreg/internal/audit"
	"mealreg/internal/sentinel"
)

func (cd ClassDate) validate() error {
	if strings.TrimSpace(cd.ClassName) == "" {
		return sentinel.Invalid("class_name", "required")
	}
	return ValidateDate("date", cd.Date)
}

// DeleteForClassDate removes every meal of one class on one day.
func (s *Service) DeleteForClassDate(ctx context.Context, className, date string) (int, error) {
	return s.deleteClassDates(ctx, []ClassDate{{ClassName: className, Date: date}}, func(int) any {
		return map[string]string{"class_name": className, "date": date}
	})
}

// DeleteMany removes every meal of each class/day pair in one batch.
func (s *Service) DeleteMany(ctx context.Context, items []ClassDate) (int, error) {
	if len(items) == 0 {
		return 0, sentinel.Invalid("items", "at least one class and date required")
	}
	return s.deleteClassDates(ctx, items, func(n int) any {
		return map[string]any{"items": items, "deleted": n}
	})
}

func (s *Service) deleteClassDates(ctx context.Context, items []ClassDate, details func(n int) any) (n int, err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("delete", start, err) }()

	if _, err := requireActor(ctx); err != nil {
		return 0, err
	}
	for _, it := range items {
		if err := it.validate(); err != nil {
			return 0, err
		}
	}

	var ops []Op
	for _, it := range items {
		records, err := s.store.Query(ctx, Live, Filter{Dates: []string{it.Date}, ClassNames: []string{it.ClassName}})
		if err != nil {
			return 0, fmt.Errorf("delete registrations: %w", err)
		}
		for _, r := range records {
			ops = append(ops, Op{Kind: OpDelete, Collection: Live, Record: r})
		}
	}
	if len(ops) == 0 {
		return 0, nil
	}
	if err := s.store.Batch(ctx, ops); err != nil {
		return 0, fmt.Errorf("delete registrations: %w", err)
	}
	s.committed(ctx, audit.ActionDeleteRegistration, details(len(ops)))
	return len(ops), nil
}

// RenameClass points every live registration of oldName at newName. It is the
// follow-up step of a class rename and is audited by the caller.
func (s *Service) RenameClass(ctx context.Context, oldName, newName string) (int, error) {
	if oldName == newName {
		return 0, nil
	}
	records, err := s.store.Query(ctx, Live, Filter{ClassNames: []string{oldName}})
	if err != nil {
		return 0, fmt.Errorf("rename class registrations: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}
	ops := make([]Op, len(records))
	for i, r := range records {
		r.ClassName = newName
		ops[i] = Op{Kind: OpUpdate, Collection: Live, Record: r}
	}
	if err := s.store.Batch(ctx, ops); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			return 0, sentinel.Invalid("name", "registrations already exist under %q", newName)
		}
		return 0, fmt.Errorf("rename class registrations: %w", err)
	}
	return len(ops), nil
}

// CountClass reports how many live registrations carry a class name.
func (s *Service) CountClass(ctx context.Context, className string) (int, error) {
	n, err := s.store.Count(ctx, Filter{ClassNames: []string{className}})
	if err != nil {
		return 0, fmt.Errorf("count class registrations: %w", err)
	}
	return n, nil
}

// PurgeClass deletes every live registration of a class. It runs as part of
// deleting the class and is audited by the caller.
func (s *Service) PurgeClass(ctx context.Context, className string) (int, error) {
	records, err := s.store.Query(ctx, Live, Filter{ClassNames: []string{className}})
	if err != nil {
		return 0, fmt.Errorf("purge class registrations: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}
	ops := make([]Op, len(records))
	for i, r := range records {
		ops[i] = Op{Kind: OpDelete, Collection: Live, Record: r}
	}
	if err := s.store.Batch(ctx, ops); err != nil {
		return 0, fmt.Errorf("purge class registrations: %w", err)
	}
	return len(ops), nil
}
