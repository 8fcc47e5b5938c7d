package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"mealreg/internal/actor"
	"mealreg/internal/audit"
	"mealreg/internal/metrics"
	"mealreg/internal/sentinel"
)

// Auditor records a committed mutation.
type Auditor interface {
	Append(ctx context.Context, action audit.Action, details any) error
}

// Notifier is told about every committed mutation.
type Notifier interface {
	Bump(ctx context.Context) (int64, error)
}

// Service runs the registration engines against a Store.
type Service struct {
	store           Store
	audit           Auditor
	notifier        Notifier
	metrics         *metrics.Metrics
	log             *slog.Logger
	defaultPageSize int
	maxPageSize     int
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithNotifier sets the data version counter bumped after each mutation.
func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }

// WithPageSizes sets the default and maximum query page sizes.
func WithPageSizes(def, max int) Option {
	return func(s *Service) {
		if def > 0 {
			s.defaultPageSize = def
		}
		if max >= s.defaultPageSize {
			s.maxPageSize = max
		}
	}
}

// NewService wires the engines.
func NewService(store Store, auditor Auditor, opts ...Option) *Service {
	s := &Service{
		store:           store,
		audit:           auditor,
		log:             slog.Default(),
		defaultPageSize: 20,
		maxPageSize:     500,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// UpsertResult counts what an upsert did per key.
type UpsertResult struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Deleted   int `json:"deleted"`
	Unchanged int `json:"unchanged"`
}

// Writes is the number of store writes the upsert issued.
func (r UpsertResult) Writes() int { return r.Created + r.Updated + r.Deleted }

// Upsert makes the store hold exactly the desired counts for the given keys.
// It does not detect concurrent edits; the last writer wins. A key created or
// deleted by another writer between the read and the batch triggers one
// re-read; losing that race twice fails with sentinel.ErrStaleData.
func (s *Service) Upsert(ctx context.Context, desired []Desired) (res UpsertResult, err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("upsert", start, err) }()

	who, err := requireActor(ctx)
	if err != nil {
		return UpsertResult{}, err
	}
	if err := validateDesired(desired); err != nil {
		return UpsertResult{}, err
	}

	const attempts = 2
	for attempt := 1; ; attempt++ {
		current, err := s.store.Find(ctx, keysOf(desired))
		if err != nil {
			return UpsertResult{}, fmt.Errorf("upsert registrations: %w", err)
		}
		var ops []Op
		ops, res = planUpsert(desired, indexByKey(current), who)
		if len(ops) == 0 {
			return res, nil
		}
		err = s.store.Batch(ctx, ops)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrDuplicateKey) && !errors.Is(err, sentinel.ErrNotFound) {
			return UpsertResult{}, fmt.Errorf("upsert registrations: %w", err)
		}
		if attempt == attempts {
			return UpsertResult{}, fmt.Errorf("upsert registrations: %w: %w", sentinel.ErrStaleData, err)
		}
		s.log.DebugContext(ctx, "upsert raced another writer, re-reading", "error", err)
	}

	s.committed(ctx, audit.ActionCreateRegistration, map[string]any{
		"registrations": nonZero(desired),
	})
	return res, nil
}

func planUpsert(desired []Desired, byKey map[Key]Registration, who actor.Actor) ([]Op, UpsertResult) {
	var ops []Op
	var res UpsertResult
	for _, d := range desired {
		cur, found := byKey[d.Key]
		switch {
		case found && d.Count == 0:
			ops = append(ops, Op{Kind: OpDelete, Collection: Live, Record: cur})
			res.Deleted++
		case found && d.Count == cur.Count:
			res.Unchanged++
		case found:
			cur.Count = d.Count
			ops = append(ops, Op{Kind: OpUpdate, Collection: Live, Record: writtenBy(cur, who)})
			res.Updated++
		case d.Count > 0:
			ops = append(ops, Op{Kind: OpCreate, Collection: Live, Record: writtenBy(Registration{Key: d.Key, Count: d.Count}, who)})
			res.Created++
		default:
			res.Unchanged++
		}
	}
	return ops, res
}

// Conflict is a live record a candidate write would overwrite.
type Conflict struct {
	Current Registration `json:"current"`
	Desired int          `json:"desired"`
}

// Preview lists the conflicts found for a candidate write.
type Preview struct {
	Conflicts []Conflict `json:"conflicts"`
}

// Empty reports whether the candidate write can go through Upsert unchecked.
func (p Preview) Empty() bool { return len(p.Conflicts) == 0 }

// Originals is the snapshot to hand to Update.
func (p Preview) Originals() []Registration {
	out := make([]Registration, len(p.Conflicts))
	for i, c := range p.Conflicts {
		out[i] = c.Current
	}
	return out
}

// Preview reports every live record with a non-zero count whose key is among
// the candidates. keys selects what to read; nil means the candidate keys.
func (s *Service) Preview(ctx context.Context, candidates []Desired, keys []Key) (p Preview, err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("preview", start, err) }()

	if err := validateDesired(candidates); err != nil {
		return Preview{}, err
	}
	if keys == nil {
		keys = keysOf(candidates)
	}
	for _, k := range keys {
		if err := k.Validate(); err != nil {
			return Preview{}, err
		}
	}
	live, err := s.store.Find(ctx, keys)
	if err != nil {
		return Preview{}, fmt.Errorf("preview conflicts: %w", err)
	}
	byKey := indexByKey(live)
	for _, c := range candidates {
		if cur, ok := byKey[c.Key]; ok && cur.Count > 0 {
			p.Conflicts = append(p.Conflicts, Conflict{Current: cur, Desired: c.Count})
		}
	}
	return p, nil
}

// UpdateResult carries the changelog of an optimistic update.
type UpdateResult struct {
	Changes []Change `json:"changes"`
}

// Update applies desired on top of originals inside one transaction. If any
// original changed or vanished since it was read, or any new key has been
// created by someone else, nothing is written and the error matches
// sentinel.ErrStaleData.
func (s *Service) Update(ctx context.Context, desired []Desired, originals []Registration) (res UpdateResult, err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("update", start, err) }()

	who, err := requireActor(ctx)
	if err != nil {
		return UpdateResult{}, err
	}
	if err := validateDesired(desired); err != nil {
		return UpdateResult{}, err
	}
	if err := validateOriginals(originals); err != nil {
		return UpdateResult{}, err
	}

	origByKey := indexByKey(originals)
	wanted := make(map[Key]int, len(desired))
	keys := make([]Key, 0, len(originals)+len(desired))
	for _, o := range originals {
		keys = append(keys, o.Key)
	}
	for _, d := range desired {
		wanted[d.Key] = d.Count
		if _, ok := origByKey[d.Key]; !ok {
			keys = append(keys, d.Key)
		}
	}

	err = s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		live, err := tx.Find(ctx, keys)
		if err != nil {
			return err
		}
		liveByKey := indexByKey(live)
		for _, o := range originals {
			cur, ok := liveByKey[o.Key]
			if !ok {
				return fmt.Errorf("%s was deleted: %w", o.Key, sentinel.ErrStaleData)
			}
			if cur.ID != o.ID || cur.Stamp != o.Stamp {
				return fmt.Errorf("%s was modified: %w", o.Key, sentinel.ErrStaleData)
			}
		}

		var ops []Op
		changes := make([]Change, 0, len(keys))
		for _, k := range keys {
			orig, hadOriginal := origByKey[k]
			if !hadOriginal {
				if _, exists := liveByKey[k]; exists {
					return fmt.Errorf("%s was created concurrently: %w", k, sentinel.ErrStaleData)
				}
			}
			next := wanted[k]
			switch {
			case hadOriginal && next == 0:
				ops = append(ops, Op{Kind: OpDelete, Collection: Live, Record: orig})
			case hadOriginal && next == orig.Count:
				continue
			case hadOriginal:
				orig.Count = next
				ops = append(ops, Op{Kind: OpUpdate, Collection: Live, Record: writtenBy(orig, who)})
			case next > 0:
				ops = append(ops, Op{Kind: OpCreate, Collection: Live, Record: writtenBy(Registration{Key: k, Count: next}, who)})
			default:
				continue
			}
			changes = append(changes, Change{
				Date:      k.Date,
				ClassName: k.ClassName,
				MealType:  k.MealType,
				OldValue:  origByKey[k].Count,
				NewValue:  next,
			})
		}
		if len(ops) == 0 {
			return nil
		}
		if err := tx.Apply(ctx, ops...); err != nil {
			if errors.Is(err, ErrDuplicateKey) || errors.Is(err, sentinel.ErrNotFound) {
				return fmt.Errorf("%w: %w", sentinel.ErrStaleData, err)
			}
			return err
		}
		res.Changes = changes
		return nil
	})
	if err != nil {
		return UpdateResult{}, fmt.Errorf("update registrations: %w", err)
	}
	if len(res.Changes) > 0 {
		first := res.Changes[0]
		s.committed(ctx, audit.ActionUpdateRegistration, map[string]any{
			"class_name": first.ClassName,
			"date":       first.Date,
			"changes":    res.Changes,
		})
	}
	return res, nil
}

func validateOriginals(originals []Registration) error {
	seen := make(map[Key]struct{}, len(originals))
	for i, o := range originals {
		if err := o.Key.Validate(); err != nil {
			return err
		}
		if o.ID == "" {
			return sentinel.Invalid(fmt.Sprintf("originals[%d].id", i), "required")
		}
		if _, dup := seen[o.Key]; dup {
			return sentinel.Invalid(fmt.Sprintf("originals[%d]", i), "duplicate key %s", o.Key)
		}
		seen[o.Key] = struct{}{}
	}
	return nil
}

// committed records a successful mutation. The mutation already happened, so
// failures here are logged and counted but never returned.
func (s *Service) committed(ctx context.Context, action audit.Action, details any) {
	if s.audit != nil {
		if err := s.audit.Append(ctx, action, details); err != nil {
			s.metrics.IncAuditFailure()
			s.log.ErrorContext(ctx, "audit append failed after commit",
				"action", string(action), "error", err)
		}
	}
	if s.notifier != nil {
		if _, err := s.notifier.Bump(ctx); err != nil {
			s.log.WarnContext(ctx, "data version bump failed", "action", string(action), "error", err)
		}
	}
}

func requireActor(ctx context.Context) (actor.Actor, error) {
	who, ok := actor.From(ctx)
	if !ok {
		return actor.Actor{}, sentinel.ErrUnauthenticated
	}
	return who, nil
}

func writtenBy(r Registration, who actor.Actor) Registration {
	r.RegisteredByID = who.ID
	r.RegisteredByName = who.DisplayName
	return r
}

func nonZero(desired []Desired) []Desired {
	out := make([]Desired, 0, len(desired))
	for _, d := range desired {
		if d.Count > 0 {
			out = append(out, d)
		}
	}
	return out
}
