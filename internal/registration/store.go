package registration

import (
	"context"
	"errors"
	"slices"
	"strings"
)

// ErrDuplicateKey is returned by a store when a create would give one key two
// live records.
var ErrDuplicateKey = errors.New("registration key already exists")

// Collection selects the live or the archive table.
type Collection string

const (
	Live    Collection = "registrations"
	Archive Collection = "archived_registrations"
)

// OpKind is the write performed by an Op.
type OpKind int

const (
	OpCreate OpKind = iota + 1
	OpUpdate
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	}
	return "unknown"
}

// Op is one write inside a batch. Creates get a store-assigned id when
// Record.ID is empty; updates and deletes address Record.ID.
type Op struct {
	Kind       OpKind
	Collection Collection
	Record     Registration
}

// Filter narrows a read. Zero fields do not filter.
type Filter struct {
	From       string
	To         string
	Dates      []string
	ClassNames []string
}

// Matches applies the filter to one record.
func (f Filter) Matches(r Registration) bool {
	if f.From != "" && r.Date < f.From {
		return false
	}
	if f.To != "" && r.Date > f.To {
		return false
	}
	if len(f.Dates) > 0 && !slices.Contains(f.Dates, r.Date) {
		return false
	}
	if len(f.ClassNames) > 0 && !slices.Contains(f.ClassNames, r.ClassName) {
		return false
	}
	return true
}

// Position is the last record of a page; the next page starts after it.
type Position struct {
	Date string `json:"d"`
	ID   string `json:"i"`
}

// before reports whether r sorts after p in date DESC, id DESC order.
func (p Position) before(r Registration) bool {
	if r.Date != p.Date {
		return r.Date < p.Date
	}
	return r.ID < p.ID
}

// sortNewestFirst orders by date descending with id descending as tiebreak.
func sortNewestFirst(records []Registration) {
	slices.SortFunc(records, func(a, b Registration) int {
		if c := strings.Compare(b.Date, a.Date); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
}

// Store is the transactional record store the engines are written against.
// Every method may fail with an error matching sentinel.ErrUnavailable.
type Store interface {
	// Get returns the live record for key or sentinel.ErrNotFound.
	Get(ctx context.Context, key Key) (Registration, error)
	// Find returns the live records that exist for keys, in no order.
	Find(ctx context.Context, keys []Key) ([]Registration, error)
	// Query returns every matching record of c, newest date first.
	Query(ctx context.Context, c Collection, f Filter) ([]Registration, error)
	// Count returns the number of matching live records.
	Count(ctx context.Context, f Filter) (int, error)
	// Page returns up to size matching live records after the given position.
	Page(ctx context.Context, f Filter, size int, after *Position) ([]Registration, error)
	// Batch applies all ops atomically.
	Batch(ctx context.Context, ops []Op) error
	// RunInTx runs fn in one read-then-write transaction. Any error from fn
	// rolls back every write made through tx.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the view of the store inside RunInTx. Reads lock what they return
// until the transaction ends.
type Tx interface {
	Find(ctx context.Context, keys []Key) ([]Registration, error)
	// Query returns every matching live record, newest date first.
	Query(ctx context.Context, f Filter) ([]Registration, error)
	Apply(ctx context.Context, ops ...Op) error
}
