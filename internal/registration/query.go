package registration

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"mealreg/internal/cursor"
	"mealreg/internal/sentinel"
)

// QueryOptions selects and pages live registrations. Date bounds are
// inclusive; Dates and ClassNames are allow-lists.
type QueryOptions struct {
	From       string
	To         string
	Dates      []string
	ClassNames []string
	Limit      int
	Cursor     string
	// All returns every match in one page and ignores Limit and Cursor.
	All bool
	// SkipCount avoids the separate count read; Total is then zero.
	SkipCount bool
}

// Page is one result page. Next is empty when there is nothing after it.
type Page struct {
	Registrations []Registration `json:"registrations"`
	Next          string         `json:"next_cursor,omitempty"`
	Total         int            `json:"total"`
}

func (o QueryOptions) filter() (Filter, error) {
	if o.From != "" {
		if err := ValidateDate("from", o.From); err != nil {
			return Filter{}, err
		}
	}
	if o.To != "" {
		if err := ValidateDate("to", o.To); err != nil {
			return Filter{}, err
		}
	}
	if o.From != "" && o.To != "" && o.From > o.To {
		return Filter{}, sentinel.Invalid("from", "range starts after it ends")
	}
	for _, d := range o.Dates {
		if err := ValidateDate("dates", d); err != nil {
			return Filter{}, err
		}
	}
	if o.Limit < 0 {
		return Filter{}, sentinel.Invalid("limit", "must not be negative")
	}
	return Filter{From: o.From, To: o.To, Dates: o.Dates, ClassNames: o.ClassNames}, nil
}

// Query reads live registrations newest date first.
func (s *Service) Query(ctx context.Context, opts QueryOptions) (page Page, err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("query", start, err) }()

	f, err := opts.filter()
	if err != nil {
		return Page{}, err
	}
	if opts.All {
		records, err := s.store.Query(ctx, Live, f)
		if err != nil {
			return Page{}, fmt.Errorf("query registrations: %w", err)
		}
		page = Page{Registrations: records}
		if !opts.SkipCount {
			page.Total = len(records)
		}
		return page, nil
	}

	var after *Position
	if opts.Cursor != "" {
		pos, err := decodePosition(opts.Cursor)
		if err != nil {
			return Page{}, err
		}
		after = &pos
	}
	size := opts.Limit
	if size == 0 {
		size = s.defaultPageSize
	}
	size = min(size, s.maxPageSize)

	g, gctx := errgroup.WithContext(ctx)
	if !opts.SkipCount {
		g.Go(func() error {
			n, err := s.store.Count(gctx, f)
			page.Total = n
			return err
		})
	}
	g.Go(func() error {
		records, err := s.store.Page(gctx, f, size, after)
		page.Registrations = records
		return err
	})
	if err := g.Wait(); err != nil {
		return Page{}, fmt.Errorf("query registrations: %w", err)
	}

	if n := len(page.Registrations); n == size {
		last := page.Registrations[n-1]
		page.Next, err = cursor.Encode(Position{Date: last.Date, ID: last.ID})
		if err != nil {
			return Page{}, err
		}
	}
	return page, nil
}

func decodePosition(token string) (Position, error) {
	var pos Position
	if err := cursor.Decode(token, &pos); err != nil {
		return Position{}, sentinel.Invalid("cursor", "malformed cursor")
	}
	if ValidateDate("cursor", pos.Date) != nil {
		return Position{}, sentinel.Invalid("cursor", "malformed cursor")
	}
	if _, err := uuid.Parse(pos.ID); err != nil {
		return Position{}, sentinel.Invalid("cursor", "malformed cursor")
	}
	return pos, nil
}

// QueryArchive returns every archived registration matching the options.
// Paging fields are ignored.
func (s *Service) QueryArchive(ctx context.Context, opts QueryOptions) (records []Registration, err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("query_archive", start, err) }()

	f, err := opts.filter()
	if err != nil {
		return nil, err
	}
	records, err = s.store.Query(ctx, Archive, f)
	if err != nil {
		return nil, fmt.Errorf("query archive: %w", err)
	}
	return records, nil
}

// MealCell is one meal of a summary row.
type MealCell struct {
	Count        int    `json:"count"`
	RegisteredBy string `json:"registered_by,omitempty"`
}

// SummaryRow aggregates one class on one day.
type SummaryRow struct {
	Date      string                `json:"date"`
	ClassName string                `json:"class_name"`
	Meals     map[MealType]MealCell `json:"meals"`
	Total     int                   `json:"total"`
}

// Summary is the per-day, per-class report over a set of registrations.
type Summary struct {
	Rows       []SummaryRow     `json:"rows"`
	Totals     map[MealType]int `json:"totals"`
	GrandTotal int              `json:"grand_total"`
}

// Summarize groups records into report rows ordered by date descending then
// class name.
func Summarize(records []Registration) Summary {
	sum := Summary{Totals: make(map[MealType]int, len(MealTypes))}
	rows := make(map[ClassDate]*SummaryRow)
	for _, r := range records {
		k := ClassDate{ClassName: r.ClassName, Date: r.Date}
		row, ok := rows[k]
		if !ok {
			row = &SummaryRow{Date: r.Date, ClassName: r.ClassName, Meals: make(map[MealType]MealCell)}
			rows[k] = row
		}
		cell := row.Meals[r.MealType]
		cell.Count += r.Count
		cell.RegisteredBy = r.RegisteredByName
		row.Meals[r.MealType] = cell
		row.Total += r.Count
		sum.Totals[r.MealType] += r.Count
		sum.GrandTotal += r.Count
	}
	for _, row := range rows {
		sum.Rows = append(sum.Rows, *row)
	}
	slices.SortFunc(sum.Rows, func(a, b SummaryRow) int {
		if c := strings.Compare(b.Date, a.Date); c != 0 {
			return c
		}
		return strings.Compare(a.ClassName, b.ClassName)
	})
	return sum
}
