package registration

import (
	"context"
	"fmt"
	"time"

	"mealreg/internal/audit"
	"mealreg/internal/sentinel"
)

// ArchiveResult reports what an archive run moved.
type ArchiveResult struct {
	Year  int `json:"year"`
	Month int `json:"month"`
	Count int `json:"count"`
}

// MonthRange returns the first and last calendar dates of a month.
func MonthRange(year, month int) (from, to string, err error) {
	if month < 1 || month > 12 {
		return "", "", sentinel.Invalid("month", "%d is not between 1 and 12", month)
	}
	if year < 1970 || year > 9999 {
		return "", "", sentinel.Invalid("year", "%d is out of range", year)
	}
	first := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1)
	return first.Format(DateLayout), last.Format(DateLayout), nil
}

// Archive moves every live registration of the month into the archive
// collection. The month is read and moved in one transaction, so a record
// edited concurrently is archived with its committed count or not at all.
// A month with nothing to archive is a no-op.
func (s *Service) Archive(ctx context.Context, year, month int) (res ArchiveResult, err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("archive", start, err) }()

	if _, err := requireActor(ctx); err != nil {
		return ArchiveResult{}, err
	}
	from, to, err := MonthRange(year, month)
	if err != nil {
		return ArchiveResult{}, err
	}
	res = ArchiveResult{Year: year, Month: month}

	err = s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		records, err := tx.Query(ctx, Filter{From: from, To: to})
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		ops := make([]Op, 0, 2*len(records))
		for _, r := range records {
			ops = append(ops,
				Op{Kind: OpCreate, Collection: Archive, Record: r},
				Op{Kind: OpDelete, Collection: Live, Record: r},
			)
		}
		if err := tx.Apply(ctx, ops...); err != nil {
			return err
		}
		res.Count = len(records)
		return nil
	})
	if err != nil {
		return ArchiveResult{}, fmt.Errorf("archive %04d-%02d: %w", year, month, err)
	}
	if res.Count == 0 {
		return res, nil
	}
	s.metrics.AddArchived(res.Count)
	s.log.InfoContext(ctx, "archived registrations", "year", year, "month", month, "count", res.Count)

	s.committed(ctx, audit.ActionArchive, res)
	return res, nil
}
