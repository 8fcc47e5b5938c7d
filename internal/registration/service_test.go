package registration

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"mealreg/internal/actor"
	"mealreg/internal/audit"
	"mealreg/internal/cursor"
	"mealreg/internal/logger"
	"mealreg/internal/metrics"
	"mealreg/internal/sentinel"
	"mealreg/internal/version"
)

type ServiceSuite struct {
	suite.Suite
	ctx      context.Context
	store    *Memory
	auditLog *audit.Log
	entries  *audit.Memory
	version  *version.Memory
	metrics  *metrics.Metrics
	svc      *Service

	mu     sync.Mutex
	writes int
	failAt int
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctx = actor.With(context.Background(), actor.Actor{ID: "t-1", DisplayName: "Cô Hoa", Role: actor.RoleTeacher})
	s.writes = 0
	s.failAt = -1
	s.store = NewMemory(WithWriteHook(func(_ context.Context, index int, _ Op) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.writes++
		if index == s.failAt {
			return sentinel.Unavailable("apply batch", errors.New("connection reset"))
		}
		return nil
	}))
	s.entries = audit.NewMemory()
	s.auditLog = audit.NewLog(s.entries)
	s.version = version.NewMemory()
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.svc = NewService(s.store, s.auditLog,
		WithNotifier(s.version),
		WithMetrics(s.metrics),
		WithLogger(logger.Discard()),
		WithPageSizes(2, 10),
	)
}

func key(date, class string, meal MealType) Key {
	return Key{Date: date, ClassName: class, MealType: meal}
}

func want(date, class string, meal MealType, n int) Desired {
	return Desired{Key: key(date, class, meal), Count: n}
}

func (s *ServiceSuite) auditActions() []audit.Action {
	page, err := s.auditLog.List(s.ctx, 100, "")
	s.Require().NoError(err)
	out := make([]audit.Action, len(page.Entries))
	for i, e := range page.Entries {
		out[i] = e.Action
	}
	return out
}

func (s *ServiceSuite) dataVersion() int64 {
	v, err := s.version.Current(s.ctx)
	s.Require().NoError(err)
	return v
}

func (s *ServiceSuite) TestUpsertZeroThenRead() {
	_, err := s.svc.Upsert(s.ctx, []Desired{
		want("2024-03-01", "Mầm", KidsLunch, 20),
		want("2024-03-01", "Mầm", TeachersLunch, 2),
	})
	s.Require().NoError(err)

	res, err := s.svc.Upsert(s.ctx, []Desired{want("2024-03-01", "Mầm", KidsLunch, 0)})
	s.Require().NoError(err)
	s.Equal(1, res.Deleted)

	page, err := s.svc.Query(s.ctx, QueryOptions{Dates: []string{"2024-03-01"}, All: true})
	s.Require().NoError(err)
	s.Require().Len(page.Registrations, 1)
	s.Equal(TeachersLunch, page.Registrations[0].MealType)
	s.Equal(2, page.Registrations[0].Count)
	s.Equal("Cô Hoa", page.Registrations[0].RegisteredByName)

	_, err = s.store.Get(s.ctx, key("2024-03-01", "Mầm", KidsLunch))
	s.True(errors.Is(err, sentinel.ErrNotFound))
}

func (s *ServiceSuite) TestUpsertNeverStoresZero() {
	res, err := s.svc.Upsert(s.ctx, []Desired{want("2024-03-04", "Chồi", KidsBreakfast, 0)})
	s.Require().NoError(err)
	s.Zero(res.Writes())
	s.Zero(s.writes)

	n, err := s.store.Count(s.ctx, Filter{})
	s.Require().NoError(err)
	s.Zero(n)
}

func (s *ServiceSuite) TestUpsertIsIdempotent() {
	desired := []Desired{
		want("2024-03-05", "Lá", KidsLunch, 30),
		want("2024-03-05", "Lá", KidsBreakfast, 28),
	}
	first, err := s.svc.Upsert(s.ctx, desired)
	s.Require().NoError(err)
	s.Equal(2, first.Created)
	writes, v := s.writes, s.dataVersion()

	second, err := s.svc.Upsert(s.ctx, desired)
	s.Require().NoError(err)
	s.Zero(second.Writes())
	s.Equal(2, second.Unchanged)
	s.Equal(writes, s.writes, "second upsert must not issue batch ops")
	s.Equal(v, s.dataVersion())
	s.Equal([]audit.Action{audit.ActionCreateRegistration}, s.auditActions())
}

func (s *ServiceSuite) TestUpsertUpdatesChangedCount() {
	_, err := s.svc.Upsert(s.ctx, []Desired{want("2024-03-06", "Lá", KidsLunch, 30)})
	s.Require().NoError(err)
	before, err := s.store.Get(s.ctx, key("2024-03-06", "Lá", KidsLunch))
	s.Require().NoError(err)

	res, err := s.svc.Upsert(s.ctx, []Desired{want("2024-03-06", "Lá", KidsLunch, 27)})
	s.Require().NoError(err)
	s.Equal(1, res.Updated)

	after, err := s.store.Get(s.ctx, key("2024-03-06", "Lá", KidsLunch))
	s.Require().NoError(err)
	s.Equal(before.ID, after.ID)
	s.NotEqual(before.Stamp, after.Stamp)
	s.Equal(27, after.Count)
	s.Equal(int64(2), s.dataVersion())
}

func (s *ServiceSuite) TestUpsertValidatesBeforeStore() {
	cases := map[string][]Desired{
		"negative count": {want("2024-03-01", "Mầm", KidsLunch, -1)},
		"bad date":       {want("2024-02-30", "Mầm", KidsLunch, 1)},
		"blank class":    {want("2024-03-01", "  ", KidsLunch, 1)},
		"unknown meal":   {want("2024-03-01", "Mầm", MealType("dinner"), 1)},
		"duplicate key":  {want("2024-03-01", "Mầm", KidsLunch, 1), want("2024-03-01", "Mầm", KidsLunch, 2)},
	}
	for name, desired := range cases {
		s.Run(name, func() {
			_, err := s.svc.Upsert(s.ctx, desired)
			s.True(errors.Is(err, sentinel.ErrValidation), "got %v", err)
			s.Zero(s.writes)
		})
	}
}

func (s *ServiceSuite) TestMutationsRequireActor() {
	_, err := s.svc.Upsert(context.Background(), []Desired{want("2024-03-01", "Mầm", KidsLunch, 1)})
	s.True(errors.Is(err, sentinel.ErrUnauthenticated))
	_, err = s.svc.Update(context.Background(), nil, nil)
	s.True(errors.Is(err, sentinel.ErrUnauthenticated))
	_, err = s.svc.Archive(context.Background(), 2024, 3)
	s.True(errors.Is(err, sentinel.ErrUnauthenticated))
}

func (s *ServiceSuite) TestPreviewReportsEveryNonZeroLiveKey() {
	_, err := s.svc.Upsert(s.ctx, []Desired{
		want("2024-03-07", "Mầm", KidsLunch, 20),
		want("2024-03-07", "Mầm", TeachersLunch, 3),
		want("2024-03-07", "Chồi", KidsLunch, 25),
	})
	s.Require().NoError(err)

	candidates := []Desired{
		want("2024-03-07", "Mầm", KidsLunch, 18),
		want("2024-03-07", "Mầm", KidsBreakfast, 10),
		want("2024-03-07", "Mầm", TeachersLunch, 0),
	}
	p, err := s.svc.Preview(s.ctx, candidates, nil)
	s.Require().NoError(err)
	s.Require().Len(p.Conflicts, 2)
	s.Equal(KidsLunch, p.Conflicts[0].Current.MealType)
	s.Equal(20, p.Conflicts[0].Current.Count)
	s.Equal(18, p.Conflicts[0].Desired)
	s.Equal(TeachersLunch, p.Conflicts[1].Current.MealType)
	s.Equal(0, p.Conflicts[1].Desired)
	s.Len(p.Originals(), 2)

	s.Run("keys outside the candidates are ignored", func() {
		p, err := s.svc.Preview(s.ctx, candidates[1:2], []Key{key("2024-03-07", "Chồi", KidsLunch)})
		s.Require().NoError(err)
		s.True(p.Empty())
	})
}

func (s *ServiceSuite) TestUpdateProducesChangelog() {
	_, err := s.svc.Upsert(s.ctx, []Desired{
		want("2024-03-08", "Mầm", KidsLunch, 20),
		want("2024-03-08", "Mầm", TeachersLunch, 3),
	})
	s.Require().NoError(err)
	p, err := s.svc.Preview(s.ctx, []Desired{
		want("2024-03-08", "Mầm", KidsLunch, 0),
		want("2024-03-08", "Mầm", TeachersLunch, 0),
	}, nil)
	s.Require().NoError(err)

	res, err := s.svc.Update(s.ctx, []Desired{
		want("2024-03-08", "Mầm", KidsLunch, 22),
		want("2024-03-08", "Mầm", TeachersLunch, 3),
		want("2024-03-08", "Mầm", KidsBreakfast, 15),
	}, p.Originals())
	s.Require().NoError(err)
	s.Equal([]Change{
		{Date: "2024-03-08", ClassName: "Mầm", MealType: KidsLunch, OldValue: 20, NewValue: 22},
		{Date: "2024-03-08", ClassName: "Mầm", MealType: KidsBreakfast, OldValue: 0, NewValue: 15},
	}, res.Changes)
	s.Equal([]audit.Action{audit.ActionUpdateRegistration, audit.ActionCreateRegistration}, s.auditActions())

	s.Run("originals missing from desired are deleted", func() {
		p, err := s.svc.Preview(s.ctx, []Desired{want("2024-03-08", "Mầm", TeachersLunch, 0)}, nil)
		s.Require().NoError(err)
		res, err := s.svc.Update(s.ctx, nil, p.Originals())
		s.Require().NoError(err)
		s.Equal([]Change{{Date: "2024-03-08", ClassName: "Mầm", MealType: TeachersLunch, OldValue: 3, NewValue: 0}}, res.Changes)
	})
}

func (s *ServiceSuite) TestUpdateWithoutChangesIsSilent() {
	_, err := s.svc.Upsert(s.ctx, []Desired{want("2024-03-09", "Lá", KidsLunch, 30)})
	s.Require().NoError(err)
	p, err := s.svc.Preview(s.ctx, []Desired{want("2024-03-09", "Lá", KidsLunch, 30)}, nil)
	s.Require().NoError(err)
	v := s.dataVersion()

	res, err := s.svc.Update(s.ctx, []Desired{want("2024-03-09", "Lá", KidsLunch, 30)}, p.Originals())
	s.Require().NoError(err)
	s.Empty(res.Changes)
	s.Equal(v, s.dataVersion())
	s.Len(s.auditActions(), 1)
}

func (s *ServiceSuite) TestUpdateDetectsStaleData() {
	seed := func() []Registration {
		_, err := s.svc.Upsert(s.ctx, []Desired{want("2024-03-11", "Chồi", KidsLunch, 25)})
		s.Require().NoError(err)
		p, err := s.svc.Preview(s.ctx, []Desired{want("2024-03-11", "Chồi", KidsLunch, 0)}, nil)
		s.Require().NoError(err)
		s.Require().Len(p.Conflicts, 1)
		return p.Originals()
	}

	s.Run("original modified", func() {
		originals := seed()
		_, err := s.svc.Upsert(s.ctx, []Desired{want("2024-03-11", "Chồi", KidsLunch, 24)})
		s.Require().NoError(err)

		_, err = s.svc.Update(s.ctx, []Desired{want("2024-03-11", "Chồi", KidsLunch, 26)}, originals)
		s.True(errors.Is(err, sentinel.ErrStaleData), "got %v", err)
		cur, err := s.store.Get(s.ctx, key("2024-03-11", "Chồi", KidsLunch))
		s.Require().NoError(err)
		s.Equal(24, cur.Count)
	})

	s.Run("original deleted", func() {
		originals := seed()
		_, err := s.svc.Upsert(s.ctx, []Desired{want("2024-03-11", "Chồi", KidsLunch, 0)})
		s.Require().NoError(err)

		_, err = s.svc.Update(s.ctx, []Desired{want("2024-03-11", "Chồi", KidsLunch, 26)}, originals)
		s.True(errors.Is(err, sentinel.ErrStaleData))
	})

	s.Run("new key created concurrently", func() {
		_, err := s.svc.Upsert(s.ctx, []Desired{want("2024-03-12", "Chồi", KidsBreakfast, 9)})
		s.Require().NoError(err)

		_, err = s.svc.Update(s.ctx, []Desired{want("2024-03-12", "Chồi", KidsBreakfast, 10)}, nil)
		s.True(errors.Is(err, sentinel.ErrStaleData))
	})

	s.Equal(3.0, testutil.ToFloat64(s.metrics.StaleAborts))
}

func (s *ServiceSuite) TestConcurrentUpdatesNeverLoseAWrite() {
	_, err := s.svc.Upsert(s.ctx, []Desired{want("2024-03-13", "Lá", KidsLunch, 30)})
	s.Require().NoError(err)
	p, err := s.svc.Preview(s.ctx, []Desired{want("2024-03-13", "Lá", KidsLunch, 0)}, nil)
	s.Require().NoError(err)
	originals := p.Originals()

	const writers = 8
	var wg sync.WaitGroup
	results := make([]error, writers)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, results[i] = s.svc.Update(s.ctx, []Desired{want("2024-03-13", "Lá", KidsLunch, 31+i)}, originals)
		}()
	}
	wg.Wait()

	winner := -1
	for i, err := range results {
		if err == nil {
			s.Equal(-1, winner, "only one writer may win")
			winner = i
			continue
		}
		s.True(errors.Is(err, sentinel.ErrStaleData), "writer %d: %v", i, err)
	}
	s.Require().NotEqual(-1, winner)
	cur, err := s.store.Get(s.ctx, key("2024-03-13", "Lá", KidsLunch))
	s.Require().NoError(err)
	s.Equal(31+winner, cur.Count)
}

func (s *ServiceSuite) TestQueryPaginationExhaustsEveryRecord() {
	var desired []Desired
	for _, d := range []string{"2024-03-01", "2024-03-02", "2024-03-03"} {
		for _, m := range MealTypes {
			desired = append(desired, want(d, "Mầm", m, 5))
		}
	}
	_, err := s.svc.Upsert(s.ctx, desired)
	s.Require().NoError(err)

	seen := map[string]bool{}
	var dates []string
	token := ""
	for pages := 0; ; pages++ {
		s.Require().Less(pages, 10, "pagination did not terminate")
		page, err := s.svc.Query(s.ctx, QueryOptions{Cursor: token})
		s.Require().NoError(err)
		s.Equal(9, page.Total)
		for _, r := range page.Registrations {
			s.False(seen[r.ID], "record %s returned twice", r.ID)
			seen[r.ID] = true
			dates = append(dates, r.Date)
		}
		if page.Next == "" {
			break
		}
		token = page.Next
	}
	s.Len(seen, 9)
	s.IsNonIncreasing(dates)
}

func (s *ServiceSuite) TestQueryOptions() {
	_, err := s.svc.Upsert(s.ctx, []Desired{
		want("2024-02-28", "Mầm", KidsLunch, 1),
		want("2024-03-01", "Chồi", KidsLunch, 2),
		want("2024-03-02", "Lá", KidsLunch, 3),
	})
	s.Require().NoError(err)

	s.Run("range and classes", func() {
		page, err := s.svc.Query(s.ctx, QueryOptions{From: "2024-03-01", To: "2024-03-31", ClassNames: []string{"Lá"}, All: true})
		s.Require().NoError(err)
		s.Require().Len(page.Registrations, 1)
		s.Equal("Lá", page.Registrations[0].ClassName)
	})
	s.Run("skip count", func() {
		page, err := s.svc.Query(s.ctx, QueryOptions{SkipCount: true, Limit: 5})
		s.Require().NoError(err)
		s.Zero(page.Total)
		s.Len(page.Registrations, 3)
		s.Empty(page.Next)
	})
	s.Run("limit is capped", func() {
		page, err := s.svc.Query(s.ctx, QueryOptions{Limit: 1000})
		s.Require().NoError(err)
		s.Len(page.Registrations, 3)
	})
	s.Run("invalid input", func() {
		for _, opts := range []QueryOptions{
			{From: "2024-13-01"},
			{From: "2024-03-02", To: "2024-03-01"},
			{Cursor: "%%"},
			{Cursor: encodedCursor(s.T(), Position{Date: "2024-02-30", ID: "5f0c6f4e-3b1a-4a53-9d33-2d6c2e1f7a10"})},
			{Cursor: encodedCursor(s.T(), Position{Date: "2024-03-01", ID: "1; DROP"})},
			{Limit: -1},
		} {
			_, err := s.svc.Query(s.ctx, opts)
			s.True(errors.Is(err, sentinel.ErrValidation), "%+v: %v", opts, err)
		}
	})
}

func encodedCursor(t *testing.T, pos Position) string {
	t.Helper()
	token, err := cursor.Encode(pos)
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func (s *ServiceSuite) seedMonth() {
	_, err := s.svc.Upsert(s.ctx, []Desired{
		want("2024-02-01", "Mầm", KidsLunch, 20),
		want("2024-02-15", "Chồi", KidsLunch, 25),
		want("2024-02-29", "Lá", TeachersLunch, 3),
		want("2024-03-01", "Lá", KidsLunch, 30),
	})
	s.Require().NoError(err)
}

func (s *ServiceSuite) TestArchiveMovesTheMonth() {
	s.seedMonth()

	res, err := s.svc.Archive(s.ctx, 2024, 2)
	s.Require().NoError(err)
	s.Equal(ArchiveResult{Year: 2024, Month: 2, Count: 3}, res)

	live, err := s.svc.Query(s.ctx, QueryOptions{All: true})
	s.Require().NoError(err)
	s.Require().Len(live.Registrations, 1)
	s.Equal("2024-03-01", live.Registrations[0].Date)

	archived, err := s.svc.QueryArchive(s.ctx, QueryOptions{From: "2024-02-01", To: "2024-02-29"})
	s.Require().NoError(err)
	s.Len(archived, 3)
	s.Equal(3.0, testutil.ToFloat64(s.metrics.RecordsArchived))
	s.Equal(audit.ActionArchive, s.auditActions()[0])

	s.Run("empty month is a no-op", func() {
		res, err := s.svc.Archive(s.ctx, 2024, 2)
		s.Require().NoError(err)
		s.Zero(res.Count)
	})
	s.Run("bad month", func() {
		_, err := s.svc.Archive(s.ctx, 2024, 13)
		s.True(errors.Is(err, sentinel.ErrValidation))
	})
}

func (s *ServiceSuite) TestArchiveIsAtomicUnderFailure() {
	s.seedMonth()
	s.failAt = 3

	_, err := s.svc.Archive(s.ctx, 2024, 2)
	s.True(errors.Is(err, sentinel.ErrUnavailable), "got %v", err)

	live, err := s.svc.Query(s.ctx, QueryOptions{All: true})
	s.Require().NoError(err)
	s.Len(live.Registrations, 4)
	archived, err := s.svc.QueryArchive(s.ctx, QueryOptions{})
	s.Require().NoError(err)
	s.Empty(archived)
	s.NotContains(s.auditActions(), audit.ActionArchive)
}

func (s *ServiceSuite) TestDeleteClassDates() {
	s.seedMonth()

	n, err := s.svc.DeleteForClassDate(s.ctx, "Mầm", "2024-02-01")
	s.Require().NoError(err)
	s.Equal(1, n)

	n, err = s.svc.DeleteMany(s.ctx, []ClassDate{
		{ClassName: "Chồi", Date: "2024-02-15"},
		{ClassName: "Lá", Date: "2024-02-29"},
		{ClassName: "Lá", Date: "2024-02-28"},
	})
	s.Require().NoError(err)
	s.Equal(2, n)

	count, err := s.store.Count(s.ctx, Filter{})
	s.Require().NoError(err)
	s.Equal(1, count)

	n, err = s.svc.DeleteForClassDate(s.ctx, "Mầm", "2024-02-01")
	s.Require().NoError(err)
	s.Zero(n)
	s.Equal([]audit.Action{audit.ActionDeleteRegistration, audit.ActionDeleteRegistration, audit.ActionCreateRegistration}, s.auditActions())
}

func (s *ServiceSuite) TestRenameAndPurgeClass() {
	s.seedMonth()

	n, err := s.svc.RenameClass(s.ctx, "Lá", "Lá 1")
	s.Require().NoError(err)
	s.Equal(2, n)
	page, err := s.svc.Query(s.ctx, QueryOptions{ClassNames: []string{"Lá 1"}, All: true})
	s.Require().NoError(err)
	s.Len(page.Registrations, 2)

	n, err = s.svc.PurgeClass(s.ctx, "Lá 1")
	s.Require().NoError(err)
	s.Equal(2, n)
	count, err := s.store.Count(s.ctx, Filter{})
	s.Require().NoError(err)
	s.Equal(2, count)
}

func (s *ServiceSuite) TestRenameClassOntoCollidingKeysIsAValidationError() {
	s.seedMonth()
	_, err := s.svc.Upsert(s.ctx, []Desired{want("2024-03-01", "Lá 1", KidsLunch, 12)})
	s.Require().NoError(err)

	n, err := s.svc.CountClass(s.ctx, "Lá 1")
	s.Require().NoError(err)
	s.Equal(1, n)

	_, err = s.svc.RenameClass(s.ctx, "Lá", "Lá 1")
	s.Require().Error(err)
	s.True(errors.Is(err, sentinel.ErrValidation))

	n, err = s.svc.CountClass(s.ctx, "Lá")
	s.Require().NoError(err)
	s.Equal(2, n, "a rejected rename moves nothing")
}

type failingAuditor struct{}

func (failingAuditor) Append(context.Context, audit.Action, any) error {
	return sentinel.Unavailable("append audit entry", errors.New("disk full"))
}

func (s *ServiceSuite) TestAuditFailureDoesNotFailCommittedWrite() {
	svc := NewService(s.store, failingAuditor{}, WithMetrics(s.metrics), WithLogger(logger.Discard()))

	res, err := svc.Upsert(s.ctx, []Desired{want("2024-03-14", "Mầm", KidsLunch, 20)})
	s.Require().NoError(err)
	s.Equal(1, res.Created)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.AuditFailures))
}

func (s *ServiceSuite) TestSummarize() {
	s.seedMonth()
	_, err := s.svc.Upsert(s.ctx, []Desired{want("2024-02-01", "Mầm", KidsBreakfast, 18)})
	s.Require().NoError(err)
	page, err := s.svc.Query(s.ctx, QueryOptions{All: true})
	s.Require().NoError(err)

	sum := Summarize(page.Registrations)
	s.Require().Len(sum.Rows, 4)
	s.Equal("2024-03-01", sum.Rows[0].Date)
	last := sum.Rows[3]
	s.Equal("Mầm", last.ClassName)
	s.Equal(38, last.Total)
	s.Equal(18, last.Meals[KidsBreakfast].Count)
	s.Equal(75, sum.Totals[KidsLunch])
	s.Equal(96, sum.GrandTotal)
}

// racingStore lets a competing writer commit right after a read or right
// before a transaction starts.
type racingStore struct {
	*Memory
	race func()
}

func (r *racingStore) Find(ctx context.Context, keys []Key) ([]Registration, error) {
	out, err := r.Memory.Find(ctx, keys)
	r.race()
	return out, err
}

func (r *racingStore) Query(ctx context.Context, c Collection, f Filter) ([]Registration, error) {
	out, err := r.Memory.Query(ctx, c, f)
	r.race()
	return out, err
}

func (r *racingStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	r.race()
	return r.Memory.RunInTx(ctx, fn)
}

func (s *ServiceSuite) racingService(race func()) *Service {
	return NewService(&racingStore{Memory: s.store, race: race}, s.auditLog, WithLogger(logger.Discard()))
}

func (s *ServiceSuite) TestArchiveKeepsConcurrentlyCommittedEdit() {
	_, err := s.svc.Upsert(s.ctx, []Desired{want("2024-02-10", "Lá", KidsLunch, 10)})
	s.Require().NoError(err)
	p, err := s.svc.Preview(s.ctx, []Desired{want("2024-02-10", "Lá", KidsLunch, 0)}, nil)
	s.Require().NoError(err)
	originals := p.Originals()

	fired := false
	var updated UpdateResult
	var updateErr error
	archiver := s.racingService(func() {
		if fired {
			return
		}
		fired = true
		updated, updateErr = s.svc.Update(s.ctx, []Desired{want("2024-02-10", "Lá", KidsLunch, 42)}, originals)
	})

	res, err := archiver.Archive(s.ctx, 2024, 2)
	s.Require().NoError(err)
	s.Require().True(fired)
	s.Require().NoError(updateErr)
	s.Len(updated.Changes, 1)
	s.Equal(1, res.Count)

	archived, err := s.svc.QueryArchive(s.ctx, QueryOptions{From: "2024-02-01", To: "2024-02-29"})
	s.Require().NoError(err)
	s.Require().Len(archived, 1)
	s.Equal(42, archived[0].Count, "the committed edit must be what gets archived")
	_, err = s.store.Get(s.ctx, key("2024-02-10", "Lá", KidsLunch))
	s.True(errors.Is(err, sentinel.ErrNotFound))
}

func (s *ServiceSuite) TestUpsertRereadsAfterLosingARace() {
	k := key("2024-03-05", "Lá", KidsLunch)

	s.Run("key created by another writer", func() {
		fired := false
		svc := s.racingService(func() {
			if !fired {
				fired = true
				_, err := s.svc.Upsert(s.ctx, []Desired{{Key: k, Count: 5}})
				s.Require().NoError(err)
			}
		})
		res, err := svc.Upsert(s.ctx, []Desired{{Key: k, Count: 7}})
		s.Require().NoError(err)
		s.Equal(UpsertResult{Updated: 1}, res)
		cur, err := s.store.Get(s.ctx, k)
		s.Require().NoError(err)
		s.Equal(7, cur.Count)
	})

	s.Run("key deleted by another writer", func() {
		fired := false
		svc := s.racingService(func() {
			if !fired {
				fired = true
				_, err := s.svc.Upsert(s.ctx, []Desired{{Key: k, Count: 0}})
				s.Require().NoError(err)
			}
		})
		res, err := svc.Upsert(s.ctx, []Desired{{Key: k, Count: 9}})
		s.Require().NoError(err)
		s.Equal(UpsertResult{Created: 1}, res)
		cur, err := s.store.Get(s.ctx, k)
		s.Require().NoError(err)
		s.Equal(9, cur.Count)
	})

	s.Run("losing every attempt is stale data", func() {
		svc := s.racingService(func() {
			count := 3
			if _, err := s.store.Get(s.ctx, k); err == nil {
				count = 0
			}
			_, err := s.svc.Upsert(s.ctx, []Desired{{Key: k, Count: count}})
			s.Require().NoError(err)
		})
		_, err := s.store.Get(s.ctx, k)
		s.Require().NoError(err, "key starts present")
		_, err = s.svc.Upsert(s.ctx, []Desired{{Key: k, Count: 0}})
		s.Require().NoError(err)

		_, err = svc.Upsert(s.ctx, []Desired{{Key: k, Count: 11}})
		s.True(errors.Is(err, sentinel.ErrStaleData), "got %v", err)
	})
}
