package registration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"mealreg/internal/sentinel"
	"mealreg/internal/store"
)

const selectColumns = `id::text, to_char(date, 'YYYY-MM-DD'), class_name, meal_type, count, stamp,
	registered_by_id, registered_by_name, updated_at`

// Postgres persists registrations through database/sql with the pgx driver.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a store over an open pool. The schema is created by
// store.Migrate.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (p *Postgres) Get(ctx context.Context, key Key) (Registration, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+selectColumns+`
		FROM registrations
		WHERE date = $1::date AND class_name = $2 AND meal_type = $3`,
		key.Date, key.ClassName, string(key.MealType))
	r, err := scanRegistration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Registration{}, fmt.Errorf("registration %s: %w", key, sentinel.ErrNotFound)
	}
	if err != nil {
		return Registration{}, store.Classify("get registration", err)
	}
	return r, nil
}

func (p *Postgres) Find(ctx context.Context, keys []Key) ([]Registration, error) {
	return findKeys(ctx, p.db, keys, false)
}

func findKeys(ctx context.Context, q queryer, keys []Key, lock bool) ([]Registration, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	dates := make([]string, len(keys))
	classes := make([]string, len(keys))
	meals := make([]string, len(keys))
	for i, k := range keys {
		dates[i], classes[i], meals[i] = k.Date, k.ClassName, string(k.MealType)
	}
	query := `SELECT ` + selectColumns + `
		FROM registrations
		WHERE (date, class_name, meal_type) IN (
			SELECT * FROM unnest($1::date[], $2::text[], $3::text[])
		)`
	if lock {
		query += " FOR UPDATE"
	}
	rows, err := q.QueryContext(ctx, query, dates, classes, meals)
	if err != nil {
		return nil, store.Classify("find registrations", err)
	}
	return collect(rows)
}

func (p *Postgres) Query(ctx context.Context, c Collection, f Filter) ([]Registration, error) {
	table := tableFor(c)
	where, args := buildWhere(f)
	rows, err := p.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM `+table+where+
		` ORDER BY date DESC, id DESC`, args...)
	if err != nil {
		return nil, store.Classify("query "+table, err)
	}
	return collect(rows)
}

func (p *Postgres) Count(ctx context.Context, f Filter) (int, error) {
	where, args := buildWhere(f)
	var n int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM registrations`+where, args...).Scan(&n); err != nil {
		return 0, store.Classify("count registrations", err)
	}
	return n, nil
}

func (p *Postgres) Page(ctx context.Context, f Filter, size int, after *Position) ([]Registration, error) {
	where, args := buildWhere(f)
	if after != nil {
		clause := fmt.Sprintf("(date, id) < ($%d::date, $%d::uuid)", len(args)+1, len(args)+2)
		if where == "" {
			where = " WHERE " + clause
		} else {
			where += " AND " + clause
		}
		args = append(args, after.Date, after.ID)
	}
	args = append(args, size)
	rows, err := p.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM registrations`+where+
		fmt.Sprintf(" ORDER BY date DESC, id DESC LIMIT $%d", len(args)), args...)
	if err != nil {
		return nil, store.Classify("page registrations", err)
	}
	return collect(rows)
}

func (p *Postgres) Batch(ctx context.Context, ops []Op) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		return applyOps(ctx, tx, ops)
	})
}

func (p *Postgres) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		return fn(ctx, &pgTx{tx: tx})
	})
}

func (p *Postgres) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Classify("begin", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return store.Classify("commit", err)
	}
	return nil
}

type pgTx struct {
	tx *sql.Tx
}

// Find locks the returned rows until the transaction ends.
func (t *pgTx) Find(ctx context.Context, keys []Key) ([]Registration, error) {
	return findKeys(ctx, t.tx, keys, true)
}

// Query locks the returned rows until the transaction ends.
func (t *pgTx) Query(ctx context.Context, f Filter) ([]Registration, error) {
	where, args := buildWhere(f)
	rows, err := t.tx.QueryContext(ctx, `SELECT `+selectColumns+` FROM registrations`+where+
		` ORDER BY date DESC, id DESC FOR UPDATE`, args...)
	if err != nil {
		return nil, store.Classify("query registrations", err)
	}
	return collect(rows)
}

func (t *pgTx) Apply(ctx context.Context, ops ...Op) error {
	return applyOps(ctx, t.tx, ops)
}

func applyOps(ctx context.Context, q queryer, ops []Op) error {
	for _, op := range ops {
		if err := applyOp(ctx, q, op); err != nil {
			return err
		}
	}
	return nil
}

func applyOp(ctx context.Context, q queryer, op Op) error {
	r := op.Record
	switch {
	case op.Collection == Archive && op.Kind == OpCreate:
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		_, err := q.ExecContext(ctx, `
			INSERT INTO archived_registrations
				(id, date, class_name, meal_type, count, stamp, registered_by_id, registered_by_name, updated_at)
			VALUES ($1, $2::date, $3, $4, $5, $6, $7, $8, $9)
		`, r.ID, r.Date, r.ClassName, string(r.MealType), r.Count, r.Stamp, r.RegisteredByID, r.RegisteredByName, r.UpdatedAt)
		return store.Classify("archive registration", err)
	case op.Collection == Archive:
		return fmt.Errorf("%s on archive: archived registrations are read-only", op.Kind)
	case op.Kind == OpCreate:
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		_, err := q.ExecContext(ctx, `
			INSERT INTO registrations (id, date, class_name, meal_type, count, registered_by_id, registered_by_name)
			VALUES ($1, $2::date, $3, $4, $5, $6, $7)
		`, r.ID, r.Date, r.ClassName, string(r.MealType), r.Count, r.RegisteredByID, r.RegisteredByName)
		if store.IsUniqueViolation(err) {
			return fmt.Errorf("create %s: %w", r.Key, ErrDuplicateKey)
		}
		return store.Classify("create registration", err)
	case op.Kind == OpUpdate:
		res, err := q.ExecContext(ctx, `
			UPDATE registrations
			SET date = $2::date, class_name = $3, meal_type = $4, count = $5,
				registered_by_id = $6, registered_by_name = $7,
				stamp = nextval('registration_stamp_seq'), updated_at = NOW()
			WHERE id = $1
		`, r.ID, r.Date, r.ClassName, string(r.MealType), r.Count, r.RegisteredByID, r.RegisteredByName)
		if store.IsUniqueViolation(err) {
			return fmt.Errorf("move %s to %s: %w", r.ID, r.Key, ErrDuplicateKey)
		}
		if err != nil {
			return store.Classify("update registration", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("update registration %s: %w", r.ID, sentinel.ErrNotFound)
		}
		return nil
	case op.Kind == OpDelete:
		_, err := q.ExecContext(ctx, `DELETE FROM registrations WHERE id = $1`, r.ID)
		return store.Classify("delete registration", err)
	}
	return fmt.Errorf("unknown op kind %d", op.Kind)
}

func tableFor(c Collection) string {
	if c == Archive {
		return "archived_registrations"
	}
	return "registrations"
}

func buildWhere(f Filter) (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.From != "" {
		add("date >= $%d::date", f.From)
	}
	if f.To != "" {
		add("date <= $%d::date", f.To)
	}
	if len(f.Dates) > 0 {
		add("date = ANY($%d::date[])", f.Dates)
	}
	if len(f.ClassNames) > 0 {
		add("class_name = ANY($%d::text[])", f.ClassNames)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRegistration(row scanner) (Registration, error) {
	var r Registration
	var meal string
	err := row.Scan(&r.ID, &r.Date, &r.ClassName, &meal, &r.Count, &r.Stamp,
		&r.RegisteredByID, &r.RegisteredByName, &r.UpdatedAt)
	r.MealType = MealType(meal)
	return r, err
}

func collect(rows *sql.Rows) ([]Registration, error) {
	defer rows.Close()
	var out []Registration
	for rows.Next() {
		r, err := scanRegistration(rows)
		if err != nil {
			return nil, store.Classify("scan registration", err)
		}
		out = append(out, r)
	}
	return out, store.Classify("read registrations", rows.Err())
}
