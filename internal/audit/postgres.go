package audit

import (
	"context"
	"database/sql"
	"strconv"

	"mealreg/internal/store"
)

// Postgres stores entries in the audit_logs table.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a store over an open pool.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Append(ctx context.Context, e Entry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, ts, actor_id, actor_display_name, action, details)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)
	`, e.ID, e.Timestamp, e.ActorID, e.ActorDisplayName, string(e.Action), string(e.Details))
	return store.Classify("append audit entry", err)
}

func (p *Postgres) List(ctx context.Context, limit int, after *Position) ([]Entry, error) {
	query := `SELECT id::text, ts, actor_id, actor_display_name, action, details::text FROM audit_logs`
	args := []any{}
	if after != nil {
		query += ` WHERE (ts, id) < ($1, $2::uuid)`
		args = append(args, after.Timestamp, after.ID)
	}
	args = append(args, limit)
	query += ` ORDER BY ts DESC, id DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.Classify("list audit entries", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var action, details string
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.ActorID, &e.ActorDisplayName, &action, &details); err != nil {
			return nil, store.Classify("scan audit entry", err)
		}
		e.Action = Action(action)
		e.Details = []byte(details)
		out = append(out, e)
	}
	return out, store.Classify("list audit entries", rows.Err())
}

func (p *Postgres) Delete(ctx context.Context, ids []string) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE id = ANY($1::uuid[])`, ids)
	if err != nil {
		return 0, store.Classify("delete audit entries", err)
	}
	n, err := res.RowsAffected()
	return int(n), store.Classify("delete audit entries", err)
}
