package postgres

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/runfleet/runfleet/internal/history"
)

// Sink implements history.Sink for PostgreSQL via the pgx stdlib driver.
type Sink struct {
	db *sql.DB
}

// New opens a PostgreSQL connection and ensures the schema.
func New(dsn string) (*Sink, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	s := &Sink{db: d}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = d.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS fleet_events(
			id BIGSERIAL PRIMARY KEY,
			type TEXT NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL,
			group_key TEXT NOT NULL,
			runner_id TEXT NOT NULL DEFAULT '',
			pid INTEGER NOT NULL DEFAULT 0,
			target INTEGER NOT NULL DEFAULT 0,
			detail TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_fleet_events_group ON fleet_events(group_key);`,
		`CREATE INDEX IF NOT EXISTS idx_fleet_events_type ON fleet_events(type);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fleet_events(type, occurred_at, group_key, runner_id, pid, target, detail)
		VALUES($1, $2, $3, $4, $5, $6, $7);`,
		string(e.Type), e.OccurredAt.UTC(), e.GroupKey, e.RunnerID, e.PID, e.Target, e.Detail)
	return err
}

func (s *Sink) Close() error { return s.db.Close() }
