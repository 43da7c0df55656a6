package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/runfleet/runfleet/internal/history"
)

// Sink sends fleet events to ClickHouse using the official Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

// New connects to ClickHouse at addr (host:port) and ensures the table.
func New(addr, table string) (*Sink, error) {
	if table == "" {
		table = "fleet_events"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: "default",
			Username: "default",
			Password: "",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	s := &Sink{conn: conn, table: table}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		type String,
		occurred_at DateTime64(3, 'UTC'),
		group_key String,
		runner_id String,
		pid Int64,
		target Int64,
		detail String
	) ENGINE = MergeTree() ORDER BY (group_key, occurred_at)`, s.table)
	if err := s.conn.Exec(ctx, q); err != nil {
		return fmt.Errorf("failed to create ClickHouse table: %w", err)
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	query := fmt.Sprintf(`INSERT INTO %s (type, occurred_at, group_key, runner_id, pid, target, detail) VALUES (?, ?, ?, ?, ?, ?, ?)`, s.table)
	err := s.conn.Exec(ctx, query,
		string(e.Type),
		e.OccurredAt,
		e.GroupKey,
		e.RunnerID,
		int64(e.PID),
		int64(e.Target),
		e.Detail,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
