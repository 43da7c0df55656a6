package factory

import (
	"errors"
	"strings"

	"github.com/runfleet/runfleet/internal/history"
	ch "github.com/runfleet/runfleet/internal/history/clickhouse"
	pg "github.com/runfleet/runfleet/internal/history/postgres"
	sq "github.com/runfleet/runfleet/internal/history/sqlite"
)

// NewFromDSN selects a history sink implementation based on DSN.
// Supported:
//   - sqlite:     "sqlite://<path>" or a bare filepath (treated as sqlite)
//   - postgres:   DSN starting with "postgres://" or "postgresql://"
//   - clickhouse: "clickhouse://<host:port>[/<table>]"
func NewFromDSN(dsn string) (history.Sink, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if ld == "" {
		return nil, errors.New("empty DSN")
	}
	if strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://") {
		return pg.New(d)
	}
	if strings.HasPrefix(ld, "clickhouse://") {
		rest := d[len("clickhouse://"):]
		addr, table, _ := strings.Cut(rest, "/")
		return ch.New(addr, table)
	}
	if strings.HasPrefix(ld, "sqlite://") {
		return sq.New(d[len("sqlite://"):])
	}
	// default to sqlite path
	return sq.New(d)
}
