package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/runfleet/runfleet/internal/history"
)

func startPostgresContainer(t *testing.T) (string, func()) {
	t.Helper()
	// testcontainers panics (rather than returning an error) when no Docker
	// daemon can be found; fold that into the existing skip path.
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("Failed to start PostgreSQL container: %v", r)
		}
	}()
	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Skipf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		_ = container.Terminate(ctx)
		t.Skipf("Failed to get container port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())
	return dsn, func() { _ = container.Terminate(ctx) }
}

func TestSinkRoundTrip(t *testing.T) {
	dsn, cleanup := startPostgresContainer(t)
	defer cleanup()

	// Schema creation may race the container becoming ready.
	var s *Sink
	var err error
	for i := 0; i < 10; i++ {
		s, err = New(dsn)
		if err == nil {
			break
		}
		time.Sleep(time.Second)
	}
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	events := []history.Event{
		{Type: history.EventScale, OccurredAt: time.Now().UTC(), GroupKey: "acme-widgets", Target: 2},
		{Type: history.EventRunnerStart, OccurredAt: time.Now().UTC(), GroupKey: "acme-widgets", RunnerID: "runner-aaaa1111", PID: 17},
		{Type: history.EventRunnerStop, OccurredAt: time.Now().UTC(), GroupKey: "acme-widgets", RunnerID: "runner-aaaa1111"},
	}
	for _, e := range events {
		if err := s.Send(ctx, e); err != nil {
			t.Fatalf("Send(%s): %v", e.Type, err)
		}
	}

	var count int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM fleet_events WHERE group_key = $1", "acme-widgets").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != len(events) {
		t.Fatalf("count = %d, want %d", count, len(events))
	}
}
