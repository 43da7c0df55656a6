// Package runfleet keeps a fleet of self-hosted runner processes in sync
// with an operator-declared replica count. It is a thin facade over the
// internal packages, providing a stable API for embedding.
package runfleet

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/runfleet/runfleet/internal/api"
	cfg "github.com/runfleet/runfleet/internal/config"
	"github.com/runfleet/runfleet/internal/fleet"
	"github.com/runfleet/runfleet/internal/history"
	hfactory "github.com/runfleet/runfleet/internal/history/factory"
	"github.com/runfleet/runfleet/internal/logger"
	"github.com/runfleet/runfleet/internal/metrics"
	"github.com/runfleet/runfleet/internal/runner"
	iapi "github.com/runfleet/runfleet/internal/server"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Group = fleet.Group

type GroupStatus = fleet.GroupStatus

type ReportEntry = fleet.ReportEntry

type Provisioner = fleet.Provisioner

type CommandProvisioner = fleet.CommandProvisioner

type ControlPlane = fleet.ControlPlane

type StopPolicy = runner.StopPolicy

type RetryPolicy = api.RetryPolicy

type LogConfig = logger.Config

type HistorySink = history.Sink

type Config = cfg.Config

// Options configures a fleet Manager.
type Options = fleet.Options

// Manager is a thin facade over the internal fleet manager.
type Manager struct{ inner *fleet.Manager }

// New creates a Manager.
func New(opts Options) *Manager { return &Manager{inner: fleet.NewManager(opts)} }

// ParseGroup parses "owner/repo" (or a URL ending in /owner/repo).
func ParseGroup(s string) (Group, error) { return fleet.ParseGroup(s) }

func (m *Manager) InitializeGroup(ctx context.Context, g Group) error {
	return m.inner.InitializeGroup(ctx, g)
}
func (m *Manager) Scale(ctx context.Context, key string, target int) error {
	return m.inner.Scale(ctx, key, target)
}
func (m *Manager) Status() map[string]GroupStatus        { return m.inner.Status() }
func (m *Manager) Report(key string) ([]ReportEntry, error) { return m.inner.Report(key) }
func (m *Manager) PurgeGhosts(key string) (int, error) {
	ghosts, err := m.inner.PurgeGhosts(key)
	return len(ghosts), err
}
func (m *Manager) StopGroup(key string) error { return m.inner.StopGroup(key) }
func (m *Manager) StopAll() error             { return m.inner.StopAll() }
func (m *Manager) RemoveGroup(ctx context.Context, key string) error {
	return m.inner.RemoveGroup(ctx, key)
}
func (m *Manager) Dispose()         { m.inner.Dispose() }
func (m *Manager) Groups() []string { return m.inner.Groups() }

// NewControlPlaneClient builds the retrying control-plane client.
func NewControlPlaneClient(baseURL, token string, retry RetryPolicy, lg *slog.Logger) ControlPlane {
	return api.New(api.Config{BaseURL: baseURL, Token: token, Retry: retry, Logger: lg})
}

// LoadConfig loads a TOML configuration file.
func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// NewHistorySink selects a fleet-event sink from a DSN
// (sqlite path, postgres:// or clickhouse://).
func NewHistorySink(dsn string) (HistorySink, error) { return hfactory.NewFromDSN(dsn) }

// NewHTTPServer starts an HTTP server exposing the fleet API using the given manager.
func NewHTTPServer(addr, basePath string, m *Manager) *http.Server {
	return iapi.NewServer(addr, basePath, m.inner)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
