// Package lifecycle runs the background sweeper that warns, expires,
// and reclaims idle sessions.
package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/JonMunkholm/importflow/internal/broadcast"
	"github.com/JonMunkholm/importflow/internal/session"
)

// Defaults applied when Config fields are zero.
const (
	DefaultSweepInterval = 30 * time.Second
	DefaultWarnAhead     = 5 * time.Minute
)

// Archiver records terminal session summaries. Implementations must be
// safe for concurrent use; failures are logged, never propagated, so a
// broken archive cannot affect session availability.
type Archiver interface {
	Record(ctx context.Context, sum session.Summary) error
}

// Config controls sweep cadence and the expiry warning window.
type Config struct {
	SweepInterval time.Duration // how often to scan
	WarnAhead     time.Duration // how far before expiry to warn subscribers
}

func (c Config) withDefaults() Config {
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.WarnAhead <= 0 {
		c.WarnAhead = DefaultWarnAhead
	}
	return c
}

// Manager sweeps the session store on a fixed interval.
type Manager struct {
	cfg     Config
	store   *session.Store
	hub     *broadcast.Hub
	archive Archiver // nil disables archiving

	// warned tracks sessions already sent a session-expiring event so
	// the warning fires once per expiry window.
	warned map[string]bool
}

// NewManager creates a lifecycle manager. archive may be nil.
func NewManager(cfg Config, store *session.Store, hub *broadcast.Hub, archive Archiver) *Manager {
	return &Manager{
		cfg:     cfg.withDefaults(),
		store:   store,
		hub:     hub,
		archive: archive,
		warned:  make(map[string]bool),
	}
}

// Run sweeps immediately, then on every interval tick until the context
// is cancelled.
func (m *Manager) Run(ctx context.Context) {
	slog.Info("lifecycle sweeper started",
		"sweep_interval", m.cfg.SweepInterval,
		"warn_ahead", m.cfg.WarnAhead,
	)

	m.Sweep(ctx)

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("lifecycle sweeper stopped")
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep performs one warn → expire → purge cycle.
func (m *Manager) Sweep(ctx context.Context) {
	notices := m.store.ExpiringSoon(m.cfg.WarnAhead)
	inWindow := make(map[string]bool, len(notices))
	for _, notice := range notices {
		inWindow[notice.ID] = true
		if m.warned[notice.ID] {
			continue
		}
		m.warned[notice.ID] = true
		m.hub.Publish(notice.ID, broadcast.SessionExpiring(notice.ID, notice.Remaining))
	}
	// Sessions that left the window (touched, deleted, or expired) drop
	// their entry so the map cannot grow without bound and a fresh
	// window warns again.
	for id := range m.warned {
		if !inWindow[id] {
			delete(m.warned, id)
		}
	}

	expired := m.store.ExpireIdle()
	for _, sum := range expired {
		slog.Info("session expired",
			"session_id", sum.ID,
			"total_records", sum.TotalRecords,
			"remaining_errors", sum.RemainingErrors,
			"resolved", sum.ResolvedCount,
		)
		m.hub.Publish(sum.ID, broadcast.StatusChanged(sum.ID, string(session.StatusExpired)))
		m.hub.CloseSession(sum.ID)
		m.archiveSummary(ctx, sum)
	}

	if purged := m.store.PurgeTombstones(); purged > 0 {
		slog.Debug("purged session tombstones", "count", purged)
	}
}

// ArchiveSummary records a terminal summary best-effort. Exposed so the
// web layer can archive explicitly deleted sessions through the same
// path.
func (m *Manager) ArchiveSummary(ctx context.Context, sum session.Summary) {
	m.archiveSummary(ctx, sum)
}

func (m *Manager) archiveSummary(ctx context.Context, sum session.Summary) {
	if m.archive == nil {
		return
	}
	archiveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.archive.Record(archiveCtx, sum); err != nil {
		slog.Error("session archive write failed",
			"session_id", sum.ID,
			"error", err,
		)
	}
}
