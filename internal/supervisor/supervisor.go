package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ASDEAhardware/bfg-sub000/internal/store"
)

const (
	// Reconcile and sweep cadence.
	defaultReconcileInterval = 30 * time.Second

	// A freshly created session gets this long before "not yet connected"
	// counts as a failure.
	startupGracePeriod = 15 * time.Second

	// Global deadline for the parallel disconnect on shutdown.
	shutdownDeadline = 5 * time.Second
)

// Session is one live broker connection as the supervisor sees it. The real
// implementation is *mqtt.Connection.
type Session interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsConnected() bool
	CreatedAt() time.Time
	InCooldown(now time.Time) bool
}

// SessionFactory builds a fresh session for a connection row snapshot.
type SessionFactory func(row store.ConnectionConfig) (Session, error)

// Supervisor is the process-wide controller: it reconciles live sessions
// against the connection configuration every tick and drives the offline
// sweeper.
type Supervisor struct {
	logger     *slog.Logger
	repo       *store.Repository
	sweeper    *Sweeper
	newSession SessionFactory
	interval   time.Duration
	grace      time.Duration
	now        func() time.Time

	mu       sync.Mutex
	sessions map[uint]Session
	stopped  bool
}

// SupervisorConfig holds the configuration for the Supervisor.
type SupervisorConfig struct {
	Logger     *slog.Logger
	Repository *store.Repository
	Sweeper    *Sweeper
	NewSession SessionFactory

	// ReconcileInterval overrides the 30 s default, for tests.
	ReconcileInterval time.Duration
	// GracePeriod overrides the 15 s startup grace, for tests.
	GracePeriod time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// New creates a new Supervisor instance. Exactly one should exist per
// process, owned by the boot sequence.
func New(cfg *SupervisorConfig) (*Supervisor, error) {
	if cfg == nil {
		return nil, errors.New("supervisor config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Repository == nil {
		return nil, errors.New("repository cannot be nil")
	}
	if cfg.Sweeper == nil {
		return nil, errors.New("sweeper cannot be nil")
	}
	if cfg.NewSession == nil {
		return nil, errors.New("session factory cannot be nil")
	}

	interval := cfg.ReconcileInterval
	if interval <= 0 {
		interval = defaultReconcileInterval
	}
	grace := cfg.GracePeriod
	if grace <= 0 {
		grace = startupGracePeriod
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Supervisor{
		logger:     cfg.Logger,
		repo:       cfg.Repository,
		sweeper:    cfg.Sweeper,
		newSession: cfg.NewSession,
		interval:   interval,
		grace:      grace,
		now:        now,
		sessions:   make(map[uint]Session),
	}, nil
}

// Run performs the startup sequence and blocks in the reconcile loop until
// ctx is cancelled: one synchronous sweep to close the stale-after-crash
// gap, an initial reconcile that starts every enabled connection, then a
// tick every interval.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("supervisor starting", "reconcile_interval", s.interval)

	if err := s.sweeper.RunOnce(ctx); err != nil {
		s.logger.Error("startup sweep failed", "error", err)
	}
	s.Reconcile(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("supervisor stopping")
			return s.Stop()
		case <-ticker.C:
			s.Reconcile(ctx)
			if err := s.sweeper.RunOnce(ctx); err != nil {
				s.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// pendingStop is a session removed from the registry, to be disconnected
// after the registry lock is released.
type pendingStop struct {
	id       uint
	sess     Session
	disabled bool
}

// pendingStart is a freshly built session whose dial runs on its own
// goroutine, so one unreachable broker never stalls the reconcile tick.
type pendingStart struct {
	id       uint
	siteCode string
	sess     Session
}

// Reconcile aligns live sessions with the connection configuration: stops
// sessions whose rows were disabled, restarts failed ones whose retry is
// due, and starts sessions for enabled rows without one. The registry lock
// only guards the map; Stop and Start (which can block on the network) run
// after it is released.
func (s *Supervisor) Reconcile(ctx context.Context) {
	rows, err := s.repo.ListEnabledConnections(ctx)
	if err != nil {
		s.logger.Error("failed to load connection config", "error", err)
		return
	}

	enabled := make(map[uint]store.ConnectionConfig, len(rows))
	for _, row := range rows {
		enabled[row.ID] = row
	}

	now := s.now()

	var toStop []pendingStop
	var toStart []pendingStart

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}

	// Sessions whose rows flipped to disabled (or vanished) leave the
	// registry now and disconnect below.
	for id, sess := range s.sessions {
		if _, ok := enabled[id]; ok {
			continue
		}
		delete(s.sessions, id)
		toStop = append(toStop, pendingStop{id: id, sess: sess, disabled: true})
	}

	for id, row := range enabled {
		sess, live := s.sessions[id]

		if live && sess.IsConnected() {
			continue
		}
		if live {
			// Not connected: leave fresh sessions alone, respect the
			// duplicate-client cooldown, and never restart past the budget.
			if now.Sub(sess.CreatedAt()) < s.grace {
				continue
			}
			if sess.InCooldown(now) {
				continue
			}
			if !retryDue(row, now) {
				continue
			}
			delete(s.sessions, id)
			toStop = append(toStop, pendingStop{id: id, sess: sess})
		} else if !retryDue(row, now) {
			continue
		}

		fresh, err := s.newSession(row)
		if err != nil {
			s.logger.Error("failed to build session", "connection_id", id, "error", err)
			continue
		}
		s.sessions[id] = fresh
		toStart = append(toStart, pendingStart{id: id, siteCode: row.SiteCode, sess: fresh})
	}
	s.mu.Unlock()

	for _, p := range toStop {
		if p.disabled {
			s.logger.Info("connection disabled, stopping session", "connection_id", p.id)
		} else {
			s.logger.Info("disposing failed session", "connection_id", p.id)
		}
		stopCtx, cancel := context.WithTimeout(ctx, shutdownDeadline)
		if err := p.sess.Stop(stopCtx); err != nil {
			s.logger.Error("failed to stop session", "connection_id", p.id, "error", err)
		}
		cancel()
		if p.disabled {
			if err := s.repo.UpdateConnectionStatus(ctx, p.id, store.ConnectionStatusUpdate{
				State:          store.StateDisabled,
				ClearNextRetry: true,
			}); err != nil {
				s.logger.Error("failed to record disabled state", "connection_id", p.id, "error", err)
			}
		}
	}

	for _, p := range toStart {
		go func(p pendingStart) {
			if err := p.sess.Start(ctx); err != nil {
				// The session has scheduled its own retry on the row.
				s.logger.Warn("session start failed", "connection_id", p.id, "site_code", p.siteCode, "error", err)
			}
		}(p)
	}
}

// retryDue reports whether a row may be (re)connected now: budget remaining
// and no future next_retry_at.
func retryDue(row store.ConnectionConfig, now time.Time) bool {
	if row.RetryCount > row.MaxRetries && row.MaxRetries > 0 {
		return false
	}
	if row.NextRetryAt != nil && now.Before(*row.NextRetryAt) {
		return false
	}
	return true
}

// SessionCount returns the number of live sessions.
func (s *Supervisor) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Stop disconnects every session in parallel, bounded by a global 5 s
// deadline. Partial timeouts are logged; the process may still exit.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	sessions := make(map[uint]Session, len(s.sessions))
	for id, sess := range s.sessions {
		sessions[id] = sess
	}
	s.sessions = make(map[uint]Session)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancel()

	var wg sync.WaitGroup
	for id, sess := range sessions {
		wg.Add(1)
		go func(id uint, sess Session) {
			defer wg.Done()
			if err := sess.Stop(ctx); err != nil {
				s.logger.Error("failed to stop session", "connection_id", id, "error", err)
			}
		}(id, sess)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all sessions stopped")
	case <-ctx.Done():
		s.logger.Warn("shutdown deadline reached with sessions still stopping")
	}
	return nil
}
