package supervisor_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ASDEAhardware/bfg-sub000/internal/store"
	"github.com/ASDEAhardware/bfg-sub000/internal/supervisor"
	"github.com/ASDEAhardware/bfg-sub000/pkg/logger"
)

// fakeSession is a controllable Session for reconcile tests.
type fakeSession struct {
	mu        sync.Mutex
	connected bool
	cooldown  bool
	createdAt time.Time
	startErr  error
	starts    int
	stops     int
}

func (f *fakeSession) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return f.startErr
	}
	f.connected = true
	return nil
}

func (f *fakeSession) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.connected = false
	return nil
}

func (f *fakeSession) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSession) CreatedAt() time.Time { return f.createdAt }

func (f *fakeSession) InCooldown(time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cooldown
}

func (f *fakeSession) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

// blockingSession parks in Start until released, standing in for a dial
// against an unreachable broker.
type blockingSession struct {
	createdAt time.Time
	started   chan struct{}
	release   chan struct{}
}

func (b *blockingSession) Start(context.Context) error {
	close(b.started)
	<-b.release
	return nil
}

func (b *blockingSession) Stop(context.Context) error { return nil }

func (b *blockingSession) IsConnected() bool { return false }

func (b *blockingSession) CreatedAt() time.Time { return b.createdAt }

func (b *blockingSession) InCooldown(time.Time) bool { return false }

var _ = Describe("Supervisor", func() {
	var (
		repo     *store.Repository
		ctx      context.Context
		now      time.Time
		sessions map[uint]*fakeSession
		factory  supervisor.SessionFactory
		built    int
	)

	createRow := func(siteCode string, enabled bool) store.ConnectionConfig {
		row := store.ConnectionConfig{
			SiteID:         uint(len(sessions) + 1),
			SiteCode:       siteCode,
			BrokerHost:     "broker.local",
			BrokerPort:     1883,
			ClientIDPrefix: siteCode,
			MaxRetries:     3,
			Enabled:        enabled,
			State:          store.StateDisconnected,
		}
		Expect(repo.DB().Create(&row).Error).To(Succeed())
		return row
	}

	newSupervisor := func() *supervisor.Supervisor {
		bus := &recordingBus{}
		sweeper, err := supervisor.NewSweeper(&supervisor.SweeperConfig{
			Logger:     logger.NewDefault(),
			Repository: repo,
			Bus:        bus,
		})
		Expect(err).NotTo(HaveOccurred())

		sup, err := supervisor.New(&supervisor.SupervisorConfig{
			Logger:      logger.NewDefault(),
			Repository:  repo,
			Sweeper:     sweeper,
			NewSession:  factory,
			GracePeriod: 15 * time.Second,
			Now:         func() time.Time { return now },
		})
		Expect(err).NotTo(HaveOccurred())
		return sup
	}

	BeforeEach(func() {
		repo = newTestRepository()
		ctx = context.Background()
		now = time.Date(2025, 11, 25, 15, 0, 0, 0, time.UTC)
		sessions = make(map[uint]*fakeSession)
		built = 0

		factory = func(row store.ConnectionConfig) (supervisor.Session, error) {
			built++
			sess := &fakeSession{createdAt: now}
			sessions[row.ID] = sess
			return sess, nil
		}
	})

	It("should start a session for every enabled connection", func() {
		createRow("site_001", true)
		createRow("site_002", true)
		createRow("site_003", false)

		sup := newSupervisor()
		sup.Reconcile(ctx)

		Expect(sup.SessionCount()).To(Equal(2))
		Expect(built).To(Equal(2))
	})

	It("should leave connected sessions alone on subsequent ticks", func() {
		createRow("site_001", true)

		sup := newSupervisor()
		sup.Reconcile(ctx)
		sup.Reconcile(ctx)

		Expect(built).To(Equal(1))
	})

	It("should stop and record sessions whose rows were disabled", func() {
		row := createRow("site_001", true)

		sup := newSupervisor()
		sup.Reconcile(ctx)
		Expect(sup.SessionCount()).To(Equal(1))
		sess := sessions[row.ID]

		Expect(repo.DB().Model(&store.ConnectionConfig{}).Where("id = ?", row.ID).
			Update("enabled", false).Error).To(Succeed())
		sup.Reconcile(ctx)

		Expect(sup.SessionCount()).To(BeZero())
		Expect(sess.stopCount()).To(Equal(1))

		got, err := repo.GetConnection(ctx, row.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.State).To(Equal(store.StateDisabled))
	})

	It("should give a fresh session its grace period before disposal", func() {
		row := createRow("site_001", true)
		factory = func(r store.ConnectionConfig) (supervisor.Session, error) {
			built++
			sess := &fakeSession{createdAt: now, startErr: errors.New("connect refused")}
			sessions[r.ID] = sess
			return sess, nil
		}

		sup := newSupervisor()
		sup.Reconcile(ctx)
		Expect(built).To(Equal(1))
		first := sessions[row.ID]

		// Within the grace period the failed session is left alone.
		now = now.Add(5 * time.Second)
		sup.Reconcile(ctx)
		Expect(built).To(Equal(1))
		Expect(first.stopCount()).To(BeZero())

		// Past the grace period it is disposed and replaced.
		now = now.Add(time.Minute)
		sup.Reconcile(ctx)
		Expect(built).To(Equal(2))
		Expect(first.stopCount()).To(Equal(1))
	})

	It("should not restart a session sitting in its cooldown", func() {
		row := createRow("site_001", true)

		sup := newSupervisor()
		sup.Reconcile(ctx)
		sess := sessions[row.ID]
		Eventually(sess.IsConnected).Should(BeTrue())

		sess.mu.Lock()
		sess.connected = false
		sess.cooldown = true
		sess.mu.Unlock()

		now = now.Add(time.Minute)
		sup.Reconcile(ctx)
		Expect(built).To(Equal(1))
		Expect(sess.stopCount()).To(BeZero())

		// Cooldown over: the session is disposed and a new one started.
		sess.mu.Lock()
		sess.cooldown = false
		sess.mu.Unlock()
		sup.Reconcile(ctx)
		Expect(built).To(Equal(2))
	})

	It("should respect a scheduled retry that is not yet due", func() {
		row := createRow("site_001", true)
		next := now.Add(time.Hour)
		Expect(repo.UpdateConnectionStatus(ctx, row.ID, store.ConnectionStatusUpdate{
			State:       store.StateError,
			NextRetryAt: &next,
		})).To(Succeed())

		sup := newSupervisor()
		sup.Reconcile(ctx)
		Expect(built).To(BeZero())

		now = now.Add(2 * time.Hour)
		sup.Reconcile(ctx)
		Expect(built).To(Equal(1))
	})

	It("should not restart a connection past its retry budget", func() {
		row := createRow("site_001", true)
		spent := 4
		Expect(repo.UpdateConnectionStatus(ctx, row.ID, store.ConnectionStatusUpdate{
			State:      store.StateError,
			RetryCount: &spent,
		})).To(Succeed())

		sup := newSupervisor()
		sup.Reconcile(ctx)
		Expect(built).To(BeZero())

		// An operator reset brings it back.
		zero := 0
		Expect(repo.UpdateConnectionStatus(ctx, row.ID, store.ConnectionStatusUpdate{
			State:      store.StateDisconnected,
			RetryCount: &zero,
		})).To(Succeed())
		sup.Reconcile(ctx)
		Expect(built).To(Equal(1))
	})

	It("should keep the registry responsive while a broker dial hangs", func() {
		createRow("site_001", true)

		started := make(chan struct{})
		release := make(chan struct{})
		defer close(release)
		factory = func(store.ConnectionConfig) (supervisor.Session, error) {
			return &blockingSession{createdAt: now, started: started, release: release}, nil
		}

		sup := newSupervisor()
		done := make(chan struct{})
		go func() {
			defer close(done)
			sup.Reconcile(ctx)
		}()

		Eventually(started).Should(BeClosed())

		// The dial is still in flight; the reconcile tick has returned and
		// the registry lock is free for other callers.
		Eventually(done).Should(BeClosed())
		Expect(sup.SessionCount()).To(Equal(1))
		Expect(sup.Stop()).To(Succeed())
	})

	It("should stop every session on shutdown", func() {
		createRow("site_001", true)
		createRow("site_002", true)

		sup := newSupervisor()
		sup.Reconcile(ctx)
		Expect(sup.SessionCount()).To(Equal(2))

		Expect(sup.Stop()).To(Succeed())
		Expect(sup.SessionCount()).To(BeZero())
		for _, sess := range sessions {
			Expect(sess.stopCount()).To(Equal(1))
		}
	})
})
