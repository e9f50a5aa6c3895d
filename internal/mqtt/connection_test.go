package mqtt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ASDEAhardware/bfg-sub000/internal/store"
	"github.com/ASDEAhardware/bfg-sub000/pkg/logger"
)

var _ = Describe("BackoffDelay", func() {
	DescribeTable("exponential growth capped at max",
		func(retryCount int, want time.Duration) {
			Expect(BackoffDelay(5*time.Second, 300*time.Second, retryCount)).To(Equal(want))
		},
		Entry("first retry", 1, 10*time.Second),
		Entry("second retry", 2, 20*time.Second),
		Entry("fifth retry", 5, 160*time.Second),
		Entry("sixth retry hits the cap", 6, 300*time.Second),
		Entry("deep retry stays at the cap", 20, 300*time.Second),
		Entry("zero count", 0, 5*time.Second),
		Entry("negative count treated as zero", -3, 5*time.Second),
		Entry("shift overflow guarded", 40, 300*time.Second),
	)
})

var _ = Describe("Connection", func() {
	var (
		repo *store.Repository
		row  store.ConnectionConfig
		ctx  context.Context
	)

	newConn := func() *Connection {
		conn, err := NewConnection(&ConnectionConfig{
			Logger:     logger.NewDefault(),
			Repository: repo,
			Handler:    nopHandler{},
			Row:        row,
			InstanceID: "test01",
		})
		Expect(err).NotTo(HaveOccurred())
		return conn
	}

	BeforeEach(func() {
		repo = newTestRepository()
		ctx = context.Background()

		row = store.ConnectionConfig{
			SiteID:           1,
			SiteCode:         "site_001",
			BrokerHost:       "broker.local",
			BrokerPort:       1883,
			ClientIDPrefix:   "site_001",
			KeepAliveSeconds: 60,
			RetryBaseSeconds: 5,
			RetryMaxSeconds:  300,
			MaxRetries:       3,
			Enabled:          true,
			State:            store.StateDisconnected,
		}
		Expect(repo.DB().Create(&row).Error).To(Succeed())
	})

	Describe("NewConnection", func() {
		It("should reject a missing broker host", func() {
			bad := row
			bad.BrokerHost = ""
			_, err := NewConnection(&ConnectionConfig{
				Logger:     logger.NewDefault(),
				Repository: repo,
				Handler:    nopHandler{},
				Row:        bad,
			})
			Expect(err).To(HaveOccurred())
		})

		It("should fill zero tuning fields with defaults", func() {
			sparse := row
			sparse.KeepAliveSeconds = 0
			sparse.MaxRetries = 0
			sparse.RetryBaseSeconds = 0
			sparse.RetryMaxSeconds = 0

			conn, err := NewConnection(&ConnectionConfig{
				Logger:     logger.NewDefault(),
				Repository: repo,
				Handler:    nopHandler{},
				Row:        sparse,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(conn.row.KeepAliveSeconds).To(Equal(defaultKeepAlive))
			Expect(conn.row.MaxRetries).To(Equal(defaultMaxRetries))
			Expect(conn.row.RetryBaseSeconds).To(Equal(defaultRetryBase))
			Expect(conn.row.RetryMaxSeconds).To(Equal(defaultRetryMax))
		})

		It("should build the client id from the prefix and instance", func() {
			conn := newConn()
			Expect(conn.clientID).To(Equal("site_001_itest01"))
		})
	})

	Describe("duplicate-client cooldown", func() {
		It("should enter cooldown when the broker drops an established session", func() {
			conn := newConn()
			conn.mu.Lock()
			conn.state = store.StateConnected
			conn.mu.Unlock()

			conn.onConnectionLost(nil, io.EOF)

			Expect(conn.State()).To(Equal(store.StateDisconnected))
			Expect(conn.InCooldown(time.Now())).To(BeTrue())
			Expect(conn.InCooldown(time.Now().Add(duplicateClientCooldown + time.Second))).To(BeFalse())

			got, err := repo.GetConnection(ctx, row.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.State).To(Equal(store.StateDisconnected))
			Expect(got.NextRetryAt).To(BeNil())
		})

		It("should refuse to start while the cooldown is active", func() {
			conn := newConn()
			conn.mu.Lock()
			conn.cooldownUntil = time.Now().Add(time.Minute)
			conn.mu.Unlock()

			Expect(conn.Start(ctx)).To(MatchError(ErrCooldownActive))
		})

		It("should treat a wrapped EOF the same as a bare one", func() {
			conn := newConn()
			conn.mu.Lock()
			conn.state = store.StateConnected
			conn.mu.Unlock()

			conn.onConnectionLost(nil, fmt.Errorf("read tcp: %w", io.EOF))
			Expect(conn.InCooldown(time.Now())).To(BeTrue())
		})

		It("should not enter cooldown for a mid-handshake EOF", func() {
			conn := newConn()
			conn.mu.Lock()
			conn.state = store.StateConnecting
			conn.mu.Unlock()

			conn.onConnectionLost(nil, io.EOF)
			Expect(conn.InCooldown(time.Now())).To(BeFalse())
			Expect(conn.State()).To(Equal(store.StateError))
		})
	})

	Describe("retry scheduling", func() {
		It("should back off and record the next attempt", func() {
			conn := newConn()
			conn.scheduleRetry(ctx, errors.New("connection refused"))

			got, err := repo.GetConnection(ctx, row.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.State).To(Equal(store.StateError))
			Expect(got.RetryCount).To(Equal(1))
			Expect(got.LastError).To(ContainSubstring("connection refused"))
			Expect(got.NextRetryAt).NotTo(BeNil())
			Expect(got.NextRetryAt.Sub(time.Now().UTC())).To(BeNumerically("~", 10*time.Second, 2*time.Second))
		})

		It("should stop scheduling once the retry budget is spent", func() {
			conn := newConn()
			for i := 0; i < row.MaxRetries+1; i++ {
				conn.scheduleRetry(ctx, errors.New("connection refused"))
			}

			got, err := repo.GetConnection(ctx, row.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.RetryCount).To(Equal(row.MaxRetries + 1))
			Expect(got.NextRetryAt).To(BeNil())
		})

		It("should escalate a lost connection into a scheduled retry", func() {
			conn := newConn()
			conn.mu.Lock()
			conn.state = store.StateConnected
			conn.mu.Unlock()

			conn.onConnectionLost(nil, errors.New("write tcp: broken pipe"))

			Expect(conn.InCooldown(time.Now())).To(BeFalse())
			got, err := repo.GetConnection(ctx, row.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.State).To(Equal(store.StateError))
			Expect(got.NextRetryAt).NotTo(BeNil())
		})
	})

	Describe("failure classification", func() {
		DescribeTable("failureReason",
			func(err error, want string) {
				Expect(failureReason(err)).To(Equal(want))
			},
			Entry("auth", errors.New("connect: not authorized"), "auth"),
			Entry("bad credentials", errors.New("bad user name or password"), "auth"),
			Entry("timeout", errors.New("connect to host timed out after 60s"), "timeout"),
			Entry("network", errors.New("dial tcp: connection refused"), "network"),
			Entry("nil", nil, "unknown"),
		)
	})

	Describe("status topic", func() {
		It("should publish under the connection prefix", func() {
			conn := newConn()
			Expect(conn.statusTopic()).To(Equal("site_001/backend/status"))
		})
	})

	Describe("Stop", func() {
		It("should be idempotent and record the disconnected state", func() {
			conn := newConn()
			go conn.worker()

			Expect(conn.Stop(ctx)).To(Succeed())
			Expect(conn.Stop(ctx)).To(Succeed())

			got, err := repo.GetConnection(ctx, row.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.State).To(Equal(store.StateDisconnected))
		})
	})
})
