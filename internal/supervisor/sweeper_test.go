package supervisor_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ASDEAhardware/bfg-sub000/internal/broadcast"
	"github.com/ASDEAhardware/bfg-sub000/internal/store"
	"github.com/ASDEAhardware/bfg-sub000/internal/supervisor"
	"github.com/ASDEAhardware/bfg-sub000/pkg/logger"
)

var _ = Describe("IsOffline", func() {
	now := time.Date(2025, 11, 25, 15, 0, 0, 0, time.UTC)

	DescribeTable("silence threshold at 2.5 heartbeats",
		func(silence time.Duration, expectedSeconds int, want bool) {
			Expect(supervisor.IsOffline(now, now.Add(-silence), expectedSeconds)).To(Equal(want))
		},
		Entry("just heard from", time.Second, 10, false),
		Entry("exactly at the threshold", 25*time.Second, 10, false),
		Entry("just past the threshold", 26*time.Second, 10, true),
		Entry("long silent", time.Hour, 10, true),
		Entry("no expectation", time.Hour, 0, false),
		Entry("negative expectation", time.Hour, -5, false),
	)

	It("should never flip a device when the clock moves backwards", func() {
		lastSeen := now.Add(time.Hour)
		Expect(supervisor.IsOffline(now, lastSeen, 10)).To(BeFalse())
	})
})

var _ = Describe("Sweeper", func() {
	var (
		repo *store.Repository
		bus  *recordingBus
		ctx  context.Context
		now  time.Time
	)

	const siteID = uint(3)

	online := true

	newSweeper := func() *supervisor.Sweeper {
		s, err := supervisor.NewSweeper(&supervisor.SweeperConfig{
			Logger:     logger.NewDefault(),
			Repository: repo,
			Bus:        bus,
			Now:        func() time.Time { return now },
		})
		Expect(err).NotTo(HaveOccurred())
		return s
	}

	heartbeat := 10
	buildHierarchy := func(lastSeen time.Time) (*store.Gateway, *store.Datalogger, *store.Sensor) {
		gw, _, err := repo.UpsertGateway(ctx, store.GatewayUpsert{
			SiteID:                   siteID,
			SerialNumber:             "gw-1",
			Online:                   &online,
			LastSeenAt:               &lastSeen,
			ExpectedHeartbeatSeconds: &heartbeat,
		})
		Expect(err).NotTo(HaveOccurred())

		dl, _, err := repo.UpsertDatalogger(ctx, store.DataloggerUpsert{
			GatewayID:                gw.ID,
			SerialNumber:             "dl-1",
			Online:                   &online,
			LastSeenAt:               &lastSeen,
			ExpectedHeartbeatSeconds: &heartbeat,
		})
		Expect(err).NotTo(HaveOccurred())

		sensor, _, err := repo.UpsertSensor(ctx, store.SensorUpsert{
			DataloggerID:             dl.ID,
			SerialNumber:             "s-1",
			SensorType:               "temperature",
			Online:                   &online,
			ExpectedHeartbeatSeconds: &heartbeat,
		})
		Expect(err).NotTo(HaveOccurred())
		return gw, dl, sensor
	}

	BeforeEach(func() {
		repo = newTestRepository()
		bus = &recordingBus{}
		ctx = context.Background()
		now = time.Date(2025, 11, 25, 15, 0, 0, 0, time.UTC)
	})

	It("should cascade a silent gateway down to its sensors", func() {
		buildHierarchy(now.Add(-time.Hour))

		Expect(newSweeper().RunOnce(ctx)).To(Succeed())

		gw, err := repo.GetGatewayBySerial(ctx, "gw-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(gw.IsOnline).To(BeFalse())

		dl, err := repo.GetDataloggerBySerial(ctx, "dl-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(dl.IsOnline).To(BeFalse())

		sensor, err := repo.GetSensorBySerial(ctx, "s-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(sensor.IsOnline).To(BeFalse())

		for _, probe := range []struct{ kind, serial string }{
			{store.DeviceKindGateway, "gw-1"},
			{store.DeviceKindDatalogger, "dl-1"},
			{store.DeviceKindSensor, "s-1"},
		} {
			_, err := repo.GetOpenDowntimeEvent(ctx, probe.kind, probe.serial)
			Expect(err).NotTo(HaveOccurred(), probe.serial)
		}

		Expect(bus.ofType(broadcast.TypeGatewayOffline)).To(HaveLen(1))
		Expect(bus.ofType(broadcast.TypeDataloggerUpdate)).To(HaveLen(1))
		Expect(bus.ofType(broadcast.TypeSensorOffline)).To(HaveLen(1))

		update := bus.ofType(broadcast.TypeDataloggerUpdate)[0].(broadcast.DataloggerUpdate)
		Expect(update.Status).To(Equal("offline"))
	})

	It("should leave devices inside their heartbeat window alone", func() {
		buildHierarchy(now.Add(-5 * time.Second))

		Expect(newSweeper().RunOnce(ctx)).To(Succeed())

		gw, err := repo.GetGatewayBySerial(ctx, "gw-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(gw.IsOnline).To(BeTrue())
		Expect(bus.events).To(BeEmpty())
	})

	It("should be idempotent across repeated sweeps", func() {
		buildHierarchy(now.Add(-time.Hour))
		sweeper := newSweeper()

		Expect(sweeper.RunOnce(ctx)).To(Succeed())
		firstEvents := len(bus.events)
		Expect(sweeper.RunOnce(ctx)).To(Succeed())

		// Second sweep sees nothing online; no new events, still one open
		// downtime per device.
		Expect(bus.events).To(HaveLen(firstEvents))
		var open int64
		Expect(repo.DB().Model(&store.DowntimeEvent{}).Where("online_at IS NULL").Count(&open).Error).To(Succeed())
		Expect(open).To(Equal(int64(3)))
	})

	It("should flip a stale sensor under a healthy gateway", func() {
		_, _, sensor := buildHierarchy(now.Add(-5 * time.Second))
		stale := now.Add(-time.Hour)
		Expect(repo.DB().Model(&store.Sensor{}).Where("id = ?", sensor.ID).
			Update("last_reading_at", stale).Error).To(Succeed())

		Expect(newSweeper().RunOnce(ctx)).To(Succeed())

		gw, err := repo.GetGatewayBySerial(ctx, "gw-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(gw.IsOnline).To(BeTrue())

		got, err := repo.GetSensorBySerial(ctx, "s-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.IsOnline).To(BeFalse())
		Expect(bus.ofType(broadcast.TypeSensorOffline)).To(HaveLen(1))
	})

	It("should skip devices without a heartbeat expectation", func() {
		lastSeen := now.Add(-time.Hour)
		_, _, err := repo.UpsertGateway(ctx, store.GatewayUpsert{
			SiteID:       siteID,
			SerialNumber: "quiet",
			Online:       &online,
			LastSeenAt:   &lastSeen,
		})
		Expect(err).NotTo(HaveOccurred())

		Expect(newSweeper().RunOnce(ctx)).To(Succeed())

		gw, err := repo.GetGatewayBySerial(ctx, "quiet")
		Expect(err).NotTo(HaveOccurred())
		Expect(gw.IsOnline).To(BeTrue())
	})
})
