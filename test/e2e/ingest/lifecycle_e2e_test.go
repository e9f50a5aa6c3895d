package ingest

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ASDEAhardware/bfg-sub000/internal/broadcast"
	"github.com/ASDEAhardware/bfg-sub000/internal/ingest"
	"github.com/ASDEAhardware/bfg-sub000/internal/store"
	"github.com/ASDEAhardware/bfg-sub000/internal/supervisor"
	"github.com/ASDEAhardware/bfg-sub000/pkg/simulator"
)

var _ = Describe("Device lifecycle E2E", func() {
	const (
		siteID   = uint(1)
		siteCode = "site_001"
	)

	var (
		ctx   context.Context
		hub   *broadcast.Hub
		proc  *ingest.Processor
		now   time.Time
		fleet *simulator.Fleet
	)

	newSweeper := func() *supervisor.Sweeper {
		s, err := supervisor.NewSweeper(&supervisor.SweeperConfig{
			Logger:     testLogger,
			Repository: repo,
			Bus:        hub,
			Now:        func() time.Time { return now },
		})
		Expect(err).NotTo(HaveOccurred())
		return s
	}

	BeforeEach(func() {
		ctx = context.Background()
		now = time.Now().UTC()
		hub = broadcast.NewHub(testLogger, nil)

		// Fresh tables per spec run.
		for _, model := range []any{
			&store.DowntimeEvent{}, &store.DiscoveredTopic{}, &store.Sensor{},
			&store.Datalogger{}, &store.Gateway{},
		} {
			Expect(db.Unscoped().Where("1 = 1").Delete(model).Error).To(Succeed())
		}

		var err error
		proc, err = ingest.NewProcessor(&ingest.ProcessorConfig{
			Logger:     testLogger,
			Repository: repo,
			Bus:        hub,
			Now:        func() time.Time { return now },
		})
		Expect(err).NotTo(HaveOccurred())

		fleet, err = simulator.NewFleet(siteCode, 1, 2)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		hub.Close()
	})

	It("should ingest, sweep offline and recover a full fleet", func() {
		sub := hub.Subscribe()
		defer hub.Unsubscribe(sub)

		// Ingest one telemetry tick.
		payload, err := fleet.TelemetryPayload(now, 5)
		Expect(err).NotTo(HaveOccurred())
		Expect(proc.Process(ctx, siteID, siteCode, fleet.TelemetryTopic(), payload, 1, false)).To(Succeed())

		gw, err := repo.GetGatewayBySerial(ctx, fleet.GatewaySerial)
		Expect(err).NotTo(HaveOccurred())
		Expect(gw.IsOnline).To(BeTrue())
		Expect(*gw.ExpectedHeartbeatSeconds).To(Equal(5))

		var sensors int64
		Expect(db.Model(&store.Sensor{}).Count(&sensors).Error).To(Succeed())
		Expect(sensors).To(Equal(int64(4)))

		// Silence for 2.5 intervals flips the whole hierarchy.
		now = now.Add(time.Minute)
		Expect(newSweeper().RunOnce(ctx)).To(Succeed())

		gw, err = repo.GetGatewayBySerial(ctx, fleet.GatewaySerial)
		Expect(err).NotTo(HaveOccurred())
		Expect(gw.IsOnline).To(BeFalse())

		var offlineSensors int64
		Expect(db.Model(&store.Sensor{}).Where("is_online = ?", false).Count(&offlineSensors).Error).To(Succeed())
		Expect(offlineSensors).To(Equal(int64(4)))

		openEvent, err := repo.GetOpenDowntimeEvent(ctx, store.DeviceKindGateway, fleet.GatewaySerial)
		Expect(err).NotTo(HaveOccurred())
		Expect(openEvent.OnlineAt).To(BeNil())

		// The next telemetry tick recovers the gateway and closes its event.
		payload, err = fleet.TelemetryPayload(now, 5)
		Expect(err).NotTo(HaveOccurred())
		Expect(proc.Process(ctx, siteID, siteCode, fleet.TelemetryTopic(), payload, 1, false)).To(Succeed())

		gw, err = repo.GetGatewayBySerial(ctx, fleet.GatewaySerial)
		Expect(err).NotTo(HaveOccurred())
		Expect(gw.IsOnline).To(BeTrue())

		_, err = repo.GetOpenDowntimeEvent(ctx, store.DeviceKindGateway, fleet.GatewaySerial)
		Expect(err).To(HaveOccurred())

		var closed store.DowntimeEvent
		Expect(db.Where("device_kind = ? AND device_serial = ?", store.DeviceKindGateway, fleet.GatewaySerial).
			First(&closed).Error).To(Succeed())
		Expect(closed.OnlineAt).NotTo(BeNil())
		Expect(*closed.DurationSeconds).To(BeNumerically(">", 0))

		// Subscribers saw the ride: updates, the offline sweep, the recovery.
		types := map[string]int{}
	drain:
		for {
			select {
			case ev := <-sub.Events():
				types[ev.Type()]++
			default:
				break drain
			}
		}
		// Exactly one gateway_update: the recovery that closed the downtime
		// event. First contact announces only the dataloggers.
		Expect(types["gateway_update"]).To(Equal(1))
		Expect(types["gateway_offline"]).To(Equal(1))
		Expect(types["datalogger_update"]).To(BeNumerically(">=", 2))
	})

	It("should catalog unknown topics alongside live ingestion", func() {
		Expect(proc.Process(ctx, siteID, siteCode, siteCode+"/gateway/1/mystery", []byte(`{"hello":"world"}`), 0, false)).To(Succeed())
		Expect(proc.Process(ctx, siteID, siteCode, siteCode+"/gateway/1/mystery", []byte(`{"hello":"again"}`), 0, false)).To(Succeed())

		row, err := repo.GetDiscoveredTopic(ctx, siteID, siteCode+"/gateway/1/mystery")
		Expect(err).NotTo(HaveOccurred())
		Expect(row.MessageCount).To(Equal(int64(2)))
	})
})
