package simulator_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ASDEAhardware/bfg-sub000/internal/ingest"
	"github.com/ASDEAhardware/bfg-sub000/pkg/simulator"
)

var _ = Describe("Fleet", func() {
	var fleet *simulator.Fleet

	at := time.Date(2025, 11, 25, 15, 0, 0, 0, time.UTC)

	BeforeEach(func() {
		var err error
		fleet, err = simulator.NewFleet("site_001", 1, 3)
		Expect(err).NotTo(HaveOccurred())
	})

	It("should reject an empty site code", func() {
		_, err := simulator.NewFleet("", 1, 1)
		Expect(err).To(HaveOccurred())
	})

	It("should publish on topics the router recognises", func() {
		Expect(ingest.ParseTopic(fleet.TelemetryTopic()).Kind).To(Equal(ingest.KindDataloggersTelemetry))
		Expect(ingest.ParseTopic(fleet.StatusTopic()).Kind).To(Equal(ingest.KindGatewayStatus))
		Expect(ingest.ParseTopic(fleet.AggregatedTopic()).Kind).To(Equal(ingest.KindDataloggerStatusAggregated))
	})

	It("should build telemetry the parser accepts", func() {
		payload, err := fleet.TelemetryPayload(at, 5)
		Expect(err).NotTo(HaveOccurred())

		tele, err := ingest.ParseTelemetry(payload, at)
		Expect(err).NotTo(HaveOccurred())
		Expect(tele.GatewaySerial).To(Equal("site_001-gateway_1"))
		Expect(*tele.MessageIntervalSeconds).To(Equal(5))
		Expect(tele.Devices).To(HaveLen(3))
		Expect(tele.Devices[0].Online).To(BeTrue())
		Expect(tele.Devices[0].Data).To(HaveLen(2))
	})

	It("should build gateway status the parser accepts", func() {
		payload, err := fleet.StatusPayload(at)
		Expect(err).NotTo(HaveOccurred())

		gs, err := ingest.ParseGatewayStatus(payload)
		Expect(err).NotTo(HaveOccurred())
		Expect(gs.SerialNumber).To(Equal("site_001-gateway_1"))
		Expect(gs.IPAddress).NotTo(BeEmpty())
		Expect(gs.FirmwareVersion).NotTo(BeEmpty())
	})

	It("should build aggregated status the parser accepts", func() {
		payload, err := fleet.AggregatedPayload(at)
		Expect(err).NotTo(HaveOccurred())

		agg, err := ingest.ParseAggregatedStatus(payload, at)
		Expect(err).NotTo(HaveOccurred())
		Expect(agg.Dataloggers).To(HaveLen(3))
		for _, dl := range agg.Dataloggers {
			Expect(dl.Online).To(BeTrue())
			Expect(dl.SensorsData).To(HaveLen(1))
			Expect(dl.SensorsData[0].SensorType).To(Equal("accelerometer"))
		}
	})

	It("should drift readings between ticks", func() {
		first, err := fleet.TelemetryPayload(at, 5)
		Expect(err).NotTo(HaveOccurred())
		second, err := fleet.TelemetryPayload(at.Add(5*time.Second), 5)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(first)).NotTo(Equal(string(second)))
	})
})
