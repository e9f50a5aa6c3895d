package ingest_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ASDEAhardware/bfg-sub000/internal/ingest"
)

var _ = Describe("ParseTopic", func() {
	DescribeTable("recognised shapes",
		func(topic string, kind ingest.TopicKind, siteCode, gatewayN string) {
			parsed := ingest.ParseTopic(topic)
			Expect(parsed.Kind).To(Equal(kind))
			Expect(parsed.SiteCode).To(Equal(siteCode))
			Expect(parsed.GatewayN).To(Equal(gatewayN))
		},
		Entry("gateway status",
			"site_001/gateway/1/status", ingest.KindGatewayStatus, "site_001", "1"),
		Entry("telemetry",
			"site_001/gateway/2/dataloggers/telemetry", ingest.KindDataloggersTelemetry, "site_001", "2"),
		Entry("aggregated status",
			"bridge_042/gateway/1/datalogger/all/status", ingest.KindDataloggerStatusAggregated, "bridge_042", "1"),
	)

	DescribeTable("everything else is unknown",
		func(topic string) {
			Expect(ingest.ParseTopic(topic).Kind).To(Equal(ingest.KindUnknown))
		},
		Entry("too few segments", "site_001/gateway/1"),
		Entry("too many segments", "site_001/gateway/1/datalogger/all/status/extra"),
		Entry("wrong literal segment", "site_001/gatewy/1/status"),
		Entry("status in the wrong place", "site_001/gateway/status/1"),
		Entry("specific datalogger instead of all", "site_001/gateway/1/datalogger/dl9/status"),
		Entry("empty site code", "/gateway/1/status"),
		Entry("empty gateway number", "site_001/gateway//status"),
		Entry("empty string", ""),
	)
})
