// Package ingest implements the topic router and message processor: it
// classifies inbound topics, validates payloads, maintains the discovered
// gateway → datalogger → sensor hierarchy and emits broadcast events.
package ingest

import "strings"

// TopicKind classifies a topic string.
type TopicKind string

// The recognised topic kinds.
const (
	KindGatewayStatus              TopicKind = "gateway_status"
	KindDataloggerStatusAggregated TopicKind = "datalogger_status_aggregated"
	KindDataloggersTelemetry       TopicKind = "dataloggers_telemetry"
	KindUnknown                    TopicKind = "unknown"
)

// ParsedTopic is the classification result. SiteCode and GatewayN are empty
// for unknown topics.
type ParsedTopic struct {
	Kind     TopicKind
	SiteCode string
	GatewayN string
}

// ParseTopic classifies a topic string against the three recognised shapes:
//
//	{site}/gateway/{n}/status
//	{site}/gateway/{n}/dataloggers/telemetry
//	{site}/gateway/{n}/datalogger/all/status
//
// Matching is strict on segment count and literal segment names. Anything
// else is KindUnknown, which is not an error: unknown topics still land in
// the discovery catalog.
func ParseTopic(topic string) ParsedTopic {
	segs := strings.Split(topic, "/")

	switch len(segs) {
	case 4:
		if segs[1] == "gateway" && segs[3] == "status" && segs[0] != "" && segs[2] != "" {
			return ParsedTopic{Kind: KindGatewayStatus, SiteCode: segs[0], GatewayN: segs[2]}
		}
	case 5:
		if segs[1] == "gateway" && segs[3] == "dataloggers" && segs[4] == "telemetry" && segs[0] != "" && segs[2] != "" {
			return ParsedTopic{Kind: KindDataloggersTelemetry, SiteCode: segs[0], GatewayN: segs[2]}
		}
	case 6:
		if segs[1] == "gateway" && segs[3] == "datalogger" && segs[4] == "all" && segs[5] == "status" && segs[0] != "" && segs[2] != "" {
			return ParsedTopic{Kind: KindDataloggerStatusAggregated, SiteCode: segs[0], GatewayN: segs[2]}
		}
	}

	return ParsedTopic{Kind: KindUnknown}
}
