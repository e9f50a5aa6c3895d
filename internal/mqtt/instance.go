// Package mqtt owns the per-site broker sessions: client identity, last
// will, subscriptions, the connection state machine with backoff and the
// duplicate-client cooldown.
package mqtt

import (
	"fmt"
	"os"
	"strings"
)

// InstanceIDEnv overrides the derived process instance identity.
const InstanceIDEnv = "MQTT_INSTANCE_ID"

const instanceIDMaxLen = 8

// InstanceID returns the short process identity baked into every client ID,
// so multiple service instances never fight over a broker session. It is the
// first 8 characters of the host name unless MQTT_INSTANCE_ID overrides it.
func InstanceID() string {
	if v := strings.TrimSpace(os.Getenv(InstanceIDEnv)); v != "" {
		return truncateInstanceID(v)
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "local"
	}
	return truncateInstanceID(host)
}

func truncateInstanceID(s string) string {
	if len(s) > instanceIDMaxLen {
		return s[:instanceIDMaxLen]
	}
	return s
}

// ClientID builds the full broker client identifier for a connection row.
func ClientID(prefix, instanceID string) string {
	return fmt.Sprintf("%s_i%s", prefix, instanceID)
}
