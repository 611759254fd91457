package bridge

import "fmt"

// ServiceID prefixes every bridge-owned MQTT topic.
const ServiceID = "tuya2mqtt"

func requestTopic(name string) string {
	return fmt.Sprintf("%s/bridge/request/%s", ServiceID, name)
}

func responseTopic(name string) string {
	return fmt.Sprintf("%s/bridge/response/%s", ServiceID, name)
}

func deviceStatusTopic(devID string) string {
	return fmt.Sprintf("%s/devices/%s/status", ServiceID, devID)
}

const (
	deviceSetPattern = ServiceID + "/devices/+/set"
	statusesTopic    = ServiceID + "/devices/statuses"

	// BridgeStatusTopic carries the retained bridge state document; it doubles
	// as the connection's last-will topic.
	BridgeStatusTopic = ServiceID + "/bridge/status"
	// MetricsTopic carries the periodic metrics snapshot.
	MetricsTopic = ServiceID + "/bridge/metrics"
)
