package bridge

import (
	"math"
	"strings"

	"github.com/tuya2mqtt/tuya2mqtt/internal/entity"
	"github.com/tuya2mqtt/tuya2mqtt/internal/tuya"
)

// PollCallback returns the status pipeline entry point handed to the poll
// loop: raw DPS in, human-readable status documents out on MQTT.
func (b *Bridge) PollCallback() entity.Callback {
	return func(devID string, res entity.Result) {
		b.collector.CountPoll()
		if res.Err != nil {
			b.handleErrorAnswer(devID, res.Err)
			return
		}
		status := b.humanizeStatus(devID, res.DPS)
		if status == nil {
			return
		}
		secs := res.Latency.Seconds()
		status["request_status_time"] = math.Round(secs*1000) / 1000
		if res.Latency > slowPollThreshold {
			b.collector.CountSlow()
		}
		b.publishDeviceStatus(devID, status)
	}
}

// handleErrorAnswer publishes the classified error document (lowercased keys)
// and triggers key auto-recovery on a key-or-version failure.
func (b *Bridge) handleErrorAnswer(devID string, err error) {
	doc := tuya.ErrorDocument(err)
	status := make(map[string]any, len(doc))
	for k, v := range doc {
		status[strings.ToLower(k)] = v
	}
	code, _ := tuya.CodeOf(err)
	b.collector.CountError(err)
	b.publishDeviceStatus(devID, status)

	if code == tuya.ErrKeyOrVer {
		b.log.Warn("Key or version mismatch, requesting key update", "device", devID)
		if perr := b.broker.Publish(requestTopic("update_key"), map[string]string{"device_id": devID}); perr != nil {
			b.log.Error("Failed to self-publish update_key", "device", devID, "error", perr)
		}
	}
}

// humanizeStatus converts raw DP numbers to mapping codes, extends the
// mapping on unknown DPs, and rescales brightness and color temperature to
// percent.
func (b *Bridge) humanizeStatus(devID string, dps tuya.DPS) map[string]any {
	e, ok := b.reg.Get(devID)
	if !ok {
		return nil
	}
	mapping := e.Device().Mapping
	status := make(map[string]any, len(dps))
	for num, val := range dps {
		entry, known := mapping[num]
		if !known {
			if err := b.reg.InsertUnknownDP(devID, num); err != nil {
				b.log.Error("Failed to record unknown DP", "device", devID, "dp", num, "error", err)
			}
			continue
		}
		status[entry.Code] = val
	}
	for _, code := range []string{"bright_value", "bright_value_v2"} {
		if raw, ok := statusInt(status, code); ok {
			status[code] = BrightToPercent(raw)
		}
	}
	for _, code := range []string{"temp_value", "temp_value_v2"} {
		if raw, ok := statusInt(status, code); ok {
			status[code] = TempToPercent(raw)
		}
	}
	return status
}

// publishDeviceStatus fans the document out to the Homie twin, the per-device
// status topic and the aggregate snapshot topic.
func (b *Bridge) publishDeviceStatus(devID string, status map[string]any) {
	if b.lifecycle != nil {
		b.lifecycle.PublishStatus(devID, status)
	}
	if err := b.broker.Publish(deviceStatusTopic(devID), status); err != nil {
		b.log.Error("Failed to publish device status", "device", devID, "error", err)
	}

	b.statusMu.Lock()
	b.statuses[devID] = status
	snapshot := make(map[string]map[string]any, len(b.statuses))
	for id, st := range b.statuses {
		snapshot[id] = st
	}
	b.statusMu.Unlock()
	if err := b.broker.Publish(statusesTopic, snapshot); err != nil {
		b.log.Error("Failed to publish status snapshot", "error", err)
	}
}

// BrightToPercent rescales a raw Tuya brightness (10-1000) to 0-100.
func BrightToPercent(raw int) int {
	const minRaw, maxRaw = 10, 1000
	if raw < minRaw {
		return 0
	}
	if raw > maxRaw {
		return 100
	}
	return (raw - minRaw) * 100 / (maxRaw - minRaw)
}

// TempToPercent rescales a raw Tuya color temperature (0-1000) to 0-100.
func TempToPercent(raw int) int {
	if raw <= 0 {
		return 0
	}
	if raw >= 1000 {
		return 100
	}
	return raw / 10
}

func statusInt(status map[string]any, code string) (int, bool) {
	switch v := status[code].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}
