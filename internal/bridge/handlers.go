package bridge

import (
	"encoding/json"
	"strings"

	"github.com/tuya2mqtt/tuya2mqtt/internal/broker"
	"github.com/tuya2mqtt/tuya2mqtt/internal/entity"
	"github.com/tuya2mqtt/tuya2mqtt/internal/scanner"
	"github.com/tuya2mqtt/tuya2mqtt/internal/tuya"
)

// onScan submits a discovery run to the handler pool. Gen modes accept an
// optional {"scan_time": n} override in the request payload.
func (b *Bridge) onScan(mode scanner.Mode) broker.Handler {
	return func(_ string, payload []byte) {
		b.log.Info("Received scan request", "mode", mode.String())
		if len(payload) > 0 {
			var req struct {
				ScanTime int `json:"scan_time"`
			}
			if err := json.Unmarshal(payload, &req); err == nil && req.ScanTime > 0 {
				b.scanner.SetScanTime(req.ScanTime)
			}
		}
		b.pool.Submit(func() {
			if err := b.scanner.Run(b.ctx, mode); err != nil {
				b.log.Error("Scan failed", "mode", mode.String(), "error", err)
			}
		})
	}
}

// onStopScan ends a running scan immediately, bypassing the pool.
func (b *Bridge) onStopScan(_ string, _ []byte) {
	b.log.Info("Received stop_scan request")
	b.scanner.Stop()
}

func (b *Bridge) onScanTime(_ string, payload []byte) {
	var req struct {
		Time int `json:"time"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		b.log.Error("Bad scan_time payload", "error", err)
		return
	}
	b.scanner.SetScanTime(req.Time)
}

// onAdd joins cloud metadata for the requested ids with the local scan file,
// registers the merged devices and answers with their briefs.
func (b *Bridge) onAdd(_ string, payload []byte) {
	b.log.Info("Received add request")
	b.pool.Submit(func() {
		topic := responseTopic("add")
		var req struct {
			DeviceIDs []string `json:"device_ids"`
		}
		if err := json.Unmarshal(payload, &req); err != nil || len(req.DeviceIDs) == 0 {
			b.log.Error("Add request without device ids")
			b.respond(topic, []any{})
			return
		}

		b.cloud.SetDeviceID(strings.Join(req.DeviceIDs, ", "))
		cloudDevices, err := b.cloud.GetDevices(b.ctx)
		if err != nil {
			b.log.Error("Cloud lookup failed", "ids", req.DeviceIDs, "error", err)
			b.respond(topic, tuya.ErrorDocument(err))
			return
		}

		added, err := b.reg.AddOrMerge(cloudDevices, req.DeviceIDs)
		if err != nil {
			b.log.Error("Failed to merge devices", "error", err)
			return
		}
		if b.lifecycle != nil && len(added) > 0 {
			devices := make([]*tuya.Device, 0, len(added))
			for _, e := range added {
				devices = append(devices, e.Device())
			}
			b.lifecycle.OnDevicesAdded(devices)
		}
		ids := make([]string, 0, len(added))
		for _, e := range added {
			ids = append(ids, e.ID())
		}
		b.respond(topic, b.reg.Briefs(ids...))
	})
}

// onRemove stops each entity, prunes the config and answers with the ids
// actually removed.
func (b *Bridge) onRemove(_ string, payload []byte) {
	b.log.Info("Received remove request")
	b.pool.Submit(func() {
		var req struct {
			DeviceIDs []string `json:"device_ids"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			b.log.Error("Bad remove payload", "error", err)
			return
		}
		removed, err := b.reg.Remove(req.DeviceIDs...)
		if err != nil {
			b.log.Error("Failed to persist removal", "error", err)
		}
		if b.lifecycle != nil {
			for _, id := range removed {
				b.lifecycle.OnDeviceRemoved(id)
			}
		}
		b.log.Info("Removed devices", "ids", removed)
		b.respond(responseTopic("remove"), map[string]any{"device_ids": removed})
	})
}

// onUpdateKey refetches the device's local key from the cloud and persists
// it. ERR_914 auto-recovery funnels through here via a self-published
// request.
func (b *Bridge) onUpdateKey(_ string, payload []byte) {
	b.log.Info("Received update_key request")
	b.pool.Submit(func() {
		var req struct {
			DeviceID string `json:"device_id"`
		}
		if err := json.Unmarshal(payload, &req); err != nil || req.DeviceID == "" {
			b.log.Error("Bad update_key payload", "error", err)
			return
		}
		e, ok := b.reg.Get(req.DeviceID)
		if !ok {
			b.log.Error("Update key for unknown device", "device", req.DeviceID)
			return
		}

		b.cloud.SetDeviceID(req.DeviceID)
		cloudDevices, err := b.cloud.GetDevices(b.ctx)
		if err != nil {
			b.log.Error("Cloud lookup failed", "device", req.DeviceID, "error", err)
			return
		}
		key := e.Device().Key
		for _, cd := range cloudDevices {
			if cd.ID == req.DeviceID {
				key = cd.Key
			}
		}
		if err := b.reg.UpdateKey(req.DeviceID, key); err != nil {
			b.log.Error("Failed to persist key update", "device", req.DeviceID, "error", err)
			return
		}
		if b.lifecycle != nil {
			b.lifecycle.OnDeviceKeyChanged(req.DeviceID)
		}
		b.log.Info("Local key updated", "device", req.DeviceID)
		b.respond(responseTopic("update_key"), key)
	})
}

func (b *Bridge) onFriendlyName(_ string, payload []byte) {
	b.log.Info("Received friendly_name request")
	b.pool.Submit(func() {
		var req struct {
			DeviceID     string `json:"device_id"`
			FriendlyName string `json:"friendly_name"`
		}
		if err := json.Unmarshal(payload, &req); err != nil || req.DeviceID == "" {
			b.log.Error("Bad friendly_name payload", "error", err)
			return
		}
		if err := b.reg.SetFriendlyName(req.DeviceID, req.FriendlyName); err != nil {
			b.log.Error("Failed to set friendly name", "device", req.DeviceID, "error", err)
			return
		}
		if b.lifecycle != nil {
			b.lifecycle.OnDeviceRenamed(req.DeviceID, req.FriendlyName)
		}
		b.log.Info("Friendly name set", "device", req.DeviceID, "name", req.FriendlyName)
	})
}

// onDeviceCommand routes <svc>/devices/<ident>/set. The identifier may be a
// device id or a friendly name. api_ver 2 payloads address DPs by human code;
// everything else is the v1 command verb set.
func (b *Bridge) onDeviceCommand(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 {
		return
	}
	ident := parts[2]
	e, ok := b.reg.Resolve(ident)
	if !ok {
		b.log.Warn("Command for unknown device", "identifier", ident)
		return
	}
	var actions map[string]any
	if err := json.Unmarshal(payload, &actions); err != nil {
		b.log.Error("Bad device command payload", "device", e.ID(), "error", err)
		return
	}
	apiVer, _ := actions["api_ver"].(float64)
	delete(actions, "api_ver")
	if apiVer == 2 {
		e.SetStatus(actions)
		return
	}
	b.dispatchV1(e, actions)
}

func (b *Bridge) dispatchV1(e *entity.Entity, actions map[string]any) {
	for cmd, arg := range actions {
		switch cmd {
		case "switch":
			e.Switch(arg)
		case "toggle":
			dp, _ := arg.(string)
			e.Toggle(dp)
		case "bright":
			if p, ok := numberArg(arg); ok {
				e.SetBrightness(p)
			}
		case "color_temp":
			if p, ok := numberArg(arg); ok {
				e.SetColorTemp(p)
			}
		case "color_hsv":
			if hsv, ok := floatList(arg, 3); ok {
				e.SetColorHSV(hsv[0], hsv[1], hsv[2])
			}
		case "color_rgb":
			if rgb, ok := floatList(arg, 3); ok {
				e.SetColorRGB(int(rgb[0]), int(rgb[1]), int(rgb[2]))
			}
		case "work_mode":
			mode, _ := arg.(string)
			if tuya.WorkModes[mode] {
				e.SetMode(mode)
			} else {
				b.log.Warn("Unknown work mode", "device", e.ID(), "mode", mode)
			}
		case "scene":
			// accepted but not implemented
		default:
			b.log.Warn("Unknown device command", "device", e.ID(), "command", cmd)
		}
	}
}

func (b *Bridge) respond(topic string, payload any) {
	if err := b.broker.Publish(topic, payload); err != nil {
		b.log.Error("Failed to publish response", "topic", topic, "error", err)
	}
}

func numberArg(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}

func floatList(v any, n int) ([]float64, bool) {
	list, ok := v.([]any)
	if !ok || len(list) != n {
		return nil, false
	}
	out := make([]float64, n)
	for i, item := range list {
		f, ok := item.(float64)
		if !ok {
			return nil, false
		}
		out[i] = f
	}
	return out, true
}
