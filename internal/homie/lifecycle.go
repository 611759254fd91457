package homie

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/tuya2mqtt/tuya2mqtt/internal/broker"
	"github.com/tuya2mqtt/tuya2mqtt/internal/entity"
	"github.com/tuya2mqtt/tuya2mqtt/internal/registry"
	"github.com/tuya2mqtt/tuya2mqtt/internal/tuya"
)

const (
	statePattern   = "homie/5/+/$state"
	broadcastTopic = "homie/5/$broadcast/switch_led"
)

// Lifecycle keeps the Homie twins in sync with the registry: devices added,
// removed, renamed or re-keyed on the bridge side update the retained Homie
// tree, and Homie-side deletions remove the underlying device.
type Lifecycle struct {
	log    *slog.Logger
	broker broker.Client
	reg    *registry.Registry
	conv   *Converter

	mu      sync.Mutex
	bridges map[string]*DeviceBridge // dev_id -> bridge
}

func NewLifecycle(log *slog.Logger, bk broker.Client, reg *registry.Registry, conv *Converter) *Lifecycle {
	return &Lifecycle{
		log:     log,
		broker:  bk,
		reg:     reg,
		conv:    conv,
		bridges: make(map[string]*DeviceBridge),
	}
}

// Start creates twins for all known devices and subscribes the external
// deletion and broadcast topics.
func (l *Lifecycle) Start() error {
	for _, e := range l.reg.All() {
		l.createBridge(e)
	}
	if err := l.broker.AddHandler(statePattern, l.onHomieState); err != nil {
		return err
	}
	return l.broker.AddHandler(broadcastTopic, l.onBroadcast)
}

func (l *Lifecycle) createBridge(e *entity.Entity) {
	homieID, desc, bindings, strict := l.conv.Convert(e.Device())

	var db *DeviceBridge
	twin := NewTwin(l.log, l.broker, homieID, desc, func(node, prop, raw string) {
		if db != nil {
			db.OnSet(node, prop, raw)
		}
	})
	db = NewDeviceBridge(l.log, e, twin, bindings, strict)

	if err := twin.Announce(); err != nil {
		l.log.Error("Failed to announce Homie device", "device", e.ID(), "error", err)
		return
	}
	l.mu.Lock()
	l.bridges[e.ID()] = db
	l.mu.Unlock()
	l.log.Info("Homie device ready", "device", e.ID(), "homie", homieID)
}

func (l *Lifecycle) dropBridge(devID string) {
	l.mu.Lock()
	db, ok := l.bridges[devID]
	delete(l.bridges, devID)
	l.mu.Unlock()
	if !ok {
		return
	}
	db.Twin().Teardown()
	l.log.Info("Homie device removed", "device", devID)
}

// OnDevicesAdded creates a twin per new device.
func (l *Lifecycle) OnDevicesAdded(devices []*tuya.Device) {
	for _, d := range devices {
		if e, ok := l.reg.Get(d.ID); ok {
			l.createBridge(e)
		}
	}
}

// PublishStatus forwards a status document to the device's twin.
func (l *Lifecycle) PublishStatus(devID string, status map[string]any) {
	l.mu.Lock()
	db, ok := l.bridges[devID]
	l.mu.Unlock()
	if ok {
		db.PublishStatus(status)
	}
}

// OnDeviceRemoved tears down the twin's retained tree.
func (l *Lifecycle) OnDeviceRemoved(devID string) {
	l.dropBridge(devID)
}

// OnDeviceKeyChanged republishes the description, flipping $state through
// init per the convention.
func (l *Lifecycle) OnDeviceKeyChanged(devID string) {
	l.mu.Lock()
	db, ok := l.bridges[devID]
	l.mu.Unlock()
	if !ok {
		return
	}
	e, exists := l.reg.Get(devID)
	if !exists {
		return
	}
	_, desc, _, _ := l.conv.Convert(e.Device())
	if err := db.Twin().UpdateDescription(desc); err != nil {
		l.log.Error("Failed to republish description", "device", devID, "error", err)
		return
	}
	l.log.Debug("Republished description", "device", devID)
}

// OnDeviceRenamed rebuilds the twin: a new friendly name changes the Homie
// device id, which the convention treats as a new device.
func (l *Lifecycle) OnDeviceRenamed(devID, _ string) {
	l.dropBridge(devID)
	if e, ok := l.reg.Get(devID); ok {
		l.createBridge(e)
	}
}

// onHomieState implements external deletion: a retained empty payload on a
// twin's $state removes the underlying device and its config entry.
func (l *Lifecycle) onHomieState(topic string, payload []byte) {
	if len(payload) != 0 {
		return
	}
	parts := strings.Split(topic, "/")
	if len(parts) != 4 {
		return
	}
	homieID := parts[2]

	l.mu.Lock()
	var devID string
	for id, db := range l.bridges {
		if db.Twin().ID() == homieID {
			devID = id
			break
		}
	}
	l.mu.Unlock()
	if devID == "" {
		return
	}
	l.log.Info("Received Homie delete", "homie", homieID, "device", devID)
	if _, err := l.reg.Remove(devID); err != nil {
		l.log.Error("Failed to remove device", "device", devID, "error", err)
	}
	l.dropBridge(devID)
}

// onBroadcast propagates homie/5/$broadcast/switch_led to every twin that
// exposes the property.
func (l *Lifecycle) onBroadcast(_ string, payload []byte) {
	val := strings.ToLower(strings.TrimSpace(string(payload)))
	if val != "true" && val != "false" {
		l.log.Debug("Ignoring unexpected broadcast payload", "payload", string(payload))
		return
	}
	l.mu.Lock()
	bridges := make([]*DeviceBridge, 0, len(l.bridges))
	for _, db := range l.bridges {
		bridges = append(bridges, db)
	}
	l.mu.Unlock()
	for _, db := range bridges {
		if node, ok := db.ExposesProperty("switch_led"); ok {
			db.OnSet(node, "switch_led", val)
		}
	}
}

// Stop drops subscriptions but leaves the retained trees in place so the
// devices survive a bridge restart.
func (l *Lifecycle) Stop() {
	l.broker.RemoveHandlers(statePattern)
	l.broker.RemoveHandlers(broadcastTopic)
}
