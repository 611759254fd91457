// Package bridge is the core dispatcher: it owns the connectivity state
// machine, admits MQTT commands through a state gate, and runs the status
// pipeline between device polls and the MQTT surface.
package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"
	"github.com/tuya2mqtt/tuya2mqtt/internal/broker"
	"github.com/tuya2mqtt/tuya2mqtt/internal/metrics"
	"github.com/tuya2mqtt/tuya2mqtt/internal/registry"
	"github.com/tuya2mqtt/tuya2mqtt/internal/scanner"
	"github.com/tuya2mqtt/tuya2mqtt/internal/tuya"
)

const (
	handlerPoolSize   = 4
	netProbeInterval  = 30 * time.Second
	slowPollThreshold = 5 * time.Second
)

// Lifecycle receives device change notifications. The Homie extension
// implements it; a nil lifecycle disables the notifications.
type Lifecycle interface {
	OnDevicesAdded(devices []*tuya.Device)
	OnDeviceRemoved(devID string)
	OnDeviceKeyChanged(devID string)
	OnDeviceRenamed(devID, friendlyName string)
	PublishStatus(devID string, status map[string]any)
}

// Bridge wires the registry, scanner, cloud client and MQTT surface together.
type Bridge struct {
	log       *slog.Logger
	clock     clockwork.Clock
	broker    broker.Client
	reg       *registry.Registry
	cloud     tuya.CloudClient
	scanner   *scanner.Scanner
	collector *metrics.Collector
	lifecycle Lifecycle

	pool pond.Pool
	ctx  context.Context

	stateMu sync.Mutex
	state   State

	statusMu sync.Mutex
	statuses map[string]map[string]any
}

func New(log *slog.Logger, clock clockwork.Clock, bk broker.Client, reg *registry.Registry, cloud tuya.CloudClient, sc *scanner.Scanner, collector *metrics.Collector) *Bridge {
	return &Bridge{
		log:       log,
		clock:     clock,
		broker:    bk,
		reg:       reg,
		cloud:     cloud,
		scanner:   sc,
		collector: collector,
		pool:      pond.NewPool(handlerPoolSize),
		state:     StateOffline,
		statuses:  make(map[string]map[string]any),
	}
}

// SetLifecycle attaches the Homie extension. Must be called before Run.
func (b *Bridge) SetLifecycle(l Lifecycle) { b.lifecycle = l }

// Run registers the MQTT handlers, publishes the initial state and keeps the
// connectivity state fresh until the context is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	b.ctx = ctx
	if err := b.registerHandlers(); err != nil {
		return err
	}
	b.refreshState()
	b.publishState()

	ticker := b.clock.NewTicker(netProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.pool.Stop()
			b.log.Info("Bridge dispatcher stopped")
			return nil
		case <-ticker.Chan():
			b.refreshState()
		}
	}
}

// State returns the current connectivity level.
func (b *Bridge) State() State {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.state
}

// refreshState probes the network and applies the result. ONLINE additionally
// requires a configured cloud client.
func (b *Bridge) refreshState() {
	s := probeState()
	if s == StateOnline && b.cloud == nil {
		s = StateLANOnly
	}
	b.setState(s)
}

// setState publishes inside the lock so state changes appear on the wire in
// the order they happened.
func (b *Bridge) setState(s State) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	if s == b.state {
		return
	}
	b.state = s
	b.log.Info("Bridge state changed", "state", s.String())
	if err := b.broker.Publish(BridgeStatusTopic, s.String()); err != nil {
		b.log.Error("Failed to publish bridge state", "error", err)
	}
}

func (b *Bridge) publishState() {
	if err := b.broker.Publish(BridgeStatusTopic, b.State().String()); err != nil {
		b.log.Error("Failed to publish bridge state", "error", err)
	}
}

// gate wraps a handler with the admission policy: outside the allowed states
// the command is logged as skipped and the current state republished.
func (b *Bridge) gate(name string, h broker.Handler, allowed ...State) broker.Handler {
	states := make(map[State]bool, len(allowed))
	for _, s := range allowed {
		states[s] = true
	}
	return func(topic string, payload []byte) {
		if len(states) > 0 && !states[b.State()] {
			b.log.Warn("Command skipped in current state", "command", name, "state", b.State().String())
			b.publishState()
			return
		}
		h(topic, payload)
	}
}

func (b *Bridge) registerHandlers() error {
	type sub struct {
		pattern string
		handler broker.Handler
	}
	subs := []sub{
		{requestTopic("scan"), b.gate("scan", b.onScan(scanner.ModeScan), StateLANOnly, StateOnline)},
		{requestTopic("scan_gen"), b.gate("scan_gen", b.onScan(scanner.ModeScanGen), StateLANOnly, StateOnline)},
		{requestTopic("scan_gen_all"), b.gate("scan_gen_all", b.onScan(scanner.ModeScanGenAll), StateLANOnly, StateOnline)},
		{requestTopic("stop_scan"), b.onStopScan},
		{requestTopic("scan_time"), b.onScanTime},
		{requestTopic("add"), b.gate("add", b.onAdd, StateOnline)},
		{requestTopic("remove"), b.onRemove},
		{requestTopic("update_key"), b.gate("update_key", b.onUpdateKey, StateOnline)},
		{requestTopic("friendly_name"), b.onFriendlyName},
		{deviceSetPattern, b.gate("device_command", b.onDeviceCommand, StateLANOnly, StateOnline)},
	}
	for _, s := range subs {
		if err := b.broker.AddHandler(s.pattern, s.handler); err != nil {
			return err
		}
	}
	return nil
}
