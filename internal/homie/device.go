package homie

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/tuya2mqtt/tuya2mqtt/internal/broker"
)

// SetHandler receives a raw value published to a settable property's set
// topic.
type SetHandler func(nodeID, propID, raw string)

// Twin is the Homie 5 MQTT representation of one device. It owns the
// retained topic tree under homie/5/<id>.
type Twin struct {
	log    *slog.Logger
	broker broker.Client
	id     string
	desc   *Description
	onSet  SetHandler

	setTopics []string
}

func NewTwin(log *slog.Logger, bk broker.Client, id string, desc *Description, onSet SetHandler) *Twin {
	return &Twin{
		log:    log.With("homie", id),
		broker: bk,
		id:     id,
		desc:   desc,
		onSet:  onSet,
	}
}

func (t *Twin) ID() string { return t.id }

func (t *Twin) topic(levels ...string) string {
	out := "homie/5/" + t.id
	for _, l := range levels {
		out += "/" + l
	}
	return out
}

// Announce publishes the device lifecycle: $state=init, the description,
// set-topic subscriptions, then $state=ready.
func (t *Twin) Announce() error {
	if err := t.publishState("init"); err != nil {
		return err
	}
	if err := t.broker.Publish(t.topic("$description"), t.desc); err != nil {
		return err
	}
	if err := t.subscribeSetters(); err != nil {
		return err
	}
	return t.publishState("ready")
}

func (t *Twin) publishState(state string) error {
	return t.broker.Publish(t.topic("$state"), state)
}

func (t *Twin) subscribeSetters() error {
	if t.onSet == nil {
		return nil
	}
	for nodeID, node := range t.desc.Nodes {
		for propID, prop := range node.Properties {
			if !prop.Settable {
				continue
			}
			topic := t.topic(nodeID, propID, "set")
			nid, pid := nodeID, propID
			err := t.broker.AddHandler(topic, func(_ string, payload []byte) {
				t.onSet(nid, pid, string(payload))
			})
			if err != nil {
				return err
			}
			t.setTopics = append(t.setTopics, topic)
		}
	}
	return nil
}

// PublishProperty publishes a property value (retained, QoS 2).
func (t *Twin) PublishProperty(nodeID, propID string, value string) {
	if err := t.broker.Publish(t.topic(nodeID, propID), value); err != nil {
		t.log.Error("Failed to publish property", "node", nodeID, "prop", propID, "error", err)
	}
}

// PublishTarget publishes the $target attribute for an in-flight set.
func (t *Twin) PublishTarget(nodeID, propID string, value string) {
	if err := t.broker.Publish(t.topic(nodeID, propID, "$target"), value); err != nil {
		t.log.Error("Failed to publish target", "node", nodeID, "prop", propID, "error", err)
	}
}

// ClearTarget removes the retained $target once the device confirms the set.
func (t *Twin) ClearTarget(nodeID, propID string) {
	if err := t.broker.Publish(t.topic(nodeID, propID, "$target"), nil); err != nil {
		t.log.Error("Failed to clear target", "node", nodeID, "prop", propID, "error", err)
	}
}

// SetAlert raises a retained alert under $alert/<id>.
func (t *Twin) SetAlert(alertID, message string) {
	if err := t.broker.Publish(t.topic("$alert", alertID), message); err != nil {
		t.log.Error("Failed to publish alert", "alert", alertID, "error", err)
	}
}

// ClearAlert deletes a retained alert with a zero-byte publish.
func (t *Twin) ClearAlert(alertID string) {
	if err := t.broker.Publish(t.topic("$alert", alertID), nil); err != nil {
		t.log.Error("Failed to clear alert", "alert", alertID, "error", err)
	}
}

var logLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
}

// Log publishes a non-retained message under $log/<level>. Unknown levels
// are coerced to error.
func (t *Twin) Log(level, message string) {
	level = strings.ToLower(level)
	if !logLevels[level] {
		level = "error"
	}
	if err := t.broker.PublishWith(t.topic("$log", level), message, 2, false); err != nil {
		t.log.Error("Failed to publish log message", "level", level, "error", err)
	}
}

// UpdateDescription republishes the description while flipping $state
// through init, per the Homie convention for structural changes.
func (t *Twin) UpdateDescription(desc *Description) error {
	if err := t.publishState("init"); err != nil {
		return err
	}
	t.desc = desc
	if err := t.broker.Publish(t.topic("$description"), t.desc); err != nil {
		return err
	}
	return t.publishState("ready")
}

// Teardown clears the whole retained tree with zero-byte publishes and drops
// the set-topic subscriptions. $state goes first so observers see the device
// disappear before its attributes do.
func (t *Twin) Teardown() {
	t.broker.Publish(t.topic("$state"), nil)
	t.broker.Publish(t.topic("$description"), nil)
	for _, nodeID := range sortedNodeIDs(t.desc.Nodes) {
		node := t.desc.Nodes[nodeID]
		for _, attr := range []string{"$name", "$type", "$properties"} {
			t.broker.Publish(t.topic(nodeID, attr), nil)
		}
		for propID := range node.Properties {
			for _, attr := range []string{"$name", "$datatype", "$settable", "$unit", "$format", "$target", "$retained"} {
				t.broker.Publish(t.topic(nodeID, propID, attr), nil)
			}
			t.broker.Publish(t.topic(nodeID, propID), nil)
		}
	}
	for _, topic := range t.setTopics {
		if err := t.broker.RemoveHandlers(topic); err != nil {
			t.log.Warn("Failed to unsubscribe set topic", "topic", topic, "error", err)
		}
	}
	t.setTopics = nil
}

// HasProperty reports whether the description exposes (node, prop).
func (t *Twin) HasProperty(nodeID, propID string) bool {
	node, ok := t.desc.Nodes[nodeID]
	if !ok {
		return false
	}
	_, ok = node.Properties[propID]
	return ok
}

func sortedNodeIDs(nodes map[string]*Node) []string {
	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
