package homie

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/tuya2mqtt/tuya2mqtt/internal/entity"
)

// DeviceBridge translates at runtime between a device's DP statuses and its
// Homie twin: statuses flow up as property publishes, set requests flow down
// as DP commands.
type DeviceBridge struct {
	log  *slog.Logger
	ent  *entity.Entity
	twin *Twin

	// Template bindings are authoritative; inferred entries fill the rest.
	strict   bool
	propToDP map[NodeProp]string
	dpToProp map[string]NodeProp

	mu      sync.Mutex
	cache   map[NodeProp]string // last published stringified value
	pending map[NodeProp]string // previous value kept while a set is in flight
	alerted bool                // a poll alert is currently retained
}

func NewDeviceBridge(log *slog.Logger, ent *entity.Entity, twin *Twin, bindings map[NodeProp]string, strict bool) *DeviceBridge {
	b := &DeviceBridge{
		log:      log.With("device", ent.ID()),
		ent:      ent,
		twin:     twin,
		strict:   strict,
		propToDP: make(map[NodeProp]string),
		dpToProp: make(map[string]NodeProp),
		cache:    make(map[NodeProp]string),
		pending:  make(map[NodeProp]string),
	}
	for np, code := range bindings {
		b.bind(np, code)
	}
	if !strict {
		for _, entry := range ent.Device().Mapping {
			code := entry.Code
			if code == "" {
				continue
			}
			np := inferNodeProp(code)
			if _, taken := b.propToDP[np]; !taken {
				b.bind(np, code)
			}
		}
	}
	return b
}

func (b *DeviceBridge) bind(np NodeProp, code string) {
	b.propToDP[np] = code
	if _, ok := b.dpToProp[code]; !ok {
		b.dpToProp[code] = np
	}
}

func (b *DeviceBridge) Twin() *Twin { return b.twin }

// inferNodeProp applies the generic converter rules, defaulting to a
// "general" node for codes no rule claims.
func inferNodeProp(code string) NodeProp {
	nodeID := NodeIDFor(code)
	if nodeID == "" {
		nodeID = "general"
	}
	return NodeProp{Node: nodeID, Prop: PropertyIDFor(code)}
}

// PublishStatus forwards a humanized status document to the twin. Values are
// stringified and only published on change; a confirmed value clears any
// outstanding $target for its property.
func (b *DeviceBridge) PublishStatus(status map[string]any) {
	if msg, isErr := errorMessage(status); isErr {
		b.mu.Lock()
		raise := !b.alerted
		b.alerted = true
		b.mu.Unlock()
		if raise {
			b.twin.SetAlert("poll", msg)
		}
		b.twin.Log("error", msg)
		return
	}
	b.mu.Lock()
	recovered := b.alerted
	b.alerted = false
	b.mu.Unlock()
	if recovered {
		b.twin.ClearAlert("poll")
	}

	for code, value := range status {
		if code == "request_status_time" {
			continue
		}
		np, ok := b.lookup(code)
		if !ok {
			continue
		}
		text := stringify(value)

		b.mu.Lock()
		if b.cache[np] == text {
			_, wasPending := b.pending[np]
			delete(b.pending, np)
			b.mu.Unlock()
			if wasPending {
				b.twin.ClearTarget(np.Node, np.Prop)
			}
			continue
		}
		b.cache[np] = text
		_, wasPending := b.pending[np]
		delete(b.pending, np)
		b.mu.Unlock()

		b.twin.PublishProperty(np.Node, np.Prop, text)
		if wasPending {
			b.twin.ClearTarget(np.Node, np.Prop)
		}
	}
}

// lookup resolves a DP code to its (node, prop); in non-strict mode unknown
// codes are synthesized on the fly and remembered.
func (b *DeviceBridge) lookup(code string) (NodeProp, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if np, ok := b.dpToProp[code]; ok {
		return np, true
	}
	if b.strict {
		return NodeProp{}, false
	}
	np := inferNodeProp(code)
	b.dpToProp[code] = np
	b.propToDP[np] = code
	return np, true
}

// OnSet handles a value published to a settable property's set topic:
// optimistic publish, pending rollback bookkeeping, the DP command, and the
// $target handshake.
func (b *DeviceBridge) OnSet(nodeID, propID, raw string) {
	np := NodeProp{Node: nodeID, Prop: propID}
	b.mu.Lock()
	code, ok := b.propToDP[np]
	if !ok {
		// A set may arrive addressed by property alone.
		for cand, c := range b.propToDP {
			if cand.Prop == propID {
				code, np, ok = c, cand, true
				break
			}
		}
	}
	if !ok {
		b.mu.Unlock()
		b.log.Warn("Set for unknown property", "node", nodeID, "prop", propID)
		return
	}
	b.pending[np] = b.cache[np]
	b.cache[np] = raw
	b.mu.Unlock()

	b.twin.PublishProperty(np.Node, np.Prop, raw)
	b.ent.SetStatus(map[string]any{code: parseRaw(raw)})
	b.twin.PublishTarget(np.Node, np.Prop, raw)
	b.log.Debug("Property set", "node", np.Node, "prop", np.Prop, "dp", code, "value", raw)
}

// ExposesProperty reports whether any node carries the property and returns
// its node id.
func (b *DeviceBridge) ExposesProperty(propID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for np := range b.propToDP {
		if np.Prop == propID {
			return np.Node, true
		}
	}
	return "", false
}

// errorMessage detects a classified error document (lowercased keys, as the
// status pipeline publishes them) and renders its alert text.
func errorMessage(status map[string]any) (string, bool) {
	code, ok := status["err"].(string)
	if !ok {
		return "", false
	}
	text, _ := status["error"].(string)
	if text == "" {
		return code, true
	}
	return fmt.Sprintf("%s (%s)", text, code), true
}

// parseRaw converts a set payload into its natural type: bool, int, float,
// or the original string.
func parseRaw(raw string) any {
	switch strings.ToLower(raw) {
	case "true":
		return true
	case "false":
		return false
	}
	if strings.Contains(raw, ".") {
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return f
		}
	} else if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	return raw
}

func stringify(v any) string {
	switch t := v.(type) {
	case bool:
		if t {
			return "true"
		}
		return "false"
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}
