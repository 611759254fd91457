package homie

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"github.com/tuya2mqtt/tuya2mqtt/internal/broker"
	"github.com/tuya2mqtt/tuya2mqtt/internal/entity"
	"github.com/tuya2mqtt/tuya2mqtt/internal/tuya"
)

type pub struct {
	topic   string
	payload any
}

type fakeBroker struct {
	mu       sync.Mutex
	pubs     []pub
	handlers map[string][]broker.Handler
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: make(map[string][]broker.Handler)}
}

func (f *fakeBroker) Publish(topic string, payload any) error {
	return f.PublishWith(topic, payload, 2, true)
}

func (f *fakeBroker) PublishWith(topic string, payload any, _ byte, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pubs = append(f.pubs, pub{topic: topic, payload: payload})
	return nil
}

func (f *fakeBroker) AddHandler(pattern string, h broker.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[pattern] = append(f.handlers[pattern], h)
	return nil
}

func (f *fakeBroker) RemoveHandlers(pattern string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, pattern)
	return nil
}

func (f *fakeBroker) published(topic string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []any
	for _, p := range f.pubs {
		if p.topic == topic {
			out = append(out, p.payload)
		}
	}
	return out
}

func (f *fakeBroker) subscribed(pattern string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers[pattern]) > 0
}

// deliver routes a message to the handlers registered for an exact pattern or
// a matching wildcard pattern.
func (f *fakeBroker) deliver(topic string, payload []byte) {
	f.mu.Lock()
	var matched []broker.Handler
	for pattern, hs := range f.handlers {
		if broker.TopicMatches(pattern, topic) {
			matched = append(matched, hs...)
		}
	}
	f.mu.Unlock()
	for _, h := range matched {
		h(topic, payload)
	}
}

type recordingTransport struct {
	mu    sync.Mutex
	multi []map[string]any
	dps   tuya.DPS
}

func (r *recordingTransport) Status(context.Context) (tuya.DPS, error) { return r.dps, nil }
func (r *recordingTransport) TurnOn(context.Context) error             { return nil }
func (r *recordingTransport) TurnOff(context.Context) error            { return nil }
func (r *recordingTransport) SetSwitch(context.Context, bool, int) error {
	return nil
}
func (r *recordingTransport) SetValue(context.Context, string, any) error { return nil }
func (r *recordingTransport) SetMultiple(_ context.Context, data map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.multi = append(r.multi, data)
	return nil
}
func (r *recordingTransport) SetBrightnessPercentage(context.Context, int) error { return nil }
func (r *recordingTransport) SetColourTempPercentage(context.Context, int) error { return nil }
func (r *recordingTransport) SetHSV(context.Context, float64, float64, float64) error {
	return nil
}
func (r *recordingTransport) SetRGB(context.Context, int, int, int) error { return nil }
func (r *recordingTransport) SetMode(context.Context, string) error       { return nil }

func (r *recordingTransport) multiCalls() []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]map[string]any(nil), r.multi...)
}

func lightDevice(id string) *tuya.Device {
	return &tuya.Device{
		ID: id,
		Mapping: map[string]tuya.DPEntry{
			"1": {Code: "switch_led", Type: "Boolean"},
			"2": {Code: "bright_value", Type: "Integer", Values: tuya.DPValues{Min: 10, Max: 1000}},
		},
	}
}

func newAdapter(t *testing.T) (*DeviceBridge, *fakeBroker, *recordingTransport) {
	t.Helper()
	bk := newFakeBroker()
	transport := &recordingTransport{dps: tuya.DPS{}}
	ent := entity.New(testLogger(), clockwork.NewFakeClock(), lightDevice("dev-a"), transport)
	t.Cleanup(ent.Stop)

	conv := fixedConverter(NewTemplateManager(testLogger(), ""))
	homieID, desc, bindings, strict := conv.Convert(ent.Device())
	var db *DeviceBridge
	twin := NewTwin(testLogger(), bk, homieID, desc, func(node, prop, raw string) {
		db.OnSet(node, prop, raw)
	})
	db = NewDeviceBridge(testLogger(), ent, twin, bindings, strict)
	require.NoError(t, twin.Announce())
	return db, bk, transport
}

func TestAdapter_AnnouncePublishesLifecycle(t *testing.T) {
	t.Parallel()

	_, bk, _ := newAdapter(t)

	states := bk.published("homie/5/dev-a/$state")
	require.Equal(t, []any{"init", "ready"}, states)
	require.Len(t, bk.published("homie/5/dev-a/$description"), 1)
	require.True(t, bk.subscribed("homie/5/dev-a/light/switch_led/set"))
	require.True(t, bk.subscribed("homie/5/dev-a/light/brightness/set"))
}

func TestAdapter_PublishStatusOnlyOnChange(t *testing.T) {
	t.Parallel()

	db, bk, _ := newAdapter(t)

	db.PublishStatus(map[string]any{"switch_led": true, "request_status_time": 0.1})
	db.PublishStatus(map[string]any{"switch_led": true})
	db.PublishStatus(map[string]any{"switch_led": false})

	values := bk.published("homie/5/dev-a/light/switch_led")
	require.Equal(t, []any{"true", "false"}, values)
	// The poll timing field never becomes a property.
	require.Empty(t, bk.published("homie/5/dev-a/general/request-status-time"))
}

func TestAdapter_PublishStatusStringifiesIntegralFloats(t *testing.T) {
	t.Parallel()

	db, bk, _ := newAdapter(t)

	db.PublishStatus(map[string]any{"bright_value": float64(50)})
	values := bk.published("homie/5/dev-a/light/brightness")
	require.Equal(t, []any{"50"}, values)
}

func TestAdapter_UnknownCodeSynthesizedInNonStrictMode(t *testing.T) {
	t.Parallel()

	db, bk, _ := newAdapter(t)

	db.PublishStatus(map[string]any{"mystery_dp": 7})
	values := bk.published("homie/5/dev-a/general/mystery-dp")
	require.Equal(t, []any{"7"}, values)
}

func TestAdapter_OnSetIssuesCommandAndTargetHandshake(t *testing.T) {
	t.Parallel()

	db, bk, transport := newAdapter(t)

	bk.deliver("homie/5/dev-a/light/switch_led/set", []byte("true"))

	// Optimistic property publish plus the in-flight $target.
	require.Equal(t, []any{"true"}, bk.published("homie/5/dev-a/light/switch_led"))
	require.Equal(t, []any{"true"}, bk.published("homie/5/dev-a/light/switch_led/$target"))

	require.Eventually(t, func() bool {
		calls := transport.multiCalls()
		return len(calls) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, map[string]any{"1": true}, transport.multiCalls()[0])

	// The device confirming the value clears the retained $target.
	db.PublishStatus(map[string]any{"switch_led": true})
	targets := bk.published("homie/5/dev-a/light/switch_led/$target")
	require.Equal(t, []any{"true", nil}, targets)
}

func TestAdapter_OnSetScalesIntegerThroughMapping(t *testing.T) {
	t.Parallel()

	_, bk, transport := newAdapter(t)

	bk.deliver("homie/5/dev-a/light/brightness/set", []byte("50"))

	require.Eventually(t, func() bool {
		return len(transport.multiCalls()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, map[string]any{"2": 505}, transport.multiCalls()[0])
}

func TestAdapter_OnSetUnknownPropertyIgnored(t *testing.T) {
	t.Parallel()

	db, _, transport := newAdapter(t)

	db.OnSet("light", "nonexistent", "true")
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, transport.multiCalls())
}

func TestAdapter_ErrorDocumentRaisesAlertOnceAndRecovers(t *testing.T) {
	t.Parallel()

	db, bk, _ := newAdapter(t)

	errDoc := map[string]any{"err": "902", "error": "Timeout Waiting for Device"}
	db.PublishStatus(errDoc)
	db.PublishStatus(errDoc)

	alerts := bk.published("homie/5/dev-a/$alert/poll")
	require.Equal(t, []any{"Timeout Waiting for Device (902)"}, alerts)
	logs := bk.published("homie/5/dev-a/$log/error")
	require.Len(t, logs, 2)
	// Error fields never leak into properties.
	require.Empty(t, bk.published("homie/5/dev-a/general/err"))

	// A successful status clears the retained alert.
	db.PublishStatus(map[string]any{"switch_led": true})
	alerts = bk.published("homie/5/dev-a/$alert/poll")
	require.Equal(t, []any{"Timeout Waiting for Device (902)", nil}, alerts)
}

func TestAdapter_ExposesProperty(t *testing.T) {
	t.Parallel()

	db, _, _ := newAdapter(t)

	node, ok := db.ExposesProperty("switch_led")
	require.True(t, ok)
	require.Equal(t, "light", node)

	_, ok = db.ExposesProperty("nonexistent")
	require.False(t, ok)
}

func TestAdapter_ParseRaw(t *testing.T) {
	t.Parallel()

	require.Equal(t, true, parseRaw("true"))
	require.Equal(t, false, parseRaw("FALSE"))
	require.Equal(t, 42, parseRaw("42"))
	require.Equal(t, 2.5, parseRaw("2.5"))
	require.Equal(t, "white", parseRaw("white"))
}

func TestAdapter_TeardownClearsRetainedTree(t *testing.T) {
	t.Parallel()

	db, bk, _ := newAdapter(t)
	db.Twin().Teardown()

	states := bk.published("homie/5/dev-a/$state")
	require.Equal(t, []any{"init", "ready", nil}, states)
	descs := bk.published("homie/5/dev-a/$description")
	require.Len(t, descs, 2)
	require.Nil(t, descs[1])
	require.Equal(t, []any{nil}, bk.published("homie/5/dev-a/light/switch_led"))
	require.False(t, bk.subscribed("homie/5/dev-a/light/switch_led/set"))
}
