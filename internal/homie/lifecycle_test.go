package homie

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"github.com/tuya2mqtt/tuya2mqtt/internal/registry"
	"github.com/tuya2mqtt/tuya2mqtt/internal/tuya"
)

func newLifecycle(t *testing.T) (*Lifecycle, *fakeBroker, *registry.Registry, *recordingTransport) {
	t.Helper()
	bk := newFakeBroker()
	transport := &recordingTransport{dps: tuya.DPS{}}
	dir := t.TempDir()
	reg := registry.New(testLogger(), clockwork.NewFakeClock(),
		func(*tuya.Device) tuya.LocalTransport { return transport },
		filepath.Join(dir, "devices.json"), filepath.Join(dir, "local_scan.json"))
	t.Cleanup(reg.Stop)

	conv := fixedConverter(NewTemplateManager(testLogger(), ""))
	l := NewLifecycle(testLogger(), bk, reg, conv)
	return l, bk, reg, transport
}

func TestLifecycle_StartAnnouncesKnownDevices(t *testing.T) {
	t.Parallel()

	l, bk, reg, _ := newLifecycle(t)
	_, err := reg.Add([]tuya.Device{*lightDevice("dev-a")})
	require.NoError(t, err)

	require.NoError(t, l.Start())

	require.Equal(t, []any{"init", "ready"}, bk.published("homie/5/dev-a/$state"))
	require.Len(t, bk.published("homie/5/dev-a/$description"), 1)
	require.True(t, bk.subscribed("homie/5/+/$state"))
	require.True(t, bk.subscribed("homie/5/$broadcast/switch_led"))
}

func TestLifecycle_DevicesAddedGetTwins(t *testing.T) {
	t.Parallel()

	l, bk, reg, _ := newLifecycle(t)
	require.NoError(t, l.Start())

	added, err := reg.Add([]tuya.Device{*lightDevice("dev-a")})
	require.NoError(t, err)
	require.Len(t, added, 1)
	l.OnDevicesAdded([]*tuya.Device{added[0].Device()})

	require.Equal(t, []any{"init", "ready"}, bk.published("homie/5/dev-a/$state"))
}

func TestLifecycle_EmptyStateRemovesDevice(t *testing.T) {
	t.Parallel()

	l, bk, reg, _ := newLifecycle(t)
	_, err := reg.Add([]tuya.Device{*lightDevice("dev-a")})
	require.NoError(t, err)
	require.NoError(t, l.Start())

	// A retained zero-byte $state from outside deletes the device.
	bk.deliver("homie/5/dev-a/$state", nil)

	require.False(t, reg.Known("dev-a"))
	states := bk.published("homie/5/dev-a/$state")
	require.Equal(t, []any{"init", "ready", nil}, states)
	require.False(t, bk.subscribed("homie/5/dev-a/light/switch_led/set"))
}

func TestLifecycle_NonEmptyStateIgnored(t *testing.T) {
	t.Parallel()

	l, bk, reg, _ := newLifecycle(t)
	_, err := reg.Add([]tuya.Device{*lightDevice("dev-a")})
	require.NoError(t, err)
	require.NoError(t, l.Start())

	// Our own announce payloads must not trigger deletion.
	bk.deliver("homie/5/dev-a/$state", []byte("ready"))
	require.True(t, reg.Known("dev-a"))
}

func TestLifecycle_BroadcastSetsEveryTwin(t *testing.T) {
	t.Parallel()

	l, bk, reg, transport := newLifecycle(t)
	_, err := reg.Add([]tuya.Device{*lightDevice("dev-a")})
	require.NoError(t, err)
	require.NoError(t, l.Start())

	bk.deliver("homie/5/$broadcast/switch_led", []byte("true"))

	require.Eventually(t, func() bool {
		return len(transport.multiCalls()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, map[string]any{"1": true}, transport.multiCalls()[0])
}

func TestLifecycle_BroadcastRejectsNonBoolean(t *testing.T) {
	t.Parallel()

	l, bk, reg, transport := newLifecycle(t)
	_, err := reg.Add([]tuya.Device{*lightDevice("dev-a")})
	require.NoError(t, err)
	require.NoError(t, l.Start())

	bk.deliver("homie/5/$broadcast/switch_led", []byte("blink"))
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, transport.multiCalls())
}

func TestLifecycle_RenameRebuildsTwinUnderNewID(t *testing.T) {
	t.Parallel()

	l, bk, reg, _ := newLifecycle(t)
	_, err := reg.Add([]tuya.Device{*lightDevice("dev-a")})
	require.NoError(t, err)
	require.NoError(t, l.Start())

	require.NoError(t, reg.SetFriendlyName("dev-a", "Kitchen Lamp"))
	l.OnDeviceRenamed("dev-a", "Kitchen Lamp")

	// Old tree torn down, new tree announced under the sanitized name.
	require.Equal(t, []any{"init", "ready", nil}, bk.published("homie/5/dev-a/$state"))
	require.Equal(t, []any{"init", "ready"}, bk.published("homie/5/kitchen-lamp/$state"))
}

func TestLifecycle_KeyChangeRepublishesDescription(t *testing.T) {
	t.Parallel()

	l, bk, reg, _ := newLifecycle(t)
	_, err := reg.Add([]tuya.Device{*lightDevice("dev-a")})
	require.NoError(t, err)
	require.NoError(t, l.Start())

	require.NoError(t, reg.UpdateKey("dev-a", "fresh"))
	l.OnDeviceKeyChanged("dev-a")

	// init -> description -> ready, twice: announce plus the update.
	require.Equal(t, []any{"init", "ready", "init", "ready"}, bk.published("homie/5/dev-a/$state"))
	require.Len(t, bk.published("homie/5/dev-a/$description"), 2)
}

func TestLifecycle_PublishStatusRoutesToTwin(t *testing.T) {
	t.Parallel()

	l, bk, reg, _ := newLifecycle(t)
	_, err := reg.Add([]tuya.Device{*lightDevice("dev-a")})
	require.NoError(t, err)
	require.NoError(t, l.Start())

	l.PublishStatus("dev-a", map[string]any{"switch_led": true})
	require.Equal(t, []any{"true"}, bk.published("homie/5/dev-a/light/switch_led"))

	// Unknown devices are silently skipped.
	l.PublishStatus("ghost", map[string]any{"switch_led": true})
}

func TestLifecycle_StopDropsSubscriptions(t *testing.T) {
	t.Parallel()

	l, bk, _, _ := newLifecycle(t)
	require.NoError(t, l.Start())
	l.Stop()

	require.False(t, bk.subscribed("homie/5/+/$state"))
	require.False(t, bk.subscribed("homie/5/$broadcast/switch_led"))
}
