package poller_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"github.com/tuya2mqtt/tuya2mqtt/internal/entity"
	"github.com/tuya2mqtt/tuya2mqtt/internal/poller"
	"github.com/tuya2mqtt/tuya2mqtt/internal/registry"
	"github.com/tuya2mqtt/tuya2mqtt/internal/tuya"
)

type statusTransport struct {
	dps tuya.DPS
}

func (s statusTransport) Status(context.Context) (tuya.DPS, error)           { return s.dps, nil }
func (statusTransport) TurnOn(context.Context) error                         { return nil }
func (statusTransport) TurnOff(context.Context) error                        { return nil }
func (statusTransport) SetSwitch(context.Context, bool, int) error           { return nil }
func (statusTransport) SetValue(context.Context, string, any) error          { return nil }
func (statusTransport) SetMultiple(context.Context, map[string]any) error    { return nil }
func (statusTransport) SetBrightnessPercentage(context.Context, int) error   { return nil }
func (statusTransport) SetColourTempPercentage(context.Context, int) error   { return nil }
func (statusTransport) SetHSV(context.Context, float64, float64, float64) error {
	return nil
}
func (statusTransport) SetRGB(context.Context, int, int, int) error { return nil }
func (statusTransport) SetMode(context.Context, string) error       { return nil }

func TestPoller_EnqueuesPollPerDeviceOnTick(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	fc := clockwork.NewFakeClock()
	dir := t.TempDir()
	factory := func(*tuya.Device) tuya.LocalTransport {
		return statusTransport{dps: tuya.DPS{"1": true}}
	}
	reg := registry.New(log, fc, factory,
		filepath.Join(dir, "devices.json"), filepath.Join(dir, "local_scan.json"))
	t.Cleanup(reg.Stop)
	_, err := reg.Add([]tuya.Device{{ID: "dev-a"}, {ID: "dev-b"}})
	require.NoError(t, err)

	polled := make(chan string, 4)
	callback := func(devID string, res entity.Result) {
		require.NoError(t, res.Err)
		polled <- devID
	}

	p := poller.New(log, fc, reg, 5*time.Second, callback)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	fc.BlockUntilContext(ctx, 1)
	fc.Advance(5 * time.Second)

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-polled:
			seen[id] = true
		case <-time.After(5 * time.Second):
			t.Fatal("poll callback never fired")
		}
	}
	require.True(t, seen["dev-a"])
	require.True(t, seen["dev-b"])

	cancel()
	require.NoError(t, <-done)
}
