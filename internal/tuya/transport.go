package tuya

import "context"

// LocalTransport is the unicast command/status contract to one device.
// Implementations use per-call connect/disconnect (no persistent socket) and
// a bounded retry policy: at most 2 retries, a 5s connection timeout and at
// least 1s between attempts. Every method fails with a classified *Error.
type LocalTransport interface {
	// Status reads the device's current DPS map.
	Status(ctx context.Context) (DPS, error)

	TurnOn(ctx context.Context) error
	TurnOff(ctx context.Context) error

	// SetSwitch sets one switch channel on a multi-gang device.
	SetSwitch(ctx context.Context, on bool, channel int) error

	// SetValue writes a single raw DP value.
	SetValue(ctx context.Context, dp string, value any) error

	// SetMultiple issues one aggregated CONTROL write for several DPs.
	SetMultiple(ctx context.Context, data map[string]any) error

	// Device-class extensions (lights).
	SetBrightnessPercentage(ctx context.Context, percent int) error
	SetColourTempPercentage(ctx context.Context, percent int) error
	SetHSV(ctx context.Context, h, s, v float64) error
	SetRGB(ctx context.Context, r, g, b int) error
	SetMode(ctx context.Context, mode string) error
}

// TransportFactory builds a LocalTransport for a device record. The registry
// calls it once per entity; tests substitute fakes.
type TransportFactory func(d *Device) LocalTransport
