package tuya_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tuya2mqtt/tuya2mqtt/internal/tuya"
)

func TestError_Document(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *tuya.Error
		want map[string]any
	}{
		{
			name: "bare code",
			err:  tuya.NewError(tuya.ErrTimeout, ""),
			want: map[string]any{"Err": "902", "Error": "Timeout Waiting for Device"},
		},
		{
			name: "with payload",
			err:  tuya.NewError(tuya.ErrKeyOrVer, "handshake failed"),
			want: map[string]any{"Err": "914", "Error": "Check device key or version", "Payload": "handshake failed"},
		},
		{
			name: "wrapped cause becomes payload",
			err:  tuya.WrapError(tuya.ErrConnect, errors.New("dial tcp: refused")),
			want: map[string]any{"Err": "901", "Error": "Network Error: Unable to Connect", "Payload": "dial tcp: refused"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, tt.err.Document())
		})
	}
}

func TestError_CodeOf(t *testing.T) {
	t.Parallel()

	code, ok := tuya.CodeOf(tuya.NewError(tuya.ErrOffline, ""))
	require.True(t, ok)
	require.Equal(t, tuya.ErrOffline, code)

	wrapped := fmt.Errorf("poll: %w", tuya.NewError(tuya.ErrJSON, ""))
	code, ok = tuya.CodeOf(wrapped)
	require.True(t, ok)
	require.Equal(t, tuya.ErrJSON, code)

	_, ok = tuya.CodeOf(errors.New("plain"))
	require.False(t, ok)
}

func TestError_ErrorDocumentClassifiesUnknown(t *testing.T) {
	t.Parallel()

	doc := tuya.ErrorDocument(errors.New("something odd"))
	require.Equal(t, "906", doc["Err"])
	require.Equal(t, "Device in Unknown State", doc["Error"])
	require.Equal(t, "something odd", doc["Payload"])
}

func TestError_IsErrorDocument(t *testing.T) {
	t.Parallel()

	require.True(t, tuya.IsErrorDocument(map[string]any{"Err": "914"}))
	require.True(t, tuya.IsErrorDocument(map[string]any{"Error": "text"}))
	require.False(t, tuya.IsErrorDocument(map[string]any{"gwId": "abc"}))
	require.False(t, tuya.IsErrorDocument(nil))
}

func TestDevice_TypeC(t *testing.T) {
	t.Parallel()

	bright := &tuya.Device{Mapping: map[string]tuya.DPEntry{
		"2": {Code: "bright_value", Type: "Integer"},
	}}
	require.True(t, bright.TypeC())

	other := &tuya.Device{Mapping: map[string]tuya.DPEntry{
		"2": {Code: "temp_value", Type: "Integer"},
	}}
	require.False(t, other.TypeC())

	require.False(t, (&tuya.Device{}).TypeC())
}

func TestDevice_CodeToDP(t *testing.T) {
	t.Parallel()

	d := &tuya.Device{Mapping: map[string]tuya.DPEntry{
		"1":  {Code: "switch_led", Type: "Boolean"},
		"21": {Code: "work_mode", Type: "Enum"},
	}}

	num, entry, ok := d.CodeToDP("work_mode")
	require.True(t, ok)
	require.Equal(t, "21", num)
	require.Equal(t, "Enum", entry.Type)

	_, _, ok = d.CodeToDP("nope")
	require.False(t, ok)
}
