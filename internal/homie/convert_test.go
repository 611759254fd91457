package homie

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tuya2mqtt/tuya2mqtt/internal/tuya"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedConverter(tm *TemplateManager) *Converter {
	c := NewConverter(tm)
	c.now = func() time.Time { return time.Unix(1700000000, 0) }
	return c
}

func TestConvert_SanitizeID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "Kitchen Lamp", want: "kitchen-lamp"},
		{in: "bf1234567890abcdef12", want: "bf1234567890abcdef12"},
		{in: "--weird__name--", want: "weird-name"},
		{in: "ÜMLAUT", want: "mlaut"},
		{in: "___", want: "id"},
		{in: "", want: "id"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, SanitizeID(tt.in), "input %q", tt.in)
	}
}

func TestConvert_AliasAndNodeRules(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code      string
		wantAlias string
		wantNode  string
	}{
		{code: "switch_led", wantAlias: "switch_led", wantNode: "light"},
		{code: "switch", wantAlias: "switch", wantNode: "relay"},
		{code: "bright_value_v2", wantAlias: "brightness", wantNode: "light"},
		{code: "colour_data", wantAlias: "color", wantNode: "light"},
		{code: "temp_value", wantAlias: "temperature", wantNode: "light"},
		{code: "cur_current", wantAlias: "current", wantNode: "meter"},
		{code: "cur_power", wantAlias: "power", wantNode: "meter"},
		{code: "work_mode", wantAlias: "mode", wantNode: "light"},
		{code: "unrecognized_thing", wantAlias: "", wantNode: ""},
	}
	for _, tt := range tests {
		require.Equal(t, tt.wantAlias, AliasFor(tt.code), "alias for %s", tt.code)
		require.Equal(t, tt.wantNode, NodeIDFor(tt.code), "node for %s", tt.code)
	}
}

func TestConvert_GenericDescription(t *testing.T) {
	t.Parallel()

	dev := &tuya.Device{
		ID:           "bf1234567890abcdef12",
		Name:         "RGB Bulb",
		FriendlyName: "Kitchen Lamp",
		Category:     "dj",
		Mapping: map[string]tuya.DPEntry{
			"1":  {Code: "switch_led", Type: "Boolean"},
			"2":  {Code: "bright_value", Type: "Integer", Values: tuya.DPValues{Min: 10, Max: 1000}},
			"5":  {Code: "colour_data", Type: "Json"},
			"9":  {Code: "countdown_1", Type: "Integer"},
			"21": {Code: "work_mode", Type: "Enum", Values: tuya.DPValues{Range: []string{"white", "colour"}}},
			"18": {Code: "cur_current", Type: "Integer", Values: tuya.DPValues{Min: 0, Max: 30000, Unit: "mA"}},
		},
	}

	conv := fixedConverter(NewTemplateManager(testLogger(), ""))
	id, desc, bindings, strict := conv.Convert(dev)

	require.Equal(t, "kitchen-lamp", id)
	require.Nil(t, bindings)
	require.False(t, strict)
	require.Equal(t, "5.0", desc.Homie)
	require.Equal(t, int64(1700000000), desc.Version)
	require.Equal(t, "RGB Bulb", desc.Name)

	light, ok := desc.Nodes["light"]
	require.True(t, ok)
	require.Equal(t, "Light", light.Name)

	sw := light.Properties["switch_led"]
	require.NotNil(t, sw)
	require.Equal(t, "boolean", sw.Datatype)
	require.True(t, sw.Settable)
	require.True(t, sw.Retained)

	bright := light.Properties["brightness"]
	require.NotNil(t, bright)
	require.Equal(t, "integer", bright.Datatype)
	require.Equal(t, "10:1000", bright.Format)

	color := light.Properties["color"]
	require.NotNil(t, color)
	require.Equal(t, "color", color.Datatype)
	require.Equal(t, "hsv", color.Format)

	mode := light.Properties["mode"]
	require.NotNil(t, mode)
	require.Equal(t, "enum", mode.Datatype)
	require.Equal(t, "white,colour", mode.Format)

	meter, ok := desc.Nodes["meter"]
	require.True(t, ok)
	current := meter.Properties["current"]
	require.NotNil(t, current)
	require.False(t, current.Settable, "cur_ properties are read-only")
	require.Equal(t, "mA", current.Unit)

	// countdown_1 is excluded outright.
	_, hasTimer := desc.Nodes["timer"]
	require.False(t, hasTimer)

	ext, ok := desc.Extensions["tuya"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "bf1234567890abcdef12", ext["id"])
	require.Equal(t, "dj", ext["category"])
}

func TestConvert_GenericCollisionGetsSuffix(t *testing.T) {
	t.Parallel()

	dev := &tuya.Device{
		ID: "dev-a",
		Mapping: map[string]tuya.DPEntry{
			"2": {Code: "bright_value", Type: "Integer"},
			"3": {Code: "bright_value_v2", Type: "Integer"},
		},
	}
	conv := fixedConverter(NewTemplateManager(testLogger(), ""))
	_, desc, _, _ := conv.Convert(dev)

	light := desc.Nodes["light"]
	require.NotNil(t, light)
	require.Contains(t, light.Properties, "brightness")
	require.Contains(t, light.Properties, "brightness-2")
}

func TestConvert_TemplateBindsDPNumbersToCodes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tpl := `{
  "match": {"product_id": "p123"},
  "homie": {
    "name": "Templated Bulb",
    "nodes": {
      "light": {
        "properties": {
          "power": {"datatype": "boolean", "settable": true, "retained": true, "dp": "1"},
          "level": {"datatype": "integer", "settable": true, "retained": true, "dp": "2"}
        }
      }
    }
  }
}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bulb.json"), []byte(tpl), 0o644))

	dev := &tuya.Device{
		ID:        "bf1234567890abcdef12",
		ProductID: "p123",
		Mapping: map[string]tuya.DPEntry{
			"1": {Code: "switch_led", Type: "Boolean"},
			"2": {Code: "bright_value", Type: "Integer"},
		},
	}

	conv := fixedConverter(NewTemplateManager(testLogger(), dir))
	id, desc, bindings, strict := conv.Convert(dev)

	require.Equal(t, "bf1234567890abcdef12", id)
	require.True(t, strict)
	require.Equal(t, "Templated Bulb", desc.Name)
	require.Equal(t, "5.0", desc.Homie)
	require.Equal(t, int64(1700000000), desc.Version)

	require.Equal(t, map[NodeProp]string{
		{Node: "light", Prop: "power"}: "switch_led",
		{Node: "light", Prop: "level"}: "bright_value",
	}, bindings)

	// The dp binding field never reaches the published description.
	require.Empty(t, desc.Nodes["light"].Properties["power"].DP)
	require.Empty(t, desc.Nodes["light"].Properties["level"].DP)
}

func TestConvert_TemplateMismatchFallsBackToGeneric(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tpl := `{"match": {"product_id": "other"}, "homie": {"name": "X", "nodes": {}}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x.json"), []byte(tpl), 0o644))

	dev := &tuya.Device{
		ID:        "dev-a",
		ProductID: "p123",
		Mapping:   map[string]tuya.DPEntry{"1": {Code: "switch_led", Type: "Boolean"}},
	}
	conv := fixedConverter(NewTemplateManager(testLogger(), dir))
	_, desc, _, strict := conv.Convert(dev)

	require.False(t, strict)
	require.Contains(t, desc.Nodes, "light")
}

func TestConvert_IntegerFormat(t *testing.T) {
	t.Parallel()

	require.Empty(t, integerFormat(tuya.DPValues{}))
	require.Equal(t, "10:1000", integerFormat(tuya.DPValues{Min: 10, Max: 1000}))
	require.Equal(t, "0:255:5", integerFormat(tuya.DPValues{Max: 255, Step: 5}))
}
