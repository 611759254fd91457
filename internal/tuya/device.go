package tuya

import (
	"encoding/json"
	"strings"
)

// Command byte for an aggregated DP write, per the Tuya local protocol.
const Control = 7

// DefaultVersion is assumed when a device record carries no protocol version.
const DefaultVersion = "3.4"

// DPS is the map of current data-point values returned by a device status
// read, keyed by the DP number as a string.
type DPS map[string]any

// DPValues describes the value constraints a DP mapping declares.
// Integer DPs carry min/max (and optionally step/scale/unit), Enum DPs carry
// a range of allowed strings.
type DPValues struct {
	Min   int      `json:"min,omitempty"`
	Max   int      `json:"max,omitempty"`
	Step  int      `json:"step,omitempty"`
	Scale int      `json:"scale,omitempty"`
	Unit  string   `json:"unit,omitempty"`
	Range []string `json:"range,omitempty"`
}

// DPEntry is one entry of a device's DP mapping: the human code, the declared
// type and its value constraints.
type DPEntry struct {
	Code   string   `json:"code"`
	Type   string   `json:"type"`
	Values DPValues `json:"values"`
}

// Device is the persisted device record, as stored in devices.json.
type Device struct {
	ID           string             `json:"id"`
	Name         string             `json:"name,omitempty"`
	IP           string             `json:"ip,omitempty"`
	Key          string             `json:"key,omitempty"`
	MAC          string             `json:"mac,omitempty"`
	UUID         string             `json:"uuid,omitempty"`
	SN           string             `json:"sn,omitempty"`
	Category     string             `json:"category,omitempty"`
	ProductID    string             `json:"product_id,omitempty"`
	ProductName  string             `json:"product_name,omitempty"`
	Model        string             `json:"model,omitempty"`
	Icon         string             `json:"icon,omitempty"`
	Version      string             `json:"version,omitempty"`
	FriendlyName string             `json:"friendly_name,omitempty"`
	Mapping      map[string]DPEntry `json:"mapping,omitempty"`
}

// TypeC reports whether the device controls brightness through raw DP "2"
// (range 10-1000) instead of a transport-level percentage call.
func (d *Device) TypeC() bool {
	dp, ok := d.Mapping["2"]
	return ok && strings.Contains(dp.Code, "bright")
}

// CodeToDP returns the DP number whose mapping declares the given human code.
func (d *Device) CodeToDP(code string) (string, DPEntry, bool) {
	for num, entry := range d.Mapping {
		if entry.Code == code {
			return num, entry, true
		}
	}
	return "", DPEntry{}, false
}

// Record returns the device as a generic JSON object, the form used for
// template matching and the Homie converter.
func (d *Device) Record() map[string]any {
	raw, err := json.Marshal(d)
	if err != nil {
		return map[string]any{"id": d.ID}
	}
	var rec map[string]any
	if err := json.Unmarshal(raw, &rec); err != nil {
		return map[string]any{"id": d.ID}
	}
	return rec
}

// WorkModes is the closed set of accepted work_mode values.
var WorkModes = map[string]bool{
	"white":  true,
	"colour": true,
	"scene":  true,
	"music":  true,
}

// CategoryLabels maps Tuya category codes to human-readable labels,
// per https://developer.tuya.com/en/docs/iot/lighting.
var CategoryLabels = map[string]string{
	"dj":    "Light",
	"dd":    "Strip Lights",
	"dc":    "String Lights",
	"fwd":   "Ambiance Light",
	"xdd":   "Ceiling Light",
	"gyd":   "Motion Sensor Light",
	"fsd":   "Ceiling Fat Light",
	"tyndg": "Solar Light",
	"tgq":   "Dimmer",
	"sxd":   "Spotlight",
	"ykq":   "Remote Control",
	"kg":    "Switch",
	"cz":    "Socket",
	"pc":    "Power Strip",
}

// DPTypeInfo is the human-readable descriptor of a known DP code, used in
// device briefs.
type DPTypeInfo struct {
	Type  string `json:"type,omitempty"`
	Range []any  `json:"range,omitempty"`
}

var boolDP = DPTypeInfo{Type: "bool", Range: []any{"true", "false"}}
var percentDP = DPTypeInfo{Type: "int", Range: []any{0, 100}}

// DPTypes maps known DP codes to their brief descriptors.
var DPTypes = map[string]DPTypeInfo{
	"switch":           boolDP,
	"switch_led":       boolDP,
	"switch_led_1":     boolDP,
	"switch_1":         boolDP,
	"switch_2":         boolDP,
	"switch_3":         boolDP,
	"switch_4":         boolDP,
	"switch_5":         boolDP,
	"switch_6":         boolDP,
	"switch_7":         boolDP,
	"switch_8":         boolDP,
	"switch_9":         boolDP,
	"switch_10":        boolDP,
	"work_mode":        {Type: "string", Range: []any{"white", "colour", "scene", "music"}},
	"bright_value":     percentDP,
	"bright_value_v2":  percentDP,
	"bright_value_1":   percentDP,
	"brightness_min_1": percentDP,
	"temp_value":       percentDP,
	"temp_value_v2":    percentDP,
	"colour_data":      {Type: "list", Range: []any{0, 100}},
	"colour_data_v2":   {Type: "int", Range: []any{0, 100}},
	"relay_status":     {Type: "string", Range: []any{"on", "off"}},
	"switch_inching":   {Type: "string", Range: []any{}},
	"scene_data":       {},
	"countdown_1":      {},
	"countdown":        {},
	"music_data":       {},
	"control_data":     {},
}
