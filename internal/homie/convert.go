// Package homie maintains the Homie 5 representation of registered devices:
// description generation, the MQTT twin, and the runtime translation between
// DP statuses and Homie properties.
package homie

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tuya2mqtt/tuya2mqtt/internal/tuya"
)

// Property is one Homie property descriptor. DP is only present in
// templates, binding the property to a DP number; it is stripped before the
// description is published.
type Property struct {
	Name     string `json:"name,omitempty"`
	Datatype string `json:"datatype"`
	Settable bool   `json:"settable"`
	Retained bool   `json:"retained"`
	Format   string `json:"format,omitempty"`
	Unit     string `json:"unit,omitempty"`
	DP       string `json:"dp,omitempty"`
}

// Node groups properties in the description.
type Node struct {
	Name       string               `json:"name,omitempty"`
	Properties map[string]*Property `json:"properties"`
}

// Description is the document published on $description.
type Description struct {
	Homie      string           `json:"homie"`
	Version    int64            `json:"version"`
	Name       string           `json:"name"`
	Nodes      map[string]*Node `json:"nodes"`
	Extensions map[string]any   `json:"extensions,omitempty"`
}

// NodeProp addresses one property within a description.
type NodeProp struct {
	Node string
	Prop string
}

type aliasRule struct {
	re    *regexp.Regexp
	alias string
}

// Alias rules are ordered: first match wins.
var aliasRules = []aliasRule{
	{regexp.MustCompile(`(?i)switch_led`), "switch_led"},
	{regexp.MustCompile(`(?i)^(switch)$`), "switch"},
	{regexp.MustCompile(`(?i)bright`), "brightness"},
	{regexp.MustCompile(`(?i)colour|color`), "color"},
	{regexp.MustCompile(`(?i)temp(_value)?`), "temperature"},
	{regexp.MustCompile(`(?i)cur_current`), "current"},
	{regexp.MustCompile(`(?i)cur_power`), "power"},
	{regexp.MustCompile(`(?i)cur_voltage`), "voltage"},
	{regexp.MustCompile(`(?i)countdown`), "timer"},
	{regexp.MustCompile(`(?i)work_mode`), "mode"},
}

type nodeRule struct {
	id string
	re *regexp.Regexp
}

var nodeRules = []nodeRule{
	{"relay", regexp.MustCompile(`(?i)^(on|switch)$`)},
	{"light", regexp.MustCompile(`(?i)switch_led|bright|color|colour|work_mode|scene|flash|temp`)},
	{"meter", regexp.MustCompile(`(?i)^(current|power|voltage|energy|cur_)`)},
	{"timer", regexp.MustCompile(`(?i)countdown|timer`)},
}

var excludeRules = []*regexp.Regexp{
	regexp.MustCompile(`(?i)flash_scene_\d+`),
	regexp.MustCompile(`(?i)scene_data(_v2)?`),
	regexp.MustCompile(`(?i)music_data`),
	regexp.MustCompile(`(?i)control_data`),
	regexp.MustCompile(`(?i)countdown`),
}

var colourRe = regexp.MustCompile(`(?i)colou?r`)

// extensionKeys is the identity subset carried into extensions.tuya.
var extensionKeys = map[string]bool{
	"name": true, "id": true, "key": true, "mac": true, "uuid": true,
	"sn": true, "category": true, "product_name": true, "product_id": true,
	"biz_type": true, "model": true, "sub": true, "icon": true, "ip": true,
	"version": true,
}

// AliasFor returns the canonical property alias for a DP code, empty when no
// rule matches.
func AliasFor(code string) string {
	for _, r := range aliasRules {
		if r.re.MatchString(code) {
			return r.alias
		}
	}
	return ""
}

// NodeIDFor classifies a DP code into a node, empty when none matches.
func NodeIDFor(code string) string {
	for _, r := range nodeRules {
		if r.re.MatchString(code) {
			return r.id
		}
	}
	return ""
}

func excluded(code string) bool {
	for _, re := range excludeRules {
		if re.MatchString(code) {
			return true
		}
	}
	return false
}

// PropertyIDFor is the Homie property id for a DP code: its alias when one
// exists, a sanitized code otherwise.
func PropertyIDFor(code string) string {
	if alias := AliasFor(code); alias != "" {
		return alias
	}
	return SanitizeID(code)
}

// SanitizeID makes a string safe as a Homie id (lowercase [a-z0-9-]).
func SanitizeID(raw string) string {
	raw = strings.ToLower(raw)
	var sb strings.Builder
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			sb.WriteRune(r)
		default:
			sb.WriteRune('-')
		}
	}
	out := sb.String()
	for strings.Contains(out, "--") {
		out = strings.ReplaceAll(out, "--", "-")
	}
	out = strings.Trim(out, "-")
	if out == "" {
		return "id"
	}
	return out
}

func titleCase(s string) string {
	words := strings.Split(strings.ReplaceAll(s, "_", " "), " ")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// Template binds a description to devices matched by exact string equality on
// the match fields.
type Template struct {
	Match map[string]any `json:"match"`
	Homie *Description   `json:"homie"`
}

// TemplateManager loads description templates from a directory. A missing
// directory simply yields no templates.
type TemplateManager struct {
	templates []Template
}

func NewTemplateManager(log *slog.Logger, dir string) *TemplateManager {
	tm := &TemplateManager{}
	if dir == "" {
		return tm
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("Cannot read template directory", "dir", dir, "error", err)
		}
		return tm
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			log.Warn("Cannot read template", "file", e.Name(), "error", err)
			continue
		}
		var tpl Template
		if err := json.Unmarshal(raw, &tpl); err != nil || tpl.Homie == nil {
			log.Warn("Bad template", "file", e.Name(), "error", err)
			continue
		}
		tm.templates = append(tm.templates, tpl)
	}
	return tm
}

// Find returns the first template whose match fields all equal the device
// record's stringified values.
func (tm *TemplateManager) Find(record map[string]any) *Description {
	for _, tpl := range tm.templates {
		matched := true
		for k, want := range tpl.Match {
			if fmt.Sprint(record[k]) != fmt.Sprint(want) {
				matched = false
				break
			}
		}
		if matched {
			return tpl.Homie
		}
	}
	return nil
}

// Converter produces the Homie description for a device, preferring an exact
// template match over the generic DP-code heuristics.
type Converter struct {
	templates *TemplateManager
	now       func() time.Time
}

func NewConverter(templates *TemplateManager) *Converter {
	return &Converter{templates: templates, now: time.Now}
}

// Convert yields the homie device id, the description, the explicit
// (node, prop) -> dp-code bindings (template only) and whether the bindings
// are strict.
func (c *Converter) Convert(dev *tuya.Device) (string, *Description, map[NodeProp]string, bool) {
	record := dev.Record()
	if tpl := c.templates.Find(record); tpl != nil {
		return c.applyTemplate(dev, record, tpl)
	}
	id, desc := c.generic(dev, record)
	return id, desc, nil, false
}

func (c *Converter) applyTemplate(dev *tuya.Device, record map[string]any, tpl *Description) (string, *Description, map[NodeProp]string, bool) {
	id := SanitizeID(firstNonEmpty(dev.ID, dev.UUID, dev.MAC, "device"))
	desc := cloneDescription(tpl)

	// Template dp bindings address DP numbers; resolve them to mapping codes
	// so the runtime translation speaks the status pipeline's language.
	bindings := make(map[NodeProp]string)
	for nodeID, node := range desc.Nodes {
		for propID, prop := range node.Properties {
			if prop.DP == "" {
				continue
			}
			code := prop.DP
			if entry, ok := dev.Mapping[prop.DP]; ok && entry.Code != "" {
				code = entry.Code
			}
			bindings[NodeProp{nodeID, propID}] = code
			prop.DP = ""
		}
	}

	if desc.Homie == "" {
		desc.Homie = "5.0"
	}
	if desc.Version == 0 {
		desc.Version = c.now().Unix()
	}
	if desc.Name == "" {
		desc.Name = firstNonEmpty(dev.Name, dev.ProductName, id)
	}
	if desc.Extensions == nil {
		desc.Extensions = map[string]any{}
	}
	desc.Extensions["tuya"] = tuyaExtension(record)
	return id, desc, bindings, true
}

func (c *Converter) generic(dev *tuya.Device, record map[string]any) (string, *Description) {
	id := SanitizeID(firstNonEmpty(dev.FriendlyName, dev.ID, dev.UUID, dev.MAC, "device"))
	name := firstNonEmpty(dev.Name, dev.ProductName, id)

	nodes := make(map[string]*Node)
	for _, num := range sortedDPNumbers(dev.Mapping) {
		entry := dev.Mapping[num]
		code := entry.Code
		if code == "" || excluded(code) {
			continue
		}
		nodeID := NodeIDFor(code)
		if nodeID == "" {
			continue
		}
		node, ok := nodes[nodeID]
		if !ok {
			node = &Node{Name: titleCase(nodeID), Properties: make(map[string]*Property)}
			nodes[nodeID] = node
		}
		pid := PropertyIDFor(code)
		if _, taken := node.Properties[pid]; taken {
			for i := 2; ; i++ {
				cand := fmt.Sprintf("%s-%d", pid, i)
				if _, taken := node.Properties[cand]; !taken {
					pid = cand
					break
				}
			}
		}
		node.Properties[pid] = propertyFor(entry)
	}

	return id, &Description{
		Homie:      "5.0",
		Version:    c.now().Unix(),
		Name:       name,
		Nodes:      nodes,
		Extensions: map[string]any{"tuya": tuyaExtension(record)},
	}
}

func propertyFor(entry tuya.DPEntry) *Property {
	datatype, format := datatypeFor(entry)
	name := AliasFor(entry.Code)
	if name == "" {
		name = entry.Code
	}
	return &Property{
		Name:     titleCase(name),
		Datatype: datatype,
		Settable: !strings.HasPrefix(strings.ToLower(entry.Code), "cur_"),
		Retained: true,
		Format:   format,
		Unit:     entry.Values.Unit,
	}
}

func datatypeFor(entry tuya.DPEntry) (string, string) {
	switch entry.Type {
	case "Boolean":
		return "boolean", ""
	case "Integer":
		return "integer", integerFormat(entry.Values)
	case "Enum":
		return "enum", strings.Join(entry.Values.Range, ",")
	case "Json":
		if colourRe.MatchString(entry.Code) {
			return "color", "hsv"
		}
		return "json", ""
	default:
		return "string", ""
	}
}

// integerFormat renders "min:max[:step]", dropping a zero step.
func integerFormat(v tuya.DPValues) string {
	if v.Min == 0 && v.Max == 0 {
		return ""
	}
	format := fmt.Sprintf("%d:%d", v.Min, v.Max)
	if v.Step != 0 {
		format += ":" + strconv.Itoa(v.Step)
	}
	return format
}

func tuyaExtension(record map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range record {
		if extensionKeys[k] {
			out[k] = v
		}
	}
	return out
}

func cloneDescription(d *Description) *Description {
	raw, err := json.Marshal(d)
	if err != nil {
		return &Description{}
	}
	var out Description
	if err := json.Unmarshal(raw, &out); err != nil {
		return &Description{}
	}
	return &out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// sortedDPNumbers orders mapping keys numerically so generated descriptions
// and collision suffixes are deterministic.
func sortedDPNumbers(mapping map[string]tuya.DPEntry) []string {
	nums := make([]string, 0, len(mapping))
	for n := range mapping {
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool {
		a, aerr := strconv.Atoi(nums[i])
		b, berr := strconv.Atoi(nums[j])
		if aerr == nil && berr == nil {
			return a < b
		}
		return nums[i] < nums[j]
	})
	return nums
}
