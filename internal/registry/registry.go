// Package registry owns the persisted device list and the live entities
// built from it. All map and file access is serialized under one mutex.
package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/tuya2mqtt/tuya2mqtt/internal/entity"
	"github.com/tuya2mqtt/tuya2mqtt/internal/tuya"
)

// ScanRecord is one raw discovery datagram payload, as persisted in the scan
// file keyed by device IP.
type ScanRecord map[string]any

// GwID returns the record's device id, empty if absent.
func (r ScanRecord) GwID() string {
	s, _ := r["gwId"].(string)
	return s
}

// Registry is the thread-safe owner of devices and their entities.
type Registry struct {
	log       *slog.Logger
	clock     clockwork.Clock
	transport tuya.TransportFactory

	devicesFile string
	scanFile    string

	mu       sync.Mutex
	entities map[string]*entity.Entity
	order    []string          // devicesFile persists in insertion order
	names    map[string]string // friendly_name -> dev_id
}

func New(log *slog.Logger, clock clockwork.Clock, transport tuya.TransportFactory, devicesFile, scanFile string) *Registry {
	return &Registry{
		log:         log,
		clock:       clock,
		transport:   transport,
		devicesFile: devicesFile,
		scanFile:    scanFile,
		entities:    make(map[string]*entity.Entity),
		names:       make(map[string]string),
	}
}

// Load hydrates the registry from the devices file. A missing file is not an
// error, the bridge simply starts empty.
func (r *Registry) Load() (int, error) {
	raw, err := os.ReadFile(r.devicesFile)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read %s: %w", r.devicesFile, err)
	}
	var devices []tuya.Device
	if err := json.Unmarshal(raw, &devices); err != nil {
		return 0, fmt.Errorf("parse %s: %w", r.devicesFile, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i := range devices {
		if r.addLocked(&devices[i]) {
			n++
		}
	}
	return n, nil
}

// addLocked registers a device and spawns its entity. Caller holds r.mu.
func (r *Registry) addLocked(d *tuya.Device) bool {
	if d.ID == "" {
		r.log.Warn("Skipping device record without id")
		return false
	}
	if _, exists := r.entities[d.ID]; exists {
		return false
	}
	if d.Version == "" {
		d.Version = tuya.DefaultVersion
	}
	r.entities[d.ID] = entity.New(r.log, r.clock, d, r.transport(d))
	r.order = append(r.order, d.ID)
	if d.FriendlyName != "" {
		r.names[d.FriendlyName] = d.ID
	}
	return true
}

// Add registers devices and persists the updated config. Already-known ids
// are skipped. Returns the entities actually added.
func (r *Registry) Add(devices []tuya.Device) ([]*entity.Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var added []*entity.Entity
	for i := range devices {
		if r.addLocked(&devices[i]) {
			added = append(added, r.entities[devices[i].ID])
		}
	}
	if len(added) == 0 {
		return nil, nil
	}
	return added, r.persistLocked()
}

// Get looks up a live entity by device id.
func (r *Registry) Get(devID string) (*entity.Entity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entities[devID]
	return e, ok
}

// Resolve tries the id first, then the friendly-name index.
func (r *Registry) Resolve(identifier string) (*entity.Entity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entities[identifier]; ok {
		return e, true
	}
	if id, ok := r.names[identifier]; ok {
		e, ok := r.entities[id]
		return e, ok
	}
	return nil, false
}

// All returns a snapshot of live entities in insertion order.
func (r *Registry) All() []*entity.Entity {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*entity.Entity, 0, len(r.order))
	for _, id := range r.order {
		if e, ok := r.entities[id]; ok {
			out = append(out, e)
		}
	}
	return out
}

// Known reports whether the id is registered. Used by the scanner to skip
// devices that already have a config entry.
func (r *Registry) Known(devID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entities[devID]
	return ok
}

// Remove stops each entity worker, joins it, and prunes the id from the
// registry and the persisted file. Returns the ids actually removed.
func (r *Registry) Remove(devIDs ...string) ([]string, error) {
	r.mu.Lock()
	var victims []*entity.Entity
	var removed []string
	for _, id := range devIDs {
		e, ok := r.entities[id]
		if !ok {
			continue
		}
		victims = append(victims, e)
		removed = append(removed, id)
		delete(r.entities, id)
		if fn := e.Device().FriendlyName; fn != "" {
			delete(r.names, fn)
		}
		for i, oid := range r.order {
			if oid == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	var err error
	if len(removed) > 0 {
		err = r.persistLocked()
	}
	r.mu.Unlock()

	// Worker joins happen outside the lock; Stop blocks on the worker.
	for _, e := range victims {
		e.Stop()
	}
	return removed, err
}

// InsertUnknownDP extends a device mapping with a placeholder entry for a DP
// number seen in a status but absent from the mapping, then persists.
func (r *Registry) InsertUnknownDP(devID, dpNum string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entities[devID]
	if !ok {
		return fmt.Errorf("unknown device %s", devID)
	}
	d := e.Device()
	if d.Mapping == nil {
		d.Mapping = make(map[string]tuya.DPEntry)
	}
	if _, exists := d.Mapping[dpNum]; exists {
		return nil
	}
	d.Mapping[dpNum] = tuya.DPEntry{Code: dpNum, Type: "Unknown"}
	r.log.Info("Inserted unknown DP into mapping", "device", devID, "dp", dpNum)
	return r.persistLocked()
}

// SetFriendlyName updates the name index and persists. Names must stay unique
// across the registry.
func (r *Registry) SetFriendlyName(devID, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entities[devID]
	if !ok {
		return fmt.Errorf("unknown device %s", devID)
	}
	if owner, taken := r.names[name]; taken && owner != devID {
		return fmt.Errorf("friendly name %q already assigned to %s", name, owner)
	}
	d := e.Device()
	if d.FriendlyName != "" {
		delete(r.names, d.FriendlyName)
	}
	d.FriendlyName = name
	if name != "" {
		r.names[name] = devID
	}
	return r.persistLocked()
}

// UpdateKey replaces the local key on the persisted record and rebinds the
// entity to a transport built from the updated record, so the next command
// authenticates with the new key.
func (r *Registry) UpdateKey(devID, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entities[devID]
	if !ok {
		return fmt.Errorf("unknown device %s", devID)
	}
	e.Device().Key = key
	e.SetTransport(r.transport(e.Device()))
	return r.persistLocked()
}

// Brief is the UI summary for one device: identity, a human category label
// and a human-readable DP dictionary.
func (r *Registry) Brief(d *tuya.Device) map[string]any {
	label := d.Name
	if label == "" {
		label = d.ProductName
	}
	category := tuya.CategoryLabels[d.Category]
	if category == "" {
		category = d.Category
	}
	dpMap := make(map[string]tuya.DPTypeInfo, len(d.Mapping))
	for _, e := range d.Mapping {
		dpMap[e.Code] = tuya.DPTypes[e.Code]
	}
	return map[string]any{
		"id":            d.ID,
		"label":         label,
		"friendly_name": d.FriendlyName,
		"category":      category,
		"dp_map":        dpMap,
	}
}

// Briefs returns the brief array for the given ids (all devices when empty).
func (r *Registry) Briefs(devIDs ...string) []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := devIDs
	if len(ids) == 0 {
		ids = r.order
	}
	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		if e, ok := r.entities[id]; ok {
			out = append(out, r.Brief(e.Device()))
		}
	}
	return out
}

// Stop joins every entity worker. Called once at shutdown.
func (r *Registry) Stop() {
	r.mu.Lock()
	entities := make([]*entity.Entity, 0, len(r.entities))
	for _, e := range r.entities {
		entities = append(entities, e)
	}
	r.mu.Unlock()
	for _, e := range entities {
		e.Stop()
	}
}

// persistLocked writes the device array in insertion order. Caller holds r.mu.
func (r *Registry) persistLocked() error {
	devices := make([]*tuya.Device, 0, len(r.order))
	for _, id := range r.order {
		if e, ok := r.entities[id]; ok {
			devices = append(devices, e.Device())
		}
	}
	raw, err := json.MarshalIndent(devices, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal devices: %w", err)
	}
	if err := os.WriteFile(r.devicesFile, raw, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", r.devicesFile, err)
	}
	return nil
}

// LoadScan reads the persisted scan file, keyed by device IP.
func (r *Registry) LoadScan() (map[string]ScanRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadScanLocked()
}

func (r *Registry) loadScanLocked() (map[string]ScanRecord, error) {
	raw, err := os.ReadFile(r.scanFile)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]ScanRecord{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", r.scanFile, err)
	}
	var records map[string]ScanRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("parse %s: %w", r.scanFile, err)
	}
	return records, nil
}

// MergeScan folds new ip -> record entries into the scan file without
// overwriting keys already present.
func (r *Registry) MergeScan(records map[string]ScanRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, err := r.loadScanLocked()
	if err != nil {
		return err
	}
	changed := false
	for ip, rec := range records {
		if _, ok := existing[ip]; ok {
			continue
		}
		existing[ip] = rec
		changed = true
	}
	if !changed {
		return nil
	}
	raw, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal scan records: %w", err)
	}
	if err := os.WriteFile(r.scanFile, raw, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", r.scanFile, err)
	}
	return nil
}

// AddOrMerge joins cloud metadata with the persisted scan file: each cloud
// entry inherits ip and version from the scan record whose gwId matches, and
// only whitelisted ids not already registered are admitted. The merged
// devices are registered and persisted.
func (r *Registry) AddOrMerge(cloudDevices []tuya.CloudDevice, idWhitelist []string) ([]*entity.Entity, error) {
	scan, err := r.LoadScan()
	if err != nil {
		return nil, err
	}
	whitelist := make(map[string]bool, len(idWhitelist))
	for _, id := range idWhitelist {
		whitelist[id] = true
	}

	var devices []tuya.Device
	for _, cd := range cloudDevices {
		if len(whitelist) > 0 && !whitelist[cd.ID] {
			continue
		}
		d := cd.ToDevice()
		for ip, rec := range scan {
			if rec.GwID() != d.ID {
				continue
			}
			d.IP = ip
			if v, ok := rec["version"].(string); ok && v != "" {
				d.Version = v
			}
			break
		}
		devices = append(devices, d)
	}
	return r.Add(devices)
}
