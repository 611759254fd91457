package tuya

import "context"

// CloudDevice is the metadata record the cloud returns for one device,
// including its DP specification mapping.
type CloudDevice struct {
	ID          string             `json:"id"`
	Name        string             `json:"name,omitempty"`
	Key         string             `json:"key,omitempty"`
	MAC         string             `json:"mac,omitempty"`
	UUID        string             `json:"uuid,omitempty"`
	SN          string             `json:"sn,omitempty"`
	Category    string             `json:"category,omitempty"`
	ProductID   string             `json:"product_id,omitempty"`
	ProductName string             `json:"product_name,omitempty"`
	Model       string             `json:"model,omitempty"`
	Icon        string             `json:"icon,omitempty"`
	IP          string             `json:"ip,omitempty"`
	Version     string             `json:"version,omitempty"`
	Mapping     map[string]DPEntry `json:"mapping,omitempty"`
}

// ToDevice converts cloud metadata into a persisted device record.
func (c CloudDevice) ToDevice() Device {
	return Device{
		ID:          c.ID,
		Name:        c.Name,
		Key:         c.Key,
		MAC:         c.MAC,
		UUID:        c.UUID,
		SN:          c.SN,
		Category:    c.Category,
		ProductID:   c.ProductID,
		ProductName: c.ProductName,
		Model:       c.Model,
		Icon:        c.Icon,
		IP:          c.IP,
		Version:     c.Version,
		Mapping:     c.Mapping,
	}
}

// CloudClient fetches device metadata from the Tuya cloud for the ids set
// with SetDeviceID. Failures return a classified *Error (909-913) so callers
// can publish the matching error document.
type CloudClient interface {
	// SetDeviceID scopes the next GetDevices call to a comma-joined id list.
	SetDeviceID(ids string)

	// GetDevices fetches metadata (including the DP specification mapping)
	// for the scoped device ids.
	GetDevices(ctx context.Context) ([]CloudDevice, error)
}
