package devices

import (
	"sort"
	"sync"
	"time"
)

// Device is the last-known state of one hardware controller. Records
// live only as long as the connection that created them.
type Device struct {
	ID            string         `json:"id"`
	LastSeen      time.Time      `json:"lastSeen"`
	RemoteAddress string         `json:"remoteAddress"`
	Pins          map[string]any `json:"pins"`
}

// Registry tracks connected hardware controllers in memory.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*Device
	now     func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		devices: make(map[string]*Device),
		now:     time.Now,
	}
}

// Add creates a record for a freshly accepted connection. The initial
// id is the transport address.
func (r *Registry) Add(id, remoteAddress string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[id] = &Device{
		ID:            id,
		LastSeen:      r.now(),
		RemoteAddress: remoteAddress,
		Pins:          make(map[string]any),
	}
}

// Rename moves a record to a device-chosen id. An existing record under
// the new id is overwritten (last-identify-wins). A missing source
// creates a fresh record under the new id.
func (r *Registry) Rename(oldID, newID, remoteAddress string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[oldID]
	if !ok {
		dev = &Device{
			LastSeen:      r.now(),
			RemoteAddress: remoteAddress,
			Pins:          make(map[string]any),
		}
	} else {
		delete(r.devices, oldID)
	}
	dev.ID = newID
	r.devices[newID] = dev
}

// MergePins folds reported pin values into the record (existing keys
// are overwritten, others kept) and refreshes LastSeen.
func (r *Registry) MergePins(id, remoteAddress string, pins map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[id]
	if !ok {
		dev = &Device{
			ID:            id,
			RemoteAddress: remoteAddress,
			Pins:          make(map[string]any),
		}
		r.devices[id] = dev
	}
	dev.LastSeen = r.now()
	for k, v := range pins {
		dev.Pins[k] = v
	}
}

// Touch refreshes LastSeen for an accepted message.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if dev, ok := r.devices[id]; ok {
		dev.LastSeen = r.now()
	}
}

// Remove drops a record when its connection closes.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, id)
}

// Get returns a copy of one record.
func (r *Registry) Get(id string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.devices[id]
	if !ok {
		return Device{}, false
	}
	return copyDevice(dev), true
}

// List returns copies of all records, ordered by id.
func (r *Registry) List() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, 0, len(r.devices))
	for _, dev := range r.devices {
		out = append(out, copyDevice(dev))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Map returns the device table keyed by id, as exposed on /api/status.
func (r *Registry) Map() map[string]Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Device, len(r.devices))
	for id, dev := range r.devices {
		out[id] = copyDevice(dev)
	}
	return out
}

// Count returns the number of connected devices.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

func copyDevice(dev *Device) Device {
	pins := make(map[string]any, len(dev.Pins))
	for k, v := range dev.Pins {
		pins[k] = v
	}
	out := *dev
	out.Pins = pins
	return out
}
