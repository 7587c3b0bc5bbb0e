package device

import (
	"fmt"
	"sync"
)

// Config carries the identity fields a caller supplies when
// registering a new device; Registry fills in index and name.
type Config struct {
	MTU       int
	HeaderLen int
	AddrLen   int
	Flags     Flag
	HWAddr    [6]byte
	Broadcast [6]byte
	Driver    Driver
}

// Registry is the process-wide, append-only list of devices. Devices
// are assigned a monotonic index and a "net<index>" name on
// registration and are never removed.
type Registry struct {
	mu      sync.Mutex
	devices []*Device
}

// Register allocates a new Device from cfg, assigns it the next
// monotonic index and a "net<index>" name, and appends it to the
// registry.
func (r *Registry) Register(cfg Config) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := len(r.devices)
	d := &Device{
		index:     idx,
		name:      fmt.Sprintf("net%d", idx),
		mtu:       cfg.MTU,
		headerLen: cfg.HeaderLen,
		addrLen:   cfg.AddrLen,
		flags:     cfg.Flags &^ FlagUp,
		hwAddr:    cfg.HWAddr,
		broadcast: cfg.Broadcast,
		driver:    cfg.Driver,
	}
	r.devices = append(r.devices, d)
	return d, nil
}

// Devices returns a snapshot of the registered devices in
// registration order.
func (r *Registry) Devices() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Device, len(r.devices))
	copy(out, r.devices)
	return out
}

// ByIndex returns the device with the given index, if any.
func (r *Registry) ByIndex(index int) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if index < 0 || index >= len(r.devices) {
		return nil, false
	}
	return r.devices[index], true
}

// ByName returns the device with the given name, if any.
func (r *Registry) ByName(name string) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.devices {
		if d.name == name {
			return d, true
		}
	}
	return nil, false
}
