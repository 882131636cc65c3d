package manager

import (
	"errors"
	"sync"
)

var ErrDeviceNotRegistered = errors.New("manager: device not registered")

// DeviceKey identifies one of an account's devices.
type DeviceKey struct {
	Address  string
	DeviceID uint32
}

// Registry is a minimal in-memory account/device directory: just enough to
// know which devices exist for an address, grounded on the teacher's
// SessionStore map-plus-mutex idiom (daemon/manager/store.go). It is not a
// full identity/prekey service — spec.md's Non-goals exclude account
// provisioning and key distribution infrastructure.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]map[uint32]struct{}
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]map[uint32]struct{})}
}

// Register adds deviceID under address, creating the address entry if
// necessary.
func (r *Registry) Register(address string, deviceID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.devices[address] == nil {
		r.devices[address] = make(map[uint32]struct{})
	}
	r.devices[address][deviceID] = struct{}{}
}

// Unregister removes deviceID from address.
func (r *Registry) Unregister(address string, deviceID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	devices, ok := r.devices[address]
	if !ok {
		return
	}
	delete(devices, deviceID)
	if len(devices) == 0 {
		delete(r.devices, address)
	}
}

// IsRegistered reports whether address/deviceID is known.
func (r *Registry) IsRegistered(address string, deviceID uint32) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	devices, ok := r.devices[address]
	if !ok {
		return false
	}
	_, ok = devices[deviceID]
	return ok
}

// Devices lists every registered device id for address.
func (r *Registry) Devices(address string) []uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	devices := r.devices[address]
	out := make([]uint32, 0, len(devices))
	for id := range devices {
		out = append(out, id)
	}
	return out
}

// All lists every registered (address, deviceID) pair, for callers that
// need to sweep every known device rather than look one up (the background
// persister's per-tick target list).
func (r *Registry) All() []DeviceKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []DeviceKey
	for address, devices := range r.devices {
		for deviceID := range devices {
			out = append(out, DeviceKey{Address: address, DeviceID: deviceID})
		}
	}
	return out
}

// AddressesWithDevice lists every address that has deviceID registered. A
// reassembled SignalMessage only names a destination device id, never an
// account, so routing it needs this reverse lookup.
func (r *Registry) AddressesWithDevice(deviceID uint32) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for address, devices := range r.devices {
		if _, ok := devices[deviceID]; ok {
			out = append(out, address)
		}
	}
	return out
}
