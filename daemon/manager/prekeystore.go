package manager

import (
	"context"
	"fmt"
	"sync"

	"github.com/Deniable-IM/denim/internal/denimwire"
)

// ErrNoPrekeyBundle is returned by PrekeyStore.Resolve when an account has
// never published a bundle.
var ErrNoPrekeyBundle = fmt.Errorf("manager: no prekey bundle published")

// PrekeyStore is the in-memory PrekeyResolver a denim-server binary wires
// into DenIMManager: Publish stores one bundle per device, Withdraw drops a
// device's bundle (the server does this when a connection closes), and a
// PreKeyRequest resolves against whatever is currently published (spec.md
// §4.4's prekey bundle black box). Nothing in the server calls Publish; a
// bundle is only present once a caller publishes it. It is keyed the same
// way Registry is, since both track per-account device state.
type PrekeyStore struct {
	mu      sync.RWMutex
	bundles map[string][]denimwire.PreKeyItem
}

// NewPrekeyStore creates an empty PrekeyStore.
func NewPrekeyStore() *PrekeyStore {
	return &PrekeyStore{bundles: make(map[string][]denimwire.PreKeyItem)}
}

// Publish stores bundle for serviceID's device bundle.DeviceID, replacing
// any earlier bundle of that device and keeping the bundles of the
// account's other devices.
func (p *PrekeyStore) Publish(serviceID string, bundle denimwire.PreKeyItem) {
	p.mu.Lock()
	defer p.mu.Unlock()
	items := p.bundles[serviceID]
	for i, existing := range items {
		if existing.DeviceID == bundle.DeviceID {
			items[i] = bundle
			p.bundles[serviceID] = items
			return
		}
	}
	p.bundles[serviceID] = append(items, bundle)
}

// Withdraw removes deviceID's bundle from serviceID, e.g. on disconnect.
func (p *PrekeyStore) Withdraw(serviceID string, deviceID uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	items := p.bundles[serviceID]
	for i, existing := range items {
		if existing.DeviceID == deviceID {
			p.bundles[serviceID] = append(items[:i], items[i+1:]...)
			return
		}
	}
}

// Resolve implements PrekeyResolver.
func (p *PrekeyStore) Resolve(ctx context.Context, serviceID string) (*denimwire.PreKeyResponse, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	items := p.bundles[serviceID]
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoPrekeyBundle, serviceID)
	}
	bundles := make([]denimwire.PreKeyItem, len(items))
	copy(bundles, items)
	return &denimwire.PreKeyResponse{ServiceID: serviceID, Bundles: bundles}, nil
}
