package manager

import (
	"fmt"

	"github.com/Deniable-IM/denim/internal/chunkbuffer"

	"github.com/Deniable-IM/denim/daemon/persist"
)

// PersistTargets implements persist.TargetLister: for every connected
// device it names three queues (chunk_sender, chunk_receiver and
// payload_receiver, the device's outgoing deniable payload queue), ready for
// a background Persister to sweep on each tick. There is no payload_sender
// target.
func (m *DenIMManager) PersistTargets() []persist.Target {
	devices := m.registry.All()
	targets := make([]persist.Target, 0, len(devices)*4)
	for _, d := range devices {
		targets = append(targets,
			persist.Target{
				ID:       targetID("chunk_sender", d.Address, d.DeviceID),
				Keys:     chunkbuffer.Keys(d.Address, d.DeviceID, chunkbuffer.RoleSender),
				LockKey:  chunkbuffer.LockKey(d.Address, d.DeviceID, chunkbuffer.RoleSender),
				Address:  d.Address,
				DeviceID: d.DeviceID,
			},
			persist.Target{
				ID:       targetID("chunk_receiver", d.Address, d.DeviceID),
				Keys:     chunkbuffer.Keys(d.Address, d.DeviceID, chunkbuffer.RoleReceiver),
				LockKey:  chunkbuffer.LockKey(d.Address, d.DeviceID, chunkbuffer.RoleReceiver),
				Address:  d.Address,
				DeviceID: d.DeviceID,
			},
			persist.Target{
				ID:       targetID("payload_receiver", d.Address, d.DeviceID),
				Keys:     outgoingPayloadQueueKeys(d.Address, d.DeviceID),
				LockKey:  outgoingPayloadLockKey(d.Address, d.DeviceID),
				Address:  d.Address,
				DeviceID: d.DeviceID,
			},
		)
	}
	return targets
}

func targetID(kind, address string, deviceID uint32) string {
	return fmt.Sprintf("%s::%s::%d", kind, address, deviceID)
}
