package manager

import (
	"fmt"

	"github.com/Deniable-IM/denim/internal/denimstore"
)

// outgoingPayloadQueueKeys names the Buffer Store keys backing one device's
// receiver-role outgoing payload buffer (spec.md §4.4/§4.5): reassembled
// deniable payloads destined for this device, queued as serialized bytes
// until the Chunker drains them into outbound chunks.
func outgoingPayloadQueueKeys(address string, deviceID uint32) denimstore.QueueKeys {
	id := fmt.Sprintf("%s::%d", address, deviceID)
	return denimstore.QueueKeys{
		Queue:      "deniable_outgoing_queue::" + id,
		Metadata:   "deniable_outgoing_queue_metadata::" + id,
		TotalIndex: "deniable_outgoing_queue_index_key",
	}
}

// outgoingPayloadLockKey names the persist-lock a background persister
// holds while migrating a device's outgoing payload queue to durable
// storage (spec.md §4.5's locking rule): while held, reads against this
// key return empty instead of racing the migration.
func outgoingPayloadLockKey(address string, deviceID uint32) string {
	return fmt.Sprintf("deniable_outgoing_queue_persisting::{%s::%d}", address, deviceID)
}
