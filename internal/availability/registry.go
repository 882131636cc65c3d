// Package availability tracks which connected devices want to be woken up
// immediately when new data lands for them, instead of waiting for their
// next poll. It is grounded on
// original_source/server/src/availability_listener.rs's add/remove/
// notify_cached/notify_persisted functions, reworked into the teacher's
// map-plus-mutex registry idiom (daemon/service/events.go's EventPublisher).
package availability

import (
	"context"
	"fmt"
	"sync"
)

// Listener is notified when new chunks arrive for its device (Cached) or
// when the buffered payload they belong to has been durably persisted
// (Persisted). Both return whether the notification was delivered, mirroring
// the original trait's send_cached/send_persisted.
type Listener interface {
	SendCached(ctx context.Context) bool
	SendPersisted(ctx context.Context) bool
}

// ChannelListener is a Listener backed by a buffered channel, non-blocking
// on send the way the teacher's EventPublisher.Publish protects against slow
// consumers.
type ChannelListener struct {
	Cached    chan struct{}
	Persisted chan struct{}
}

// NewChannelListener creates a ChannelListener with the given channel
// buffer size.
func NewChannelListener(bufferSize int) *ChannelListener {
	return &ChannelListener{
		Cached:    make(chan struct{}, bufferSize),
		Persisted: make(chan struct{}, bufferSize),
	}
}

func (l *ChannelListener) SendCached(ctx context.Context) bool {
	select {
	case l.Cached <- struct{}{}:
		return true
	default:
		return false
	}
}

func (l *ChannelListener) SendPersisted(ctx context.Context) bool {
	select {
	case l.Persisted <- struct{}{}:
		return true
	default:
		return false
	}
}

// Registry maps a device address to the single Listener currently
// interested in its availability, matching the original's one-listener-
// per-connection model (a device has at most one live connection).
type Registry struct {
	mu        sync.RWMutex
	listeners map[string]Listener
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{listeners: make(map[string]Listener)}
}

func queueName(address string, deviceID uint32) string {
	return fmt.Sprintf("%s::%d", address, deviceID)
}

// AddListener registers listener for address/deviceID, replacing any
// previous listener for the same device.
func (r *Registry) AddListener(address string, deviceID uint32, listener Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[queueName(address, deviceID)] = listener
}

// RemoveListener deregisters whatever listener is registered for
// address/deviceID, if any.
func (r *Registry) RemoveListener(address string, deviceID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.listeners, queueName(address, deviceID))
}

// NotifyCached notifies address/deviceID's listener, if any, that a new
// chunk has been cached.
func (r *Registry) NotifyCached(ctx context.Context, address string, deviceID uint32) bool {
	return r.notify(ctx, address, deviceID, Listener.SendCached)
}

// NotifyPersisted notifies address/deviceID's listener, if any, that its
// buffered payload has been migrated to durable storage.
func (r *Registry) NotifyPersisted(ctx context.Context, address string, deviceID uint32) bool {
	return r.notify(ctx, address, deviceID, Listener.SendPersisted)
}

func (r *Registry) notify(ctx context.Context, address string, deviceID uint32, send func(Listener, context.Context) bool) bool {
	r.mu.RLock()
	listener, ok := r.listeners[queueName(address, deviceID)]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return send(listener, ctx)
}

// Count reports how many listeners are currently registered, for tests and
// metrics.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}
