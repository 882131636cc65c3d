package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Deniable-IM/denim/internal/denimstore"
	"github.com/Deniable-IM/denim/internal/observability"
)

// DefaultLockTTL matches spec.md §6's persist_lock_ttl_seconds default: a
// crashed persister cannot hold a queue's lock past this, so a reader's
// LockContention is never permanent.
const DefaultLockTTL = 30 * time.Second

// ErrLockHeld is returned by PersistOnce when another persister run already
// holds target's lock.
var ErrLockHeld = errors.New("persist: lock already held")

// Notifier is the subset of availability.Registry a Persister needs to
// raise notify_persisted (spec.md §4.6) once a migration completes.
type Notifier interface {
	NotifyPersisted(ctx context.Context, address string, deviceID uint32) bool
}

// Target names one Buffer Store queue a Persister can migrate: its Redis
// keys, its persist lock, its durable-store identity, and the
// address/device pair to wake on completion.
type Target struct {
	ID       string
	Keys     denimstore.QueueKeys
	LockKey  string
	Address  string
	DeviceID uint32
}

// Persister migrates Buffer Store queues into a durable Store under the
// queue's persist lock (spec.md §4.5), the same lock GetValues and
// dequeue_bytes check to return empty/refuse while a migration is in
// flight (P7).
type Persister struct {
	store   denimstore.Store
	durable *Store
	notify  Notifier
	log     *observability.Logger
	lockTTL time.Duration
}

// New creates a Persister. A nil logger disables logging.
func New(store denimstore.Store, durable *Store, notify Notifier, log *observability.Logger) *Persister {
	return &Persister{store: store, durable: durable, notify: notify, log: log, lockTTL: DefaultLockTTL}
}

// PersistOnce acquires target's persist lock, copies every entry currently
// in its queue into the durable store, releases the lock, and notifies any
// listener. It returns the number of entries migrated. ErrLockHeld means a
// concurrent persister run owns the queue; callers should treat that as a
// no-op, not a failure.
func (p *Persister) PersistOnce(ctx context.Context, target Target) (int, error) {
	start := time.Now()

	acquired, err := p.store.Lock(ctx, target.LockKey, p.lockTTL)
	if err != nil {
		return 0, fmt.Errorf("persist: lock %s: %w", target.LockKey, err)
	}
	if !acquired {
		return 0, ErrLockHeld
	}
	if p.log != nil {
		p.log.BufferLocked(target.Keys.Queue, p.lockTTL)
	}
	defer func() {
		if err := p.store.Unlock(ctx, target.LockKey); err != nil && !errors.Is(err, denimstore.ErrNotLocked) {
			if p.log != nil {
				p.log.Error(err, "persist: unlock failed")
			}
		}
	}()

	count := 0
	afterID := int64(-1)
	for {
		// Bypass target.LockKey in the read itself: this persister holds
		// it, so the lock only needs to gate *other* readers.
		entries, err := p.store.GetValues(ctx, target.Keys.Queue, "", afterID)
		if err != nil {
			return count, fmt.Errorf("persist: get values: %w", err)
		}
		if len(entries) == 0 {
			break
		}
		for _, entry := range entries {
			if err := p.durable.Put(target.ID, entry.ID, entry.Payload); err != nil {
				return count, fmt.Errorf("persist: put entry %d: %w", entry.ID, err)
			}
			count++
			afterID = int64(entry.ID)
		}
		if len(entries) < denimstore.PageSize {
			break
		}
	}

	if p.log != nil {
		p.log.BufferPersisted(target.Keys.Queue, count, time.Since(start))
	}
	if p.notify != nil {
		p.notify.NotifyPersisted(ctx, target.Address, target.DeviceID)
	}
	return count, nil
}

// Run persists every target TargetLister returns once per interval, until
// ctx is cancelled. A target whose lock is already held is skipped rather
// than retried within the same tick.
func (p *Persister) Run(ctx context.Context, interval time.Duration, targets TargetLister) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, target := range targets.PersistTargets() {
				if _, err := p.PersistOnce(ctx, target); err != nil && !errors.Is(err, ErrLockHeld) {
					if p.log != nil {
						p.log.Error(err, "persist: run failed for target")
					}
				}
			}
		}
	}
}

// TargetLister supplies the set of queues a running Persister should sweep
// on each tick, e.g. every connected device's payload_receiver queue.
type TargetLister interface {
	PersistTargets() []Target
}
