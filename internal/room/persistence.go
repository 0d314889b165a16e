package room

import (
	"context"

	"github.com/tablesync/tablesync/internal/metrics"
)

func (r *Room) storageContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.cfg.StorageTimeout)
}

// boot loads the stored room. A snapshot younger than the grace window is
// applied together with its pinned key hashes; anything older, or hashes
// without a snapshot time, is deleted. Storage errors mean a cold start.
func (r *Room) boot() {
	ctx, cancel := r.storageContext()
	defer cancel()

	snap, err := r.store.Load(ctx, r.id)
	switch {
	case err != nil:
		r.log.Error("room restore failed, starting empty", "error", err)
		r.metrics.Restored(metrics.RestoreError)
	case snap.Empty():
		r.metrics.Restored(metrics.RestoreEmpty)
	case !snap.SavedAt.IsZero() && r.clock.Now().Sub(snap.SavedAt) < r.cfg.EmptyRoomGrace:
		if len(snap.Document) > 0 {
			if err := r.doc.LoadState(snap.Document); err != nil {
				r.log.Error("stored snapshot unreadable, discarding", "error", err)
				r.purge(ctx)
				r.metrics.Restored(metrics.RestoreError)
				return
			}
		}
		r.access.Restore(snap.KeyHashes)
		r.metrics.Restored(metrics.RestoreApplied)
		r.log.Info("room restored",
			"age", r.clock.Now().Sub(snap.SavedAt).String(),
			"updates", r.doc.Len(),
			"pinned_roles", len(snap.KeyHashes),
		)
	default:
		r.log.Info("stored room state expired, discarding", "saved_at", snap.SavedAt)
		r.purge(ctx)
		r.metrics.Restored(metrics.RestoreExpired)
	}
}

func (r *Room) purge(ctx context.Context) {
	if err := r.store.Delete(ctx, r.id); err != nil {
		r.log.Error("failed to delete stored room state", "error", err)
	}
}

// schedulePersist arms the debounced snapshot write unless one is pending.
func (r *Room) schedulePersist() {
	if r.persistTimer != nil {
		return
	}
	gen := r.persistGen
	r.persistTimer = r.clock.AfterFunc(r.cfg.PersistDebounce, func() {
		r.enqueue(context.Background(), func() { r.flushPersist(gen) })
	})
}

func (r *Room) flushPersist(gen uint64) {
	if gen != r.persistGen || r.persistTimer == nil {
		return
	}
	r.persistTimer = nil
	r.persistGen++
	r.writeSnapshot()
}

// cancelPersist drops a pending write and reports whether one was pending.
func (r *Room) cancelPersist() bool {
	if r.persistTimer == nil {
		return false
	}
	r.persistTimer.Stop()
	r.persistTimer = nil
	r.persistGen++
	return true
}

// writeSnapshot stores the full document stamped with the current time.
// A failed write is retried by the next update's debounce.
func (r *Room) writeSnapshot() {
	ctx, cancel := r.storageContext()
	defer cancel()

	state := r.doc.EncodeFullState()
	err := r.store.SaveDocument(ctx, r.id, state, r.clock.Now())
	r.metrics.Persisted(err)
	if err != nil {
		r.log.Error("failed to persist room snapshot", "error", err)
		return
	}
	r.log.Debug("room snapshot persisted", "bytes", len(state), "updates", r.doc.Len())
}

// scheduleExpiry (re)starts the empty-room countdown.
func (r *Room) scheduleExpiry() {
	r.cancelExpiry()
	gen := r.expiryGen
	r.expiryTimer = r.clock.AfterFunc(r.cfg.EmptyRoomGrace, func() {
		r.enqueue(context.Background(), func() { r.expire(gen) })
	})
	r.log.Debug("room empty, expiry scheduled", "grace", r.cfg.EmptyRoomGrace.String())
}

func (r *Room) cancelExpiry() {
	if r.expiryTimer == nil {
		return
	}
	r.expiryTimer.Stop()
	r.expiryTimer = nil
	r.expiryGen++
}

// expire deletes the stored room and resets every in-memory structure.
// With a retire hook installed the room then stops for good.
func (r *Room) expire(gen uint64) {
	if gen != r.expiryGen || r.expiryTimer == nil || r.reg.len() > 0 || r.closed {
		return
	}
	r.expiryTimer = nil
	r.expiryGen++
	r.cancelPersist()

	ctx, cancel := r.storageContext()
	r.purge(ctx)
	cancel()

	r.reset()
	r.metrics.Expired()
	r.log.Info("room expired after empty grace window")

	if r.onRetire != nil {
		r.closed = true
		r.onRetire(r)
		r.stop()
	}
}
