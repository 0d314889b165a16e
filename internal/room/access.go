package room

import (
	"context"
	"log/slog"

	"github.com/tablesync/tablesync/internal/security"
	"github.com/tablesync/tablesync/internal/storage"
)

// AccessController pins the first access key presented for each role and
// admits later joins only when their key hashes to the pinned value.
type AccessController struct {
	roomID string
	store  storage.Store
	log    *slog.Logger
	pinned map[string]string
}

// NewAccessController returns a controller with nothing pinned.
func NewAccessController(roomID string, store storage.Store, log *slog.Logger) *AccessController {
	return &AccessController{
		roomID: roomID,
		store:  store,
		log:    log,
		pinned: make(map[string]string, 2),
	}
}

// Restore adopts previously pinned hashes.
func (a *AccessController) Restore(hashes map[string]string) {
	for role, h := range hashes {
		if role == storage.RolePlayer || role == storage.RoleSpectator {
			a.pinned[role] = h
		}
	}
}

// Pinned reports whether role already has a key.
func (a *AccessController) Pinned(role string) bool {
	_, ok := a.pinned[role]
	return ok
}

// Authorize reports whether key admits role. The first key for a role is
// pinned and written to the store; a failed write is logged and the pin
// still holds in memory.
func (a *AccessController) Authorize(ctx context.Context, role, key string) bool {
	if role != storage.RolePlayer && role != storage.RoleSpectator {
		return false
	}
	if key == "" {
		return false
	}

	h := security.HashAccessKey(key)
	if pinned, ok := a.pinned[role]; ok {
		return security.HashMatch(h, pinned)
	}

	a.pinned[role] = h
	if err := a.store.SaveKeyHash(ctx, a.roomID, role, h); err != nil {
		a.log.Error("failed to persist access key hash", "role", role, "error", err)
	}
	a.log.Info("access key pinned", "role", role)
	return true
}

// Reset forgets every pin.
func (a *AccessController) Reset() {
	a.pinned = make(map[string]string, 2)
}
