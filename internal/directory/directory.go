// Package directory holds the current credential-to-user-id mapping and
// refreshes it periodically from the panel. Hot-path validation never
// re-derives a credential; it only looks one up in the current snapshot.
package directory

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/gencl6ud/gencloud/internal/bytesconv"
	"github.com/gencl6ud/gencloud/internal/panel"
	"github.com/gencl6ud/gencloud/internal/trojan"
)

// unknownUserID is returned alongside ok=false from Validate.
const unknownUserID = -1

// snapshot is an immutable point-in-time view of the directory. Readers
// load a *snapshot atomically; the refresher builds a brand new one and
// swaps it in, so a reader never observes a partially updated mapping.
type snapshot struct {
	byCredential map[string]int32
}

// Directory is the User Directory component. Many goroutines
// call Validate concurrently on the hot relay path; exactly one goroutine
// (the refresh loop) ever replaces the snapshot.
type Directory struct {
	logger  *zap.Logger
	current atomic.Pointer[snapshot]
}

// New returns an empty Directory, ready to be read immediately (every
// Validate call misses until the first refresh completes).
func New(logger *zap.Logger) *Directory {
	d := &Directory{logger: logger}
	d.current.Store(&snapshot{byCredential: map[string]int32{}})
	return d
}

// Validate looks up cred against the current snapshot. It never blocks on
// a refresh in progress: readers always see either the pre-refresh or the
// post-refresh mapping, never a mixture.
func (d *Directory) Validate(cred trojan.Credential) (ok bool, userID int32) {
	snap := d.current.Load()
	// Zero-copy: cred is a fixed-size array already owned by the caller's
	// stack frame, not a buffer that will be mutated or reused afterward,
	// so viewing it as a string for this lookup is safe.
	id, found := snap.byCredential[bytesconv.BytesToString(cred[:])]
	if !found {
		return false, unknownUserID
	}
	return true, id
}

// Len reports the number of users in the current snapshot. Exposed for
// tests.
func (d *Directory) Len() int {
	return len(d.current.Load().byCredential)
}

// StartRefresh runs the refresh loop until ctx is cancelled. The first
// refresh fires one interval after start (no immediate tick); a failed
// refresh is logged and skipped, with no backoff — the next tick simply
// tries again.
func (d *Directory) StartRefresh(ctx context.Context, client *panel.Client, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.refreshOnce(ctx, client)
		}
	}
}

func (d *Directory) refreshOnce(ctx context.Context, client *panel.Client) {
	users, err := client.FetchUsers(ctx)
	if err != nil {
		d.logger.Warn("user refresh failed, keeping previous snapshot", zap.Error(err))
		return
	}

	next := &snapshot{byCredential: make(map[string]int32, len(users))}
	for _, u := range users {
		next.byCredential[string(u.Credential[:])] = u.ID
	}
	d.current.Store(next)
	d.logger.Info("user directory refreshed", zap.Int("user_count", len(next.byCredential)))
}
