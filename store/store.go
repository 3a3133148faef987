// Package store defines the persistence interface for the account fleet.
//
// Implementations must serialize writes per account; see the sqlite
// subpackage for the embedded single-file implementation.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/scrapekit/rookery"
)

// ErrNotFound is reported when the named account does not exist.
var ErrNotFound = errors.New("store: account not found")

// Store is the durable record of identities and their per-queue lock
// windows.
type Store interface {
	// Add upserts the account, keyed by username.
	Add(ctx context.Context, a *rookery.Account) error
	// Get returns the named account or ErrNotFound.
	Get(ctx context.Context, username string) (*rookery.Account, error)
	// All returns every account.
	All(ctx context.Context) ([]*rookery.Account, error)
	// Active returns every account with the active flag set.
	Active(ctx context.Context) ([]*rookery.Account, error)
	// Delete removes the account and its locks.
	Delete(ctx context.Context, username string) error

	// SetCookies replaces the serialized cookie jar.
	SetCookies(ctx context.Context, username string, cookies map[string]string) error
	// SetActive flips the active flag. When deactivating, reason is
	// recorded as the account's last error.
	SetActive(ctx context.Context, username string, active bool, reason string) error

	// LockUntil advances the unlock timestamp for (username, queue) and
	// adds reqCount to the per-queue request counter. The timestamp never
	// moves backwards.
	LockUntil(ctx context.Context, username, queue string, until time.Time, reqCount int64) error
	// Unlock is LockUntil with a timestamp of now, marking the account
	// immediately available again while still recording the request count.
	Unlock(ctx context.Context, username, queue string, reqCount int64) error
	// ResetLocks clears every lock window, making all accounts
	// immediately eligible. The explicit escape hatch from lock
	// monotonicity.
	ResetLocks(ctx context.Context) error

	// NextAvailable returns an active account whose unlock time for queue
	// has passed, preferring the earliest unlock time with least-recently
	// used as the tiebreak, and skipping the given usernames. The
	// account's last-used timestamp is advanced as a side effect. When no
	// account is ready, it returns a nil account and the earliest future
	// unlock instant among active accounts (the zero time when there are
	// none).
	NextAvailable(ctx context.Context, queue string, skip []string) (*rookery.Account, time.Time, error)

	// Stats summarizes the fleet.
	Stats(ctx context.Context) (*Stats, error)

	Close() error
}

// Stats is a point-in-time summary of the fleet and its lock windows.
type Stats struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	Inactive int `json:"inactive"`
	// Locked counts, per queue, the active accounts whose unlock time is
	// still in the future.
	Locked map[string]int `json:"locked,omitempty"`
}
