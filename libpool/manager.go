package libpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quay/zlog"
	"golang.org/x/time/rate"

	"github.com/scrapekit/rookery"
	"github.com/scrapekit/rookery/store"
)

// pollInterval paces store queries while waiting for an account. Waiters are
// primarily driven by release broadcasts and unlock deadlines; the limiter
// just keeps a thundering herd from hammering the single-writer store.
var pollInterval = rate.Every(100 * time.Millisecond)

// idlePoll is the fallback re-check period when no future unlock instant is
// known.
const idlePoll = time.Second

type borrowKey struct {
	username, queue string
}

// manager arbitrates in-process borrows of accounts. The store's unlock
// window is the persistent gate; the borrow set here is the live one. Both
// must pass for an account to be handed out.
type manager struct {
	store     store.Store
	errIfNone bool
	poll      *rate.Limiter

	mu       sync.Mutex
	borrowed map[borrowKey]struct{}
	// wake is closed and replaced on every release, broadcasting to
	// waiters.
	wake chan struct{}
}

func newManager(s store.Store, errIfNone bool) *manager {
	return &manager{
		store:     s,
		errIfNone: errIfNone,
		poll:      rate.NewLimiter(pollInterval, 1),
		borrowed:  make(map[borrowKey]struct{}),
		wake:      make(chan struct{}),
	}
}

// get returns an account that is active, unlocked for queue, and not
// borrowed by another in-process caller, waiting cooperatively when none is
// ready. Cancellation returns the context's error; no borrow is held in that
// case.
func (m *manager) get(ctx context.Context, queue string) (*rookery.Account, error) {
	ctx = zlog.ContextWithValues(ctx, "queue", queue)
	waiting := false
	start := time.Now()
	for {
		if err := m.poll.Wait(ctx); err != nil {
			return nil, err
		}
		acc, next, err := m.store.NextAvailable(ctx, queue, m.borrowedFor(queue))
		if err != nil {
			return nil, fmt.Errorf("libpool: selecting account: %w", err)
		}
		if acc != nil {
			if m.tryBorrow(acc.Username, queue) {
				if waiting {
					waitSeconds.WithLabelValues(queue).Observe(time.Since(start).Seconds())
				}
				return acc, nil
			}
			// Raced another caller between the store query and the
			// borrow. Go around again.
			continue
		}

		if m.errIfNone {
			return nil, fmt.Errorf("%w: %q", ErrNoAccount, queue)
		}
		if !waiting {
			waiting = true
			zlog.Debug(ctx).Time("next_unlock", next).Msg("no account ready, waiting")
		}
		if err := m.wait(ctx, next); err != nil {
			return nil, err
		}
	}
}

// wait blocks until a release broadcast, the given unlock instant, or
// cancellation.
func (m *manager) wait(ctx context.Context, next time.Time) error {
	m.mu.Lock()
	wake := m.wake
	m.mu.Unlock()

	d := idlePoll
	if !next.IsZero() {
		// A beat past the unlock instant, so the store query lands on
		// the far side of it.
		d = time.Until(next) + 50*time.Millisecond
		if d < 0 {
			d = 0
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-wake:
	case <-t.C:
	}
	return nil
}

func (m *manager) tryBorrow(username, queue string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := borrowKey{username, queue}
	if _, taken := m.borrowed[k]; taken {
		return false
	}
	m.borrowed[k] = struct{}{}
	return true
}

// release drops the borrow and wakes every waiter.
func (m *manager) release(username, queue string) {
	m.mu.Lock()
	delete(m.borrowed, borrowKey{username, queue})
	close(m.wake)
	m.wake = make(chan struct{})
	m.mu.Unlock()
}

// borrowedFor lists usernames currently borrowed for queue, for exclusion
// from store selection.
func (m *manager) borrowedFor(queue string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.borrowed {
		if k.queue == queue {
			out = append(out, k.username)
		}
	}
	return out
}

// markInactive durably deactivates the account and broadcasts so waiters
// re-evaluate.
func (m *manager) markInactive(ctx context.Context, username, msg string) error {
	if err := m.store.SetActive(ctx, username, false, msg); err != nil {
		return fmt.Errorf("libpool: deactivating %q: %w", username, err)
	}
	inactiveTotal.Inc()
	zlog.Warn(ctx).Str("account", username).Str("reason", msg).Msg("account marked inactive")
	m.mu.Lock()
	close(m.wake)
	m.wake = make(chan struct{})
	m.mu.Unlock()
	return nil
}
