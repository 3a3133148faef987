package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v8"

	"github.com/scrapekit/rookery"
	"github.com/scrapekit/rookery/store"
)

// LockUntil advances the unlock timestamp for (username, queue) and adds
// reqCount to the queue's request counter. The timestamp is monotonic: an
// earlier instant than the stored one is a no-op on the window.
func (s *Store) LockUntil(ctx context.Context, username, queue string, until time.Time, reqCount int64) error {
	if _, err := s.Get(ctx, username); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, upsertLock, username, queue, until.Unix(), reqCount); err != nil {
		return fmt.Errorf("sqlite: locking %q/%q: %w", username, queue, err)
	}
	return nil
}

// upsertLock implements the monotonic advance: MAX keeps an already-later
// window, and the counter accumulates.
const upsertLock = `
INSERT INTO account_locks (username, queue, unlock_at, req_count)
VALUES (?, ?, ?, ?)
ON CONFLICT(username, queue) DO UPDATE SET
	unlock_at = MAX(account_locks.unlock_at, excluded.unlock_at),
	req_count = account_locks.req_count + excluded.req_count;
`

// Unlock marks the account immediately available for the queue again.
func (s *Store) Unlock(ctx context.Context, username, queue string, reqCount int64) error {
	return s.LockUntil(ctx, username, queue, time.Now(), reqCount)
}

// ResetLocks drops every lock window. Request counters go with them.
func (s *Store) ResetLocks(ctx context.Context) error {
	q, _, err := dialect.Delete("account_locks").ToSQL()
	if err != nil {
		return fmt.Errorf("sqlite: building lock reset: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("sqlite: resetting locks: %w", err)
	}
	return nil
}

// NextAvailable implements the fairness rule: among active accounts whose
// unlock time for queue has passed, pick the earliest unlock time, breaking
// ties by least recently used. The winner's last-used timestamp is advanced
// so repeated calls rotate through the fleet.
func (s *Store) NextAvailable(ctx context.Context, queue string, skip []string) (*rookery.Account, time.Time, error) {
	now := time.Now()
	unlockAt := goqu.COALESCE(goqu.I("l.unlock_at"), 0)
	sel := dialect.From(goqu.T("accounts").As("a")).
		LeftJoin(
			goqu.T("account_locks").As("l"),
			goqu.On(
				goqu.I("l.username").Eq(goqu.I("a.username")),
				goqu.I("l.queue").Eq(queue),
			),
		).
		Select(goqu.I("a.username")).
		Where(
			goqu.I("a.active").Eq(1),
			unlockAt.Lte(now.Unix()),
		).
		Order(goqu.L("COALESCE(l.unlock_at, 0)").Asc(), goqu.I("a.last_used").Asc(), goqu.I("a.username").Asc()).
		Limit(1)
	if len(skip) > 0 {
		sel = sel.Where(goqu.I("a.username").NotIn(skip))
	}
	q, args, err := sel.ToSQL()
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("sqlite: building candidate select: %w", err)
	}

	var username string
	err = s.db.QueryRowContext(ctx, q, args...).Scan(&username)
	switch {
	case err == nil:
		if err := s.updateAccount(ctx, username, goqu.Record{"last_used": now.Unix()}); err != nil {
			return nil, time.Time{}, err
		}
		a, err := s.Get(ctx, username)
		if err != nil {
			return nil, time.Time{}, err
		}
		return a, time.Time{}, nil
	case errNoRows(err):
		t, err := s.nextUnlock(ctx, queue, skip, now)
		return nil, t, err
	default:
		return nil, time.Time{}, fmt.Errorf("sqlite: selecting candidate: %w", err)
	}
}

// nextUnlock returns the earliest future unlock instant for queue among
// active accounts, or the zero time when there is none.
func (s *Store) nextUnlock(ctx context.Context, queue string, skip []string, now time.Time) (time.Time, error) {
	sel := dialect.From(goqu.T("account_locks").As("l")).
		Join(
			goqu.T("accounts").As("a"),
			goqu.On(goqu.I("a.username").Eq(goqu.I("l.username"))),
		).
		Select(goqu.MIN(goqu.I("l.unlock_at"))).
		Where(
			goqu.I("a.active").Eq(1),
			goqu.I("l.queue").Eq(queue),
			goqu.I("l.unlock_at").Gt(now.Unix()),
		)
	if len(skip) > 0 {
		sel = sel.Where(goqu.I("a.username").NotIn(skip))
	}
	q, args, err := sel.ToSQL()
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: building next-unlock select: %w", err)
	}
	var min sql.NullInt64
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&min); err != nil && !errNoRows(err) {
		return time.Time{}, fmt.Errorf("sqlite: selecting next unlock: %w", err)
	}
	if !min.Valid {
		return time.Time{}, nil
	}
	return time.Unix(min.Int64, 0).UTC(), nil
}

// Stats summarizes the fleet and its currently-locked windows.
func (s *Store) Stats(ctx context.Context) (*store.Stats, error) {
	st := store.Stats{Locked: map[string]int{}}
	q, _, err := dialect.From("accounts").
		Select(goqu.COUNT("*"), goqu.SUM(goqu.C("active"))).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("sqlite: building stats select: %w", err)
	}
	var active sql.NullInt64
	if err := s.db.QueryRowContext(ctx, q).Scan(&st.Total, &active); err != nil {
		return nil, fmt.Errorf("sqlite: counting accounts: %w", err)
	}
	st.Active = int(active.Int64)
	st.Inactive = st.Total - st.Active

	q, args, err := dialect.From(goqu.T("account_locks").As("l")).
		Join(
			goqu.T("accounts").As("a"),
			goqu.On(goqu.I("a.username").Eq(goqu.I("l.username"))),
		).
		Select(goqu.I("l.queue"), goqu.COUNT("*")).
		Where(
			goqu.I("a.active").Eq(1),
			goqu.I("l.unlock_at").Gt(time.Now().Unix()),
		).
		GroupBy(goqu.I("l.queue")).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("sqlite: building lock stats: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: counting locks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			queue string
			n     int
		)
		if err := rows.Scan(&queue, &n); err != nil {
			return nil, fmt.Errorf("sqlite: scan error: %w", err)
		}
		st.Locked[queue] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: scanning lock stats: %w", err)
	}
	return &st, nil
}
