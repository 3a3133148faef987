package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v8"

	"github.com/scrapekit/rookery"
	"github.com/scrapekit/rookery/store"
)

var _ store.Store = (*Store)(nil)

// upsertAccount is hand-written: the sqlite3 dialect's conflict-clause
// support is not trustworthy enough for the one query that must be an
// upsert.
const upsertAccount = `
INSERT INTO accounts
	(username, display_name, email, password, auth_token, cookies, headers,
	 user_agent, proxy, active, last_used, last_error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(username) DO UPDATE SET
	display_name = excluded.display_name,
	email        = excluded.email,
	password     = excluded.password,
	auth_token   = excluded.auth_token,
	cookies      = excluded.cookies,
	headers      = excluded.headers,
	user_agent   = excluded.user_agent,
	proxy        = excluded.proxy,
	active       = excluded.active,
	last_used    = excluded.last_used,
	last_error   = excluded.last_error;
`

// Add upserts the account, keyed by username. The lock table is left
// untouched, so re-adding an account does not clear its windows.
func (s *Store) Add(ctx context.Context, a *rookery.Account) error {
	cookies, err := json.Marshal(orEmpty(a.Cookies))
	if err != nil {
		return fmt.Errorf("sqlite: encoding cookies: %w", err)
	}
	headers, err := json.Marshal(orEmpty(a.Headers))
	if err != nil {
		return fmt.Errorf("sqlite: encoding headers: %w", err)
	}
	_, err = s.db.ExecContext(ctx, upsertAccount,
		a.Username, a.DisplayName, a.Email, a.Password, a.AuthToken,
		string(cookies), string(headers), a.UserAgent, a.Proxy,
		boolInt(a.Active), a.LastUsed.Unix(), a.LastError)
	if err != nil {
		return fmt.Errorf("sqlite: upserting %q: %w", a.Username, err)
	}
	return nil
}

// Get returns the named account, locks included.
func (s *Store) Get(ctx context.Context, username string) (*rookery.Account, error) {
	as, err := s.selectAccounts(ctx, goqu.Ex{"username": username})
	if err != nil {
		return nil, err
	}
	if len(as) == 0 {
		return nil, fmt.Errorf("sqlite: %q: %w", username, store.ErrNotFound)
	}
	return as[0], nil
}

// All returns every account.
func (s *Store) All(ctx context.Context) ([]*rookery.Account, error) {
	return s.selectAccounts(ctx, nil)
}

// Active returns every account with the active flag set.
func (s *Store) Active(ctx context.Context) ([]*rookery.Account, error) {
	return s.selectAccounts(ctx, goqu.Ex{"active": 1})
}

// Delete removes the account; the lock rows go with it.
func (s *Store) Delete(ctx context.Context, username string) error {
	q, args, err := dialect.Delete("accounts").
		Where(goqu.Ex{"username": username}).
		ToSQL()
	if err != nil {
		return fmt.Errorf("sqlite: building delete: %w", err)
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("sqlite: deleting %q: %w", username, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("sqlite: %q: %w", username, store.ErrNotFound)
	}
	return nil
}

// SetCookies replaces the serialized cookie jar.
func (s *Store) SetCookies(ctx context.Context, username string, cookies map[string]string) error {
	buf, err := json.Marshal(orEmpty(cookies))
	if err != nil {
		return fmt.Errorf("sqlite: encoding cookies: %w", err)
	}
	return s.updateAccount(ctx, username, goqu.Record{"cookies": string(buf)})
}

// SetActive flips the active flag, recording reason as the last error on
// deactivation and clearing it on reactivation.
func (s *Store) SetActive(ctx context.Context, username string, active bool, reason string) error {
	rec := goqu.Record{"active": boolInt(active)}
	if active {
		rec["last_error"] = ""
	} else {
		rec["last_error"] = reason
	}
	return s.updateAccount(ctx, username, rec)
}

func (s *Store) updateAccount(ctx context.Context, username string, rec goqu.Record) error {
	q, args, err := dialect.Update("accounts").
		Set(rec).
		Where(goqu.Ex{"username": username}).
		ToSQL()
	if err != nil {
		return fmt.Errorf("sqlite: building update: %w", err)
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("sqlite: updating %q: %w", username, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("sqlite: %q: %w", username, store.ErrNotFound)
	}
	return nil
}

func (s *Store) selectAccounts(ctx context.Context, where goqu.Ex) ([]*rookery.Account, error) {
	sel := dialect.From("accounts").
		Select("username", "display_name", "email", "password", "auth_token",
			"cookies", "headers", "user_agent", "proxy", "active", "last_used", "last_error").
		Order(goqu.C("username").Asc())
	if where != nil {
		sel = sel.Where(where)
	}
	q, args, err := sel.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("sqlite: building select: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: selecting accounts: %w", err)
	}
	defer rows.Close()

	var out []*rookery.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: scanning accounts: %w", err)
	}
	for _, a := range out {
		if err := s.loadLocks(ctx, a); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(r rowScanner) (*rookery.Account, error) {
	var (
		a                marshaledAccount
		cookies, headers string
	)
	err := r.Scan(&a.Username, &a.DisplayName, &a.Email, &a.Password, &a.AuthToken,
		&cookies, &headers, &a.UserAgent, &a.Proxy, &a.active, &a.lastUsed, &a.LastError)
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan error: %w", err)
	}
	if err := json.Unmarshal([]byte(cookies), &a.Cookies); err != nil {
		return nil, fmt.Errorf("sqlite: decoding cookies for %q: %w", a.Username, err)
	}
	if err := json.Unmarshal([]byte(headers), &a.Headers); err != nil {
		return nil, fmt.Errorf("sqlite: decoding headers for %q: %w", a.Username, err)
	}
	a.Active = a.active != 0
	a.LastUsed = time.Unix(a.lastUsed, 0).UTC()
	return &a.Account, nil
}

type marshaledAccount struct {
	rookery.Account
	active   int64
	lastUsed int64
}

func (s *Store) loadLocks(ctx context.Context, a *rookery.Account) error {
	q, args, err := dialect.From("account_locks").
		Select("queue", "unlock_at", "req_count").
		Where(goqu.Ex{"username": a.Username}).
		ToSQL()
	if err != nil {
		return fmt.Errorf("sqlite: building lock select: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("sqlite: selecting locks for %q: %w", a.Username, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			queue            string
			unlockAt, reqCnt int64
		)
		if err := rows.Scan(&queue, &unlockAt, &reqCnt); err != nil {
			return fmt.Errorf("sqlite: scan error: %w", err)
		}
		if a.Locks == nil {
			a.Locks = make(map[string]rookery.Lock)
		}
		a.Locks[queue] = rookery.Lock{
			UnlockAt: time.Unix(unlockAt, 0).UTC(),
			ReqCount: reqCnt,
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("sqlite: scanning locks: %w", err)
	}
	return nil
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// errNoRows reports whether err is the database's no-rows sentinel.
func errNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
