package sqlite

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/scrapekit/rookery"
	"github.com/scrapekit/rookery/store"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "accounts.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mkAccount(username string) *rookery.Account {
	return &rookery.Account{
		Username:  username,
		Email:     username + "@example.com",
		AuthToken: "tok-" + username,
		Cookies:   map[string]string{"ct0": "csrf-" + username},
		Active:    true,
		LastUsed:  time.Unix(0, 0).UTC(),
	}
}

func TestRoundTrip(t *testing.T) {
	ctx := t.Context()
	s := newStore(t)

	want := mkAccount("alpha")
	want.DisplayName = "Alpha"
	want.Headers = map[string]string{"x-extra": "1"}
	want.Proxy = "http://proxy.example:8080"
	if err := s.Add(ctx, want); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, "alpha")
	if err != nil {
		t.Fatal(err)
	}
	if !cmp.Equal(want, got) {
		t.Error(cmp.Diff(want, got))
	}

	// Upsert overwrites fields without touching locks.
	if err := s.LockUntil(ctx, "alpha", "Search", time.Now().Add(time.Hour), 3); err != nil {
		t.Fatal(err)
	}
	want.DisplayName = "Alpha II"
	if err := s.Add(ctx, want); err != nil {
		t.Fatal(err)
	}
	got, err = s.Get(ctx, "alpha")
	if err != nil {
		t.Fatal(err)
	}
	if got.DisplayName != "Alpha II" {
		t.Errorf("got display name %q", got.DisplayName)
	}
	if got.Locks["Search"].ReqCount != 3 {
		t.Errorf("lock lost on upsert: %+v", got.Locks)
	}
}

func TestGetMissing(t *testing.T) {
	ctx := t.Context()
	s := newStore(t)
	if _, err := s.Get(ctx, "nobody"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, "nobody"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestActiveFiltering(t *testing.T) {
	ctx := t.Context()
	s := newStore(t)
	for _, u := range []string{"a", "b", "c"} {
		if err := s.Add(ctx, mkAccount(u)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.SetActive(ctx, "b", false, "banned"); err != nil {
		t.Fatal(err)
	}

	active, err := s.Active(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 {
		t.Fatalf("got %d active accounts, want 2", len(active))
	}
	all, err := s.All(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d accounts, want 3", len(all))
	}

	b, err := s.Get(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if b.Active || b.LastError != "banned" {
		t.Errorf("got active=%v error=%q", b.Active, b.LastError)
	}
	// Reactivation clears the recorded error.
	if err := s.SetActive(ctx, "b", true, ""); err != nil {
		t.Fatal(err)
	}
	b, err = s.Get(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if !b.Active || b.LastError != "" {
		t.Errorf("got active=%v error=%q", b.Active, b.LastError)
	}
}

func TestLockMonotonic(t *testing.T) {
	ctx := t.Context()
	s := newStore(t)
	if err := s.Add(ctx, mkAccount("a")); err != nil {
		t.Fatal(err)
	}

	far := time.Now().Add(2 * time.Hour).Truncate(time.Second)
	if err := s.LockUntil(ctx, "a", "Search", far, 1); err != nil {
		t.Fatal(err)
	}
	// An earlier instant must not pull the window back.
	if err := s.LockUntil(ctx, "a", "Search", time.Now().Add(time.Minute), 1); err != nil {
		t.Fatal(err)
	}
	a, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	l := a.Locks["Search"]
	if !l.UnlockAt.Equal(far) {
		t.Errorf("unlock pulled back: got %v, want %v", l.UnlockAt, far)
	}
	if l.ReqCount != 2 {
		t.Errorf("got req count %d, want 2", l.ReqCount)
	}

	// Explicit reset is the only way back.
	if err := s.ResetLocks(ctx); err != nil {
		t.Fatal(err)
	}
	a, err = s.Get(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Locks) != 0 {
		t.Errorf("locks survived reset: %+v", a.Locks)
	}
}

func TestNextAvailableOrdering(t *testing.T) {
	ctx := t.Context()
	s := newStore(t)
	now := time.Now()

	// "late" unlocked further in the past than "early"; ready accounts
	// order by unlock-at ascending. "fresh" has no lock row at all, which
	// sorts as the epoch and wins outright.
	for u, unlock := range map[string]time.Time{
		"early": now.Add(-time.Minute),
		"late":  now.Add(-time.Hour),
	} {
		if err := s.Add(ctx, mkAccount(u)); err != nil {
			t.Fatal(err)
		}
		if err := s.LockUntil(ctx, u, "Search", unlock, 0); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Add(ctx, mkAccount("fresh")); err != nil {
		t.Fatal(err)
	}

	a, _, err := s.NextAvailable(ctx, "Search", nil)
	if err != nil {
		t.Fatal(err)
	}
	if a == nil || a.Username != "fresh" {
		t.Fatalf("got %+v, want fresh", a)
	}

	a, _, err = s.NextAvailable(ctx, "Search", []string{"fresh"})
	if err != nil {
		t.Fatal(err)
	}
	if a == nil || a.Username != "late" {
		t.Fatalf("got %+v, want late", a)
	}

	// Skip works, and selection bumps last-used.
	b, _, err := s.NextAvailable(ctx, "Search", []string{"fresh", "late"})
	if err != nil {
		t.Fatal(err)
	}
	if b == nil || b.Username != "early" {
		t.Fatalf("got %+v, want early", b)
	}
	got, err := s.Get(ctx, "early")
	if err != nil {
		t.Fatal(err)
	}
	if got.LastUsed.Before(now.Add(-time.Second)) {
		t.Errorf("last-used not advanced: %v", got.LastUsed)
	}
}

func TestNextAvailableFuture(t *testing.T) {
	ctx := t.Context()
	s := newStore(t)
	if err := s.Add(ctx, mkAccount("a")); err != nil {
		t.Fatal(err)
	}
	until := time.Now().Add(30 * time.Minute).Truncate(time.Second)
	if err := s.LockUntil(ctx, "a", "Search", until, 0); err != nil {
		t.Fatal(err)
	}

	a, next, err := s.NextAvailable(ctx, "Search", nil)
	if err != nil {
		t.Fatal(err)
	}
	if a != nil {
		t.Fatalf("got %q, want no account", a.Username)
	}
	if !next.Equal(until) {
		t.Errorf("got next unlock %v, want %v", next, until)
	}

	// Inactive accounts don't count toward the earliest unlock.
	if err := s.SetActive(ctx, "a", false, "x"); err != nil {
		t.Fatal(err)
	}
	a, next, err = s.NextAvailable(ctx, "Search", nil)
	if err != nil {
		t.Fatal(err)
	}
	if a != nil || !next.IsZero() {
		t.Errorf("got (%v, %v), want (nil, zero)", a, next)
	}
}

func TestUnlockMakesAvailable(t *testing.T) {
	ctx := t.Context()
	s := newStore(t)
	if err := s.Add(ctx, mkAccount("a")); err != nil {
		t.Fatal(err)
	}
	if err := s.Unlock(ctx, "a", "Search", 5); err != nil {
		t.Fatal(err)
	}
	a, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	l := a.Locks["Search"]
	if l.ReqCount != 5 {
		t.Errorf("got req count %d, want 5", l.ReqCount)
	}
	if d := time.Until(l.UnlockAt); d > time.Second {
		t.Errorf("unlock window too far out: %v", d)
	}

	// The account is immediately eligible again.
	got, _, err := s.NextAvailable(ctx, "Search", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Username != "a" {
		t.Fatalf("got %+v, want a", got)
	}
}

func TestStats(t *testing.T) {
	ctx := t.Context()
	s := newStore(t)
	for _, u := range []string{"a", "b", "c"} {
		if err := s.Add(ctx, mkAccount(u)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.SetActive(ctx, "c", false, "gone"); err != nil {
		t.Fatal(err)
	}
	if err := s.LockUntil(ctx, "a", "Search", time.Now().Add(time.Hour), 0); err != nil {
		t.Fatal(err)
	}
	if err := s.LockUntil(ctx, "b", "Search", time.Now().Add(-time.Hour), 0); err != nil {
		t.Fatal(err)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := &store.Stats{
		Total:    3,
		Active:   2,
		Inactive: 1,
		Locked:   map[string]int{"Search": 1},
	}
	if !cmp.Equal(want, st) {
		t.Error(cmp.Diff(want, st))
	}
}
