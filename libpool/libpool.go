// Package libpool schedules requests across a fleet of authenticated
// accounts.
//
// Callers construct a [Pool] over a [store.Store], then issue requests
// through per-queue [Client] values or page through timelines with a
// [Pager]. The pool transparently picks an unlocked account for each call,
// classifies the remote's many soft- and hard-failure signals, applies
// per-(account, queue) lock windows and reputation penalties, and retries on
// other accounts until it can hand back a response.
package libpool

import (
	"context"
	"errors"
	"fmt"

	"github.com/quay/zlog"

	"github.com/scrapekit/rookery/internal/debugdump"
	"github.com/scrapekit/rookery/internal/ratelog"
	"github.com/scrapekit/rookery/internal/xclid"
	"github.com/scrapekit/rookery/store"
)

// Pool owns the scheduling state shared by every Client: the lock manager,
// the reputation counters, the token source, and the optional debug and
// rate-limit logs.
type Pool struct {
	store  store.Store
	mgr    *manager
	cls    *classifier
	tokens *xclid.Source
	rlog   *ratelog.Log
	dump   *debugdump.Dir

	opts Options
}

// New constructs a Pool.
func New(ctx context.Context, opts Options) (*Pool, error) {
	if opts.Store == nil {
		return nil, errors.New("libpool: Options.Store is required")
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = DefaultHTTPTimeout
	}
	if opts.TokenFactory == nil {
		opts.TokenFactory = xclid.Local()
	}

	p := &Pool{
		store:  opts.Store,
		mgr:    newManager(opts.Store, opts.ErrIfNoAccount),
		tokens: xclid.NewSource(opts.TokenFactory),
		opts:   opts,
	}
	if !opts.DisableRateLog {
		dir := opts.RateLogDir
		if dir == "" {
			d, err := ratelog.DefaultDir()
			if err != nil {
				return nil, fmt.Errorf("libpool: resolving rate log dir: %w", err)
			}
			dir = d
		}
		p.rlog = ratelog.New(dir)
	}
	if opts.Debug {
		d, err := debugdump.New()
		if err != nil {
			return nil, fmt.Errorf("libpool: %w", err)
		}
		p.dump = d
		zlog.Info(ctx).Str("dir", d.Root()).Msg("debug dumps enabled")
	}
	p.cls = &classifier{rep: newReputation(), rlog: p.rlog}
	return p, nil
}

// Store returns the pool's backing store, for account administration.
func (p *Pool) Store() store.Store {
	return p.store
}

// Client returns a request client bound to the named queue. Clients are
// cheap and safe for concurrent use.
func (p *Pool) Client(queue string) *Client {
	return &Client{pool: p, queue: queue}
}

// MarkInactive durably deactivates the account and wakes any waiters so
// they stop considering it.
func (p *Pool) MarkInactive(ctx context.Context, username, msg string) error {
	return p.mgr.markInactive(ctx, username, msg)
}

// Close releases pool-owned resources. The store is left open.
func (p *Pool) Close(_ context.Context) error {
	return p.rlog.Close()
}
