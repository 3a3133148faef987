package libpool

import (
	"context"
	"errors"
	"net"
	"net/url"
	"syscall"
	"time"

	"github.com/quay/zlog"

	"github.com/scrapekit/rookery/internal/debugdump"
)

// Retry budgets for transport-level failures on the same account.
const (
	connectRetryMax = 3
	unknownRetryMax = 3
)

// Client issues requests for one queue. All scheduling is hidden behind Get
// and Post: the client borrows an account, executes, classifies, and moves
// to another account as needed, so callers only ever see a response or a
// sentinel error.
//
// A Client is stateless and safe for concurrent use; concurrent calls
// contend for the same per-queue accounts.
type Client struct {
	pool  *Pool
	queue string
}

// Queue returns the queue this client serves.
func (c *Client) Queue() string {
	return c.queue
}

// Get runs a GET with the given query parameters.
func (c *Client) Get(ctx context.Context, url string, params url.Values) (*Response, error) {
	return c.do(ctx, "GET", url, params, nil)
}

// Post runs a POST with a JSON body.
func (c *Client) Post(ctx context.Context, url string, body []byte) (*Response, error) {
	return c.do(ctx, "POST", url, nil, body)
}

// do is the outer loop: borrow account, execute, classify, release, repeat.
//
// Error contract: the caller gets a response, or [ErrAbort] when the remote
// told us to drop the whole call, [ErrNoAccount] when configured to fail
// fast, [ErrOutdatedCatalog] on the feature-flag developer signal, or a
// transport error that survived the retry budget. Whatever the exit path,
// the borrowed account is always released; cancellation releases with a
// plain unlock and charges nothing.
func (c *Client) do(ctx context.Context, method, rawURL string, params url.Values, body []byte) (_ *Response, err error) {
	ctx = zlog.ContextWithValues(ctx,
		"component", "libpool/Client.do",
		"queue", c.queue,
	)

	var sess *session
	defer func() {
		// Catches cancellation and propagated transport errors. Normal
		// paths have already released and nil'd the session.
		if sess != nil {
			c.release(ctx, &sess, decision{})
		}
	}()

	var unknownRetry, connectRetry int
	for {
		if err := ctx.Err(); err != nil {
			return nil, context.Cause(ctx)
		}
		if sess == nil {
			acc, err := c.pool.mgr.get(ctx, c.queue)
			if err != nil {
				return nil, err
			}
			sess, err = newSession(c.pool, acc)
			if err != nil {
				c.pool.mgr.release(acc.Username, c.queue)
				return nil, err
			}
		}

		rep, err := sess.do(ctx, method, rawURL, params, body)
		switch {
		case err == nil:
		case errors.Is(err, ErrAbort):
			// Token exhaustion; not the account's fault.
			c.release(ctx, &sess, decision{})
			requestsTotal.WithLabelValues(c.queue, "abort").Inc()
			return nil, err
		case ctx.Err() != nil:
			return nil, context.Cause(ctx)
		case isTimeoutErr(err):
			// Transient transport trouble: same account, not counted.
			zlog.Debug(ctx).Err(err).Msg("transport timeout, retrying")
			continue
		case isConnectErr(err):
			connectRetry++
			zlog.Debug(ctx).Err(err).Int("try", connectRetry).Msg("connect error")
			if connectRetry >= connectRetryMax {
				return nil, err
			}
			continue
		default:
			unknownRetry++
			zlog.Warn(ctx).Err(err).Int("try", unknownRetry).Msg("unknown request error")
			if unknownRetry >= unknownRetryMax {
				// Suspicious enough to bench the account, but keep
				// serving the call from another one.
				zlog.Warn(ctx).Msg("unknown errors exhausted, benching account for 15 minutes")
				c.release(ctx, &sess, decision{
					LockUntil:  time.Now().Add(badStatusLock),
					LockReason: "unknown",
				})
				unknownRetry = 0
			}
			continue
		}

		if c.pool.dump != nil {
			c.pool.dump.Write(ctx, &debugdump.Response{
				Account: rep.Account,
				Method:  rep.Method,
				URL:     rep.URL,
				Status:  rep.Status,
				Header:  rep.Header,
				Body:    rep.Body,
			})
		}

		d := c.pool.cls.classify(ctx, rep)
		switch d.Verdict {
		case VerdictFatal:
			c.release(ctx, &sess, decision{})
			requestsTotal.WithLabelValues(c.queue, "fatal").Inc()
			return nil, ErrOutdatedCatalog
		case VerdictAbort:
			c.release(ctx, &sess, decision{})
			requestsTotal.WithLabelValues(c.queue, "abort").Inc()
			return nil, ErrAbort
		case VerdictRetryOther:
			c.release(ctx, &sess, d)
			requestsTotal.WithLabelValues(c.queue, "retry_other").Inc()
			continue
		case VerdictOK:
			sess.reqCount++
			c.release(ctx, &sess, decision{})
			requestsTotal.WithLabelValues(c.queue, "ok").Inc()
			return rep, nil
		}
	}
}

// release tears down the session and applies the decision's persistent
// effect: deactivation, a penalty lock, or a plain unlock. The in-memory
// borrow is dropped last so waiters observe the new store state.
//
// Store writes run on a cancel-proof context; a canceled caller must still
// release cleanly.
func (c *Client) release(ctx context.Context, sess **session, d decision) {
	s := *sess
	if s == nil {
		return
	}
	*sess = nil
	s.close()

	rctx := context.WithoutCancel(ctx)
	user := s.acc.Username
	var err error
	switch {
	case d.Inactive:
		err = c.pool.mgr.markInactive(rctx, user, d.InactiveMsg)
	case !d.LockUntil.IsZero():
		locksTotal.WithLabelValues(c.queue, d.LockReason).Inc()
		zlog.Debug(ctx).
			Str("account", user).
			Time("until", d.LockUntil).
			Str("reason", d.LockReason).
			Msg("locking account")
		err = c.pool.store.LockUntil(rctx, user, c.queue, d.LockUntil, s.reqCount)
	default:
		err = c.pool.store.Unlock(rctx, user, c.queue, s.reqCount)
	}
	if err != nil {
		zlog.Warn(ctx).Err(err).Str("account", user).Msg("release failed")
	}
	c.pool.mgr.release(user, c.queue)
}

// isTimeoutErr reports whether the error is a transport-level timeout,
// retried on the same account without counting.
func isTimeoutErr(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// isConnectErr reports whether the error is a connection failure, typical of
// a down or misconfigured proxy.
func isConnectErr(err error) bool {
	var oe *net.OpError
	if errors.As(err, &oe) && oe.Op == "dial" {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH)
}
