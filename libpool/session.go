package libpool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/scrapekit/rookery"
	"github.com/scrapekit/rookery/internal/xclid"
)

// notFoundTries is how many times a request is re-sent with a fresh
// transaction id when the remote answers 404.
const notFoundTries = 3

// Response is a fully-read response from the remote, annotated with the
// account that produced it.
type Response struct {
	Status  int
	Header  http.Header
	Body    []byte
	Account string
	Method  string
	URL     string

	once    sync.Once
	decoded map[string]any
}

// JSON returns the decoded body. Bodies that aren't JSON objects decode to
// {"_raw": <text>} so callers always get a map.
func (r *Response) JSON() map[string]any {
	r.once.Do(func() {
		if err := json.Unmarshal(r.Body, &r.decoded); err != nil || r.decoded == nil {
			r.decoded = map[string]any{"_raw": string(r.Body)}
		}
	})
	return r.decoded
}

// RateLimit returns the remaining and reset values from the response's
// rate-limit headers, or -1 for either that is absent or malformed.
func (r *Response) RateLimit() (remaining, reset int64) {
	parse := func(k string) int64 {
		v := r.Header.Get(k)
		if v == "" {
			return -1
		}
		var n int64
		if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
			return -1
		}
		return n
	}
	return parse("x-rate-limit-remaining"), parse("x-rate-limit-reset")
}

// session binds one borrowed account to a transport client for the duration
// of a single acquisition. It never mutates the stored record; all
// persistent effects flow back through the client's release path.
type session struct {
	id       uuid.UUID
	acc      *rookery.Account
	clt      *http.Client
	tokens   *xclid.Source
	bearer   string
	ua       string
	reqCount int64
}

func newSession(p *Pool, acc *rookery.Account) (*session, error) {
	proxy := acc.Proxy
	if proxy == "" {
		proxy = p.opts.Proxy
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if proxy != "" {
		u, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("libpool: bad proxy %q: %w", proxy, err)
		}
		tr.Proxy = http.ProxyURL(u)
	}
	bearer := acc.AuthToken
	if bearer == "" {
		bearer = p.opts.BearerToken
	}
	ua := acc.UserAgent
	if ua == "" {
		ua = p.opts.UserAgent
	}
	return &session{
		id:     uuid.New(),
		acc:    acc,
		clt:    &http.Client{Transport: tr, Timeout: p.opts.HTTPTimeout},
		tokens: p.tokens,
		bearer: bearer,
		ua:     ua,
	}, nil
}

// do issues one request. A 404 is assumed to mean a stale transaction id:
// the token is regenerated and the request re-sent, a bounded number of
// times. Exhausting those retries aborts the whole call without penalizing
// the account.
func (s *session) do(ctx context.Context, method, rawURL string, query url.Values, body []byte) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("libpool: bad url %q: %w", rawURL, err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}
	path := u.Path
	if path == "" {
		path = "/"
	}

	for try := 0; try < notFoundTries; try++ {
		token, err := s.tokens.Header(ctx, s.acc.Username, method, path, try > 0)
		if err != nil {
			// Token trouble is never the account's fault.
			return nil, fmt.Errorf("%w: %w", ErrAbort, err)
		}
		rep, err := s.send(ctx, method, u, token, body)
		if err != nil {
			return nil, err
		}
		if rep.Status != http.StatusNotFound {
			return rep, nil
		}
		zlog.Debug(ctx).
			Str("account", s.acc.Username).
			Str("url", u.String()).
			Msg("got 404, retrying with fresh transaction id")
		select {
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		case <-time.After(time.Second):
		}
	}
	return nil, fmt.Errorf("%w: still 404 after %d transaction-id refreshes", ErrAbort, notFoundTries)
}

func (s *session) send(ctx context.Context, method string, u *url.URL, token string, body []byte) (*Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return nil, fmt.Errorf("libpool: building request: %w", err)
	}
	req.Header.Set("authorization", "Bearer "+s.bearer)
	req.Header.Set("user-agent", s.ua)
	req.Header.Set("x-client-transaction-id", token)
	if csrf := s.acc.CSRF(); csrf != "" {
		req.Header.Set("x-csrf-token", csrf)
	}
	if c := cookieHeader(s.acc.Cookies); c != "" {
		req.Header.Set("cookie", c)
	}
	for k, v := range s.acc.Headers {
		req.Header.Set(k, v)
	}
	if body != nil {
		req.Header.Set("content-type", "application/json")
	}

	res, err := s.clt.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	buf, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("libpool: reading body: %w", err)
	}
	return &Response{
		Status:  res.StatusCode,
		Header:  res.Header,
		Body:    buf,
		Account: s.acc.Username,
		Method:  method,
		URL:     u.String(),
	}, nil
}

// close tears down the session's transport.
func (s *session) close() {
	s.clt.CloseIdleConnections()
}

func cookieHeader(cookies map[string]string) string {
	if len(cookies) == 0 {
		return ""
	}
	var b strings.Builder
	for k, v := range cookies {
		if b.Len() > 0 {
			b.WriteString("; ")
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
	}
	return b.String()
}
