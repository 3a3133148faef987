package libpool

import (
	"errors"
	"time"

	"github.com/scrapekit/rookery/internal/xclid"
	"github.com/scrapekit/rookery/store"
)

// Defaults for [Options].
const (
	DefaultUserAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
	DefaultHTTPTimeout = 30 * time.Second
)

// Sentinel errors surfaced by [Client] operations.
var (
	// ErrNoAccount is reported when ErrIfNoAccount is set and no account
	// is ready for the queue.
	ErrNoAccount = errors.New("libpool: no account available for queue")
	// ErrAbort is reported when the remote signaled that the whole call
	// should be abandoned. No account is penalized.
	ErrAbort = errors.New("libpool: request aborted")
	// ErrOutdatedCatalog is the developer-facing signal that the remote
	// rejected the request's feature flags and the operation catalog
	// needs updating.
	ErrOutdatedCatalog = errors.New("libpool: operation catalog outdated: feature flags rejected")
)

// Options configures a [Pool].
type Options struct {
	// Store is the durable account store. Required. The pool does not
	// close it.
	Store store.Store

	// Proxy is an egress proxy URL applied to every account that doesn't
	// carry its own.
	Proxy string

	// BearerToken is the authorization credential used for accounts that
	// don't carry their own token.
	BearerToken string

	// UserAgent is used for accounts without one of their own.
	UserAgent string

	// TokenFactory builds per-account transaction-id generators. Defaults
	// to the local derivation.
	TokenFactory xclid.Factory

	// ErrIfNoAccount makes acquisition fail with [ErrNoAccount] instead
	// of waiting for an account to unlock.
	ErrIfNoAccount bool

	// Debug dumps every response into a per-process temp directory.
	Debug bool

	// RateLogDir overrides the rate-limit event log location. Set
	// DisableRateLog to turn the log off entirely.
	RateLogDir     string
	DisableRateLog bool

	// HTTPTimeout bounds each individual request.
	HTTPTimeout time.Duration
}
