package rookery

import (
	"time"
)

// Account is a single authenticated identity on the remote platform.
//
// Accounts are owned by the store; everything else works on snapshots and
// pushes mutations back through store operations.
type Account struct {
	// Username is the unique key for the account.
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	Email       string `json:"email,omitempty"`
	Password    string `json:"-"`
	// AuthToken is the bearer credential presented on every request.
	AuthToken string `json:"-"`
	// Cookies is the serialized cookie jar, keyed by cookie name.
	Cookies map[string]string `json:"cookies,omitempty"`
	// Headers are extra headers this identity always sends.
	Headers   map[string]string `json:"headers,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	// Proxy, if set, overrides any pool-wide proxy for this account.
	Proxy string `json:"proxy,omitempty"`
	// Active reports whether the scheduler may use this account. Inactive
	// accounts are never handed out.
	Active   bool      `json:"active"`
	LastUsed time.Time `json:"last_used"`
	// LastError is the message recorded when the account was last
	// deactivated.
	LastError string `json:"last_error,omitempty"`
	// Locks maps queue name to that queue's lock window and request count.
	Locks map[string]Lock `json:"locks,omitempty"`
}

// Lock is the persistent per-(account, queue) availability gate.
type Lock struct {
	// UnlockAt is the instant the account becomes eligible for the queue
	// again. It only moves forward, except via an explicit reset.
	UnlockAt time.Time `json:"unlock_at"`
	// ReqCount is the cumulative number of successful requests the account
	// has served for the queue.
	ReqCount int64 `json:"req_count"`
}

// CSRF returns the anti-CSRF token carried in the account's cookie jar, or
// the empty string.
func (a *Account) CSRF() string {
	return a.Cookies["ct0"]
}

// UnlockAt returns the unlock instant for queue, or the zero time when no
// lock has ever been recorded.
func (a *Account) UnlockAt(queue string) time.Time {
	return a.Locks[queue].UnlockAt
}
