package libpool

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/quay/zlog"

	"github.com/scrapekit/rookery/internal/ratelog"
)

// Verdict is the classifier's instruction to the queue client.
type Verdict int

const (
	// VerdictOK hands the response to the caller. The account's
	// reputation may or may not have been reset; see decision.Reset.
	VerdictOK Verdict = iota
	// VerdictRetryOther releases the current account per the decision's
	// release fields and borrows another.
	VerdictRetryOther
	// VerdictAbort terminates the whole call; the caller gets no
	// response and the account no penalty.
	VerdictAbort
	// VerdictFatal is the developer-facing catalog-outdated signal.
	VerdictFatal
)

// String implements fmt.Stringer.
func (v Verdict) String() string {
	switch v {
	case VerdictOK:
		return "ok"
	case VerdictRetryOther:
		return "retry-other-account"
	case VerdictAbort:
		return "abort"
	case VerdictFatal:
		return "fatal"
	}
	return "invalid"
}

// decision carries a verdict plus the release instruction the client must
// apply to the borrowed account.
type decision struct {
	Verdict Verdict
	// LockUntil, when set, releases the account with that unlock window.
	LockUntil time.Time
	// LockReason labels the lock for metrics.
	LockReason string
	// Inactive releases the account by deactivating it.
	Inactive    bool
	InactiveMsg string
	// Reset indicates a success: both reputation counters were cleared.
	Reset bool
}

// Penalty windows and thresholds.
const (
	softErrorThreshold = 5
	softErrorLock      = 3 * time.Minute
	timeoutErrorLock   = 2 * time.Minute
	badStatusLock      = 15 * time.Minute
	banStrikeMax       = 6
)

// banBackoff is the graduated backoff per ban strike. The last step tops the
// cumulative window out at 24 hours; the strike after the schedule runs out
// deactivates the account.
var banBackoff = []time.Duration{
	60 * time.Minute,
	120 * time.Minute,
	240 * time.Minute,
	480 * time.Minute,
	540 * time.Minute,
}

// classifier turns raw responses into decisions, maintaining per-account
// reputation along the way.
type classifier struct {
	rep  *reputation
	rlog *ratelog.Log
}

// classify implements the layered error taxonomy. The checks run in a fixed
// order; identical HTTP statuses mean different things depending on body
// error codes and remaining-quota headers.
func (cl *classifier) classify(ctx context.Context, rep *Response) decision {
	remaining, reset := rep.RateLimit()
	body := rep.JSON()
	errMsg := formatErrors(body)
	user := rep.Account

	ctx = zlog.ContextWithValues(ctx,
		"account", user,
		"status", fmt.Sprint(rep.Status),
	)

	// Developer signal: the operation catalog is missing newly-required
	// feature flags. Nothing at runtime can fix this.
	if strings.HasPrefix(errMsg, "(336) The following features cannot be null") {
		zlog.Error(ctx).Str("error", errMsg).Msg("catalog update required")
		return decision{Verdict: VerdictFatal}
	}

	// The ordinary quota window closed.
	if remaining == 0 && reset > 0 {
		zlog.Debug(ctx).Str("error", errMsg).Msg("rate limited")
		cl.event(ctx, rep, errMsg, "normal_rate_limit")
		return decision{
			Verdict:    VerdictRetryOther,
			LockUntil:  time.Unix(reset, 0),
			LockReason: "rate_limit",
		}
	}

	// Code 88 with quota left is not a real window: it smells like a
	// shadow ban, so back the account off on a graduated schedule.
	if strings.HasPrefix(errMsg, "(88) Rate limit exceeded") && remaining > 0 {
		cl.event(ctx, rep, errMsg, "error_88_ban")
		return cl.banStrike(ctx, user, errMsg)
	}

	if strings.HasPrefix(errMsg, "(326) Authorization: Denied by access control") {
		zlog.Warn(ctx).Str("error", errMsg).Msg("ban detected")
		return decision{Verdict: VerdictRetryOther, Inactive: true, InactiveMsg: errMsg}
	}

	if strings.HasPrefix(errMsg, "(32) Could not authenticate you") {
		zlog.Warn(ctx).Str("error", errMsg).Msg("session expired or banned")
		return decision{Verdict: VerdictRetryOther, Inactive: true, InactiveMsg: errMsg}
	}

	// A bare 403 with no body errors means the session is gone.
	if errMsg == "OK" && rep.Status == http.StatusForbidden {
		zlog.Warn(ctx).Msg("session expired or banned")
		return decision{Verdict: VerdictRetryOther, Inactive: true}
	}

	// Remote-side dependency failure. When the payload still carries the
	// user subtree the data is usable; otherwise abandon the whole call.
	if strings.HasPrefix(errMsg, "(131) Dependency: Internal error") {
		data, _ := body["data"].(map[string]any)
		if _, ok := data["user"]; ok && rep.Status == http.StatusOK {
			errMsg = "OK"
		} else {
			zlog.Warn(ctx).Str("error", errMsg).Msg("dependency error, call skipped")
			return decision{Verdict: VerdictAbort}
		}
	}

	// Deleted or never-existing content; upstream sees empty data. A
	// silent pass: the response goes through but the account's counters
	// stay wherever a surrounding streak left them.
	if rep.Status == http.StatusOK && strings.Contains(errMsg, "_Missing: No status found with that ID") {
		return decision{Verdict: VerdictOK}
	}

	// Authorization-worded noise at 200 passes through unchanged, also
	// without touching the counters.
	if rep.Status == http.StatusOK && errMsg != "OK" && strings.Contains(errMsg, "Authorization") {
		zlog.Warn(ctx).Str("error", errMsg).Msg("authorization unknown error")
		return decision{Verdict: VerdictOK}
	}

	if errMsg != "OK" {
		zlog.Warn(ctx).Str("error", errMsg).Msg("api unknown error")
		cl.event(ctx, rep, errMsg, "api_unknown_error")
		return cl.softError(ctx, user, errMsg)
	}

	d := cl.ok(ctx, rep, user, remaining)
	if rep.Status < 200 || rep.Status >= 300 {
		zlog.Error(ctx).Msg("unhandled response status")
		return decision{
			Verdict:    VerdictRetryOther,
			LockUntil:  time.Now().Add(badStatusLock),
			LockReason: "http_status",
		}
	}
	return d
}

// ok is the success path: both reputation counters are wiped and a sampled
// success event is logged.
func (cl *classifier) ok(ctx context.Context, rep *Response, user string, remaining int64) decision {
	cl.rep.clear(user)
	// Sample success events so the log stays tractable, but always record
	// near-exhausted windows.
	if remaining >= 0 && remaining < 20 || rand.IntN(20) == 0 {
		cl.event(ctx, rep, "OK", "success")
	}
	return decision{Verdict: VerdictOK, Reset: true}
}

// banStrike applies the graduated code-88 backoff.
func (cl *classifier) banStrike(ctx context.Context, user, errMsg string) decision {
	n := cl.rep.bumpStrike(user)
	if n >= banStrikeMax {
		zlog.Warn(ctx).Int("strikes", n).Msg("ban strikes exhausted, deactivating account")
		cl.rep.clearStrikes(user)
		return decision{Verdict: VerdictRetryOther, Inactive: true, InactiveMsg: errMsg}
	}
	d := banBackoff[len(banBackoff)-1]
	if n <= len(banBackoff) {
		d = banBackoff[n-1]
	}
	zlog.Warn(ctx).
		Int("strike", n).
		Int("max", banStrikeMax).
		Dur("backoff", d).
		Msg("possible ban, backing off")
	return decision{
		Verdict:    VerdictRetryOther,
		LockUntil:  time.Now().Add(d),
		LockReason: "ban_strike",
	}
}

// softError handles body-level errors at an otherwise fine status. Timeouts
// lock immediately; anything else accumulates toward a threshold lock, and
// below the threshold the response still goes to the caller so partial data
// can be salvaged.
func (cl *classifier) softError(ctx context.Context, user, errMsg string) decision {
	if strings.Contains(errMsg, "(29) Timeout") {
		zlog.Info(ctx).Msg("remote timeout, short lock")
		return decision{
			Verdict:    VerdictRetryOther,
			LockUntil:  time.Now().Add(timeoutErrorLock),
			LockReason: "timeout",
		}
	}
	n := cl.rep.bumpSoft(user)
	if n >= softErrorThreshold {
		zlog.Warn(ctx).Int("count", n).Msg("consecutive soft errors, locking account")
		cl.rep.resetSoft(user)
		return decision{
			Verdict:    VerdictRetryOther,
			LockUntil:  time.Now().Add(softErrorLock),
			LockReason: "soft_error",
		}
	}
	return decision{Verdict: VerdictOK}
}

// formatErrors renders the body's errors array as "(code) message" joined
// with "; ", dropping duplicates but keeping first-seen order. A body
// without errors formats as "OK".
func formatErrors(body map[string]any) string {
	errs, ok := body["errors"].([]any)
	if !ok || len(errs) == 0 {
		return "OK"
	}
	var (
		parts []string
		seen  = map[string]struct{}{}
	)
	for _, e := range errs {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		code := int64(-1)
		if f, ok := m["code"].(float64); ok {
			code = int64(f)
		}
		msg, _ := m["message"].(string)
		s := fmt.Sprintf("(%d) %s", code, msg)
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		parts = append(parts, s)
	}
	if len(parts) == 0 {
		return "OK"
	}
	return strings.Join(parts, "; ")
}

// event records a rate-limit observation.
func (cl *classifier) event(ctx context.Context, rep *Response, errMsg, kind string) {
	if cl.rlog == nil {
		return
	}
	keys := make([]string, 0, len(rep.JSON()))
	for k := range rep.JSON() {
		keys = append(keys, k)
	}
	cl.rlog.Write(ctx, ratelog.Event{
		Kind:         kind,
		Account:      rep.Account,
		StatusCode:   rep.Status,
		Endpoint:     endpointOf(rep.URL),
		URL:          rep.URL,
		Error:        errMsg,
		Limit:        rep.Header.Get("x-rate-limit-limit"),
		Remaining:    rep.Header.Get("x-rate-limit-remaining"),
		Reset:        rep.Header.Get("x-rate-limit-reset"),
		ResponseKeys: keys,
	})
}

// endpointOf pulls the operation name out of a graphql URL, or reports
// "unknown".
func endpointOf(u string) string {
	_, rest, ok := strings.Cut(u, "/graphql/")
	if !ok {
		return "unknown"
	}
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) < 2 {
		return "unknown"
	}
	name, _, _ := strings.Cut(parts[1], "?")
	return name
}
