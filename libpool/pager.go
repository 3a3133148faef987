package libpool

import (
	"context"
	"errors"
	"maps"
	"strings"

	"github.com/quay/zlog"

	"github.com/scrapekit/rookery/internal/jsonwalk"
)

// Cursor types observed in timeline payloads.
const (
	CursorBottom          = "Bottom"
	CursorShowMoreThreads = "ShowMoreThreads"
)

// fillerPrefixes mark navigation and promotional entries that don't count as
// page content.
var fillerPrefixes = []string{"cursor-", "messageprompt-"}

// PagerOptions shapes one pagination run.
type PagerOptions struct {
	// Base defaults to [DefaultGQLBase].
	Base string
	// Variables and Features are the operation's parameter blobs; the
	// pager threads a "cursor" member through Variables between pages.
	Variables map[string]any
	Features  map[string]any
	// FieldToggles defaults to the queue's enumerated variant; see
	// [TogglesFor].
	FieldToggles map[string]any
	// Cursor resumes a previous run from a saved cursor.
	Cursor string
	// Limit stops the stream once at least this many entries have been
	// yielded. Zero means unbounded.
	Limit int
	// CursorType defaults to [CursorBottom].
	CursorType string
}

// Pager drives cursor-based pagination over one operation. It is an
// iterator in the Next/Err style:
//
//	pg := pool.Pager(op, libpool.PagerOptions{Limit: 40})
//	for pg.Next(ctx) {
//		page, cursor := pg.Page(), pg.Cursor()
//		// ...
//	}
//	if err := pg.Err(); err != nil { ... }
//
// Callers who don't need resumption simply ignore Cursor.
type Pager struct {
	clt  *Client
	op   Operation
	opts PagerOptions

	cursor string
	count  int
	page   *Response
	err    error
	done   bool
}

// Pager returns a pager for the operation, on the operation's own queue.
func (p *Pool) Pager(op Operation, opts PagerOptions) *Pager {
	if opts.Base == "" {
		opts.Base = DefaultGQLBase
	}
	if opts.CursorType == "" {
		opts.CursorType = CursorBottom
	}
	if opts.FieldToggles == nil {
		opts.FieldToggles = TogglesFor(op.Queue())
	}
	return &Pager{
		clt:    p.Client(op.Queue()),
		op:     op,
		opts:   opts,
		cursor: opts.Cursor,
	}
}

// Next fetches the next page, reporting whether one is available. It
// returns false on clean termination (null cursor, empty page, limit
// reached, call aborted) and on error; check Err afterwards.
func (pg *Pager) Next(ctx context.Context) bool {
	if pg.done || pg.err != nil {
		return false
	}
	ctx = zlog.ContextWithValues(ctx,
		"component", "libpool/Pager.Next",
		"operation", pg.op.Name,
	)

	vars := maps.Clone(pg.opts.Variables)
	if vars == nil {
		vars = map[string]any{}
	}
	if pg.cursor != "" {
		vars["cursor"] = pg.cursor
	}
	params, err := (GQLParams{
		Variables:    vars,
		Features:     pg.opts.Features,
		FieldToggles: pg.opts.FieldToggles,
	}).Encode()
	if err != nil {
		pg.err = err
		return false
	}

	rep, err := pg.clt.Get(ctx, pg.op.URL(pg.opts.Base), params)
	switch {
	case err == nil:
	case errors.Is(err, ErrAbort), errors.Is(err, ErrNoAccount):
		// Terminal-call conditions end the stream without error.
		zlog.Debug(ctx).Err(err).Msg("stream terminated")
		pg.done = true
		return false
	default:
		pg.err = err
		return false
	}

	entries := Entries(rep.JSON())
	cursor := CursorValue(rep.JSON(), pg.opts.CursorType)
	if len(entries) == 0 {
		// Includes the stale-resume case: an empty first page is a
		// normal end, not an error.
		zlog.Debug(ctx).Msg("empty page, stream done")
		pg.done = true
		return false
	}

	pg.count += len(entries)
	pg.page = rep
	pg.cursor = cursor
	if cursor == "" || (pg.opts.Limit > 0 && pg.count >= pg.opts.Limit) {
		pg.done = true
	}
	return true
}

// Page returns the most recent page.
func (pg *Pager) Page() *Response {
	return pg.page
}

// Cursor returns the cursor following the most recent page. Persist it to
// resume a stream later via [PagerOptions.Cursor].
func (pg *Pager) Cursor() string {
	return pg.cursor
}

// Count returns the number of entries yielded so far.
func (pg *Pager) Count() int {
	return pg.count
}

// Err returns the terminal error, if any.
func (pg *Pager) Err() error {
	return pg.err
}

// Entries extracts the content entries of a timeline payload, dropping
// navigation and promotional filler.
func Entries(body map[string]any) []map[string]any {
	var out []map[string]any
	for _, v := range jsonwalk.FindAllKey(body, "instructions") {
		insts, ok := v.([]any)
		if !ok {
			continue
		}
		for _, inst := range insts {
			m, ok := inst.(map[string]any)
			if !ok {
				continue
			}
			es, ok := m["entries"].([]any)
			if !ok {
				continue
			}
			for _, e := range es {
				entry, ok := e.(map[string]any)
				if !ok {
					continue
				}
				if isFiller(jsonwalk.String(entry, "entryId")) {
					continue
				}
				out = append(out, entry)
			}
		}
	}
	return out
}

func isFiller(entryID string) bool {
	for _, p := range fillerPrefixes {
		if strings.HasPrefix(entryID, p) {
			return true
		}
	}
	return false
}

// CursorValue finds the value of the cursor object with the given
// cursorType, or the empty string.
func CursorValue(body map[string]any, cursorType string) string {
	m := jsonwalk.Find(body, func(m map[string]any) bool {
		return jsonwalk.String(m, "cursorType") == cursorType
	})
	if m == nil {
		return ""
	}
	return jsonwalk.String(m, "value")
}
