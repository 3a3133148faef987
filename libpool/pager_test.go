package libpool

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// timelinePage builds the nested instruction/entry payload the pager walks,
// with one bottom cursor entry. An empty next cursor omits the cursor entry
// entirely.
func timelinePage(ids []string, next string) map[string]any {
	entries := []any{}
	for _, id := range ids {
		entries = append(entries, map[string]any{
			"entryId": id,
			"content": map[string]any{"itemContent": map[string]any{"rest_id": id}},
		})
	}
	if next != "" {
		entries = append(entries, map[string]any{
			"entryId": "cursor-bottom-" + next,
			"content": map[string]any{
				"cursorType": "Bottom",
				"value":      next,
			},
		})
	}
	return map[string]any{
		"data": map[string]any{
			"search_by_raw_query": map[string]any{
				"search_timeline": map[string]any{
					"timeline": map[string]any{
						"instructions": []any{
							map[string]any{
								"type":    "TimelineAddEntries",
								"entries": entries,
							},
						},
					},
				},
			},
		},
	}
}

// pageServer serves pages keyed by the request's cursor variable; the empty
// key is the first page. It counts hits so tests can assert the transport
// was touched exactly once per yielded page.
func pageServer(t *testing.T, pages map[string]map[string]any, hits *int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*hits++
		var vars map[string]any
		if raw := r.URL.Query().Get("variables"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &vars); err != nil {
				t.Errorf("bad variables blob: %v", err)
			}
		}
		cursor, _ := vars["cursor"].(string)
		page, ok := pages[cursor]
		if !ok {
			t.Errorf("unexpected cursor %q", cursor)
			page = timelinePage(nil, "")
		}
		writeJSON(w, 200, nil, page)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func entryIDs(rep *Response) []string {
	var out []string
	for _, e := range Entries(rep.JSON()) {
		if id, ok := e["entryId"].(string); ok {
			out = append(out, id)
		}
	}
	return out
}

func TestPagerSinglePage(t *testing.T) {
	ctx := t.Context()
	p := testPool(t, testStore(t, "a1"))

	var hits int
	srv := pageServer(t, map[string]map[string]any{
		"": timelinePage([]string{"tweet-1", "tweet-2"}, "c1"),
	}, &hits)

	pg := p.Pager(Operation{ID: "abc", Name: "SearchTimeline"}, PagerOptions{
		Base:  srv.URL,
		Limit: 1,
	})
	if !pg.Next(ctx) {
		t.Fatalf("no first page: %v", pg.Err())
	}
	want := []string{"tweet-1", "tweet-2"}
	if got := entryIDs(pg.Page()); !cmp.Equal(want, got) {
		t.Error(cmp.Diff(want, got))
	}
	if pg.Next(ctx) {
		t.Error("pager ran past its limit")
	}
	if err := pg.Err(); err != nil {
		t.Fatal(err)
	}
	if hits != 1 {
		t.Errorf("server saw %d requests, want 1", hits)
	}
	assertReleased(t, p, "SearchTimeline")

	// One page charged exactly one request to the account.
	a, err := p.Store().Get(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if got := a.Locks["SearchTimeline"].ReqCount; got != 1 {
		t.Errorf("got req count %d, want 1", got)
	}
}

// TestPagerTermination checks the null-cursor end: two pages yield exactly
// two times with no extra transport round trip.
func TestPagerTermination(t *testing.T) {
	ctx := t.Context()
	p := testPool(t, testStore(t, "a1"))

	var hits int
	srv := pageServer(t, map[string]map[string]any{
		"":   timelinePage([]string{"tweet-1"}, "c1"),
		"c1": timelinePage([]string{"tweet-2"}, ""),
	}, &hits)

	pg := p.Pager(Operation{ID: "abc", Name: "SearchTimeline"}, PagerOptions{Base: srv.URL})
	var got []string
	for pg.Next(ctx) {
		got = append(got, entryIDs(pg.Page())...)
	}
	if err := pg.Err(); err != nil {
		t.Fatal(err)
	}
	want := []string{"tweet-1", "tweet-2"}
	if !cmp.Equal(want, got) {
		t.Error(cmp.Diff(want, got))
	}
	if hits != 2 {
		t.Errorf("server saw %d requests, want 2", hits)
	}
	if pg.Count() != 2 {
		t.Errorf("got count %d, want 2", pg.Count())
	}
}

// TestPagerResume checks resumption: interrupt after the first page, start a
// new pager from the saved cursor, and the union matches an uninterrupted
// run with no boundary duplicates.
func TestPagerResume(t *testing.T) {
	ctx := t.Context()
	p := testPool(t, testStore(t, "a1"))

	var hits int
	pages := map[string]map[string]any{
		"":   timelinePage([]string{"tweet-1", "tweet-2"}, "c1"),
		"c1": timelinePage([]string{"tweet-3"}, "c2"),
		"c2": timelinePage([]string{"tweet-4"}, ""),
	}
	srv := pageServer(t, pages, &hits)
	op := Operation{ID: "abc", Name: "SearchTimeline"}

	first := p.Pager(op, PagerOptions{Base: srv.URL, Limit: 1})
	if !first.Next(ctx) {
		t.Fatalf("no first page: %v", first.Err())
	}
	got := entryIDs(first.Page())
	saved := first.Cursor()
	if saved != "c1" {
		t.Fatalf("got cursor %q, want c1", saved)
	}

	second := p.Pager(op, PagerOptions{Base: srv.URL, Cursor: saved})
	for second.Next(ctx) {
		got = append(got, entryIDs(second.Page())...)
	}
	if err := second.Err(); err != nil {
		t.Fatal(err)
	}

	want := []string{"tweet-1", "tweet-2", "tweet-3", "tweet-4"}
	if !cmp.Equal(want, got) {
		t.Error(cmp.Diff(want, got))
	}
}

// TestPagerStaleCursor checks that a cursor pointing past the end of the
// stream yields an empty run, not an error.
func TestPagerStaleCursor(t *testing.T) {
	ctx := t.Context()
	p := testPool(t, testStore(t, "a1"))

	var hits int
	srv := pageServer(t, map[string]map[string]any{
		"gone": timelinePage(nil, ""),
	}, &hits)

	pg := p.Pager(Operation{ID: "abc", Name: "SearchTimeline"}, PagerOptions{
		Base:   srv.URL,
		Cursor: "gone",
	})
	if pg.Next(ctx) {
		t.Error("stale cursor yielded a page")
	}
	if err := pg.Err(); err != nil {
		t.Fatal(err)
	}
	if pg.Count() != 0 {
		t.Errorf("got count %d, want 0", pg.Count())
	}
}

// TestPagerFillerEntries checks that navigation and prompt entries are
// dropped from pages but still drive the cursor.
func TestPagerFillerEntries(t *testing.T) {
	ctx := t.Context()
	p := testPool(t, testStore(t, "a1"))

	page := timelinePage([]string{"tweet-1"}, "")
	insts := page["data"].(map[string]any)["search_by_raw_query"].(map[string]any)["search_timeline"].(map[string]any)["timeline"].(map[string]any)["instructions"].([]any)
	entries := insts[0].(map[string]any)["entries"].([]any)
	insts[0].(map[string]any)["entries"] = append(entries, map[string]any{
		"entryId": "messageprompt-42",
		"content": map[string]any{},
	})

	var hits int
	srv := pageServer(t, map[string]map[string]any{"": page}, &hits)

	pg := p.Pager(Operation{ID: "abc", Name: "SearchTimeline"}, PagerOptions{Base: srv.URL})
	if !pg.Next(ctx) {
		t.Fatalf("no page: %v", pg.Err())
	}
	want := []string{"tweet-1"}
	if got := entryIDs(pg.Page()); !cmp.Equal(want, got) {
		t.Error(cmp.Diff(want, got))
	}
}

func TestEntriesAndCursor(t *testing.T) {
	body := timelinePage([]string{"tweet-9"}, "next-cursor")

	es := Entries(body)
	if len(es) != 1 || es[0]["entryId"] != "tweet-9" {
		t.Errorf("got %+v", es)
	}
	if got := CursorValue(body, CursorBottom); got != "next-cursor" {
		t.Errorf("got cursor %q", got)
	}
	if got := CursorValue(body, CursorShowMoreThreads); got != "" {
		t.Errorf("got cursor %q, want none", got)
	}
}
