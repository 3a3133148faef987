package libpool

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseOperation(t *testing.T) {
	op, err := ParseOperation("bshMIjqDk8LTXTq4w91WKw/SearchTimeline")
	if err != nil {
		t.Fatal(err)
	}
	want := Operation{ID: "bshMIjqDk8LTXTq4w91WKw", Name: "SearchTimeline"}
	if op != want {
		t.Errorf("got %+v, want %+v", op, want)
	}
	if got := op.Queue(); got != "SearchTimeline" {
		t.Errorf("got queue %q", got)
	}
	if got := op.URL(DefaultGQLBase); got != "https://x.com/i/api/graphql/bshMIjqDk8LTXTq4w91WKw/SearchTimeline" {
		t.Errorf("got url %q", got)
	}

	for _, bad := range []string{"", "noslash", "/Name", "id/"} {
		if _, err := ParseOperation(bad); err == nil {
			t.Errorf("%q: want error", bad)
		}
	}
}

func TestGQLParamsEncode(t *testing.T) {
	v, err := GQLParams{
		Variables: map[string]any{"rawQuery": "golang", "count": 20},
		Features:  map[string]any{"foo_enabled": true},
	}.Encode()
	if err != nil {
		t.Fatal(err)
	}

	var vars map[string]any
	if err := json.Unmarshal([]byte(v.Get("variables")), &vars); err != nil {
		t.Fatal(err)
	}
	want := map[string]any{"rawQuery": "golang", "count": float64(20)}
	if !cmp.Equal(want, vars) {
		t.Error(cmp.Diff(want, vars))
	}
	if v.Get("features") == "" {
		t.Error("features omitted")
	}
	// Absent members stay off the wire.
	if _, ok := v["fieldToggles"]; ok {
		t.Error("nil fieldToggles encoded")
	}
}

func TestMutationBody(t *testing.T) {
	op := Operation{ID: "xyz", Name: "CreateTweet"}
	buf, err := MutationBody(op, map[string]any{"text": "hi"}, map[string]any{"f": true})
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(buf, &got); err != nil {
		t.Fatal(err)
	}
	want := map[string]any{
		"queryId":   "xyz",
		"variables": map[string]any{"text": "hi"},
		"features":  map[string]any{"f": true},
	}
	if !cmp.Equal(want, got) {
		t.Error(cmp.Diff(want, got))
	}
}

func TestTogglesFor(t *testing.T) {
	if got := TogglesFor("UserByRestId"); got["withAuxiliaryUserLabels"] != false {
		t.Errorf("got %+v", got)
	}
	if got := TogglesFor("UserTweets"); got["withArticlePlainText"] != false {
		t.Errorf("got %+v", got)
	}
	if got := TogglesFor("SearchTimeline"); got != nil {
		t.Errorf("got %+v, want none", got)
	}
}
