package libpool

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// URL prefixes for the remote's two endpoint families.
const (
	DefaultGQLBase  = "https://x.com/i/api/graphql"
	DefaultRESTBase = "https://x.com/i/api/1.1"
)

// Operation identifies one remote GraphQL call. The set of live operations
// and their ids is maintained outside this module; the pool only needs the
// two parts of the URL.
type Operation struct {
	// ID is the platform-assigned operation id, e.g. "bshMIjqDk8LTXTq4w91WKw".
	ID string
	// Name is the operation name, e.g. "SearchTimeline". It doubles as
	// the queue label: rate-limit windows are per (account, operation).
	Name string
}

// ParseOperation splits the conventional "id/Name" form.
func ParseOperation(s string) (Operation, error) {
	id, name, ok := strings.Cut(s, "/")
	if !ok || id == "" || name == "" {
		return Operation{}, fmt.Errorf("libpool: malformed operation %q", s)
	}
	return Operation{ID: id, Name: name}, nil
}

// Queue returns the queue label for the operation.
func (op Operation) Queue() string {
	return op.Name
}

// URL composes the GET endpoint under the given base.
func (op Operation) URL(base string) string {
	return base + "/" + op.ID + "/" + op.Name
}

// GQLParams is the query-parameter shape shared by GraphQL GET operations:
// each member serializes as URL-encoded JSON.
type GQLParams struct {
	Variables    map[string]any
	Features     map[string]any
	FieldToggles map[string]any
}

// Encode renders the parameters as URL query values.
func (p GQLParams) Encode() (url.Values, error) {
	v := url.Values{}
	add := func(key string, m map[string]any) error {
		if m == nil {
			return nil
		}
		buf, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("libpool: encoding %s: %w", key, err)
		}
		v.Set(key, string(buf))
		return nil
	}
	if err := add("variables", p.Variables); err != nil {
		return nil, err
	}
	if err := add("features", p.Features); err != nil {
		return nil, err
	}
	if err := add("fieldToggles", p.FieldToggles); err != nil {
		return nil, err
	}
	return v, nil
}

// MutationBody renders the JSON body for a POST mutation.
func MutationBody(op Operation, variables, features map[string]any) ([]byte, error) {
	buf, err := json.Marshal(map[string]any{
		"queryId":   op.ID,
		"variables": variables,
		"features":  features,
	})
	if err != nil {
		return nil, fmt.Errorf("libpool: encoding mutation body: %w", err)
	}
	return buf, nil
}

// TogglesFor returns the field-toggle variant for a queue, or nil when the
// operation takes none. The variants are protocol-defined and small enough
// to enumerate.
func TogglesFor(queue string) map[string]any {
	switch queue {
	case "UserByRestId", "UserByScreenName":
		return map[string]any{"withAuxiliaryUserLabels": false}
	case "UserTweets", "UserTweetsAndReplies", "UserMedia", "Bookmarks", "TweetDetail":
		return map[string]any{"withArticlePlainText": false}
	}
	return nil
}
