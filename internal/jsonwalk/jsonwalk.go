// Package jsonwalk provides small helpers for picking values out of
// deeply-nested decoded JSON.
//
// The remote's response shapes are versioned by the platform, not by us, so
// lookups are structural: find the first object matching a predicate, or
// every value under a given key, wherever they sit in the tree.
package jsonwalk

// Find does a depth-first search for the first object satisfying pred.
func Find(v any, pred func(map[string]any) bool) map[string]any {
	switch v := v.(type) {
	case map[string]any:
		if pred(v) {
			return v
		}
		for _, e := range v {
			if m := Find(e, pred); m != nil {
				return m
			}
		}
	case []any:
		for _, e := range v {
			if m := Find(e, pred); m != nil {
				return m
			}
		}
	}
	return nil
}

// FindAllKey collects every value stored under key, anywhere in the tree, in
// depth-first order. The search does not descend into matched values.
func FindAllKey(v any, key string) []any {
	var out []any
	var walk func(v any)
	walk = func(v any) {
		switch v := v.(type) {
		case map[string]any:
			if e, ok := v[key]; ok {
				out = append(out, e)
				return
			}
			for _, e := range v {
				walk(e)
			}
		case []any:
			for _, e := range v {
				walk(e)
			}
		}
	}
	walk(v)
	return out
}

// Get walks the given keys down through nested objects.
func Get(v any, path ...string) (any, bool) {
	cur := v
	for _, k := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[k]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// String returns the string stored under key, or the empty string.
func String(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
