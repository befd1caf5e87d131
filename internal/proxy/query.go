package proxy

import (
	"net/url"
	"strings"
)

// QueryParams is an ordered multi-map of decoded query parameters. Keys keep
// the order of their first appearance; values keep encounter order.
type QueryParams struct {
	keys   []string
	values map[string][]string
}

// ParseQuery parses the query component of rawURL. A URL without '?' yields
// an empty QueryParams.
//
// Each '&'-separated pair is split once on '='. The key and value are
// percent-decoded ('+' decodes to a space); a pair without '=' has the empty
// string as its value. Text that fails to decode is kept as-is.
func ParseQuery(rawURL string) QueryParams {
	q := QueryParams{values: make(map[string][]string)}

	_, query, ok := strings.Cut(rawURL, "?")
	if !ok {
		return q
	}

	for pair := range strings.SplitSeq(query, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		q.add(unescapeQuery(k), unescapeQuery(v))
	}

	return q
}

func unescapeQuery(s string) string {
	u, err := url.QueryUnescape(s)
	if err != nil {
		return s
	}
	return u
}

func (q *QueryParams) add(key, value string) {
	if q.values == nil {
		q.values = make(map[string][]string)
	}
	if _, ok := q.values[key]; !ok {
		q.keys = append(q.keys, key)
	}
	q.values[key] = append(q.values[key], value)
}

// Get returns the first value for key, or "" if key is absent.
func (q QueryParams) Get(key string) string {
	if vs := q.values[key]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// Has reports whether key appeared in the query.
func (q QueryParams) Has(key string) bool {
	_, ok := q.values[key]
	return ok
}

// Values returns a copy of all values for key, in encounter order.
func (q QueryParams) Values(key string) []string {
	vs := q.values[key]
	if vs == nil {
		return nil
	}
	return append([]string(nil), vs...)
}

// Keys returns the distinct keys in order of first appearance.
func (q QueryParams) Keys() []string {
	return append([]string(nil), q.keys...)
}

// Len returns the number of distinct keys.
func (q QueryParams) Len() int {
	return len(q.keys)
}

// Map returns the parameters as a url.Values.
func (q QueryParams) Map() url.Values {
	m := make(url.Values, len(q.keys))
	for _, k := range q.keys {
		m[k] = q.Values(k)
	}
	return m
}
