// Package cache stores full upstream responses for idempotent requests.
//
// DESIGN: Entries are keyed by (method, normalized URL) and only written
// for successful GET responses. Streaming (text/event-stream) content is
// never cached. Concurrent writers for one key race last-write-wins; the
// cache is a bandwidth optimization, not a correctness-critical store.
//
// Two stores ship: an in-memory map with TTL sweeping (default) and a
// Redis-backed store for multi-instance deployments.
package cache

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Entry is one complete mirrored response.
type Entry struct {
	Status int                 `json:"status"`
	Header map[string][]string `json:"header"`
	Body   []byte              `json:"body"`
}

// Store is the response cache contract.
type Store interface {
	// Get returns the entry for key, or false when absent/expired.
	Get(ctx context.Context, key string) (*Entry, bool)
	// Set stores the entry under key for the store's TTL.
	Set(ctx context.Context, key string, entry *Entry) error
}

// Key builds the cache key for a request. The URL is normalized so that
// query-parameter order does not fragment the cache.
func Key(method, rawURL string) string {
	return method + " " + normalizeURL(rawURL)
}

func normalizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.Host = strings.ToLower(u.Host)
	u.Scheme = strings.ToLower(u.Scheme)
	u.Fragment = ""
	if q := u.Query(); len(q) > 0 {
		keys := make([]string, 0, len(q))
		for k := range q {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		for _, k := range keys {
			vals := q[k]
			sort.Strings(vals)
			for _, v := range vals {
				if b.Len() > 0 {
					b.WriteByte('&')
				}
				b.WriteString(url.QueryEscape(k))
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(v))
			}
		}
		u.RawQuery = b.String()
	}
	return u.String()
}

// Cacheable reports whether a response may be stored: GET, 2xx, and not a
// server-sent event stream.
func Cacheable(method string, status int, contentType string) bool {
	if method != "GET" {
		return false
	}
	if status < 200 || status >= 300 {
		return false
	}
	return !strings.Contains(contentType, "text/event-stream")
}

// clockTTL bundles TTL settings shared by the stores.
type clockTTL struct {
	ttl time.Duration
	now func() time.Time
}
