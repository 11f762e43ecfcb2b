// Package fingerprint computes the content-addressable cache key for a
// proxied request: a SHA-1 digest over the canonicalized URL, the method,
// the body, and any extra query arguments supplied by the caller.
package fingerprint

import (
	"crypto/sha1"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/idna"
)

// Arg is a single extra query argument folded into a fingerprint, in
// addition to whatever the URL's own query string already carries.
type Arg struct {
	Name  string
	Value string
}

// Fingerprint returns the lowercase hex SHA-1 digest identifying (rawURL,
// method, body, args). Two requests that differ only in query-parameter
// ordering within rawURL, or in the order of args, produce the same digest.
func Fingerprint(rawURL, method string, body []byte, args []Arg) (string, error) {
	canon, err := Canonicalize(rawURL)
	if err != nil {
		return "", err
	}

	sortedArgs := make([]Arg, len(args))
	copy(sortedArgs, args)
	sort.SliceStable(sortedArgs, func(i, j int) bool {
		return sortedArgs[i].Name < sortedArgs[j].Name
	})

	h := sha1.New()
	h.Write([]byte(canon))
	h.Write([]byte(strings.ToUpper(method)))
	h.Write(body)
	for _, a := range sortedArgs {
		h.Write([]byte(a.Name))
		h.Write([]byte("||"))
		h.Write([]byte(a.Value))
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Canonicalize normalizes a URL for fingerprinting: scheme and host are
// lowercased, default ports are stripped, query parameters are sorted by
// name (ties keep their original relative order), and path
// percent-encoding is preserved verbatim.
func Canonicalize(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = lowerHost(u.Host)
	u.Host = stripDefaultPort(u.Scheme, u.Host)

	if u.RawQuery != "" {
		u.RawQuery = sortedQuery(u.RawQuery)
	}

	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteString("://")
	b.WriteString(u.Host)
	b.WriteString(u.EscapedPath())
	if u.RawQuery != "" {
		b.WriteString("?")
		b.WriteString(u.RawQuery)
	}

	return b.String(), nil
}

func lowerHost(host string) string {
	h, port := splitPort(host)
	if ascii, err := idna.Lookup.ToASCII(h); err == nil {
		h = ascii
	} else {
		h = strings.ToLower(h)
	}
	if port != "" {
		return h + ":" + port
	}
	return h
}

func splitPort(host string) (h, port string) {
	i := strings.LastIndex(host, ":")
	if i < 0 || strings.Contains(host[i+1:], "]") {
		return host, ""
	}
	return host[:i], host[i+1:]
}

func stripDefaultPort(scheme, host string) string {
	h, port := splitPort(host)
	switch {
	case scheme == "http" && port == "80":
		return h
	case scheme == "https" && port == "443":
		return h
	}
	return host
}

// sortedQuery rewrites a raw query string with parameters sorted by name.
// Stability of sort.SliceStable on the original parse order means two
// parameters sharing a name keep their relative order, matching the
// "ties broken by original value order" rule.
func sortedQuery(rawQuery string) string {
	pairs := strings.Split(rawQuery, "&")
	type kv struct{ raw string }
	entries := make([]kv, 0, len(pairs))
	for _, p := range pairs {
		if p == "" {
			continue
		}
		entries = append(entries, kv{raw: p})
	}

	keyOf := func(e kv) string {
		if i := strings.IndexByte(e.raw, '='); i >= 0 {
			return e.raw[:i]
		}
		return e.raw
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return keyOf(entries[i]) < keyOf(entries[j])
	})

	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.raw
	}
	return strings.Join(out, "&")
}

// Memo is a request-scoped cache of fingerprint results. It is not a global
// cache: callers should create one per incoming request and let it be
// garbage collected with the request.
type Memo struct {
	values map[string]string
}

// NewMemo returns an empty per-request fingerprint memo.
func NewMemo() *Memo {
	return &Memo{values: make(map[string]string)}
}

// Get returns the memoized fingerprint for key, computing and storing it via
// compute if absent.
func (m *Memo) Get(key string, compute func() (string, error)) (string, error) {
	if v, ok := m.values[key]; ok {
		return v, nil
	}
	v, err := compute()
	if err != nil {
		return "", err
	}
	m.values[key] = v
	return v, nil
}
