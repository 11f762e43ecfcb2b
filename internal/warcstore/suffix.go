package warcstore

import "strings"

// RegistrableSuffix returns the WARC file grouping key for host: the last
// two dot-separated labels, e.g. "foo.bar.example.com" -> "example.com".
//
// This is the naive two-label rule from the source this system was
// distilled from. It is known to be wrong for multi-label public suffixes
// (e.g. "a.b.co.uk" collapses to "co.uk", merging unrelated sites) — a real
// public-suffix list would be needed to fix that, but this system replicates
// the simpler rule for behavioral parity rather than changing the contract.
func RegistrableSuffix(host string) string {
	host = strings.ToLower(host)
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	labels := strings.Split(host, ".")
	if len(labels) <= 2 {
		return host
	}
	return strings.Join(labels[len(labels)-2:], ".")
}
