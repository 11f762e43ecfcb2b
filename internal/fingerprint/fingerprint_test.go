package fingerprint

import "testing"

func TestFingerprintQueryOrderEquivalence(t *testing.T) {
	a, err := Fingerprint("http://e.com/q?id=1&cat=2", "GET", nil, nil)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	b, err := Fingerprint("http://e.com/q?cat=2&id=1", "GET", nil, nil)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if a != b {
		t.Error("fingerprints for query-order variants should match")
	}
}

func TestFingerprintMethodAndBodyDiffer(t *testing.T) {
	get, _ := Fingerprint("http://e.com/x", "GET", nil, nil)
	post, _ := Fingerprint("http://e.com/x", "POST", nil, nil)
	if get == post {
		t.Error("GET and POST fingerprints for the same URL should differ")
	}

	a, _ := Fingerprint("http://e.com/x", "POST", []byte("a"), nil)
	b, _ := Fingerprint("http://e.com/x", "POST", []byte("b"), nil)
	if a == b {
		t.Error("fingerprints for differing bodies should differ")
	}
}

func TestFingerprintExtraArgsOrderInsensitive(t *testing.T) {
	a, _ := Fingerprint("http://e.com/x", "GET", nil, []Arg{{"b", "2"}, {"a", "1"}})
	b, _ := Fingerprint("http://e.com/x", "GET", nil, []Arg{{"a", "1"}, {"b", "2"}})
	if a != b {
		t.Error("fingerprints should be insensitive to extra-arg iteration order")
	}
}

func TestCanonicalizeLowercasesSchemeAndHostStripsDefaultPort(t *testing.T) {
	got, err := Canonicalize("HTTP://EXAMPLE.com:80/Path?b=2&a=1")
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	want := "http://example.com/Path?a=1&b=2"
	if got != want {
		t.Errorf("Canonicalize() = %q, want %q", got, want)
	}
}

func TestCanonicalizePreservesPathEncoding(t *testing.T) {
	got, err := Canonicalize("http://example.com/a%2Fb")
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	if got != "http://example.com/a%2Fb" {
		t.Errorf("Canonicalize() = %q, want path encoding preserved", got)
	}
}

func TestMemoComputesOnce(t *testing.T) {
	m := NewMemo()
	calls := 0
	compute := func() (string, error) {
		calls++
		return "x", nil
	}
	first, _ := m.Get("k", compute)
	second, _ := m.Get("k", compute)
	if first != second || calls != 1 {
		t.Errorf("Memo.Get should compute once, got calls=%d", calls)
	}
}
