package warcstore

import (
	"compress/gzip"
	"crypto/rand"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestWriter(t *testing.T) *Writer {
	t.Helper()
	dir := t.TempDir()
	w, err := New(dir, 4, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w
}

func waitForFile(t *testing.T, pattern string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		matches, _ := filepath.Glob(pattern)
		if len(matches) > 0 {
			return matches[0]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for file matching %s", pattern)
	return ""
}

func TestWriteRecordDeduplicatesByEffectiveURL(t *testing.T) {
	w := newTestWriter(t)
	defer w.Close()

	header := http.Header{"Content-Type": []string{"text/plain"}}
	w.WriteRecord(header, []byte("hello"), "http://example.com/x", 200)
	w.WriteRecord(header, []byte("hello again"), "http://example.com/x", 200)
	w.Close()

	path := waitForFile(t, filepath.Join(w.warcDir, "example.com_*.warc.gz"))
	records := readWARCRecords(t, path)
	if len(records) != 1 {
		t.Fatalf("expected exactly one record for a duplicate URL, got %d", len(records))
	}
}

func TestWriteRecordDifferentHostsUseDifferentFiles(t *testing.T) {
	w := newTestWriter(t)
	header := http.Header{}
	w.WriteRecord(header, []byte("a"), "http://foo.com/a", 200)
	w.WriteRecord(header, []byte("b"), "http://bar.com/b", 200)
	w.Close()

	waitForFile(t, filepath.Join(w.warcDir, "foo.com_*.warc.gz"))
	waitForFile(t, filepath.Join(w.warcDir, "bar.com_*.warc.gz"))
}

func TestWriteRecordConcurrentSameHostNoInterleave(t *testing.T) {
	w := newTestWriter(t)
	header := http.Header{}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w.WriteRecord(header, []byte("body"), urlFor(i), 200)
		}(i)
	}
	wg.Wait()
	w.Close()

	path := waitForFile(t, filepath.Join(w.warcDir, "example.com_*.warc.gz"))
	records := readWARCRecords(t, path)
	if len(records) != 20 {
		t.Fatalf("expected 20 well-formed records, got %d (interleaved or corrupted output)", len(records))
	}
}

func urlFor(i int) string {
	return "http://example.com/" + string(rune('a'+i))
}

// readWARCRecords does a minimal parse of a gzip WARC file, counting
// "WARC/1.0\r\n" markers, enough to detect interleaving/corruption without
// pulling in a full WARC parser.
func readWARCRecords(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	defer gz.Close()

	raw, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	const marker = "WARC/1.0\r\n"
	var records []string
	rest := string(raw)
	for {
		i := indexOf(rest, marker)
		if i < 0 {
			break
		}
		rest = rest[i+len(marker):]
		next := indexOf(rest, marker)
		if next < 0 {
			records = append(records, rest)
			break
		}
		records = append(records, rest[:next])
		rest = rest[next:]
	}
	return records
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func TestWriteRecordRotatesAtHighWaterMark(t *testing.T) {
	w := newTestWriter(t)
	defer w.Close()

	slot := w.slotFor("example.com")
	slot.mu.Lock()
	if err := slot.open(w.warcDir); err != nil {
		t.Fatalf("open: %v", err)
	}
	// The mark is checked against the compressed on-disk length, so the seed
	// is written straight to the file, and the record body is random so it
	// cannot compress below the remaining 1000 bytes.
	padding := make([]byte, HighWaterMark-1000)
	slot.file.Write(padding)
	slot.bw.Flush()
	slot.gz.Flush()
	slot.mu.Unlock()

	big := make([]byte, 4096)
	rand.Read(big)

	header := http.Header{}
	w.WriteRecord(header, big, "http://example.com/big", 200)
	w.pool.Wait()

	w.WriteRecord(header, []byte("small"), "http://example.com/next", 200)
	w.pool.Wait()

	waitForFile(t, filepath.Join(w.warcDir, "example.com_2.warc.gz"))
	w.Close()

	second := filepath.Join(w.warcDir, "example.com_2.warc.gz")
	if st, err := os.Stat(second); err != nil || st.Size() == 0 {
		t.Fatalf("expected example.com_2.warc.gz to contain the next record, err=%v", err)
	}
}

func TestRegistrableSuffixTwoLabelRule(t *testing.T) {
	cases := map[string]string{
		"foo.bar.example.com": "example.com",
		"example.com":         "example.com",
		"a.b.co.uk":           "co.uk",
	}
	for host, want := range cases {
		if got := RegistrableSuffix(host); got != want {
			t.Errorf("RegistrableSuffix(%q) = %q, want %q", host, got, want)
		}
	}
}
