package warcstore

import (
	"bufio"
	"crypto/md5"
	"encoding/hex"
	"os"
	"sync"
)

// index is the URL-hash dedupe set: MD5 hex of the effective URL -> seen.
// It is created fresh on writer init (any prior file is truncated) and is
// never read back; it exists only for intra-process deduplication.
type index struct {
	mu     sync.Mutex
	seen   map[string]struct{}
	file   *os.File
	writer *bufio.Writer
}

func newIndex(path string) (*index, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return &index{
		seen:   make(map[string]struct{}),
		file:   f,
		writer: bufio.NewWriter(f),
	}, nil
}

// checkAndInsert hashes url, and reports whether it was already present.
// If absent, it is inserted (in memory and appended to the on-disk log)
// before returning, so a concurrent second caller for the same URL always
// observes the dedup bit even if the corresponding WARC file write hasn't
// flushed yet.
func (idx *index) checkAndInsert(url string) (alreadyPresent bool) {
	sum := md5.Sum([]byte(url))
	h := hex.EncodeToString(sum[:])

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, ok := idx.seen[h]; ok {
		return true
	}
	idx.seen[h] = struct{}{}
	idx.writer.WriteString(h + "\n")
	idx.writer.Flush()
	return false
}

func (idx *index) close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.writer.Flush()
	return idx.file.Close()
}
