// Package warcstore implements the process-wide WARC writer: a singleton
// that appends response records to per-host rotating WARC files and
// maintains a URL-hash index so the same effective URL is archived at most
// once per process lifetime.
package warcstore

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/remeh/sizedwaitgroup"
)

// HighWaterMark is the soft cap on a WARC file's byte length: the last
// record written may push the file slightly over it.
const HighWaterMark = 100 * 1024 * 1024

// WriteError wraps an I/O failure encountered while appending a record. The
// caller logs and continues; archival failures never fail the proxy
// response.
type WriteError struct {
	Host string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("warcstore: write failed for host %s: %v", e.Host, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Writer is the process-wide WARC writer singleton. Construct one with New
// at process start and pass it explicitly into whatever fetches upstream
// responses — it is not a package-level global.
type Writer struct {
	warcDir  string
	warcDate string // writer-init UTC ISO-8601 Z, reused as WARC-Date on every record

	index *index

	mu    sync.Mutex // guards slots map only, not individual slot writes
	slots map[string]*hostSlot

	pool   sizedwaitgroup.SizedWaitGroup
	logger *slog.Logger
}

type hostSlot struct {
	mu   sync.Mutex
	host string
	seq  int

	file *os.File
	gz   *gzip.Writer
	bw   *bufio.Writer
}

// New creates the output root "<outdir>/<init-timestamp>/" with "warc/" and
// "db_index/" inside it, opens a fresh index, and returns a ready Writer.
// concurrency bounds how many host-slot writes may be in flight on the
// offload worker pool at once.
func New(outdir string, concurrency int, logger *slog.Logger) (*Writer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency <= 0 {
		concurrency = 8
	}

	birth := time.Now().UTC()
	root := filepath.Join(outdir, birth.Format("2006-01-02_15:04:05"))
	warcDir := filepath.Join(root, "warc")
	indexDir := filepath.Join(root, "db_index")

	for _, dir := range []string{warcDir, indexDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	idx, err := newIndex(filepath.Join(indexDir, "index.db"))
	if err != nil {
		return nil, err
	}

	return &Writer{
		warcDir:  warcDir,
		warcDate: birth.Format("2006-01-02T15:04:05Z"),
		index:    idx,
		slots:    make(map[string]*hostSlot),
		pool:     sizedwaitgroup.New(concurrency),
		logger:   logger,
	}, nil
}

// WriteRecord offers a response for archival. It returns once the write is
// queued; the actual disk write happens on the writer's bounded worker pool.
// When every worker is busy, WriteRecord blocks until one is free. Duplicate
// effective URLs (per the URL-hash index) are silently skipped.
func (w *Writer) WriteRecord(header http.Header, body []byte, effectiveURL string, statusCode int) {
	if w.index.checkAndInsert(effectiveURL) {
		return // already archived
	}

	host := RegistrableSuffix(hostOf(effectiveURL))
	payload := buildPayload(header, body, statusCode)

	w.pool.Add()
	go func() {
		defer w.pool.Done()
		if err := w.appendToSlot(host, effectiveURL, payload, header); err != nil {
			w.logger.Warn("warcstore: failed to write record", slog.String("url", effectiveURL), slog.Any("err", err))
		}
	}()
}

// Close flushes and closes every open host slot, waiting for any in-flight
// writes on the worker pool to finish first.
func (w *Writer) Close() error {
	w.pool.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()

	var firstErr error
	for _, slot := range w.slots {
		slot.mu.Lock()
		if err := slot.close(); err != nil && firstErr == nil {
			firstErr = err
		}
		slot.mu.Unlock()
	}
	return w.index.close()
}

func (w *Writer) slotFor(host string) *hostSlot {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.slots[host]
	if !ok {
		s = &hostSlot{host: host}
		w.slots[host] = s
	}
	return s
}

func (w *Writer) appendToSlot(host, targetURI string, payload []byte, respHeader http.Header) error {
	slot := w.slotFor(host)

	slot.mu.Lock()
	defer slot.mu.Unlock()

	if slot.file == nil {
		if err := slot.open(w.warcDir); err != nil {
			return &WriteError{Host: host, Err: err}
		}
	}

	record := buildWARCRecord(warcRecordFields{
		warcDate:    w.warcDate,
		targetURI:   targetURI,
		contentType: respHeader.Get("Content-Type"),
		contentLen:  len(payload),
		recordID:    uuid.NewString(),
		payload:     payload,
	})

	if _, err := slot.bw.Write(record); err != nil {
		return &WriteError{Host: host, Err: err}
	}
	if err := slot.bw.Flush(); err != nil {
		return &WriteError{Host: host, Err: err}
	}
	if err := slot.gz.Flush(); err != nil {
		return &WriteError{Host: host, Err: err}
	}

	pos, err := slot.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return &WriteError{Host: host, Err: err}
	}
	if pos > HighWaterMark {
		if err := slot.close(); err != nil {
			return &WriteError{Host: host, Err: err}
		}
	}

	return nil
}

func (s *hostSlot) open(warcDir string) error {
	s.seq++
	name := fmt.Sprintf("%s_%d.warc.gz", s.host, s.seq)
	f, err := os.OpenFile(filepath.Join(warcDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	s.file = f
	s.gz = gzip.NewWriter(f)
	s.bw = bufio.NewWriter(s.gz)
	return nil
}

func (s *hostSlot) close() error {
	if s.file == nil {
		return nil
	}
	if err := s.bw.Flush(); err != nil {
		return err
	}
	if err := s.gz.Close(); err != nil {
		return err
	}
	err := s.file.Close()
	s.file = nil
	s.gz = nil
	s.bw = nil
	return err
}

type warcRecordFields struct {
	warcDate    string
	targetURI   string
	contentType string
	contentLen  int
	recordID    string
	payload     []byte
}

// buildWARCRecord frames a single response-type WARC record: version line,
// WARC headers, CRLF, payload, trailing CRLFCRLF.
func buildWARCRecord(f warcRecordFields) []byte {
	var b strings.Builder
	b.WriteString("WARC/1.0\r\n")
	b.WriteString("WARC-Type: response\r\n")
	b.WriteString("WARC-Record-ID: <urn:uuid:" + f.recordID + ">\r\n")
	b.WriteString("WARC-Date: " + f.warcDate + "\r\n")
	b.WriteString("WARC-Target-URI: " + f.targetURI + "\r\n")
	b.WriteString("Content-Length: " + strconv.Itoa(f.contentLen) + "\r\n")
	if f.contentType != "" {
		b.WriteString("Content-Type: " + f.contentType + "\r\n")
	}
	b.WriteString("\r\n")
	b.Write(f.payload)
	b.WriteString("\r\n\r\n")
	return []byte(b.String())
}

// buildPayload reconstructs the full HTTP/1.1 response byte stream: status
// line (CRLF-terminated), headers (LF-terminated, one per line), the blank
// line separating headers from body (CRLF), then the body. Transfer-Encoding
// and Content-Encoding are expected to already be stripped by the caller
// (the Upstream Fetcher); the writer trusts its input and never re-encodes
// the body.
func buildPayload(header http.Header, body []byte, statusCode int) []byte {
	var b strings.Builder
	reason := http.StatusText(statusCode)
	if reason == "" {
		reason = "-"
	}
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", statusCode, reason)
	for name, values := range header {
		for _, v := range values {
			b.WriteString(name + ": " + v + "\n")
		}
	}
	b.WriteString("\r\n")
	b.Write(body)
	return []byte(b.String())
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	h := u.Hostname()
	if h == "" {
		return rawURL
	}
	return h
}
