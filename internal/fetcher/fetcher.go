// Package fetcher performs outgoing HTTP/1.1 requests on behalf of the
// proxy, with fixed connect/request timeouts, optional cached DNS
// resolution, optional TLS fingerprint spoofing, and an optional upstream
// SOCKS5 hop. Every completed response is offered to the WARC writer before
// being handed back to the caller.
package fetcher

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/sergeospb/warcproxy/internal/warcstore"
)

const (
	// ConnectTimeout bounds the TCP (and TLS, when applicable) handshake.
	ConnectTimeout = 50 * time.Second
	// RequestTimeout bounds the full round-trip including body read.
	RequestTimeout = 900 * time.Second
)

// headersStrippedOnReturn never reach the Proxy Handler nor the WARC
// record: the body has already been de-chunked by the HTTP client that
// produced the response, and a gzip body is decompressed by Fetch itself
// (see the gzip.NewReader call in Fetch). Both headers are removed from
// every response; a body in any other content coding is returned as
// received, without its Content-Encoding header.
var headersStrippedOnReturn = []string{"Transfer-Encoding", "Content-Encoding"}

// hopByHopOnRequest are stripped from the outgoing request; spec.md is
// silent on these but the original proxy this system was distilled from
// never forwards a client's own proxy-facing headers upstream.
var hopByHopOnRequest = []string{"Proxy-Connection", "Connection"}

// UpstreamError is returned when the fetch failed with no usable response
// (timeout, connection refused, DNS failure, ...). Callers serve a
// synthetic 500 with Err's text as the body.
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string { return "fetcher: " + e.Err.Error() }
func (e *UpstreamError) Unwrap() error { return e.Err }

// Config configures a Fetcher.
type Config struct {
	DNSServers     []string // fall back to the system resolver when empty
	UpstreamSOCKS5 string   // optional "host:port" of an upstream SOCKS5 proxy
	SpoofTLS       bool     // present a browser-shaped ClientHello via utls
}

// Fetcher performs upstream HTTP/1.1 requests.
type Fetcher struct {
	client *http.Client
	warc   *warcstore.Writer
	logger *slog.Logger
}

// New builds a Fetcher whose outbound dials are resolved, and optionally
// TLS-fingerprinted and SOCKS5-routed, per cfg. warc is offered every
// completed response before it is returned to the caller.
func New(cfg Config, warc *warcstore.Writer, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}

	dialer := newCustomDialer(cfg, logger)

	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		DialTLSContext:        dialer.DialTLSContext,
		TLSHandshakeTimeout:   ConnectTimeout,
		ResponseHeaderTimeout: RequestTimeout,
		DisableCompression:    true, // net/http must not silently strip Content-Encoding itself; Fetch decompresses explicitly
		ForceAttemptHTTP2:     false,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: false},
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   RequestTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse // follow_redirects = false
		},
	}

	return &Fetcher{client: client, warc: warc, logger: logger}
}

// Result is a captured upstream response ready for the Proxy Handler.
type Result struct {
	StatusCode      int
	EffectiveURL    string
	Header          http.Header
	Body            []byte
	RequestTime     float64
	TimingBreakdown map[string]float64
}

// Fetch performs method against rawURL with header and body, preserving
// them verbatim (the client supplies an absolute-form URL per proxy
// semantics), except that hopByHopOnRequest headers are removed and
// Accept-Encoding is replaced with "gzip". allow_nonstandard_methods is
// implicit: http.NewRequest accepts any method string.
func (f *Fetcher) Fetch(ctx context.Context, method, rawURL string, header http.Header, body []byte) (*Result, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, &UpstreamError{Err: err}
	}
	req.Header = header.Clone()
	for _, h := range hopByHopOnRequest {
		req.Header.Del(h)
	}
	// DisableCompression leaves Accept-Encoding entirely up to us; always ask
	// for gzip so the Content-Encoding check below has something well-defined
	// to undo.
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := f.client.Do(req)
	if err != nil {
		if resp == nil {
			return nil, &UpstreamError{Err: err}
		}
		// A structured HTTP error carrying a response: treat it as the result.
	}
	defer resp.Body.Close()

	// Content-Encoding: gzip is the only encoding Fetch can ever see, since
	// DisableCompression left net/http out of the decoding business entirely
	// and Accept-Encoding above only ever offers gzip.
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, gzErr := gzip.NewReader(resp.Body)
		if gzErr != nil {
			return nil, &UpstreamError{Err: gzErr}
		}
		resp.Body = gz
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UpstreamError{Err: err}
	}

	for _, h := range headersStrippedOnReturn {
		resp.Header.Del(h)
	}

	elapsed := time.Since(start).Seconds()
	result := &Result{
		StatusCode:   resp.StatusCode,
		EffectiveURL: rawURL,
		Header:       resp.Header,
		Body:         respBody,
		RequestTime:  elapsed,
		TimingBreakdown: map[string]float64{
			"total": elapsed,
		},
	}

	if resp.Request != nil && resp.Request.URL != nil {
		result.EffectiveURL = resp.Request.URL.String()
	}

	f.warc.WriteRecord(result.Header, result.Body, result.EffectiveURL, result.StatusCode)

	return result, nil
}

// Close releases idle connections held by the fetcher's transport.
func (f *Fetcher) Close() {
	f.client.CloseIdleConnections()
}
