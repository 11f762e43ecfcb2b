// Package proxyhandler implements the per-request state machine shared by
// GET and POST: FINGERPRINT -> CACHE_GET -> (DECODE | FETCH) -> ARCHIVE+SET
// -> SERVE. CONNECT is handled separately by internal/tunnel.
package proxyhandler

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/sergeospb/warcproxy/internal/cachekv"
	"github.com/sergeospb/warcproxy/internal/codec"
	"github.com/sergeospb/warcproxy/internal/fetcher"
	"github.com/sergeospb/warcproxy/internal/fingerprint"
)

// responseHeaderAllowList is copied through to the client verbatim; every
// other upstream header is dropped on this hop (but preserved in WARC).
var responseHeaderAllowList = []string{"Date", "Cache-Control", "Server", "Content-Type", "Location"}

// cacheableStatus is the set of upstream statuses eligible for Cache.Set.
var cacheableStatus = map[int]bool{
	200: true, 301: true, 302: true, 303: true, 307: true, 404: true,
}

// Handler runs the cache/fetch/serve state machine for GET and POST.
type Handler struct {
	cache   *cachekv.Client
	fetcher *fetcher.Fetcher
	logger  *slog.Logger
}

// New returns a Handler wired to cache and fetcher.
func New(cache *cachekv.Client, fetcher *fetcher.Fetcher, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{cache: cache, fetcher: fetcher, logger: logger}
}

// ServeHTTP implements the proxy's GET/POST path. r.URL must already be in
// absolute form (as required for proxy requests); w receives exactly the
// allow-listed response headers, the captured status, and the captured body.
//
// POST shares this same state machine with GET: the request body is folded
// into the fingerprint, so identical POSTs are served from cache just like
// GETs. This is a deliberate property of this proxy, not a general HTTP
// contract, preserved unchanged from the distilled design.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := readAndCloseBody(r)
	if err != nil {
		h.logger.Warn("proxyhandler: reading request body", slog.Any("err", err))
		body = nil
	}

	fp, err := fingerprint.Fingerprint(r.URL.String(), r.Method, body, extraArgs(r))
	if err != nil {
		h.serveSynthetic500(w, err)
		return
	}

	logger := h.logger.With(slog.String("method", r.Method), slog.String("url", r.URL.String()), slog.String("fingerprint", fp))

	var (
		result    *fetcher.Result
		fromCache bool
	)

	if blob, hit := h.cache.Get(r.Context(), fp); hit {
		resp, derr := codec.Decode(blob, &codec.OriginatingRequest{URL: r.URL.String()})
		if derr != nil {
			logger.Warn("proxyhandler: cache decode failed, falling back to fetch", slog.Any("err", derr))
		} else {
			result = &fetcher.Result{
				StatusCode:   resp.StatusCode,
				EffectiveURL: resp.EffectiveURL,
				Header:       resp.Header,
				Body:         resp.Body,
				RequestTime:  resp.RequestTime,
			}
			fromCache = true
		}
	}

	if result == nil {
		fetched, ferr := h.fetcher.Fetch(r.Context(), r.Method, r.URL.String(), r.Header, body)
		if ferr != nil {
			logger.Warn("proxyhandler: upstream fetch failed", slog.Any("err", ferr))
			h.serveSynthetic500(w, ferr)
			return
		}
		result = fetched
	}

	if !fromCache && cacheableStatus[result.StatusCode] {
		h.archiveAndSet(fp, result)
	}

	h.serve(w, result)
}

// archiveAndSet encodes result and issues a fire-and-forget cache set. WARC
// archival already happened inside the fetcher, independent of cacheability.
//
// HeaderOrder is left unset: result.Header is an http.Header the fetcher got
// back from net/http, which has already collapsed the as-received header
// sequence into an unordered map by this point — there is no original order
// left here to forward. Encode falls back to ranging result.Header itself,
// which still preserves every value for a repeated header name (the
// property that actually matters for a correct re-serve).
func (h *Handler) archiveAndSet(fp string, result *fetcher.Result) {
	blob, err := codec.Encode(&codec.Response{
		StatusCode:      result.StatusCode,
		EffectiveURL:    result.EffectiveURL,
		Header:          result.Header,
		Body:            result.Body,
		RequestTime:     result.RequestTime,
		TimingBreakdown: result.TimingBreakdown,
	})
	if err != nil {
		h.logger.Warn("proxyhandler: encode for cache failed", slog.Any("err", err))
		return
	}
	h.cache.Set(fp, blob)
}

// serve writes the captured status, the allow-listed headers, and the body.
// Writes to an already-closed client are swallowed by net/http itself, so a
// disconnected client during FETCH simply makes this call a no-op.
func (h *Handler) serve(w http.ResponseWriter, result *fetcher.Result) {
	for _, name := range responseHeaderAllowList {
		if v := result.Header.Get(name); v != "" {
			w.Header().Set(name, v)
		}
	}
	w.WriteHeader(result.StatusCode)
	w.Write(result.Body)
}

// serveSynthetic500 is used for UpstreamError (no response at all): the
// error's text becomes the body, per spec.
func (h *Handler) serveSynthetic500(w http.ResponseWriter, err error) {
	w.WriteHeader(http.StatusInternalServerError)
	w.Write([]byte("500 Internal server error:\n" + err.Error()))
}

func readAndCloseBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

// extraArgs carries no additional query arguments beyond r.URL's own query
// string today; the parameter exists on Fingerprint to let a future caller
// (e.g. a form-decoded POST) fold in arguments the URL itself doesn't carry.
func extraArgs(r *http.Request) []fingerprint.Arg {
	return nil
}
