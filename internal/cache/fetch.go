package cache

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/dukerupert/chabapp/internal/metrics"
	"github.com/dukerupert/chabapp/internal/model"
)

// Source says how a fetch was answered.
type Source string

const (
	SourceNetwork     Source = "network"
	SourceCache       Source = "cache"
	SourceOffline     Source = "offline"
	SourceUnavailable Source = "unavailable"
)

// Response is a fully buffered response, so it can be both stored and returned.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Source Source
}

// Write sends the response to w.
func (r *Response) Write(w http.ResponseWriter) {
	h := w.Header()
	for k, vv := range r.Header {
		h[k] = append([]string(nil), vv...)
	}
	h.Set("Content-Length", strconv.Itoa(len(r.Body)))
	w.WriteHeader(r.Status)
	w.Write(r.Body)
}

// Fetch answers an intercepted request network-first. A full 200 network
// response without cookies is stored in the partition and returned. When the network fails,
// the cached response is returned; a navigation with no cached response gets
// the offline page; anything else gets a synthetic 503.
func (m *Manager) Fetch(ctx context.Context, r *http.Request) *Response {
	target := m.target(r)
	key := requestKey(http.MethodGet, target)

	out, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err == nil {
		out.Header = r.Header.Clone()
		stripHopHeaders(out.Header)
		// Always fetch the whole resource so it can be stored.
		out.Header.Del("Range")
		out.Header.Del("If-Range")

		var resp *Response
		resp, err = m.network(out)
		if err == nil {
			if cacheable(resp) {
				if perr := m.storage.Put(ctx, m.entry(key, resp)); perr != nil {
					metrics.CacheWriteErrors.Inc()
					m.logger.Warn("cache put failed", "key", key, "error", perr)
				}
			}
			metrics.CacheResults.WithLabelValues(string(SourceNetwork)).Inc()
			return resp
		}
	}

	m.logger.Debug("network failed, trying cache", "key", key, "error", err)
	resp := m.fallback(ctx, r, key)
	metrics.CacheResults.WithLabelValues(string(resp.Source)).Inc()
	return resp
}

func (m *Manager) fallback(ctx context.Context, r *http.Request, key string) *Response {
	entry, err := m.storage.Match(ctx, m.partition, key)
	if err != nil {
		m.logger.Warn("cache match failed", "key", key, "error", err)
		return unavailable()
	}
	if entry != nil {
		return fromEntry(entry, SourceCache)
	}

	if !IsNavigation(r) || m.cfg.OfflinePage == "" {
		return unavailable()
	}

	offline, err := m.Lookup(ctx, m.cfg.OfflinePage)
	if err != nil {
		if err != ErrNotCached {
			m.logger.Warn("offline page lookup failed", "error", err)
		}
		return unavailable()
	}
	return fromEntry(offline, SourceOffline)
}

// IsNavigation reports whether r is a top-level page navigation.
func IsNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html")
}

func fromEntry(e *model.CacheEntry, src Source) *Response {
	return &Response{Status: e.Status, Header: e.Header.Clone(), Body: e.Body, Source: src}
}

func unavailable() *Response {
	return &Response{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:   []byte("Offline"),
		Source: SourceUnavailable,
	}
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
}

func stripHopHeaders(h http.Header) {
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

// NewPassthrough returns a handler that forwards requests the cache does not
// intercept straight to the network. Origin-form requests go to origin;
// absolute-form requests go to their own host.
func NewPassthrough(origin *url.URL, transport http.RoundTripper) http.Handler {
	return &httputil.ReverseProxy{
		Transport: transport,
		Rewrite: func(pr *httputil.ProxyRequest) {
			if pr.In.URL.IsAbs() {
				u := *pr.In.URL
				pr.Out.URL = &u
				pr.Out.Host = ""
				return
			}
			pr.SetURL(origin)
		},
	}
}
