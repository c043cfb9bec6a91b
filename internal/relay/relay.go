// Package relay forwards feed requests to a single upstream calendar host
// with browser-like headers, so that endpoints which answer HTML to bare
// clients still serve iCalendar data.
package relay

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"eventrotator/internal/config"
	appLog "eventrotator/internal/log"
)

const (
	userAgent      = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124 Safari/537.36"
	acceptCalendar = "text/calendar, text/plain;q=0.9,*/*;q=0.8"
	acceptLanguage = "en-US,en;q=0.8"
	cacheControl   = "public, max-age=300"
	maxBodyBytes   = 10 << 20
)

var calendarTypeRE = regexp.MustCompile(`(?i)text/calendar`)

// transport used for upstream requests
var roundTripper http.RoundTripper = &http.Transport{
	Proxy: http.ProxyFromEnvironment,
	DialContext: (&net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	MaxIdleConns:          100,
	IdleConnTimeout:       60 * time.Second,
	TLSHandshakeTimeout:   5 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ResponseHeaderTimeout: 10 * time.Second,
}

// Handler serves GET <mount><path>?<query> by fetching
// <upstream><path>?<query>. Redirects are followed.
type Handler struct {
	mount    string
	upstream string
	referer  string
	client   *http.Client
}

// New builds a Handler from normalized relay settings.
func New(cfg config.RelayConfig, timeout time.Duration) *Handler {
	return &Handler{
		mount:    cfg.Mount,
		upstream: strings.TrimRight(cfg.Upstream, "/"),
		referer:  cfg.Referer,
		client:   &http.Client{Transport: roundTripper, Timeout: timeout},
	}
}

// WithClient swaps the upstream client, for tests.
func (h *Handler) WithClient(c *http.Client) *Handler {
	h.client = c
	return h
}

// Target maps an incoming request to the upstream URL.
func (h *Handler) Target(r *http.Request) string {
	path := strings.TrimPrefix(r.URL.EscapedPath(), h.mount)
	target := h.upstream + path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	return target
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	target := h.Target(r)
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		h.fail(w, target, err)
		return
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", acceptCalendar)
	req.Header.Set("Accept-Language", acceptLanguage)
	if h.referer != "" {
		req.Header.Set("Referer", h.referer)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		h.fail(w, target, err)
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		h.fail(w, target, err)
		return
	}

	contentType := "text/plain; charset=utf-8"
	if calendarTypeRE.MatchString(resp.Header.Get("Content-Type")) || strings.HasPrefix(string(body), "BEGIN:VCALENDAR") {
		contentType = "text/calendar; charset=utf-8"
	}

	w.Header().Set("Cache-Control", cacheControl)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(resp.StatusCode)
	if r.Method == http.MethodGet {
		_, _ = w.Write(body)
	}
	appLog.Debug("relay", "status", resp.StatusCode, "type", contentType, "bytes", len(body))
}

func (h *Handler) fail(w http.ResponseWriter, target string, err error) {
	appLog.Error("relay upstream failed", err, "host", h.upstream)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusBadGateway)
	_, _ = fmt.Fprintf(w, "Proxy error fetching %s\n%s", target, err)
}
