package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	appLog "eventrotator/internal/log"
	"eventrotator/internal/model"
)

const (
	defaultFetchTimeout = 15 * time.Second
	maxBodyBytes        = 10 << 20
	acceptCalendar      = "text/calendar, text/plain;q=0.9,*/*;q=0.8"
)

var errNotCalendar = errors.New("response is not calendar data")

// cacheEntry holds HTTP cache metadata for a single candidate URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher retrieves feeds by walking each source's candidates in order.
// Conditional requests (ETag / Last-Modified) are backed by a disk cache
// when cacheDir is set; a cached body is only reused on 304.
type Fetcher struct {
	client   *http.Client
	cacheDir string
}

// FetcherOption customizes a Fetcher.
type FetcherOption func(*Fetcher)

// WithHTTPClient replaces the HTTP client used for candidate requests.
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) {
		if c != nil {
			f.client = c
		}
	}
}

// NewFetcher creates a Fetcher. An empty cacheDir disables the disk cache;
// a non-positive timeout uses 15s.
func NewFetcher(cacheDir string, timeout time.Duration, opts ...FetcherOption) *Fetcher {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	f := &Fetcher{
		client:   &http.Client{Timeout: timeout},
		cacheDir: cacheDir,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// FetchSource tries src.Candidates sequentially and stops at the first one
// returning calendar data. It never fails: a source with no good candidate
// yields a SourceResult with empty Text.
func (f *Fetcher) FetchSource(ctx context.Context, src Source) model.SourceResult {
	res := model.SourceResult{SourceID: src.ID}

	for _, c := range src.Candidates {
		if ctx.Err() != nil {
			res.Attempts = append(res.Attempts, model.Attempt{URL: c.URL, Err: ctx.Err().Error()})
			break
		}

		text, status, err := f.fetchCandidate(ctx, c.URL)
		attempt := model.Attempt{URL: c.URL, Status: status}

		switch {
		case err == nil:
			res.Attempts = append(res.Attempts, attempt)
			res.Text = text
			res.OKURL = c.URL
			res.OKKind = c.Kind
			appLog.Info("feed ok", "id", src.ID, "kind", c.Kind, "url", RedactURL(c.URL))
			return res
		case errors.Is(err, errNotCalendar):
			appLog.Warn("feed non-ics", "id", src.ID, "kind", c.Kind, "url", RedactURL(c.URL), "status", status)
		case status != 0:
			appLog.Warn("feed fail", "id", src.ID, "kind", c.Kind, "url", RedactURL(c.URL), "status", status)
		default:
			appLog.Warn("feed error", "id", src.ID, "kind", c.Kind, "url", RedactURL(c.URL), "err", err)
		}
		attempt.Err = err.Error()
		res.Attempts = append(res.Attempts, attempt)
	}

	return res
}

// fetchCandidate performs one GET. A non-2xx status, a transport error and a
// body that does not look like a calendar are all errors.
func (f *Fetcher) fetchCandidate(ctx context.Context, target string) (string, int, error) {
	cachePath := f.cachePathForURL(target)
	var meta cacheEntry
	var cachedBody []byte
	if cachePath != "" {
		meta, _ = f.loadCacheMeta(cachePath)
		cachedBody, _ = f.loadCacheBody(cachePath)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", 0, errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", acceptCalendar)
	if len(cachedBody) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified && len(cachedBody) > 0:
		appLog.Debug("feed not modified; using cache", "url", RedactURL(target))
		if !LooksLikeCalendar(string(cachedBody)) {
			return "", resp.StatusCode, errNotCalendar
		}
		return string(cachedBody), resp.StatusCode, nil

	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", resp.StatusCode, errors.Errorf("unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", resp.StatusCode, errors.Wrap(err, "read body")
	}
	text := string(body)
	if !LooksLikeCalendar(text) {
		return "", resp.StatusCode, errNotCalendar
	}

	if cachePath != "" {
		newMeta := cacheEntry{
			URL:          target,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}
		if err := f.saveCache(cachePath, newMeta, body); err != nil {
			appLog.Error("feed cache save failed", err, "url", RedactURL(target))
		}
	}

	return text, resp.StatusCode, nil
}

func (f *Fetcher) cachePathForURL(u string) string {
	if f.cacheDir == "" || u == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(u))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func (f *Fetcher) loadCacheMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(cachePath, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

func (f *Fetcher) loadCacheBody(cachePath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(cachePath, "body.ics"))
}

func (f *Fetcher) saveCache(cachePath string, meta cacheEntry, body []byte) error {
	if meta.ETag == "" && meta.LastModified == "" {
		// Nothing to revalidate against.
		return nil
	}
	if err := os.MkdirAll(cachePath, 0o700); err != nil {
		return err
	}

	// Write body first so meta never points at a missing body.
	if err := os.WriteFile(filepath.Join(cachePath, "body.ics"), body, 0o600); err != nil {
		return err
	}

	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cachePath, "meta.json"), data, 0o600)
}

// RedactURL reduces a URL to scheme and host for logging.
func RedactURL(u string) string {
	parsed, err := url.Parse(u)
	if err != nil || parsed.Host == "" {
		if len(u) > 0 && u[0] == '/' {
			return "(relative)/...(redacted)"
		}
		return "ics://...(redacted)"
	}
	return parsed.Scheme + "://" + parsed.Host + "/...(redacted)"
}
