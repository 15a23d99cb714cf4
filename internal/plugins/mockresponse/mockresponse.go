// Package mockresponse implements the mock-response engine (design doc
// Section 4.6, component C6): loading a mock catalog, matching requests
// against it, and synthesizing canned responses.
//
// Grounded on the teacher's rule engine (internal/engine/engine.go, which
// walks an ordered rule list evaluating conditions until one matches) and
// internal/engine/matcher.go for gobwas/glob compilation of URL patterns.
package mockresponse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gobwas/glob"

	"github.com/devproxy/devproxy/internal/plugin"
	"github.com/devproxy/devproxy/internal/store"
)

// MockRequest is the matching side of a catalog entry (spec Section 6:
// mock response file schema).
type MockRequest struct {
	Method       string `json:"method"`
	URL          string `json:"url"`
	BodyFragment string `json:"bodyFragment,omitempty"`
	Nth          int    `json:"nth,omitempty"`
}

// MockResponseSpec is the response-construction side of a catalog entry.
type MockResponseSpec struct {
	StatusCode int               `json:"statusCode,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       json.RawMessage   `json:"body,omitempty"`
}

// Mock is one catalog entry.
type Mock struct {
	Request  MockRequest      `json:"request"`
	Response MockResponseSpec `json:"response"`
}

// Catalog is the mocks file's top-level shape.
type Catalog struct {
	Schema string `json:"$schema,omitempty"`
	Mocks  []Mock `json:"mocks"`
}

// Config configures the mock-response plugin.
type Config struct {
	Name string

	// MocksFile is the path to the JSON mock catalog; @file bodies are
	// resolved relative to its directory.
	MocksFile string

	// BlockUnmocked synthesizes a 502 for any watched request with no
	// matching mock, instead of forwarding upstream (spec Section 4.6
	// "block-unmocked mode").
	BlockUnmocked bool

	// BatchURLPattern, when set, marks requests to this URL as batch
	// fan-out requests (spec Section 4.6 "batched-request fan-out").
	BatchURLPattern string
	BatchParse      func(body []byte) ([]MockRequest, error)
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "mock-response-plugin"
	}
}

type compiledMock struct {
	Mock
	urlGlob glob.Glob // non-nil only when Request.URL contains "*"
}

// New loads the mock catalog from cfg.MocksFile and returns the plugin.
// requests is the per-request storage registry (C2), consulted to merge
// in rate-limit warning headers (spec Section 4.6).
func New(requests *store.Requests, cfg Config) (*plugin.Plugin, error) {
	cfg.applyDefaults()

	catalog, err := loadCatalog(cfg.MocksFile)
	if err != nil {
		return nil, fmt.Errorf("mockresponse: load catalog: %w", err)
	}

	compiled := make([]*compiledMock, 0, len(catalog.Mocks))
	for _, m := range catalog.Mocks {
		cm := &compiledMock{Mock: m}
		if strings.Contains(m.Request.URL, "*") {
			g, err := glob.Compile(m.Request.URL)
			if err != nil {
				return nil, fmt.Errorf("mockresponse: invalid URL glob %q: %w", m.Request.URL, err)
			}
			cm.urlGlob = g
		}
		compiled = append(compiled, cm)
	}

	var batchGlob glob.Glob
	if cfg.BatchURLPattern != "" {
		g, err := glob.Compile(cfg.BatchURLPattern)
		if err != nil {
			return nil, fmt.Errorf("mockresponse: invalid batch URL pattern %q: %w", cfg.BatchURLPattern, err)
		}
		batchGlob = g
	}

	mocksDir := filepath.Dir(cfg.MocksFile)
	counters := &urlCounters{}
	fileCache := newFileCache()

	return &plugin.Plugin{
		Name:    cfg.Name,
		Enabled: true,
		OnRequest: func(ctx context.Context, req *plugin.Request) (plugin.RequestResult, error) {
			if batchGlob != nil && cfg.BatchParse != nil && batchGlob.Match(req.URL) {
				resp := buildBatchResponse(compiled, counters, mocksDir, fileCache, cfg.BatchParse, req)
				return plugin.RespondResult(resp), nil
			}

			m, ok := findMatch(compiled, counters, req.Method, req.URL, req.Body)
			if !ok {
				if cfg.BlockUnmocked {
					return plugin.RespondResult(unmockedResponse(req.URL)), nil
				}
				return plugin.ContinueResult(), nil
			}

			resp := buildResponse(m.Response, mocksDir, fileCache)
			mergeRateLimitHeaders(requests, req, resp)
			return plugin.RespondResult(resp), nil
		},
	}, nil
}

func loadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Catalog
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// urlCounters tracks the per-URL nth-occurrence counter (spec Section 4.6
// step 4: "a per-URL counter is incremented for every match on that
// URL"), shared across every mock entry declared for the same URL string.
type urlCounters struct {
	mu     sync.Mutex
	counts map[string]uint64
}

func (c *urlCounters) increment(url string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[string]uint64)
	}
	c.counts[url]++
	return c.counts[url]
}

// findMatch walks the catalog in declaration order (first match wins,
// spec Section 4.6) applying all four matching criteria.
func findMatch(mocks []*compiledMock, counters *urlCounters, method, url string, body []byte) (*compiledMock, bool) {
	for _, m := range mocks {
		if !strings.EqualFold(m.Request.Method, method) {
			continue
		}
		if !m.matchesURL(url) {
			continue
		}
		if !strings.EqualFold(method, http.MethodGet) && m.Request.BodyFragment != "" {
			if len(body) == 0 {
				continue
			}
			if !strings.Contains(strings.ToLower(string(body)), strings.ToLower(m.Request.BodyFragment)) {
				continue
			}
		}

		n := counters.increment(m.Request.URL)
		if m.Request.Nth == 0 || n == uint64(m.Request.Nth) {
			return m, true
		}
	}
	return nil, false
}

// matchesURL implements step 2 of the matching order: exact equality, or
// an anchored glob over the absolute URL when the mock's URL contains a
// "*" (spec Section 4.6).
func (m *compiledMock) matchesURL(url string) bool {
	if m.urlGlob != nil {
		return m.urlGlob.Match(url)
	}
	return m.Request.URL == url
}

// batchSubResult is one sub-request's outcome within a batch response.
type batchSubResult struct {
	StatusCode int             `json:"statusCode"`
	Body       json.RawMessage `json:"body,omitempty"`
}

// buildBatchResponse implements "batched-request fan-out" (spec Section
// 4.6): parse the batch body, attempt to mock each inner request
// independently, and assemble one response with per-sub-request statuses
// (502 for unmocked sub-requests).
func buildBatchResponse(mocks []*compiledMock, counters *urlCounters, mocksDir string, fileCache *fileCache, parse func([]byte) ([]MockRequest, error), req *plugin.Request) *plugin.Response {
	inner, err := parse(req.Body)
	if err != nil {
		return unmockedResponse(req.URL)
	}

	results := make([]batchSubResult, 0, len(inner))
	for _, sub := range inner {
		m, ok := findMatch(mocks, counters, sub.Method, sub.URL, nil)
		if !ok {
			results = append(results, batchSubResult{StatusCode: http.StatusBadGateway})
			continue
		}
		resp := buildResponse(m.Response, mocksDir, fileCache)
		results = append(results, batchSubResult{StatusCode: resp.StatusCode, Body: resp.Body})
	}

	body, _ := json.Marshal(map[string]any{"responses": results})
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	return &plugin.Response{StatusCode: http.StatusOK, Reason: "OK", Header: header, Body: body}
}

func buildResponse(spec MockResponseSpec, mocksDir string, fileCache *fileCache) *plugin.Response {
	status := spec.StatusCode
	if status == 0 {
		status = http.StatusOK
	}

	header := http.Header{}
	for k, v := range spec.Headers {
		header.Set(k, v)
	}
	if header.Get("Content-Type") == "" {
		header.Set("Content-Type", "application/json")
	}

	body := resolveBody(spec.Body, mocksDir, fileCache)

	return &plugin.Response{
		StatusCode: status,
		Reason:     http.StatusText(status),
		Header:     header,
		Body:       body,
	}
}

// resolveBody implements the "@<path>" dereference (spec Section 6):
// a body string beginning with "@" is served byte-for-byte from disk,
// relative to the mocks file's directory, with mtime-checked caching. A
// missing file is logged and the literal "@..." string is served
// instead (spec Section 7: MockFileMissing).
func resolveBody(raw json.RawMessage, mocksDir string, cache *fileCache) []byte {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil && strings.HasPrefix(asString, "@") {
		path := asString[1:]
		if !filepath.IsAbs(path) {
			path = filepath.Join(mocksDir, path)
		}
		data, err := cache.read(path)
		if err != nil {
			slog.Error("mock @file dereference failed, serving literal path", "path", path, "error", err)
			return []byte(asString)
		}
		return data
	}
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func unmockedResponse(url string) *plugin.Response {
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"code":    "unmocked_request",
			"message": fmt.Sprintf("no mock configured for %s", url),
		},
	})
	return &plugin.Response{
		StatusCode: http.StatusBadGateway,
		Reason:     "Bad Gateway",
		Header:     header,
		Body:       body,
	}
}

// mergeRateLimitHeaders merges rate-limit warning headers stashed in
// per-request storage under the count rate-limit plugin's conventional
// name into the synthesized mock response (spec Section 4.6).
func mergeRateLimitHeaders(requests *store.Requests, req *plugin.Request, resp *plugin.Response) {
	perReq := requests.Get(req.RequestID)
	if perReq == nil {
		return
	}
	v, ok := perReq.Get("rate-limiting-plugin")
	if !ok {
		return
	}
	headers, ok := v.(map[string]string)
	if !ok {
		return
	}
	for k, val := range headers {
		resp.Header.Set(k, val)
	}
}

// fileCache caches @file bodies keyed by path, invalidated when the
// file's mtime changes (spec Section 6 supplement: avoid re-reading an
// unchanged mock fixture on every match).
type fileCache struct {
	mu      sync.Mutex
	entries map[string]cachedFile
}

type cachedFile struct {
	modTime int64
	data    []byte
}

func newFileCache() *fileCache {
	return &fileCache{entries: make(map[string]cachedFile)}
}

func (c *fileCache) read(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	mtime := info.ModTime().UnixNano()

	c.mu.Lock()
	if cached, ok := c.entries[path]; ok && cached.modTime == mtime {
		c.mu.Unlock()
		return cached.data, nil
	}
	c.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[path] = cachedFile{modTime: mtime, data: data}
	c.mu.Unlock()
	return data, nil
}
