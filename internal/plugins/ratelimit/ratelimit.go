// Package ratelimit implements the two rate-limit engines, component C9
// (request count) and C10 (LM token usage), design doc Sections 4.9 and
// 4.10. Both share the same fixed-window roll logic (spec Section 3:
// Rate-limit state) and both publish throttlers into the shared registry
// (package throttle) so the retry-after enforcer (package retryafter)
// can short-circuit clients that retry too soon.
//
// Grounded on the teacher's Engine (internal/engine/engine.go) for the
// "lazy-init + RWMutex-guarded state, evaluated on every request" shape,
// and on internal/proxy/response_modifier.go for JSON error envelope
// conventions.
package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/devproxy/devproxy/internal/plugin"
	"github.com/devproxy/devproxy/internal/store"
	"github.com/devproxy/devproxy/internal/throttle"
)

// ResetFormat controls how the "reset" header value is rendered.
type ResetFormat int

const (
	// SecondsLeft renders the reset header as seconds remaining.
	SecondsLeft ResetFormat = iota
	// UtcEpochSeconds renders the reset header as a Unix timestamp.
	UtcEpochSeconds
)

// CountConfig configures the request-count rate limiter (C9).
type CountConfig struct {
	Name                    string
	RateLimit               int
	CostPerRequest          int
	ResetTimeWindowSeconds  int
	WarningThresholdPercent int
	HeaderLimit             string
	HeaderRemaining         string
	HeaderReset             string
	HeaderRetryAfter        string
	ResetFormat             ResetFormat
	WhenLimitExceeded       string // "Throttle" or "Custom"
	CustomResponse          *plugin.Response
	// KeyFunc derives the per-host throttling key. Defaults to the
	// request host.
	KeyFunc func(req *plugin.Request) string
}

func (c *CountConfig) applyDefaults() {
	if c.Name == "" {
		c.Name = "rate-limiting-plugin"
	}
	if c.CostPerRequest <= 0 {
		c.CostPerRequest = 2
	}
	if c.ResetTimeWindowSeconds <= 0 {
		c.ResetTimeWindowSeconds = 60
	}
	if c.WarningThresholdPercent <= 0 {
		c.WarningThresholdPercent = 80
	}
	if c.HeaderLimit == "" {
		c.HeaderLimit = "RateLimit-Limit"
	}
	if c.HeaderRemaining == "" {
		c.HeaderRemaining = "RateLimit-Remaining"
	}
	if c.HeaderReset == "" {
		c.HeaderReset = "RateLimit-Reset"
	}
	if c.HeaderRetryAfter == "" {
		c.HeaderRetryAfter = "Retry-After"
	}
	if c.KeyFunc == nil {
		c.KeyFunc = hostKey
	}
}

// countState is the mutable window state for one throttling key.
type countState struct {
	mu        sync.Mutex
	remaining int
	resetTime time.Time
}

// CountPlugin returns the count-based rate limiter (design doc Section
// 4.9). State is keyed per-host so multiple upstreams under watch get
// independent budgets. requests is the per-request storage registry (C2):
// warning headers are published there under this plugin's name so the
// mock-response engine can merge them into a synthesized mock (spec
// Section 4.6: "If storage contains rate-limiting headers under the
// rate-limit plugin's name, they are merged into the mock response").
func CountPlugin(global *store.Global, requests *store.Requests, cfg CountConfig) *plugin.Plugin {
	cfg.applyDefaults()
	states := &sync.Map{} // string -> *countState

	perHostState := func(key string) *countState {
		v, _ := states.LoadOrStore(key, &countState{})
		return v.(*countState)
	}

	return &plugin.Plugin{
		Name:    cfg.Name,
		Enabled: true,
		OnRequest: func(ctx context.Context, req *plugin.Request) (plugin.RequestResult, error) {
			key := cfg.KeyFunc(req)
			st := perHostState(key)
			now := time.Now()

			st.mu.Lock()
			defer st.mu.Unlock()

			// Lazy-init / window roll (spec Section 4.9 steps 1-2).
			if st.resetTime.IsZero() || now.After(st.resetTime) {
				st.remaining = cfg.RateLimit
				st.resetTime = now.Add(time.Duration(cfg.ResetTimeWindowSeconds) * time.Second)
			}

			// A request whose cost drives remaining below zero exceeded the
			// budget; remaining is clamped at 0.
			st.remaining -= cfg.CostPerRequest
			if st.remaining < 0 {
				st.remaining = 0
				secondsLeft := int(time.Until(st.resetTime).Seconds())
				if secondsLeft < 0 {
					secondsLeft = 0
				}
				registerThrottler(global, key, cfg.HeaderRetryAfter, st.resetTime)

				if cfg.WhenLimitExceeded == "Custom" && cfg.CustomResponse != nil {
					return plugin.RespondResult(substituteRetryHeader(cfg.CustomResponse, cfg.HeaderRetryAfter, secondsLeft)), nil
				}
				return plugin.RespondResult(throttleResponse(cfg.HeaderRetryAfter, secondsLeft)), nil
			}

			if percentRemaining(st.remaining, cfg.RateLimit) < cfg.WarningThresholdPercent {
				attachWarningHeaders(requests, req, cfg, st.remaining, st.resetTime, now)
			}

			if req.Header.Get("Origin") != "" {
				req.Header.Set("Access-Control-Allow-Origin", "*")
				req.Header.Set("Access-Control-Expose-Headers", cfg.HeaderLimit+", "+cfg.HeaderRemaining+", "+cfg.HeaderReset)
			}

			return plugin.ContinueResult(), nil
		},
		OnResponse: func(ctx context.Context, req *plugin.Request, resp *plugin.Response) (plugin.ResponseResult, error) {
			// Copy any rate-limit headers this plugin stashed into the
			// per-request slot onto the outgoing response (spec Section
			// 4.9 step 5: "an observer hook on the response phase copies
			// them onto the outgoing response").
			if headers, ok := perRequestHeaders(requests, req, cfg.Name); ok {
				for k, v := range headers {
					resp.Header.Set(k, v)
				}
			}
			return plugin.ResponseResult{}, nil
		},
	}
}

// attachWarningHeaders publishes the warning-threshold headers into this
// request's per-request storage slot (C2), keyed by plugin name, so both
// this plugin's own response observer and the mock-response engine can
// read them back (spec Section 4.6 and 4.9 step 5).
func attachWarningHeaders(requests *store.Requests, req *plugin.Request, cfg CountConfig, remaining int, resetTime time.Time, now time.Time) {
	perReq := requests.Get(req.RequestID)
	if perReq == nil {
		return
	}
	resetValue := strconv.Itoa(int(time.Until(resetTime).Seconds()))
	if cfg.ResetFormat == UtcEpochSeconds {
		resetValue = strconv.FormatInt(resetTime.Unix(), 10)
	}
	headers := map[string]string{
		cfg.HeaderLimit:     strconv.Itoa(cfg.RateLimit),
		cfg.HeaderRemaining: strconv.Itoa(remaining),
		cfg.HeaderReset:     resetValue,
	}
	perReq.Set(cfg.Name, headers)
}

func perRequestHeaders(requests *store.Requests, req *plugin.Request, pluginName string) (map[string]string, bool) {
	perReq := requests.Get(req.RequestID)
	if perReq == nil {
		return nil, false
	}
	v, ok := perReq.Get(pluginName)
	if !ok {
		return nil, false
	}
	return v.(map[string]string), true
}

func percentRemaining(remaining, limit int) int {
	if limit <= 0 {
		return 0
	}
	return remaining * 100 / limit
}

func registerThrottler(global *store.Global, key, headerName string, resetTime time.Time) {
	registry := registryFrom(global)
	if existing := registry.FindByKey(time.Now(), key); existing != nil {
		existing.ResetTime = resetTime
		return
	}
	registry.Register(&throttle.Throttler{
		ThrottlingKey: key,
		ResetTime:     resetTime,
		Decide: func(req *http.Request, throttlingKey string) (int, string) {
			secondsLeft := int(time.Until(resetTime).Seconds())
			if secondsLeft <= 0 {
				return 0, headerName
			}
			return secondsLeft, headerName
		},
	})
}

func registryFrom(global *store.Global) *throttle.Registry {
	v := global.GetOrInsert(throttle.GlobalKey, func() any {
		return throttle.NewRegistry()
	})
	return v.(*throttle.Registry)
}

func throttleResponse(headerName string, secondsLeft int) *plugin.Response {
	header := http.Header{}
	header.Set(headerName, strconv.Itoa(secondsLeft))
	header.Set("Content-Type", "application/json")
	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"code":    "rate_limit_exceeded",
			"message": "Rate limit exceeded",
		},
	})
	return &plugin.Response{
		StatusCode: http.StatusTooManyRequests,
		Reason:     "Too Many Requests",
		Header:     header,
		Body:       body,
	}
}

// substituteRetryHeader fills in the "@dynamic" placeholder in a
// user-configured custom response (spec Section 4.9 step 4b).
func substituteRetryHeader(custom *plugin.Response, headerName string, secondsLeft int) *plugin.Response {
	out := &plugin.Response{
		StatusCode: custom.StatusCode,
		Reason:     custom.Reason,
		Header:     http.Header{},
		Body:       custom.Body,
	}
	for k, vs := range custom.Header {
		for _, v := range vs {
			if v == "@dynamic" {
				v = strconv.Itoa(secondsLeft)
			}
			out.Header.Add(k, v)
		}
	}
	if out.Header.Get(headerName) == "" {
		out.Header.Set(headerName, strconv.Itoa(secondsLeft))
	}
	return out
}

func hostKey(req *plugin.Request) string {
	u, err := url.Parse(req.URL)
	if err != nil {
		return req.URL
	}
	return u.Host
}
