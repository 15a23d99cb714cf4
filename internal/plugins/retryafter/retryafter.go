// Package retryafter implements the retry-after enforcer (design doc
// Section 4.11, component C11): it runs before any mutating plugin in
// the request phase, sweeps expired throttlers, and short-circuits a
// request whose client did not honour a prior Retry-After window.
//
// Grounded on the teacher's plugin-shaped design (dispatch over a stable
// Name/Enabled/hook set, internal/plugin) and the teacher's JSON error
// body conventions (internal/proxy/response_modifier.go's provider error
// envelopes), adapted here to a generic "provider-aware or not" envelope
// per spec Section 4.11.
package retryafter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/devproxy/devproxy/internal/plugin"
	"github.com/devproxy/devproxy/internal/store"
	"github.com/devproxy/devproxy/internal/throttle"
)

// Name is the plugin's stable identity.
const Name = "retry-after-plugin"

// KeyFunc derives the throttling key for a request — typically the
// watched host, so all plugins throttling the same upstream share one
// registry key (e.g. "api.example.com").
type KeyFunc func(req *plugin.Request) string

// Config configures the enforcer.
type Config struct {
	// KeyFunc computes the throttling key. Defaults to the request host.
	KeyFunc KeyFunc
	// ProviderAware marks hosts whose 429 body should carry the
	// provider error envelope (application/json with error.code/message)
	// rather than an empty body (spec Section 4.11).
	ProviderAware func(req *plugin.Request) bool
}

// New builds the retry-after enforcer plugin. It reads from the shared
// throttling registry in global storage (throttle.GlobalKey) and never
// writes new throttlers itself — it only refreshes ResetTime on a
// matching lookup, per spec Section 9's Open Question (the extension is
// treated as intentional here: a client that keeps retrying during the
// window keeps getting told to back off for the same window).
func New(global *store.Global, cfg Config) *plugin.Plugin {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = hostKey
	}

	return &plugin.Plugin{
		Name:    Name,
		Enabled: true,
		OnRequest: func(ctx context.Context, req *plugin.Request) (plugin.RequestResult, error) {
			registry := registryFrom(global)
			key := cfg.KeyFunc(req)
			now := time.Now()

			for _, t := range registry.Active(now) {
				if t.ThrottlingKey != key {
					continue
				}
				httpReq, err := http.NewRequest(req.Method, req.URL, nil)
				if err != nil {
					continue
				}
				seconds, headerName := t.Decide(httpReq, key)
				if seconds <= 0 {
					continue
				}

				// Successful match refreshes the throttle window (spec
				// Section 4.11 and the Open Question in Section 9: this
				// extension is intentional here).
				t.ResetTime = now.Add(time.Duration(seconds) * time.Second)

				providerAware := cfg.ProviderAware != nil && cfg.ProviderAware(req)
				return plugin.RespondResult(throttledResponse(seconds, headerName, providerAware)), nil
			}

			return plugin.ContinueResult(), nil
		},
	}
}

func registryFrom(global *store.Global) *throttle.Registry {
	v := global.GetOrInsert(throttle.GlobalKey, func() any {
		return throttle.NewRegistry()
	})
	return v.(*throttle.Registry)
}

func hostKey(req *plugin.Request) string {
	u, err := url.Parse(req.URL)
	if err != nil {
		return req.URL
	}
	return u.Host
}

func throttledResponse(seconds int, headerName string, providerAware bool) *plugin.Response {
	header := http.Header{}
	if headerName == "" {
		headerName = "Retry-After"
	}
	header.Set(headerName, strconv.Itoa(seconds))

	resp := &plugin.Response{
		StatusCode: http.StatusTooManyRequests,
		Reason:     "Too Many Requests",
		Header:     header,
	}

	if providerAware {
		header.Set("Content-Type", "application/json")
		body, _ := json.Marshal(map[string]any{
			"error": map[string]any{
				"code":    "rate_limit_exceeded",
				"message": "Retry-After window not yet elapsed",
			},
		})
		resp.Body = body
	}

	return resp
}
