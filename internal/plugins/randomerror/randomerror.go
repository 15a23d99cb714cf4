// Package randomerror implements the chaos-engineering random-error
// engine (design doc Section 4.7, component C7): injects a configurable
// percentage of synthetic upstream failures.
package randomerror

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/devproxy/devproxy/internal/plugin"
)

// defaultCatalog is the per-method set of candidate statuses (spec
// Section 4.7 default catalog table).
var defaultCatalog = map[string][]int{
	http.MethodGet:    {429, 500, 502, 503, 504},
	http.MethodPatch:  {429, 500, 502, 503, 504},
	http.MethodPost:   {429, 500, 502, 503, 504, 507},
	http.MethodPut:    {429, 500, 502, 503, 504, 507},
	http.MethodDelete: {429, 500, 502, 503, 504, 507},
}

// Config configures the random-error plugin (spec Section 6 recognized
// fields).
type Config struct {
	Name string

	// Rate is the percentage chance, in [0, 100], that a matching
	// request fails.
	Rate int

	// RetryAfterInSeconds is attached to 429 errors.
	RetryAfterInSeconds int

	// Allowed, if non-empty, restricts the per-method catalog to these
	// statuses.
	Allowed []int

	// ProviderAware selects the error envelope shape: true emits an
	// inner-error object, false a generic error body.
	ProviderAware bool
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "random-error-plugin"
	}
	// Rate has no zero-value default here: 0 is the legal "never fail"
	// setting (spec Section 4.7), and callers (internal/config) resolve
	// "field omitted" to 50 before constructing this Config, so by the
	// time New sees it Rate is always the caller's real intent.
	if c.RetryAfterInSeconds == 0 {
		c.RetryAfterInSeconds = 5
	}
}

// New returns the random-error plugin.
//
// Decision (spec Section 4.7): draw x uniformly from [1, 100]; if x <=
// rate, fail; a rate of 100 therefore always fails and a rate of 0 never
// does, matching the inclusive boundary the spec's worked examples rely
// on (design doc Open Question, resolved: keep the inclusive [1,100]
// draw rather than a zero-based [0,100) draw, since the spec's "x <= rate"
// phrasing only produces "every request fails at rate=100" under an
// inclusive upper bound).
func New(cfg Config) *plugin.Plugin {
	cfg.applyDefaults()

	return &plugin.Plugin{
		Name:    cfg.Name,
		Enabled: true,
		OnRequest: func(ctx context.Context, req *plugin.Request) (plugin.RequestResult, error) {
			catalog := catalogFor(req.Method, cfg.Allowed)
			if len(catalog) == 0 {
				return plugin.ContinueResult(), nil
			}

			x := 1 + rand.IntN(100) // uniform in [1, 100]
			if x > cfg.Rate {
				return plugin.ContinueResult(), nil
			}

			status := catalog[rand.IntN(len(catalog))]
			return plugin.RespondResult(errorResponse(status, cfg)), nil
		},
	}
}

func catalogFor(method string, allowed []int) []int {
	base := defaultCatalog[strings.ToUpper(method)]
	if len(allowed) == 0 {
		return base
	}
	allow := make(map[int]bool, len(allowed))
	for _, s := range allowed {
		allow[s] = true
	}
	filtered := make([]int, 0, len(base))
	for _, s := range base {
		if allow[s] {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

func errorResponse(status int, cfg Config) *plugin.Response {
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	if status == http.StatusTooManyRequests {
		header.Set("Retry-After", strconv.Itoa(cfg.RetryAfterInSeconds))
	}

	body := errorBody(status, cfg.ProviderAware)
	raw, _ := json.Marshal(body)

	return &plugin.Response{
		StatusCode: status,
		Reason:     http.StatusText(status),
		Header:     header,
		Body:       raw,
	}
}

// errorBody shapes the synthetic error per spec Section 4.7: a generated
// request id and timestamp always; provider-aware errors additionally
// carry an inner-error object, generic ones don't.
func errorBody(status int, providerAware bool) map[string]any {
	envelope := map[string]any{
		"code":       strconv.Itoa(status),
		"message":    http.StatusText(status),
		"request_id": uuid.NewString(),
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}
	if providerAware {
		envelope["inner_error"] = map[string]any{
			"code":    strconv.Itoa(status),
			"message": "simulated upstream failure",
		}
	}
	return map[string]any{"error": envelope}
}
