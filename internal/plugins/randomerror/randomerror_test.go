package randomerror

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"testing"

	"github.com/devproxy/devproxy/internal/plugin"
)

func req(method string) *plugin.Request {
	return &plugin.Request{
		Method:    method,
		URL:       "https://api.example.com/x",
		Header:    http.Header{},
		RequestID: "req-1",
	}
}

func TestRateZeroNeverFails(t *testing.T) {
	p := New(Config{Rate: 0})
	for i := 0; i < 200; i++ {
		result, err := p.OnRequest(context.Background(), req("GET"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Kind != plugin.Continue {
			t.Fatalf("rate=0 must never fail, got %+v", result)
		}
	}
}

func TestRateHundredAlwaysFails(t *testing.T) {
	p := New(Config{Rate: 100})
	for i := 0; i < 200; i++ {
		result, err := p.OnRequest(context.Background(), req("GET"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Kind != plugin.Respond {
			t.Fatalf("rate=100 must always fail, got %+v", result)
		}
	}
}

// TestEmpiricalFailRateWithinTolerance exercises the property described in
// spec Section 8: over N trials at rate p, the empirical fail ratio lies
// within p +/- 3*sqrt(p(1-p)/N).
func TestEmpiricalFailRateWithinTolerance(t *testing.T) {
	const n = 5000
	const ratePercent = 30
	p := New(Config{Rate: ratePercent})

	fails := 0
	for i := 0; i < n; i++ {
		result, _ := p.OnRequest(context.Background(), req("GET"))
		if result.Kind == plugin.Respond {
			fails++
		}
	}

	rate := float64(ratePercent) / 100
	observed := float64(fails) / float64(n)
	epsilon := 3 * math.Sqrt(rate*(1-rate)/float64(n))

	if math.Abs(observed-rate) > epsilon {
		t.Fatalf("observed fail rate %.4f outside %.4f +/- %.4f", observed, rate, epsilon)
	}
}

func TestAllowedRestrictsCatalog(t *testing.T) {
	p := New(Config{Rate: 100, Allowed: []int{503}})

	for i := 0; i < 50; i++ {
		result, _ := p.OnRequest(context.Background(), req("GET"))
		if result.Kind != plugin.Respond {
			t.Fatalf("expected RESPOND, got %+v", result)
		}
		if result.Response.StatusCode != 503 {
			t.Fatalf("expected only the allowed status 503, got %d", result.Response.StatusCode)
		}
	}
}

func TestMethodCatalogDiffersForWriteMethods(t *testing.T) {
	p := New(Config{Rate: 100, Allowed: []int{507}})

	get, _ := p.OnRequest(context.Background(), req("GET"))
	if get.Kind == plugin.Respond {
		t.Fatalf("507 is not in the GET catalog, GET must pass through, got %+v", get)
	}

	post, _ := p.OnRequest(context.Background(), req("POST"))
	if post.Kind != plugin.Respond || post.Response.StatusCode != 507 {
		t.Fatalf("507 is in the POST catalog, expected RESPOND with 507, got %+v", post)
	}
}

func TestGenericErrorBodyHasNoInnerError(t *testing.T) {
	p := New(Config{Rate: 100, Allowed: []int{500}, ProviderAware: false})

	result, _ := p.OnRequest(context.Background(), req("GET"))
	var body map[string]map[string]any
	if err := json.Unmarshal(result.Response.Body, &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if _, ok := body["error"]["inner_error"]; ok {
		t.Fatalf("generic error must not carry an inner_error object, got %+v", body)
	}
	if body["error"]["request_id"] == "" || body["error"]["request_id"] == nil {
		t.Fatalf("expected a generated request id, got %+v", body)
	}
}

func TestProviderAwareErrorBodyHasInnerError(t *testing.T) {
	p := New(Config{Rate: 100, Allowed: []int{500}, ProviderAware: true})

	result, _ := p.OnRequest(context.Background(), req("GET"))
	var body map[string]map[string]any
	if err := json.Unmarshal(result.Response.Body, &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if _, ok := body["error"]["inner_error"]; !ok {
		t.Fatalf("provider-aware error must carry an inner_error object, got %+v", body)
	}
}

func TestTooManyRequestsSetsRetryAfterHeader(t *testing.T) {
	p := New(Config{Rate: 100, Allowed: []int{429}, RetryAfterInSeconds: 7})

	result, _ := p.OnRequest(context.Background(), req("GET"))
	if result.Response.Header.Get("Retry-After") != "7" {
		t.Fatalf("expected Retry-After: 7, got %q", result.Response.Header.Get("Retry-After"))
	}
}
