package retryafter

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/devproxy/devproxy/internal/plugin"
	"github.com/devproxy/devproxy/internal/store"
	"github.com/devproxy/devproxy/internal/throttle"
)

func testRequest() *plugin.Request {
	return &plugin.Request{
		Method:    "GET",
		URL:       "https://api.example.com/v1/x",
		Header:    http.Header{},
		RequestID: "req-1",
	}
}

func TestNoThrottlerMeansContinue(t *testing.T) {
	global := store.NewGlobal()
	p := New(global, Config{})

	result, err := p.OnRequest(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Kind != plugin.Continue {
		t.Fatalf("expected CONTINUE with no throttler registered, got %+v", result)
	}
}

func TestActiveThrottlerShortCircuits(t *testing.T) {
	global := store.NewGlobal()
	registry := throttle.NewRegistry()
	global.Set(throttle.GlobalKey, registry)

	registry.Register(&throttle.Throttler{
		ThrottlingKey: "api.example.com",
		ResetTime:     time.Now().Add(time.Minute),
		Decide: func(req *http.Request, key string) (int, string) {
			return 30, "Retry-After"
		},
	})

	p := New(global, Config{})
	result, err := p.OnRequest(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Kind != plugin.Respond {
		t.Fatalf("expected RESPOND, got %+v", result)
	}
	if result.Response.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", result.Response.StatusCode)
	}
	if got := result.Response.Header.Get("Retry-After"); got != "30" {
		t.Fatalf("expected Retry-After: 30, got %q", got)
	}
}

func TestDecideZeroSecondsMeansContinue(t *testing.T) {
	global := store.NewGlobal()
	registry := throttle.NewRegistry()
	global.Set(throttle.GlobalKey, registry)

	registry.Register(&throttle.Throttler{
		ThrottlingKey: "api.example.com",
		ResetTime:     time.Now().Add(time.Minute),
		Decide: func(req *http.Request, key string) (int, string) {
			return 0, ""
		},
	})

	p := New(global, Config{})
	result, err := p.OnRequest(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Kind != plugin.Continue {
		t.Fatalf("expected CONTINUE when decide() reports 0 seconds, got %+v", result)
	}
}

func TestProviderAwareIncludesErrorBody(t *testing.T) {
	global := store.NewGlobal()
	registry := throttle.NewRegistry()
	global.Set(throttle.GlobalKey, registry)
	registry.Register(&throttle.Throttler{
		ThrottlingKey: "api.example.com",
		ResetTime:     time.Now().Add(time.Minute),
		Decide: func(req *http.Request, key string) (int, string) {
			return 10, "Retry-After"
		},
	})

	p := New(global, Config{ProviderAware: func(req *plugin.Request) bool { return true }})
	result, err := p.OnRequest(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Response.Body) == 0 {
		t.Fatal("expected provider-aware response to include an error body")
	}
}
